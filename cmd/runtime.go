package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dave/dst"
	"github.com/dave/dst/dstutil"
	"github.com/pkg/errors"
)

// tlsField is the goroutine local storage added to the runtime g.
const tlsField = "swtls"

// RuntimeInstrument gives every goroutine a storage slot inherited by the
// goroutines it starts. Interceptors reach it through core.GetGLS and
// core.SetGLS.
type RuntimeInstrument struct {
}

func NewRuntimeInstrument() *RuntimeInstrument {
	return &RuntimeInstrument{}
}

func (r *RuntimeInstrument) HookPoints() []*InstrumentPoint {
	return []*InstrumentPoint{
		{
			Package:       "runtime",
			File:          "runtime2.go",
			FilterAndEdit: r.enhanceGoroutine,
		},
		{
			Package:       "runtime",
			File:          "proc.go",
			FilterAndEdit: r.enhanceNewProc,
		},
	}
}

// enhanceGoroutine appends the storage to the g struct.
func (r *RuntimeInstrument) enhanceGoroutine(cursor *dstutil.Cursor) bool {
	n, ok := cursor.Node().(*dst.TypeSpec)
	if !ok || n.Name == nil || n.Name.Name != "g" {
		return false
	}
	st, ok := n.Type.(*dst.StructType)
	if !ok {
		return false
	}
	for _, f := range st.Fields.List {
		for _, name := range f.Names {
			if name.Name == tlsField {
				return false
			}
		}
	}
	st.Fields.List = append(st.Fields.List, &dst.Field{
		Names: []*dst.Ident{dst.NewIdent(tlsField)},
		Type:  dst.NewIdent("interface{}"),
	})
	return true
}

// enhanceNewProc copies the storage of the creating goroutine to the new one.
func (r *RuntimeInstrument) enhanceNewProc(cursor *dstutil.Cursor) bool {
	n, ok := cursor.Node().(*dst.FuncDecl)
	if !ok || n.Name.Name != "newproc1" || n.Body == nil {
		return false
	}
	if n.Type.Results == nil || len(n.Type.Results.List) != 1 || len(n.Type.Params.List) < 2 {
		return false
	}
	parameterNames := enhanceParameterNames(n.Type.Params, "sw_param_")
	resultNames := enhanceParameterNames(n.Type.Results, "sw_result_")
	n.Body.List = append(goStringToStmts(fmt.Sprintf(`defer func() {
	if %[1]s != nil && %[2]s != nil {
		%[1]s.%[3]s = %[2]s.%[3]s
	}
}()`, resultNames[0].Name, parameterNames[1].Name, tlsField)), n.Body.List...)
	return true
}

func (r *RuntimeInstrument) ExtraChangesForEnhancedFile(filepath string) error {
	return nil
}

func (r *RuntimeInstrument) WriteExtraFiles(basePath string) ([]string, error) {
	tlsExt := filepath.Join(basePath, "skywalking.go")
	if err := os.WriteFile(tlsExt, []byte(fmt.Sprintf(`package runtime

import (
	_ "unsafe"
)

//go:linkname _skywalking_tls_get _skywalking_tls_get
var _skywalking_tls_get = _skywalking_tls_get_impl

//go:linkname _skywalking_tls_set _skywalking_tls_set
var _skywalking_tls_set = _skywalking_tls_set_impl

//go:nosplit
func _skywalking_tls_get_impl() interface{} {
	return getg().m.curg.%[1]s
}

//go:nosplit
func _skywalking_tls_set_impl(v interface{}) {
	getg().m.curg.%[1]s = v
}
`, tlsField)), 0644); err != nil {
		return nil, errors.Wrap(err, "write runtime storage")
	}
	return []string{tlsExt}, nil
}
