package main

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"text/template"

	"github.com/dave/dst"
	"github.com/dave/dst/decorator"
	"github.com/dave/dst/dstutil"
	"github.com/pkg/errors"

	"github.com/mrproliu/go-agent-virtualfield/frameworks/core"
	"github.com/mrproliu/go-agent-virtualfield/frameworks/gin"
)

var frameworkInstruments []core.Instrument

func init() {
	frameworkInstruments = append(frameworkInstruments, &gin.Instrument{})
}

// FrameworkInstrument intercepts the methods selected by the frameworks. The
// enhanced method calls the before and after functions an adapter package
// publishes under the core.BeforeSymbol and core.AfterSymbol link names, the
// calls are skipped while no adapter is linked into the binary.
type FrameworkInstrument struct {
	points       []*InstrumentPoint
	methods      []*FrameworkEnhanceMethodInfo
	replacements map[string]string
	packageName  string
}

func NewFrameworkInstrument(pkgPath string) *FrameworkInstrument {
	result := &FrameworkInstrument{replacements: make(map[string]string)}
	for _, inst := range frameworkInstruments {
		for _, point := range inst.Points() {
			pointPkg := path.Join(inst.BasePackage(), point.PackagePath)
			if pointPkg != pkgPath || point.FilterMethod == nil {
				continue
			}
			result.points = append(result.points, &InstrumentPoint{
				Package: pointPkg,
				File:    point.FileName,
				FilterAndEdit: func(cursor *dstutil.Cursor) bool {
					return result.filterAndEdit(pointPkg, point, cursor)
				},
			})
		}
	}
	return result
}

func (f *FrameworkInstrument) filterAndEdit(pkgPath string, point *core.InstrumentPoint, cursor *dstutil.Cursor) bool {
	if file, ok := cursor.Node().(*dst.File); ok {
		f.packageName = file.Name.Name
		return false
	}
	if !point.FilterMethod(cursor) {
		return false
	}
	decl, ok := cursor.Node().(*dst.FuncDecl)
	if !ok || decl.Body == nil {
		return false
	}
	methodInfo := NewFrameworkEnhanceMethodInfo(pkgPath, decl)
	if methodInfo.FuncID == "" {
		return false
	}
	for _, m := range f.methods {
		if m.FuncID == methodInfo.FuncID {
			return false
		}
	}
	f.methods = append(f.methods, methodInfo)

	placeholder, code := methodInfo.BuildForInvoker()
	f.replacements[placeholder] = code
	decl.Body.Decs.Lbrace.Append(placeholder)
	logger.WithField("function", methodInfo.FuncID).Debug("method intercepted")
	return true
}

func (f *FrameworkInstrument) HookPoints() []*InstrumentPoint {
	return f.points
}

// ExtraChangesForEnhancedFile swaps the placeholders for the interception
// code, on the brace line, so the line numbers of the method body hold.
func (f *FrameworkInstrument) ExtraChangesForEnhancedFile(file string) error {
	if len(f.replacements) == 0 {
		return nil
	}
	contentBytes, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrapf(err, "read %s", file)
	}
	contentString := string(contentBytes)
	if !strings.Contains(contentString, "//goagent:enhance(") {
		return nil
	}
	for k, v := range f.replacements {
		contentString = strings.ReplaceAll(contentString, k, v)
	}
	return os.WriteFile(file, []byte(contentString), 0644)
}

// WriteExtraFiles declares the linked before and after variables of every
// intercepted method.
func (f *FrameworkInstrument) WriteExtraFiles(basePath string) ([]string, error) {
	if len(f.methods) == 0 {
		return nil, nil
	}
	sort.Slice(f.methods, func(i, j int) bool { return f.methods[i].FuncID < f.methods[j].FuncID })
	var buffer bytes.Buffer
	if err := adapterTemplate.Execute(&buffer, struct {
		Package string
		Methods []*FrameworkEnhanceMethodInfo
	}{f.packageName, f.methods}); err != nil {
		return nil, errors.Wrap(err, "render adapter")
	}
	file, err := decorator.Parse(buffer.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "parse adapter")
	}
	adapterFile, err := writeExtraFile(basePath, "skywalking_adapter.go", file)
	if err != nil {
		return nil, err
	}
	return []string{adapterFile}, nil
}

var adapterTemplate = template.Must(template.New("adapter").Parse(`package {{.Package}}

import _ "unsafe"
{{range .Methods}}
//go:linkname {{.BeforeName}} {{.BeforeName}}
var {{.BeforeName}} func(caller interface{}, args []interface{}) (interface{}, bool)

//go:linkname {{.AfterName}} {{.AfterName}}
var {{.AfterName}} func(state interface{}, results []interface{})
{{end}}`))

func buildFrameworkFuncID(pkgPath string, node *dst.FuncDecl) string {
	var receiver string
	if node.Recv != nil && len(node.Recv.List) > 0 {
		receiver = receiverName(node.Recv.List[0].Type)
		if receiver == "" {
			return ""
		}
	}
	return core.FuncID(pkgPath, receiver, node.Name.Name)
}

func receiverName(expr dst.Expr) string {
	switch t := expr.(type) {
	case *dst.StarExpr:
		return receiverName(t.X)
	case *dst.Ident:
		return t.Name
	case *dst.IndexExpr:
		return receiverName(t.X)
	case *dst.IndexListExpr:
		return receiverName(t.X)
	}
	return ""
}

type FrameworkEnhanceMethodInfo struct {
	FuncID         string
	FuncDecl       *dst.FuncDecl
	FuncParameters []*ParameterInfo
	FuncRecvs      []*ParameterInfo
	FuncResults    []*ParameterInfo

	BeforeName string
	AfterName  string
}

func NewFrameworkEnhanceMethodInfo(pkgPath string, f *dst.FuncDecl) *FrameworkEnhanceMethodInfo {
	info := &FrameworkEnhanceMethodInfo{
		FuncDecl: f,
		FuncID:   buildFrameworkFuncID(pkgPath, f),
	}
	if info.FuncID == "" {
		return info
	}
	info.FuncParameters = enhanceParameterNames(f.Type.Params, "sw_param_")
	info.FuncResults = enhanceParameterNames(f.Type.Results, "sw_result_")
	if f.Recv != nil {
		info.FuncRecvs = enhanceParameterNames(f.Recv, "sw_recv_")
	}
	info.BeforeName = core.BeforeSymbol(info.FuncID)
	info.AfterName = core.AfterSymbol(info.FuncID)
	return info
}

// BuildForInvoker returns the placeholder comment put after the opening brace
// of the method and the single line of code replacing it.
func (e *FrameworkEnhanceMethodInfo) BuildForInvoker() (string, string) {
	caller := "nil"
	if len(e.FuncRecvs) > 0 {
		caller = e.FuncRecvs[0].Name
	}
	args := make([]string, 0, len(e.FuncParameters))
	for _, p := range e.FuncParameters {
		args = append(args, p.Name)
	}
	results := make([]string, 0, len(e.FuncResults))
	for _, r := range e.FuncResults {
		results = append(results, r.Name)
	}

	code := fmt.Sprintf(`if %[1]s != nil { if _sw_state, _sw_keep := %[1]s(%[3]s, []interface{}{%[4]s}); !_sw_keep { return } else if %[2]s != nil { defer func() { %[2]s(_sw_state, []interface{}{%[5]s}) }() } };`,
		e.BeforeName,
		e.AfterName,
		caller,
		strings.Join(args, ", "),
		strings.Join(results, ", "),
	)
	placeholder := fmt.Sprintf("//goagent:enhance(%s)", e.FuncID)
	return placeholder, code
}
