package main

import (
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/dave/dst"
	"github.com/dave/dst/dstutil"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrproliu/go-agent-virtualfield/internal/field"
)

// compileTask lays out the sources of one package and the compile arguments
// go build would pass for them.
type compileTask struct {
	buildDir string
	sources  map[string]string
	args     []string
	opt      *compileOptions
}

func newCompileTask(t *testing.T, pkg string, files map[string]string) *compileTask {
	t.Helper()
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	buildDir := filepath.Join(dir, "b001")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.MkdirAll(buildDir, 0o755))

	task := &compileTask{buildDir: buildDir, sources: make(map[string]string)}
	task.args = []string{"/go/pkg/tool/linux_amd64/compile", "-o", filepath.Join(buildDir, "_pkg_.a"), "-p", pkg, "-complete"}
	for _, name := range sortedKeys(files) {
		path := filepath.Join(srcDir, name)
		require.NoError(t, os.WriteFile(path, []byte(files[name]), 0o644))
		task.sources[name] = path
		task.args = append(task.args, path)
	}
	task.opt = parseCompileOption(task.args)
	require.NotNil(t, task.opt)
	require.Equal(t, pkg, task.opt.Package)
	return task
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *compileTask) run(t *testing.T, insts []Instrument) []string {
	t.Helper()
	args := append([]string(nil), c.args...)
	result, err := instrument(args, c.opt, insts)
	require.NoError(t, err)
	return result
}

func readString(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// typeCheck parses and checks files as one package without imports.
func typeCheck(t *testing.T, pkg string, files []string) {
	t.Helper()
	fset := token.NewFileSet()
	var parsed []*ast.File
	for _, f := range files {
		file, err := parser.ParseFile(fset, f, nil, parser.ParseComments)
		require.NoError(t, err, readString(t, f))
		parsed = append(parsed, file)
	}
	conf := &types.Config{Importer: unsafeImporter{}}
	_, err := conf.Check(pkg, fset, parsed, nil)
	require.NoError(t, err)
}

// unsafeImporter resolves the unsafe import of generated files.
type unsafeImporter struct{}

func (unsafeImporter) Import(path string) (*types.Package, error) {
	if path == "unsafe" {
		return types.Unsafe, nil
	}
	return nil, errors.Errorf("unexpected import %s", path)
}

type countingInstrument struct {
	points   []*InstrumentPoint
	enhanced []string
	extra    []string
}

func (c *countingInstrument) HookPoints() []*InstrumentPoint { return c.points }

func (c *countingInstrument) ExtraChangesForEnhancedFile(path string) error {
	c.enhanced = append(c.enhanced, path)
	return nil
}

func (c *countingInstrument) WriteExtraFiles(string) ([]string, error) { return c.extra, nil }

func TestInstrumentReplacesOnlyChangedFiles(t *testing.T) {
	task := newCompileTask(t, "example.com/lib", map[string]string{
		"a.go": "package lib\n\nfunc A() {}\n",
		"b.go": "package lib\n\nfunc B() {}\n",
		"c.go": "package lib\n\nfunc C() {}\n",
	})
	inst := &countingInstrument{
		points: []*InstrumentPoint{
			{
				Package: "example.com/lib",
				File:    "a.go",
				FilterAndEdit: func(cursor *dstutil.Cursor) bool {
					if decl, ok := cursor.Node().(*dst.FuncDecl); ok {
						decl.Name.Name = "Renamed"
						return true
					}
					return false
				},
			},
			{
				Package:  "example.com/lib",
				EditFile: func(*dst.File, field.Positioner) bool { return false },
			},
			{
				Package:       "example.com/other",
				FilterAndEdit: func(*dstutil.Cursor) bool { panic("other package") },
			},
		},
		extra: []string{"/tmp/extra.go"},
	}

	args := task.run(t, []Instrument{inst})
	n := len(task.args)
	require.Len(t, args, n+1)
	assert.Equal(t, filepath.Join(task.buildDir, "a.go"), args[n-3])
	assert.Equal(t, task.sources["b.go"], args[n-2])
	assert.Equal(t, task.sources["c.go"], args[n-1])
	assert.Equal(t, "/tmp/extra.go", args[n])
	assert.Equal(t, []string{filepath.Join(task.buildDir, "a.go")}, inst.enhanced)

	out := readString(t, args[n-3])
	assert.Contains(t, out, "//line "+task.sources["a.go"]+":1\n")
	assert.Contains(t, out, "func Renamed()")
}

func TestInstrumentReportsParseErrors(t *testing.T) {
	task := newCompileTask(t, "example.com/lib", map[string]string{"a.go": "package lib\n\nfunc {"})
	inst := &countingInstrument{points: []*InstrumentPoint{{
		Package:  "example.com/lib",
		EditFile: func(*dst.File, field.Positioner) bool { return true },
	}}}
	_, err := instrument(task.args, task.opt, []Instrument{inst})
	assert.ErrorContains(t, err, "parse "+task.sources["a.go"])
}

func TestEnhanceParameterNames(t *testing.T) {
	fields := &dst.FieldList{List: []*dst.Field{
		{Names: []*dst.Ident{dst.NewIdent("a"), dst.NewIdent("_")}, Type: dst.NewIdent("int")},
		{Names: []*dst.Ident{dst.NewIdent("_")}, Type: dst.NewIdent("string")},
	}}
	names := enhanceParameterNames(fields, "sw_param_")
	require.Len(t, names, 3)
	assert.Equal(t, "a", names[0].Name)
	assert.Equal(t, "sw_param_1", names[1].Name)
	assert.Equal(t, "sw_param_2", names[2].Name)

	results := &dst.FieldList{List: []*dst.Field{
		{Type: dst.NewIdent("int")},
		{Type: dst.NewIdent("error")},
	}}
	names = enhanceParameterNames(results, "sw_result_")
	assert.Equal(t, "sw_result_0", names[0].Name)
	assert.Equal(t, "sw_result_1", names[1].Name)
	assert.Equal(t, "sw_result_1", results.List[1].Names[0].Name)

	assert.Nil(t, enhanceParameterNames(nil, "sw_param_"))
}
