package main

import (
	"fmt"
	"go/parser"
	"go/printer"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dave/dst"
	"github.com/dave/dst/decorator"
	"github.com/dave/dst/dstutil"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mrproliu/go-agent-virtualfield/internal/field"
)

// InstrumentPoint matches the files of a package to enhance.
type InstrumentPoint struct {
	Package string
	// File is the base name of the file, empty matches every file of the package.
	File string
	// FilterAndEdit is called for every node of the file, it returns true when
	// the node was changed.
	FilterAndEdit func(cursor *dstutil.Cursor) bool
	// EditFile rewrites the whole file at once, it is used when FilterAndEdit is nil.
	EditFile func(file *dst.File, pos field.Positioner) bool
}

func (p *InstrumentPoint) matches(pkg, path string) bool {
	if p.Package != pkg {
		return false
	}
	return p.File == "" || p.File == filepath.Base(path)
}

// Instrument enhances one concern of the package being compiled, the runtime
// goroutine storage, the framework interceptors or the virtual fields.
type Instrument interface {
	HookPoints() []*InstrumentPoint
	ExtraChangesForEnhancedFile(filepath string) error
	WriteExtraFiles(basePath string) ([]string, error)
}

// sourceFile is a compile input with the hook points matching it.
type sourceFile struct {
	path      string
	argsIndex int
	dec       *decorator.Decorator
	// Decorated Syntax Tree
	dstFile   *dst.File
	instPoint []*InstrumentPoint
}

// instrument rewrites the compile arguments: the enhanced files replace their
// sources and the extra files of every instrument are appended.
func instrument(args []string, opt *compileOptions, insts []Instrument) ([]string, error) {
	var buildDir = filepath.Dir(opt.Output)

	files, err := matchFiles(args, opt.Package, insts)
	if err != nil {
		return nil, err
	}

	var enhanced []*sourceFile
	for _, f := range files {
		if f.apply() {
			enhanced = append(enhanced, f)
		}
	}

	for _, f := range enhanced {
		dest := filepath.Join(buildDir, filepath.Base(f.path))
		if err := writeEnhancedFile(f, dest); err != nil {
			return nil, err
		}
		for _, inst := range insts {
			if err := inst.ExtraChangesForEnhancedFile(dest); err != nil {
				return nil, errors.Wrapf(err, "enhance %s", dest)
			}
		}
		args[f.argsIndex] = dest
		logger.WithField("file", f.path).Debug("file enhanced")
	}

	for _, inst := range insts {
		extra, err := inst.WriteExtraFiles(buildDir)
		if err != nil {
			return nil, err
		}
		args = append(args, extra...)
	}
	return args, nil
}

// matchFiles parses, concurrently, every go file of args some hook point
// matches. The result keeps the order of args.
func matchFiles(args []string, pkg string, insts []Instrument) ([]*sourceFile, error) {
	var files []*sourceFile
	for inx, path := range args {
		if !strings.HasSuffix(path, ".go") {
			continue
		}
		var points []*InstrumentPoint
		for _, inst := range insts {
			for _, hp := range inst.HookPoints() {
				if hp.matches(pkg, path) {
					points = append(points, hp)
				}
			}
		}
		if len(points) > 0 {
			files = append(files, &sourceFile{path: path, argsIndex: inx, instPoint: points})
		}
	}

	var group errgroup.Group
	for _, f := range files {
		group.Go(func() error {
			f.dec = decorator.NewDecorator(token.NewFileSet())
			file, err := f.dec.ParseFile(f.path, nil, parser.ParseComments)
			if err != nil {
				return errors.Wrapf(err, "parse %s", f.path)
			}
			f.dstFile = file
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].argsIndex < files[j].argsIndex })
	return files, nil
}

// apply runs the hook points in order, it reports whether the file changed.
func (f *sourceFile) apply() bool {
	changed := false
	var nodePoints []*InstrumentPoint
	for _, p := range f.instPoint {
		if p.FilterAndEdit != nil {
			nodePoints = append(nodePoints, p)
		}
	}
	if len(nodePoints) > 0 {
		dstutil.Apply(f.dstFile, func(cursor *dstutil.Cursor) bool {
			for _, p := range nodePoints {
				if p.FilterAndEdit(cursor) {
					changed = true
				}
			}
			return true
		}, nil)
	}
	for _, p := range f.instPoint {
		if p.FilterAndEdit == nil && p.EditFile != nil && p.EditFile(f.dstFile, field.DecoratorPositioner(f.dec)) {
			changed = true
		}
	}
	return changed
}

func writeEnhancedFile(f *sourceFile, dest string) error {
	output, err := os.Create(dest)
	if err != nil {
		return errors.Wrapf(err, "create %s", dest)
	}
	defer output.Close()
	if _, err := fmt.Fprintf(output, "//line %s:1\n", f.path); err != nil {
		return err
	}
	return writeFile(f.dstFile, output)
}

func writeFile(file *dst.File, w io.Writer) error {
	fset, af, err := decorator.RestoreFile(file)
	if err != nil {
		return errors.Wrap(err, "restore file")
	}
	return printer.Fprint(w, fset, af)
}

// writeExtraFile writes a generated file of the package into the build dir.
func writeExtraFile(basePath, name string, file *dst.File) (string, error) {
	path := filepath.Join(basePath, name)
	output, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "create %s", path)
	}
	defer output.Close()
	if err := writeFile(file, output); err != nil {
		return "", errors.Wrapf(err, "write %s", path)
	}
	return path, nil
}

func goStringToStmts(goString string) []dst.Stmt {
	data := fmt.Sprintf(`
package main
func main() {
%s
}`, goString)
	parsed, err := decorator.ParseFile(nil, "builder.go", data, parser.ParseComments)
	if err != nil {
		panic(fmt.Sprintf("parsing go failure: %v\n%s", err, goString))
	}

	return parsed.Decls[0].(*dst.FuncDecl).Body.List
}

type ParameterInfo struct {
	Name string
	Type dst.Expr
}

// enhanceParameterNames names every parameter of fields, blank and unnamed
// ones get prefix followed by their position.
func enhanceParameterNames(fields *dst.FieldList, prefix string) []*ParameterInfo {
	if fields == nil {
		return nil
	}
	result := make([]*ParameterInfo, 0)
	inx := 0
	for _, f := range fields.List {
		if len(f.Names) == 0 {
			f.Names = []*dst.Ident{dst.NewIdent(fmt.Sprintf("%s%d", prefix, inx))}
		}
		for _, n := range f.Names {
			if n.Name == "_" {
				n.Name = fmt.Sprintf("%s%d", prefix, inx)
			}
			result = append(result, &ParameterInfo{Name: n.Name, Type: f.Type})
			inx++
		}
	}
	return result
}
