package field

import (
	"fmt"
	"go/parser"
	"go/token"
	"regexp"
	"strconv"
	"strings"

	"github.com/dave/dst"
	"github.com/dave/dst/decorator"
	"github.com/dave/dst/dstutil"
	"github.com/pkg/errors"

	"github.com/mrproliu/go-agent-virtualfield/frameworks/core"
)

const (
	findFuncName = "FindVirtualField"
	bindFuncName = "BindVirtualField"
)

// Positioner maps a node back to its source position, it may return the zero
// position for synthesized nodes.
type Positioner func(n dst.Node) token.Position

// Binder rewrites the FindVirtualField calls of one framework package into
// references to package variables bound to the storage of each pair.
type Binder struct {
	pkgPath  string
	registry *core.Registry

	bound  map[core.Pair]bool
	order  []core.Pair
	errors BindErrors
}

func NewBinder(pkgPath string, registry *core.Registry) *Binder {
	return &Binder{
		pkgPath:  pkgPath,
		registry: registry,
		bound:    make(map[core.Pair]bool),
	}
}

// BindingName is the package variable replacing the lookups of pair.
func BindingName(pair core.Pair) string {
	return "_sw_virtual_field_" + pair.ID()
}

func accessorTypeName(pair core.Pair) string {
	return "_sw_virtual_field_accessor_" + pair.ID()
}

// Bindings lists the pairs bound so far, in binding order.
func (b *Binder) Bindings() []core.Pair {
	return b.order
}

// Err returns every binding error found so far, or nil.
func (b *Binder) Err() error {
	if len(b.errors) == 0 {
		return nil
	}
	return b.errors
}

type fileScope struct {
	file       *dst.File
	pkgPath    string
	pos        Positioner
	coreName   string
	dotImport  bool
	imports    map[string]string // local name -> import path
	typeParams map[string]bool
	localTypes map[string]bool
	handled    map[*dst.SelectorExpr]bool
}

// BindFile rewrites file in place and reports whether it changed. Errors are
// collected and reported by Err.
func (b *Binder) BindFile(file *dst.File, pos Positioner) bool {
	if pos == nil {
		pos = func(dst.Node) token.Position { return token.Position{} }
	}
	scope := &fileScope{
		file:    file,
		pkgPath: b.pkgPath,
		pos:     pos,
		imports: make(map[string]string),
		handled: make(map[*dst.SelectorExpr]bool),
	}
	for _, spec := range file.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		name := importName(path)
		if spec.Name != nil {
			name = spec.Name.Name
		}
		if path == core.ImportPath {
			switch name {
			case ".":
				scope.dotImport = true
			case "_":
			default:
				scope.coreName = name
			}
		}
		if name != "_" && name != "." {
			scope.imports[name] = path
		}
	}
	if scope.coreName == "" && !scope.dotImport {
		return false
	}

	changed := false
	var pending []dst.Decl
	dstutil.Apply(file, func(cursor *dstutil.Cursor) bool {
		switch n := cursor.Node().(type) {
		case *dst.FuncDecl:
			scope.typeParams = declTypeParams(n)
			scope.localTypes = localTypes(n)
		case *dst.GenDecl:
			if _, top := cursor.Parent().(*dst.File); top {
				scope.typeParams = nil
				scope.localTypes = localTypes(n)
			}
		case *dst.CallExpr:
			sel, args, ok := scope.findCall(n)
			if !ok {
				return true
			}
			scope.handled[sel] = true
			decls, replaced := b.bindCall(scope, n, args)
			if replaced == nil {
				return false
			}
			pending = append(pending, decls...)
			cursor.Replace(dst.NewIdent(BindingName(replaced.pair)))
			changed = true
			return false
		case *dst.SelectorExpr:
			if scope.isFind(n) && !scope.handled[n] {
				b.fail(&BindError{Kind: InvalidCall, Pos: scope.pos(n), Expr: exprString(n),
					Reason: "FindVirtualField must be called directly with literal type arguments"})
			}
		case *dst.Ident:
			if scope.dotImport && n.Name == findFuncName {
				b.fail(&BindError{Kind: InvalidCall, Pos: scope.pos(n), Expr: n.Name,
					Reason: "the core package must not be dot imported"})
			}
		}
		return true
	}, nil)
	file.Decls = append(file.Decls, pending...)
	return changed
}

func (b *Binder) fail(err *BindError) {
	b.errors = append(b.errors, err)
}

func (s *fileScope) isFind(sel *dst.SelectorExpr) bool {
	x, ok := sel.X.(*dst.Ident)
	return ok && s.coreName != "" && x.Name == s.coreName && sel.Sel.Name == findFuncName
}

// findCall matches core.FindVirtualField[C, P](...) and returns the selector
// and the type arguments written at the call.
func (s *fileScope) findCall(call *dst.CallExpr) (*dst.SelectorExpr, []dst.Expr, bool) {
	switch fun := call.Fun.(type) {
	case *dst.SelectorExpr:
		if s.isFind(fun) {
			return fun, nil, true
		}
	case *dst.IndexExpr:
		if sel, ok := fun.X.(*dst.SelectorExpr); ok && s.isFind(sel) {
			return sel, []dst.Expr{fun.Index}, true
		}
	case *dst.IndexListExpr:
		if sel, ok := fun.X.(*dst.SelectorExpr); ok && s.isFind(sel) {
			return sel, fun.Indices, true
		}
	}
	return nil, nil, false
}

type boundCall struct {
	pair core.Pair
}

func (b *Binder) bindCall(s *fileScope, call *dst.CallExpr, typeArgs []dst.Expr) ([]dst.Decl, *boundCall) {
	expr := exprString(call)
	if len(typeArgs) != 2 {
		b.fail(&BindError{Kind: NonLiteralType, Pos: s.pos(call), Expr: expr,
			Reason: "both the carrier and the payload type must be written at the call"})
		return nil, nil
	}
	if len(call.Args) != 0 {
		b.fail(&BindError{Kind: InvalidCall, Pos: s.pos(call), Expr: expr, Reason: "FindVirtualField takes no arguments"})
		return nil, nil
	}
	if _, ok := typeArgs[0].(*dst.StarExpr); ok {
		b.fail(&BindError{Kind: InvalidCall, Pos: s.pos(call), Expr: expr,
			Reason: "the carrier type argument must name the struct, not a pointer to it"})
		return nil, nil
	}
	carrier, err := s.typeName(typeArgs[0])
	if err != nil {
		b.fail(&BindError{Kind: NonLiteralType, Pos: s.pos(call), Expr: expr, Reason: "carrier: " + err.Error()})
		return nil, nil
	}
	payload, err := s.typeName(typeArgs[1])
	if err != nil {
		b.fail(&BindError{Kind: NonLiteralType, Pos: s.pos(call), Expr: expr, Reason: "payload: " + err.Error()})
		return nil, nil
	}
	pair := core.NewPair(carrier, payload)
	if !b.registry.Contains(pair) {
		b.fail(&BindError{Kind: UnregisteredPair, Pos: s.pos(call), Expr: expr, Pair: pair,
			Reason: fmt.Sprintf("%s is not declared by the framework", pair)})
		return nil, nil
	}
	if b.bound[pair] {
		return nil, &boundCall{pair: pair}
	}
	b.bound[pair] = true
	b.order = append(b.order, pair)
	decls := bindingDecls(pair, s.coreName, typeArgs)
	return decls, &boundCall{pair: pair}
}

var predeclaredTypes = map[string]string{
	"bool": "bool", "string": "string", "error": "error", "uintptr": "uintptr",
	"int": "int", "int8": "int8", "int16": "int16", "int32": "int32", "int64": "int64",
	"uint": "uint", "uint8": "uint8", "uint16": "uint16", "uint32": "uint32", "uint64": "uint64",
	"float32": "float32", "float64": "float64", "complex64": "complex64", "complex128": "complex128",
	"byte": "uint8", "rune": "int32", "any": "interface {}",
}

// typeName renders a literal type expression the way core.TypeName renders
// the reflected type.
func (s *fileScope) typeName(expr dst.Expr) (string, error) {
	switch t := expr.(type) {
	case *dst.ParenExpr:
		return s.typeName(t.X)
	case *dst.StarExpr:
		name, err := s.typeName(t.X)
		if err != nil {
			return "", err
		}
		return "*" + name, nil
	case *dst.Ident:
		if s.typeParams[t.Name] {
			return "", errors.Errorf("%s is a type parameter", t.Name)
		}
		if s.localTypes[t.Name] {
			return "", errors.Errorf("%s is declared inside a function", t.Name)
		}
		if name, ok := predeclaredTypes[t.Name]; ok {
			return name, nil
		}
		return s.pkgPath + "." + t.Name, nil
	case *dst.SelectorExpr:
		x, ok := t.X.(*dst.Ident)
		if !ok {
			return "", errors.Errorf("%s is not a package qualified type", exprString(t))
		}
		path, ok := s.imports[x.Name]
		if !ok {
			return "", errors.Errorf("%s does not refer to an imported package", x.Name)
		}
		return path + "." + t.Sel.Name, nil
	case *dst.InterfaceType:
		if t.Methods == nil || len(t.Methods.List) == 0 {
			return "interface {}", nil
		}
		return "", errors.Errorf("inline interface types are not supported")
	case *dst.ArrayType:
		elem, err := s.typeName(t.Elt)
		if err != nil {
			return "", err
		}
		if t.Len == nil {
			return "[]" + elem, nil
		}
		lit, ok := t.Len.(*dst.BasicLit)
		if !ok || lit.Kind != token.INT {
			return "", errors.Errorf("array length of %s must be an integer literal", exprString(t))
		}
		n, err := strconv.ParseInt(lit.Value, 0, 64)
		if err != nil {
			return "", errors.Wrapf(err, "array length of %s", exprString(t))
		}
		return fmt.Sprintf("[%d]%s", n, elem), nil
	case *dst.MapType:
		key, err := s.typeName(t.Key)
		if err != nil {
			return "", err
		}
		value, err := s.typeName(t.Value)
		if err != nil {
			return "", err
		}
		return "map[" + key + "]" + value, nil
	case *dst.IndexExpr, *dst.IndexListExpr:
		return "", errors.Errorf("generic instantiation %s is not supported", exprString(t))
	}
	return "", errors.Errorf("%s is not a named type", exprString(expr))
}

// localTypes collects the types declared inside the function bodies of decl.
func localTypes(decl dst.Decl) map[string]bool {
	types := make(map[string]bool)
	dst.Inspect(decl, func(n dst.Node) bool {
		stmt, ok := n.(*dst.DeclStmt)
		if !ok {
			return true
		}
		if gen, ok := stmt.Decl.(*dst.GenDecl); ok && gen.Tok == token.TYPE {
			for _, spec := range gen.Specs {
				if ts, ok := spec.(*dst.TypeSpec); ok {
					types[ts.Name.Name] = true
				}
			}
		}
		return true
	})
	return types
}

func declTypeParams(decl *dst.FuncDecl) map[string]bool {
	params := make(map[string]bool)
	if decl.Type.TypeParams != nil {
		for _, f := range decl.Type.TypeParams.List {
			for _, n := range f.Names {
				params[n.Name] = true
			}
		}
	}
	if decl.Recv != nil && len(decl.Recv.List) > 0 {
		recv := decl.Recv.List[0].Type
		if star, ok := recv.(*dst.StarExpr); ok {
			recv = star.X
		}
		switch r := recv.(type) {
		case *dst.IndexExpr:
			if id, ok := r.Index.(*dst.Ident); ok {
				params[id.Name] = true
			}
		case *dst.IndexListExpr:
			for _, idx := range r.Indices {
				if id, ok := idx.(*dst.Ident); ok {
					params[id.Name] = true
				}
			}
		}
	}
	return params
}

var accessorTemplate = `package binding

type %[1]s struct{}

func (%[1]s) VirtualFieldSlot(carrier interface{}) **interface{} {
	if a, ok := carrier.(interface{ %[2]s() **interface{} }); ok {
		return a.%[2]s()
	}
	return nil
}
`

func bindingDecls(pair core.Pair, coreName string, typeArgs []dst.Expr) []dst.Decl {
	src := fmt.Sprintf(accessorTemplate, accessorTypeName(pair), pair.AccessorName())
	parsed, err := decorator.ParseFile(nil, "binding.go", src, parser.ParseComments)
	if err != nil {
		panic(fmt.Sprintf("parsing virtual field accessor failure: %v", err))
	}
	decls := parsed.Decls

	bind := &dst.CallExpr{
		Fun: &dst.IndexListExpr{
			X:       &dst.SelectorExpr{X: dst.NewIdent(coreName), Sel: dst.NewIdent(bindFuncName)},
			Indices: []dst.Expr{dst.Clone(typeArgs[0]).(dst.Expr), dst.Clone(typeArgs[1]).(dst.Expr)},
		},
		Args: []dst.Expr{
			&dst.BasicLit{Kind: token.STRING, Value: strconv.Quote(pair.Carrier)},
			&dst.BasicLit{Kind: token.STRING, Value: strconv.Quote(pair.Payload)},
			&dst.CompositeLit{Type: dst.NewIdent(accessorTypeName(pair))},
		},
	}
	variable := &dst.GenDecl{
		Tok: token.VAR,
		Specs: []dst.Spec{
			&dst.ValueSpec{
				Names:  []*dst.Ident{dst.NewIdent(BindingName(pair))},
				Values: []dst.Expr{bind},
			},
		},
	}
	variable.Decs.Before = dst.EmptyLine
	return append(decls, variable)
}

var versionSuffix = regexp.MustCompile(`^v[0-9]+$`)

// importName guesses the package name of an import without an explicit name.
// Packages whose name differs from these conventions must be imported with a
// name at FindVirtualField call sites.
func importName(path string) string {
	parts := strings.Split(path, "/")
	name := parts[len(parts)-1]
	if versionSuffix.MatchString(name) && len(parts) > 1 {
		name = parts[len(parts)-2]
	}
	if i := strings.Index(name, ".v"); i > 0 {
		name = name[:i]
	}
	name = strings.TrimPrefix(name, "go-")
	name = strings.TrimSuffix(name, "-go")
	return strings.ReplaceAll(name, "-", "_")
}

func exprString(expr dst.Expr) string {
	switch e := expr.(type) {
	case nil:
		return ""
	case *dst.Ident:
		return e.Name
	case *dst.SelectorExpr:
		return exprString(e.X) + "." + e.Sel.Name
	case *dst.StarExpr:
		return "*" + exprString(e.X)
	case *dst.ParenExpr:
		return "(" + exprString(e.X) + ")"
	case *dst.IndexExpr:
		return exprString(e.X) + "[" + exprString(e.Index) + "]"
	case *dst.IndexListExpr:
		parts := make([]string, 0, len(e.Indices))
		for _, i := range e.Indices {
			parts = append(parts, exprString(i))
		}
		return exprString(e.X) + "[" + strings.Join(parts, ", ") + "]"
	case *dst.CallExpr:
		args := make([]string, 0, len(e.Args))
		for _, a := range e.Args {
			args = append(args, exprString(a))
		}
		return exprString(e.Fun) + "(" + strings.Join(args, ", ") + ")"
	case *dst.InterfaceType:
		return "interface{...}"
	case *dst.BasicLit:
		return e.Value
	}
	return fmt.Sprintf("%T", expr)
}

// DecoratorPositioner resolves positions of nodes parsed by dec.
func DecoratorPositioner(dec *decorator.Decorator) Positioner {
	return func(n dst.Node) token.Position {
		if an, ok := dec.Ast.Nodes[n]; ok && an != nil {
			return dec.Fset.Position(an.Pos())
		}
		return token.Position{}
	}
}
