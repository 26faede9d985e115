package field

import (
	"go/token"
	"sort"

	"github.com/dave/dst"
	"github.com/dave/dst/dstutil"
	"github.com/sirupsen/logrus"

	"github.com/mrproliu/go-agent-virtualfield/frameworks/core"
)

type Options struct {
	InjectionEnabled bool
	ExcludedPackages []string
	Matcher          TypeMatcher
	Logger           logrus.FieldLogger
}

// Augmentation records one carrier type retrofitted for one pair.
type Augmentation struct {
	Pair     core.Pair
	TypeName string
	// FieldAdded is false when the struct already declared the field.
	FieldAdded bool
}

// Augmentor injects virtual fields into the carrier types of the package
// being compiled. It is used for a single package.
type Augmentor struct {
	opts    Options
	pairs   []core.Pair
	pkgPath string

	augmented []*Augmentation
	// receiver type name -> declared method names
	methods map[string]map[string]bool
}

func NewAugmentor(pkgPath string, opts Options) *Augmentor {
	if opts.Matcher == nil {
		opts.Matcher = NameMatcher{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Augmentor{
		opts:    opts,
		pkgPath: pkgPath,
		methods: make(map[string]map[string]bool),
	}
}

// Install adds pair to the pairs being injected. Callers claim the pair on
// the process Guard first.
func (a *Augmentor) Install(pair core.Pair) {
	a.pairs = append(a.pairs, pair)
}

// Interested reports whether any installed pair may have carriers in the
// package being compiled.
func (a *Augmentor) Interested() bool {
	for _, p := range a.pairs {
		for _, pkg := range a.opts.Matcher.Packages(p) {
			if pkg == a.pkgPath {
				return true
			}
		}
	}
	return false
}

// AugmentFile visits every declaration of file and reports whether it changed.
func (a *Augmentor) AugmentFile(file *dst.File) bool {
	changed := false
	dstutil.Apply(file, func(cursor *dstutil.Cursor) bool {
		if a.Visit(cursor) {
			changed = true
		}
		return true
	}, nil)
	return changed
}

// Visit handles a single node, it returns true when the node was modified.
// Only package level type declarations are augmented.
func (a *Augmentor) Visit(cursor *dstutil.Cursor) bool {
	switch n := cursor.Node().(type) {
	case *dst.FuncDecl:
		a.recordMethod(n)
	case *dst.GenDecl:
		if _, top := cursor.Parent().(*dst.File); !top || n.Tok != token.TYPE {
			return false
		}
		changed := false
		for _, spec := range n.Specs {
			if ts, ok := spec.(*dst.TypeSpec); ok && a.augmentType(ts) {
				changed = true
			}
		}
		return changed
	}
	return false
}

func (a *Augmentor) recordMethod(decl *dst.FuncDecl) {
	if decl.Recv == nil || len(decl.Recv.List) == 0 {
		return
	}
	recv := receiverTypeName(decl.Recv.List[0].Type)
	if recv == "" {
		return
	}
	if a.methods[recv] == nil {
		a.methods[recv] = make(map[string]bool)
	}
	a.methods[recv][decl.Name.Name] = true
}

func (a *Augmentor) augmentType(spec *dst.TypeSpec) bool {
	changed := false
	for _, pair := range a.pairs {
		if !a.opts.Matcher.Matches(pair, a.pkgPath, spec) {
			continue
		}
		log := a.opts.Logger.WithFields(logrus.Fields{"pair": pair.String(), "type": spec.Name.Name})
		if c := capabilityOf(spec, a.pkgPath, &a.opts); c != Retrofittable {
			log.WithField("reason", c.String()).Debug("carrier cannot be augmented, using fallback storage")
			continue
		}
		st := spec.Type.(*dst.StructType)
		if st.Fields == nil {
			st.Fields = &dst.FieldList{}
		}
		aug := &Augmentation{Pair: pair, TypeName: spec.Name.Name}
		if !hasField(st, pair.FieldName()) {
			st.Fields.List = append(st.Fields.List, newVirtualField(pair))
			aug.FieldAdded = true
			changed = true
		}
		a.augmented = append(a.augmented, aug)
		log.WithField("field_added", aug.FieldAdded).Debug("carrier augmented")
	}
	return changed
}

func newVirtualField(pair core.Pair) *dst.Field {
	f := &dst.Field{
		Names: []*dst.Ident{dst.NewIdent(pair.FieldName())},
		Type:  &dst.StarExpr{X: &dst.InterfaceType{Methods: &dst.FieldList{}}},
	}
	f.Decs.Before = dst.NewLine
	f.Decs.Start.Append(pair.Marker())
	return f
}

func hasField(st *dst.StructType, name string) bool {
	if st.Fields == nil {
		return false
	}
	for _, f := range st.Fields.List {
		for _, n := range f.Names {
			if n.Name == name {
				return true
			}
		}
	}
	return false
}

func receiverTypeName(expr dst.Expr) string {
	switch t := expr.(type) {
	case *dst.StarExpr:
		return receiverTypeName(t.X)
	case *dst.Ident:
		return t.Name
	case *dst.IndexExpr:
		return receiverTypeName(t.X)
	case *dst.IndexListExpr:
		return receiverTypeName(t.X)
	}
	return ""
}

// Augmented lists the retrofitted carriers in visit order.
func (a *Augmentor) Augmented() []*Augmentation {
	return a.augmented
}

// Accessors builds the file declaring the accessor method of every augmented
// carrier that does not declare it already. It returns nil when there is
// nothing to add.
func (a *Augmentor) Accessors(pkgName string) *dst.File {
	var decls []dst.Decl
	for _, aug := range a.augmented {
		if a.methods[aug.TypeName][aug.Pair.AccessorName()] {
			continue
		}
		decls = append(decls, accessorMethod(aug))
		if a.methods[aug.TypeName] == nil {
			a.methods[aug.TypeName] = make(map[string]bool)
		}
		a.methods[aug.TypeName][aug.Pair.AccessorName()] = true
	}
	if len(decls) == 0 {
		return nil
	}
	sort.SliceStable(decls, func(i, j int) bool {
		return decls[i].(*dst.FuncDecl).Name.Name < decls[j].(*dst.FuncDecl).Name.Name
	})
	return &dst.File{
		Name:  dst.NewIdent(pkgName),
		Decls: decls,
	}
}

func accessorMethod(aug *Augmentation) *dst.FuncDecl {
	return &dst.FuncDecl{
		Name: dst.NewIdent(aug.Pair.AccessorName()),
		Recv: &dst.FieldList{
			List: []*dst.Field{
				{
					Names: []*dst.Ident{dst.NewIdent("receiver")},
					Type:  &dst.StarExpr{X: dst.NewIdent(aug.TypeName)},
				},
			},
		},
		Type: &dst.FuncType{
			Params: &dst.FieldList{},
			Results: &dst.FieldList{
				List: []*dst.Field{
					{Type: &dst.StarExpr{X: &dst.StarExpr{X: &dst.InterfaceType{Methods: &dst.FieldList{}}}}},
				},
			},
		},
		Body: &dst.BlockStmt{
			List: []dst.Stmt{
				&dst.ReturnStmt{
					Results: []dst.Expr{
						&dst.UnaryExpr{
							Op: token.AND,
							X: &dst.SelectorExpr{
								X:   dst.NewIdent("receiver"),
								Sel: dst.NewIdent(aug.Pair.FieldName()),
							},
						},
					},
				},
			},
		},
	}
}
