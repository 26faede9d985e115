package field

import (
	"strings"

	"github.com/dave/dst"

	"github.com/mrproliu/go-agent-virtualfield/frameworks/core"
)

// Capability tells whether a matched carrier type can receive an injected
// field, and if not, why. Carriers of a type that is not Retrofittable always
// use the fallback map.
type Capability int

const (
	Retrofittable Capability = iota
	// NotStruct covers interfaces and named non-struct types.
	NotStruct
	Alias
	Generic
	ExcludedPackage
	InjectionDisabled
)

func (c Capability) String() string {
	switch c {
	case Retrofittable:
		return "retrofittable"
	case NotStruct:
		return "not a struct"
	case Alias:
		return "type alias"
	case Generic:
		return "generic type"
	case ExcludedPackage:
		return "excluded package"
	case InjectionDisabled:
		return "field injection disabled"
	}
	return "unknown"
}

// TypeMatcher decides which declared types are carriers of a pair.
type TypeMatcher interface {
	Matches(pair core.Pair, pkgPath string, spec *dst.TypeSpec) bool
	// Packages lists the import paths that may declare carriers of pair.
	Packages(pair core.Pair) []string
}

// NameMatcher matches the type named by the pair's carrier and nothing else.
type NameMatcher struct{}

func (NameMatcher) Matches(pair core.Pair, pkgPath string, spec *dst.TypeSpec) bool {
	return spec.Name != nil && pkgPath == pair.CarrierPackage() && spec.Name.Name == pair.CarrierTypeName()
}

func (NameMatcher) Packages(pair core.Pair) []string {
	return []string{pair.CarrierPackage()}
}

func capabilityOf(spec *dst.TypeSpec, pkgPath string, opts *Options) Capability {
	if !opts.InjectionEnabled {
		return InjectionDisabled
	}
	for _, excluded := range opts.ExcludedPackages {
		if pkgPath == excluded || strings.HasPrefix(pkgPath, excluded+"/") {
			return ExcludedPackage
		}
	}
	if spec.Assign {
		return Alias
	}
	if spec.TypeParams != nil && len(spec.TypeParams.List) > 0 {
		return Generic
	}
	if _, ok := spec.Type.(*dst.StructType); !ok {
		return NotStruct
	}
	return Retrofittable
}
