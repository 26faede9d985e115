package core

import (
	"fmt"
	"reflect"

	"github.com/cespare/xxhash/v2"
)

// ImportPath is the import path of this package, generated code refers to it.
const ImportPath = "github.com/mrproliu/go-agent-virtualfield/frameworks/core"

const (
	virtualFieldNamePrefix     = "skywalking_virtual_field_"
	virtualFieldAccessorPrefix = "SkyWalkingVirtualField_"
	// VirtualFieldMarker prefixes the decoration placed on every injected field.
	VirtualFieldMarker = "//skywalking:virtualfield"
)

// Pair identifies one attachment relationship: payloads of type Payload stored on
// instances of the struct type Carrier. Both are canonical type names, e.g.
// "github.com/gin-gonic/gin.Engine" or "*github.com/acme/app.State".
type Pair struct {
	Carrier string
	Payload string
}

func NewPair(carrier, payload string) Pair {
	return Pair{Carrier: carrier, Payload: payload}
}

// PairOf builds the pair for the Go types C and P.
func PairOf[C any, P any]() Pair {
	return Pair{
		Carrier: TypeName(reflect.TypeFor[C]()),
		Payload: TypeName(reflect.TypeFor[P]()),
	}
}

// ID is stable across processes, it is part of every generated identifier.
func (p Pair) ID() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(p.Carrier+"|"+p.Payload))
}

func (p Pair) String() string {
	return fmt.Sprintf("%s -> %s", p.Carrier, p.Payload)
}

// CarrierPackage returns the import path declaring the carrier type.
func (p Pair) CarrierPackage() string {
	pkg, _ := SplitTypeName(p.Carrier)
	return pkg
}

// CarrierTypeName returns the carrier type name without its package.
func (p Pair) CarrierTypeName() string {
	_, name := SplitTypeName(p.Carrier)
	return name
}

func (p Pair) FieldName() string {
	return virtualFieldNamePrefix + p.ID()
}

// AccessorName is the method returning the address of the injected field.
func (p Pair) AccessorName() string {
	return virtualFieldAccessorPrefix + p.ID()
}

// Marker is the decoration written above the injected field.
func (p Pair) Marker() string {
	return fmt.Sprintf("%s %s %s", VirtualFieldMarker, p.Carrier, p.Payload)
}

// TypeName renders t the same way the build time binder renders type
// expressions: named types are qualified with their import path, also inside
// pointer, slice, array and map types.
func TypeName(t reflect.Type) string {
	if t.Name() != "" {
		if t.PkgPath() != "" {
			return t.PkgPath() + "." + t.Name()
		}
		return t.Name()
	}
	switch t.Kind() {
	case reflect.Pointer:
		return "*" + TypeName(t.Elem())
	case reflect.Slice:
		return "[]" + TypeName(t.Elem())
	case reflect.Array:
		return fmt.Sprintf("[%d]%s", t.Len(), TypeName(t.Elem()))
	case reflect.Map:
		return "map[" + TypeName(t.Key()) + "]" + TypeName(t.Elem())
	}
	return t.String()
}

// SplitTypeName splits "import/path.Name" into its package and name. Pointer
// prefixes are kept on the name.
func SplitTypeName(name string) (string, string) {
	star := ""
	for len(name) > 0 && name[0] == '*' {
		star += "*"
		name = name[1:]
	}
	for i := len(name) - 1; i >= 0; i-- {
		switch name[i] {
		case '.':
			return name[:i], star + name[i+1:]
		case '/':
			return "", star + name
		}
	}
	return "", star + name
}
