package core

import (
	"fmt"
	"regexp"

	"github.com/dave/dst/dstutil"
)

type InstrumentPoint struct {
	PackagePath  string
	FileName     string
	FilterMethod func(cursor *dstutil.Cursor) bool // Define which method needs intercept
}

type Instrument interface {
	BasePackage() string
	Points() []*InstrumentPoint
	// AdapterPackage is the import path of the package holding the interceptors
	// and the FindVirtualField calls of this framework.
	AdapterPackage() string
	// VirtualFields declares every pair the adapter package may look up.
	VirtualFields() *Registry
}

var funcIDCleaner = regexp.MustCompile(`[/.\-@]`)

// FuncID names an intercepted function, receiver is empty for plain functions.
func FuncID(pkgPath, receiver, method string) string {
	return fmt.Sprintf("%s_%s%s", funcIDCleaner.ReplaceAllString(pkgPath, "_"), receiver, method)
}

// BeforeSymbol is the link name of the variable an adapter package assigns
// with the function called before the intercepted method runs.
func BeforeSymbol(funcID string) string {
	return "_skywalking_before_" + funcID
}

// AfterSymbol is BeforeSymbol for the function called once the method returned.
func AfterSymbol(funcID string) string {
	return "_skywalking_after_" + funcID
}
