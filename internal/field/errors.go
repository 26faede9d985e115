package field

import (
	"fmt"
	"go/token"
	"strings"

	"github.com/mrproliu/go-agent-virtualfield/frameworks/core"
)

type BindErrorKind int

const (
	// NonLiteralType: a type argument is not a literal type reference.
	NonLiteralType BindErrorKind = iota
	// UnregisteredPair: the framework never registered the pair it looks up.
	UnregisteredPair
	// InvalidCall: FindVirtualField used other than as a direct call.
	InvalidCall
)

func (k BindErrorKind) String() string {
	switch k {
	case NonLiteralType:
		return "non-literal type argument"
	case UnregisteredPair:
		return "unregistered pair"
	case InvalidCall:
		return "invalid call"
	}
	return "unknown"
}

// BindError is a programming mistake in a framework found while binding its
// virtual field lookups. It fails the build.
type BindError struct {
	Kind   BindErrorKind
	Pos    token.Position
	Expr   string
	Pair   core.Pair
	Reason string
}

func (e *BindError) Error() string {
	var b strings.Builder
	if e.Pos.IsValid() {
		b.WriteString(e.Pos.String())
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "virtual field binding: %s", e.Kind)
	if e.Expr != "" {
		fmt.Fprintf(&b, " in %s", e.Expr)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

// BindErrors collects every BindError of a package.
type BindErrors []*BindError

func (e BindErrors) Error() string {
	lines := make([]string, 0, len(e))
	for _, err := range e {
		lines = append(lines, err.Error())
	}
	return strings.Join(lines, "\n")
}
