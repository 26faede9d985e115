package core

import _ "unsafe"

var (
	GetGLS = func() interface{} { return nil }
	SetGLS = func(interface{}) {}
)

//go:linkname _skywalking_tls_get _skywalking_tls_get
var _skywalking_tls_get func() interface{}

//go:linkname _skywalking_tls_set _skywalking_tls_set
var _skywalking_tls_set func(interface{})

func init() {
	if _skywalking_tls_get != nil && _skywalking_tls_set != nil {
		GetGLS = _skywalking_tls_get
		SetGLS = _skywalking_tls_set
	}
}

type Invocation struct {
	CallerInstance interface{}
	Args           []interface{}

	// Skip returns from the intercepted method before its body runs, with
	// zero results. Only honored by BeforeInvoke.
	Skip bool
	// Context is kept between BeforeInvoke and AfterInvoke.
	Context interface{}
}

type Interceptor interface {
	BeforeInvoke(invocation *Invocation) error
	AfterInvoke(invocation *Invocation, result ...interface{}) error
}

// Before adapts an Interceptor to the signature of the before symbol linked
// into the enhanced package. The returned state is passed back to After.
func Before(inter Interceptor, caller interface{}, args []interface{}) (interface{}, bool) {
	invocation := &Invocation{CallerInstance: caller, Args: args}
	if err := inter.BeforeInvoke(invocation); err != nil {
		logger.WithError(err).Warn("interceptor before invoke failure")
		return invocation, true
	}
	return invocation, !invocation.Skip
}

// After adapts an Interceptor to the signature of the after symbol.
func After(inter Interceptor, state interface{}, results []interface{}) {
	invocation, ok := state.(*Invocation)
	if !ok {
		return
	}
	if err := inter.AfterInvoke(invocation, results...); err != nil {
		logger.WithError(err).Warn("interceptor after invoke failure")
	}
}
