package gin

import (
	"net/http"
	"sync/atomic"
	_ "unsafe"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrproliu/go-agent-virtualfield/frameworks/core"
)

const tracerName = adapterPackage

var (
	contextSpans = core.FindVirtualField[gin.Context, trace.Span]()
	engineStats  = core.FindVirtualField[gin.Engine, *EngineStats]()
)

// EngineStats counts the requests an engine served.
type EngineStats struct {
	requests atomic.Int64
	inFlight atomic.Int64
	failures atomic.Int64
}

func (s *EngineStats) Requests() int64 {
	return s.requests.Load()
}

func (s *EngineStats) InFlight() int64 {
	return s.inFlight.Load()
}

// Failures counts the requests answered with a 5xx status.
func (s *EngineStats) Failures() int64 {
	return s.failures.Load()
}

// StatsOf returns the stats of engine, false before it served a request.
func StatsOf(engine *gin.Engine) (*EngineStats, bool) {
	return engineStats.Get(engine)
}

// SpanFromContext returns the server span of the request c is handling.
func SpanFromContext(c *gin.Context) (trace.Span, bool) {
	return contextSpans.Get(c)
}

type ServerHTTPInterceptor struct {
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator
}

func (s *ServerHTTPInterceptor) tracer() trace.Tracer {
	provider := s.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return provider.Tracer(tracerName)
}

func (s *ServerHTTPInterceptor) propagator() propagation.TextMapPropagator {
	if s.Propagator != nil {
		return s.Propagator
	}
	return otel.GetTextMapPropagator()
}

func (s *ServerHTTPInterceptor) BeforeInvoke(invocation *core.Invocation) error {
	engine, ok := invocation.CallerInstance.(*gin.Engine)
	if !ok {
		return errors.Errorf("unexpected caller %T", invocation.CallerInstance)
	}
	if len(invocation.Args) != 1 {
		return errors.Errorf("unexpected arguments count %d", len(invocation.Args))
	}
	c, ok := invocation.Args[0].(*gin.Context)
	if !ok || c.Request == nil {
		return errors.Errorf("unexpected argument %T", invocation.Args[0])
	}

	req := c.Request
	ctx := s.propagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
	ctx, span := s.tracer().Start(ctx, req.Method+" "+req.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		))
	c.Request = req.WithContext(ctx)
	contextSpans.Set(c, span)
	core.SetGLS(span.SpanContext())

	stats := engineStats.ComputeIfAbsent(engine, func() *EngineStats {
		return &EngineStats{}
	})
	stats.requests.Add(1)
	stats.inFlight.Add(1)
	invocation.Context = stats
	return nil
}

func (s *ServerHTTPInterceptor) AfterInvoke(invocation *core.Invocation, result ...interface{}) error {
	if len(invocation.Args) != 1 {
		return nil
	}
	c, ok := invocation.Args[0].(*gin.Context)
	if !ok {
		return nil
	}
	status := c.Writer.Status()
	if stats, ok := invocation.Context.(*EngineStats); ok {
		stats.inFlight.Add(-1)
		if status >= http.StatusInternalServerError {
			stats.failures.Add(1)
		}
	}

	span, ok := contextSpans.Get(c)
	if !ok {
		return nil
	}
	// the engine pools contexts, the next request must not see this span
	contextSpans.Delete(c)
	core.SetGLS(nil)

	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if route := c.FullPath(); route != "" {
		span.SetAttributes(attribute.String("http.route", route))
	}
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	span.End()
	return nil
}

var serverHTTP = &ServerHTTPInterceptor{}

//go:linkname _skywalking_before_github_com_gin_gonic_gin_EnginehandleHTTPRequest _skywalking_before_github_com_gin_gonic_gin_EnginehandleHTTPRequest
var _skywalking_before_github_com_gin_gonic_gin_EnginehandleHTTPRequest = beforeHandleHTTPRequest

//go:linkname _skywalking_after_github_com_gin_gonic_gin_EnginehandleHTTPRequest _skywalking_after_github_com_gin_gonic_gin_EnginehandleHTTPRequest
var _skywalking_after_github_com_gin_gonic_gin_EnginehandleHTTPRequest = afterHandleHTTPRequest

func beforeHandleHTTPRequest(caller interface{}, args []interface{}) (interface{}, bool) {
	return core.Before(serverHTTP, caller, args)
}

func afterHandleHTTPRequest(state interface{}, results []interface{}) {
	core.After(serverHTTP, state, results)
}
