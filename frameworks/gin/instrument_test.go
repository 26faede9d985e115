package gin

import (
	"testing"

	"github.com/dave/dst/decorator"
	"github.com/dave/dst/dstutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrproliu/go-agent-virtualfield/frameworks/core"
)

func TestVirtualFieldsMatchAdapterTypes(t *testing.T) {
	inst := &Instrument{}
	registry := inst.VirtualFields()
	assert.Equal(t, 2, registry.Len())
	assert.True(t, registry.Contains(core.PairOf[gin.Context, trace.Span]()))
	assert.True(t, registry.Contains(core.PairOf[gin.Engine, *EngineStats]()))
	assert.Equal(t, contextSpans.Pair(), core.PairOf[gin.Context, trace.Span]())
	assert.Equal(t, adapterPackage, inst.AdapterPackage())
}

func TestPointSelectsHandleHTTPRequest(t *testing.T) {
	file, err := decorator.Parse(`package gin

type Engine struct{}

type Context struct{}

func (engine *Engine) handleHTTPRequest(c *Context) {}

func (c *Context) handleHTTPRequest() {}

func (engine Engine) ServeHTTP() {}

func handleHTTPRequest() {}
`)
	require.NoError(t, err)

	points := (&Instrument{}).Points()
	require.Len(t, points, 1)
	assert.Equal(t, "gin.go", points[0].FileName)

	var matched []string
	dstutil.Apply(file, func(cursor *dstutil.Cursor) bool {
		if points[0].FilterMethod(cursor) {
			matched = append(matched, cursor.Name())
		}
		return true
	}, nil)
	assert.Len(t, matched, 1)
}
