package gin

import (
	"github.com/dave/dst"
	"github.com/dave/dst/dstutil"

	"github.com/mrproliu/go-agent-virtualfield/frameworks/core"
)

const (
	basePackage    = "github.com/gin-gonic/gin"
	adapterPackage = "github.com/mrproliu/go-agent-virtualfield/frameworks/gin"
)

var virtualFields = core.NewRegistryBuilder().
	Register(basePackage+".Context", "go.opentelemetry.io/otel/trace.Span").
	Register(basePackage+".Engine", "*"+adapterPackage+".EngineStats").
	MustBuild()

type Instrument struct {
}

func (i *Instrument) BasePackage() string {
	return basePackage
}

func (i *Instrument) AdapterPackage() string {
	return adapterPackage
}

func (i *Instrument) VirtualFields() *core.Registry {
	return virtualFields
}

func (i *Instrument) Points() []*core.InstrumentPoint {
	return []*core.InstrumentPoint{
		{
			PackagePath: "",
			FileName:    "gin.go",
			FilterMethod: func(cursor *dstutil.Cursor) bool {
				switch n := cursor.Node().(type) {
				case *dst.FuncDecl:
					if n.Name.Name == "handleHTTPRequest" && n.Recv != nil && len(n.Recv.List) > 0 {
						expr, ok := n.Recv.List[0].Type.(*dst.StarExpr)
						if !ok {
							return false
						}
						ident, ok := expr.X.(*dst.Ident)
						if !ok {
							return false
						}
						return ident.Name == "Engine"
					}
				}
				return false
			},
		},
	}
}
