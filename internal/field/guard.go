package field

import (
	"sort"
	"sync"

	"github.com/mrproliu/go-agent-virtualfield/frameworks/core"
)

// Guard records which pairs already have augmentation installed, so a pair
// declared by several frameworks is wired once. The toolexec bootstrap owns
// one guard per process.
type Guard struct {
	claimed sync.Map // core.Pair -> struct{}
}

func NewGuard() *Guard {
	return &Guard{}
}

// TryClaim returns true only for the first claim of pair.
func (g *Guard) TryClaim(pair core.Pair) bool {
	_, loaded := g.claimed.LoadOrStore(pair, struct{}{})
	return !loaded
}

// Claimed lists the claimed pairs, sorted.
func (g *Guard) Claimed() []core.Pair {
	var result []core.Pair
	g.claimed.Range(func(key, _ any) bool {
		result = append(result, key.(core.Pair))
		return true
	})
	sort.Slice(result, func(i, j int) bool {
		return result[i].String() < result[j].String()
	})
	return result
}
