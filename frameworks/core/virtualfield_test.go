package core

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"
)

type connection struct {
	name    string
	padding [4]int64
}

// augmentedConnection mirrors what the agent generates for an augmented type.
type augmentedConnection struct {
	name string
	slot *interface{}
}

func (c *augmentedConnection) SkyWalkingVirtualField_test() **interface{} {
	return &c.slot
}

type connectionAccessor struct{}

func (connectionAccessor) VirtualFieldSlot(carrier interface{}) **interface{} {
	if a, ok := carrier.(interface{ SkyWalkingVirtualField_test() **interface{} }); ok {
		return a.SkyWalkingVirtualField_test()
	}
	return nil
}

type statement struct {
	sql string
}

type spanState struct {
	id int
}

func TestGetBeforeSetIsAbsent(t *testing.T) {
	field := Resolve[connection, *statement](NewFields(), nil)
	v, ok := field.Get(&connection{name: "db"})
	assert.False(t, ok)
	assert.Nil(t, v)

	var nilCarrier *connection
	_, ok = field.Get(nilCarrier)
	assert.False(t, ok)
	field.Set(nilCarrier, &statement{})
}

func TestSetThenGet(t *testing.T) {
	fields := NewFields()
	slow := Resolve[connection, string](fields, nil)
	fast := Resolve[augmentedConnection, string](fields, connectionAccessor{})

	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.StringN(1, 32, -1).Draw(t, "payload")

		c := &connection{name: "c"}
		slow.Set(c, payload)
		got, ok := slow.Get(c)
		if !ok || got != payload {
			t.Fatalf("fallback storage returned %q, %v for %q", got, ok, payload)
		}

		a := &augmentedConnection{name: "a"}
		fast.Set(a, payload)
		got, ok = fast.Get(a)
		if !ok || got != payload {
			t.Fatalf("field storage returned %q, %v for %q", got, ok, payload)
		}
	})

	assert.Equal(t, 0, fast.Stats().FallbackEntries)
	assert.True(t, fast.Stats().Bound)
	assert.Positive(t, fast.Stats().FastGets)
	assert.Positive(t, slow.Stats().SlowGets)
}

func TestSetNilDeletes(t *testing.T) {
	fields := NewFields()
	slow := Resolve[connection, *statement](fields, nil)
	fast := Resolve[augmentedConnection, *statement](fields, connectionAccessor{})

	c := &connection{}
	slow.Set(c, &statement{sql: "select 1"})
	require.Equal(t, 1, slow.fallback.len())
	slow.Set(c, nil)
	_, ok := slow.Get(c)
	assert.False(t, ok)
	assert.Equal(t, 0, slow.fallback.len())

	a := &augmentedConnection{}
	fast.Set(a, &statement{sql: "select 1"})
	require.NotNil(t, a.slot)
	fast.Delete(a)
	_, ok = fast.Get(a)
	assert.False(t, ok)
}

func TestPairsOnSameCarrierAreIndependent(t *testing.T) {
	fields := NewFields()
	rapid.Check(t, func(t *rapid.T) {
		statements := Resolve[connection, *statement](fields, nil)
		spans := Resolve[connection, *spanState](fields, nil)

		c := &connection{}
		sql := rapid.String().Draw(t, "sql")
		statements.Set(c, &statement{sql: sql})
		if _, ok := spans.Get(c); ok {
			t.Fatalf("span pair observed the statement pair")
		}
		spans.Set(c, &spanState{id: rapid.Int().Draw(t, "id")})
		spans.Delete(c)
		got, ok := statements.Get(c)
		if !ok || got.sql != sql {
			t.Fatalf("statement pair changed by span pair: %v %v", got, ok)
		}
	})
}

func TestSetIfAbsentAndGetSingleWinner(t *testing.T) {
	fields := NewFields()
	check := func(t *testing.T, set func(p *spanState) *spanState) {
		const callers = 32
		results := make([]*spanState, callers)
		candidates := make([]*spanState, callers)
		var g errgroup.Group
		for i := 0; i < callers; i++ {
			i := i
			candidates[i] = &spanState{id: i}
			g.Go(func() error {
				results[i] = set(candidates[i])
				return nil
			})
		}
		require.NoError(t, g.Wait())
		winner := results[0]
		assert.Contains(t, candidates, winner)
		for _, r := range results {
			assert.Same(t, winner, r)
		}
	}

	t.Run("fallback", func(t *testing.T) {
		field := Resolve[connection, *spanState](fields, nil)
		c := &connection{}
		check(t, func(p *spanState) *spanState { return field.SetIfAbsentAndGet(c, p) })
		got, ok := field.Get(c)
		require.True(t, ok)
		assert.Equal(t, 1, field.fallback.len())
		assert.Same(t, got, field.SetIfAbsentAndGet(c, &spanState{id: -1}))
	})
	t.Run("field", func(t *testing.T) {
		field := Resolve[augmentedConnection, *spanState](fields, connectionAccessor{})
		a := &augmentedConnection{}
		check(t, func(p *spanState) *spanState { return field.SetIfAbsentAndGet(a, p) })
		got, ok := field.Get(a)
		require.True(t, ok)
		assert.Same(t, got, field.SetIfAbsentAndGet(a, &spanState{id: -1}))
		assert.Equal(t, 0, field.fallback.len())
	})
}

func TestComputeIfAbsentCallsSupplierOnce(t *testing.T) {
	fields := NewFields()
	for _, field := range []interface {
		computeOn() (*spanState, int64)
	}{
		computeCase[connection]{field: Resolve[connection, *spanState](fields, nil), carrier: &connection{}},
		computeCase[augmentedConnection]{field: Resolve[augmentedConnection, *spanState](fields, connectionAccessor{}), carrier: &augmentedConnection{}},
	} {
		winner, calls := field.computeOn()
		require.NotNil(t, winner)
		assert.EqualValues(t, 1, calls)
	}
}

type computeCase[C any] struct {
	field   *VirtualField[C, *spanState]
	carrier *C
}

func (c computeCase[C]) computeOn() (*spanState, int64) {
	var calls atomic.Int64
	var winner atomic.Pointer[spanState]
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			v := c.field.ComputeIfAbsent(c.carrier, func() *spanState {
				calls.Add(1)
				return &spanState{id: 1}
			})
			if !winner.CompareAndSwap(nil, v) && winner.Load() != v {
				return assert.AnError
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, -1
	}
	return winner.Load(), calls.Load()
}

func TestFallbackDoesNotRetainCarriers(t *testing.T) {
	field := Resolve[connection, *statement](NewFields(), nil)

	attach := func() {
		for i := 0; i < 64; i++ {
			field.Set(&connection{name: "short lived"}, &statement{sql: "select 1"})
		}
	}
	attach()
	require.Equal(t, 64, field.fallback.len())

	require.Eventually(t, func() bool {
		runtime.GC()
		return field.fallback.len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFindAndBindShareStorage(t *testing.T) {
	found := FindVirtualField[augmentedConnection, *statement]()
	assert.False(t, found.Stats().Bound)

	a := &augmentedConnection{}
	found.Set(&augmentedConnection{}, &statement{sql: "before binding"})

	pair := PairOf[augmentedConnection, *statement]()
	bound := BindVirtualField[augmentedConnection, *statement](pair.Carrier, pair.Payload, connectionAccessor{})
	require.Same(t, found, bound)
	assert.True(t, found.Stats().Bound)

	bound.Set(a, &statement{sql: "select 1"})
	got, ok := found.Get(a)
	require.True(t, ok)
	assert.Equal(t, "select 1", got.sql)
	assert.NotNil(t, a.slot)
}

func TestBindVirtualFieldRejectsMismatchedNames(t *testing.T) {
	assert.Panics(t, func() {
		BindVirtualField[connection, *statement]("example.com/other.Conn", "*example.com/other.Stmt", connectionAccessor{})
	})
}

func TestSnapshotListsResolvedPairs(t *testing.T) {
	fields := NewFields()
	Resolve[connection, *statement](fields, nil).Set(&connection{}, &statement{})
	Resolve[augmentedConnection, *statement](fields, connectionAccessor{})

	stats := fields.Snapshot()
	require.Len(t, stats, 2)
	pairs := map[Pair]FieldStats{}
	for _, s := range stats {
		pairs[s.Pair] = s
	}
	assert.EqualValues(t, 1, pairs[PairOf[connection, *statement]()].SlowSets)
	assert.True(t, pairs[PairOf[augmentedConnection, *statement]()].Bound)
}

var sharedConnection connection

type marker struct{}

// counter is small and pointer free, it comes from the tiny allocator.
type counter struct {
	hits, misses, errs int32
}

func exerciseFallback[C any](t *testing.T, carrier *C) {
	t.Helper()
	field := Resolve[C, string](NewFields(), nil)
	_, ok := field.Get(carrier)
	assert.False(t, ok)

	field.Set(carrier, "first")
	got, ok := field.Get(carrier)
	require.True(t, ok)
	assert.Equal(t, "first", got)
	assert.Equal(t, "first", field.SetIfAbsentAndGet(carrier, "second"))
	assert.Equal(t, 1, field.Stats().FallbackEntries)

	field.Delete(carrier)
	_, ok = field.Get(carrier)
	assert.False(t, ok)
	assert.Equal(t, "computed", field.ComputeIfAbsent(carrier, func() string { return "computed" }))
	field.Delete(carrier)
	assert.Equal(t, 0, field.Stats().FallbackEntries)
}

func TestFallbackCarriersOutsideTheHeap(t *testing.T) {
	t.Run("package variable", func(t *testing.T) {
		exerciseFallback(t, &sharedConnection)
	})
	t.Run("static composite literal", func(t *testing.T) {
		exerciseFallback(t, http.DefaultClient)
	})
	t.Run("zero sized", func(t *testing.T) {
		exerciseFallback(t, &marker{})
	})
	t.Run("heap", func(t *testing.T) {
		exerciseFallback(t, &counter{})
	})
}

func TestFallbackDoesNotRetainTinyCarriers(t *testing.T) {
	field := Resolve[counter, string](NewFields(), nil)

	attach := func() {
		for i := 0; i < 64; i++ {
			field.Set(&counter{hits: int32(i)}, "tiny")
		}
	}
	attach()
	require.Equal(t, 64, field.fallback.len())

	require.Eventually(t, func() bool {
		runtime.GC()
		return field.fallback.len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFallbackGetAndSetConcurrently(t *testing.T) {
	field := Resolve[connection, *statement](NewFields(), nil)
	c := &connection{}
	first, second := &statement{sql: "select 1"}, &statement{sql: "select 2"}
	field.Set(c, first)

	const rounds = 10000
	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < rounds; i++ {
			field.Set(c, second)
			field.Set(c, first)
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < rounds; i++ {
			got, ok := field.Get(c)
			if !ok || (got != first && got != second) {
				return errors.Errorf("unexpected payload %v, %v", got, ok)
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < rounds; i++ {
			if got := field.SetIfAbsentAndGet(c, &statement{}); got != first && got != second {
				return errors.Errorf("unexpected payload %v", got)
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, field.fallback.len())
}

func TestFallbackSweepsCollectedCarriers(t *testing.T) {
	m := newWeakMap[connection, string]()
	for i := 0; i < 3*sweepFloor; i++ {
		m.put(&connection{name: "short lived"}, "payload")
	}
	kept := &connection{name: "kept"}
	m.put(kept, "kept")

	require.Eventually(t, func() bool {
		runtime.GC()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.sweepLocked()
		return m.size == 1
	}, 5*time.Second, 10*time.Millisecond)

	got, ok := m.get(kept)
	require.True(t, ok)
	assert.Equal(t, "kept", got)
	runtime.KeepAlive(kept)
}
