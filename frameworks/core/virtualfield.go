package core

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"
)

// FieldAccessor reaches the field injected into an augmented carrier. The
// build time binder generates one implementation per pair. VirtualFieldSlot
// returns nil for carriers whose type was not augmented.
//
// The slot holds a pointer to an immutable box, it is only read and written
// with atomic operations.
type FieldAccessor interface {
	VirtualFieldSlot(carrier interface{}) **interface{}
}

// VirtualField stores values of type P on instances of *C. Carriers whose type
// holds the injected field use it directly, all others are tracked in a map
// keyed by carrier identity that never keeps a carrier alive.
type VirtualField[C any, P any] struct {
	pair     Pair
	accessor atomic.Pointer[FieldAccessor]
	fallback *weakMap[C, P]
	locks    *stripedLocks
	stats    fieldStats
}

func newVirtualField[C any, P any](pair Pair) *VirtualField[C, P] {
	return &VirtualField[C, P]{
		pair:     pair,
		fallback: newWeakMap[C, P](),
		locks:    newStripedLocks(),
	}
}

func (f *VirtualField[C, P]) Pair() Pair {
	return f.pair
}

func (f *VirtualField[C, P]) bind(accessor FieldAccessor) {
	if accessor == nil {
		return
	}
	f.accessor.CompareAndSwap(nil, &accessor)
}

func (f *VirtualField[C, P]) slot(carrier *C) *unsafe.Pointer {
	a := f.accessor.Load()
	if a == nil {
		return nil
	}
	s := (*a).VirtualFieldSlot(carrier)
	if s == nil {
		return nil
	}
	return (*unsafe.Pointer)(unsafe.Pointer(s))
}

func loadSlot[P any](slot *unsafe.Pointer) (P, bool) {
	var zero P
	box := atomic.LoadPointer(slot)
	if box == nil {
		return zero, false
	}
	return (*(*interface{})(box)).(P), true
}

func storeSlot[P any](slot *unsafe.Pointer, payload P) {
	box := new(interface{})
	*box = payload
	atomic.StorePointer(slot, unsafe.Pointer(box))
}

// Get returns the payload of carrier, ok is false if none is attached.
func (f *VirtualField[C, P]) Get(carrier *C) (P, bool) {
	if carrier == nil {
		var zero P
		return zero, false
	}
	if s := f.slot(carrier); s != nil {
		f.stats.fastGet.Add(1)
		return loadSlot[P](s)
	}
	f.stats.slowGet.Add(1)
	return f.fallback.get(carrier)
}

// Set overwrites the payload of carrier. Setting a nil payload deletes it.
func (f *VirtualField[C, P]) Set(carrier *C, payload P) {
	if carrier == nil {
		return
	}
	if isNil(payload) {
		f.Delete(carrier)
		return
	}
	if s := f.slot(carrier); s != nil {
		f.stats.fastSet.Add(1)
		storeSlot(s, payload)
		return
	}
	f.stats.slowSet.Add(1)
	f.fallback.put(carrier, payload)
}

func (f *VirtualField[C, P]) Delete(carrier *C) {
	if carrier == nil {
		return
	}
	if s := f.slot(carrier); s != nil {
		f.stats.fastSet.Add(1)
		atomic.StorePointer(s, nil)
		return
	}
	f.stats.slowSet.Add(1)
	f.fallback.remove(carrier)
}

// SetIfAbsentAndGet attaches payload unless carrier already has a payload, and
// returns the payload attached once the call completes. Concurrent callers on
// the same carrier all observe the same value.
func (f *VirtualField[C, P]) SetIfAbsentAndGet(carrier *C, payload P) P {
	return f.ComputeIfAbsent(carrier, func() P { return payload })
}

// ComputeIfAbsent is SetIfAbsentAndGet with a lazily computed payload. The
// supplier runs at most once per successful attach and must not use f.
func (f *VirtualField[C, P]) ComputeIfAbsent(carrier *C, supplier func() P) P {
	if carrier == nil {
		return supplier()
	}
	s := f.slot(carrier)
	if s == nil {
		f.stats.slowSet.Add(1)
		return f.fallback.putIfAbsent(carrier, supplier)
	}
	f.stats.fastGet.Add(1)
	if v, ok := loadSlot[P](s); ok {
		return v
	}
	mu := f.locks.of(unsafe.Pointer(carrier))
	mu.Lock()
	defer mu.Unlock()
	if v, ok := loadSlot[P](s); ok {
		return v
	}
	v := supplier()
	if !isNil(v) {
		f.stats.fastSet.Add(1)
		storeSlot(s, v)
	}
	return v
}

// Stats returns a snapshot of the operation counters.
func (f *VirtualField[C, P]) Stats() FieldStats {
	return FieldStats{
		Pair:            f.pair,
		Bound:           f.accessor.Load() != nil,
		FastGets:        f.stats.fastGet.Load(),
		FastSets:        f.stats.fastSet.Load(),
		SlowGets:        f.stats.slowGet.Load(),
		SlowSets:        f.stats.slowSet.Load(),
		FallbackEntries: f.fallback.len(),
	}
}

type fieldStats struct {
	fastGet atomic.Int64
	fastSet atomic.Int64
	slowGet atomic.Int64
	slowSet atomic.Int64
}

type FieldStats struct {
	Pair            Pair
	Bound           bool
	FastGets        int64
	FastSets        int64
	SlowGets        int64
	SlowSets        int64
	FallbackEntries int
}

type statsSource interface {
	Stats() FieldStats
}

const lockStripes = 64

// stripedLocks serializes writers per carrier address without a lock per carrier.
type stripedLocks [lockStripes]sync.Mutex

func newStripedLocks() *stripedLocks {
	return new(stripedLocks)
}

func (s *stripedLocks) of(p unsafe.Pointer) *sync.Mutex {
	h := uintptr(p)
	h ^= h >> 17
	h *= 0x9e3779b1
	return &s[(h>>7)%lockStripes]
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface, reflect.UnsafePointer:
		return rv.IsNil()
	}
	return false
}

// Fields holds the storage of every pair. Generated code and FindVirtualField
// resolve through DefaultFields, tests may use their own table.
type Fields struct {
	fields sync.Map // Pair -> *VirtualField[C, P]
	warned sync.Map // Pair -> struct{}
}

func NewFields() *Fields {
	return &Fields{}
}

var DefaultFields = NewFields()

// Snapshot returns the statistics of every resolved pair.
func (fs *Fields) Snapshot() []FieldStats {
	var result []FieldStats
	fs.fields.Range(func(_, value any) bool {
		result = append(result, value.(statsSource).Stats())
		return true
	})
	return result
}

// Resolve returns the single storage of pair P on carrier C in fs, binding it
// to accessor when one is given.
func Resolve[C any, P any](fs *Fields, accessor FieldAccessor) *VirtualField[C, P] {
	pair := PairOf[C, P]()
	v, ok := fs.fields.Load(pair)
	if !ok {
		v, _ = fs.fields.LoadOrStore(pair, newVirtualField[C, P](pair))
	}
	field, ok := v.(*VirtualField[C, P])
	if !ok {
		panic(fmt.Sprintf("virtual field %s resolved as %T, expected %T", pair, v, field))
	}
	field.bind(accessor)
	return field
}

// FindVirtualField returns the storage for payloads P attached to *C. Calls
// are rewritten by the agent at build time into a reference to a storage bound
// to the injected field, so both type arguments must be literal types that the
// calling framework registered. The carrier names a package level struct type.
// The payload is a named or predeclared type, possibly inside pointer, slice,
// array and map types; channel, function and inline struct types are rejected.
// Without the agent every carrier goes through the fallback map.
func FindVirtualField[C any, P any]() *VirtualField[C, P] {
	field := Resolve[C, P](DefaultFields, nil)
	if field.accessor.Load() == nil {
		if _, warned := DefaultFields.warned.LoadOrStore(field.pair, struct{}{}); !warned {
			logger.WithField("pair", field.pair.String()).
				Warn("virtual field resolved without build time binding, using fallback storage")
		}
	}
	return field
}

// BindVirtualField is called by generated code with the accessor of the
// field injected for the pair. carrier and payload are the names the binder
// computed, they must agree with the Go types.
func BindVirtualField[C any, P any](carrier, payload string, accessor FieldAccessor) *VirtualField[C, P] {
	field := Resolve[C, P](DefaultFields, accessor)
	if expected := NewPair(carrier, payload); field.pair != expected {
		panic(fmt.Sprintf("virtual field binding %s does not match the resolved types %s", expected, field.pair))
	}
	return field
}
