package core

import (
	"runtime"
	"sync"
	"unsafe"
	"weak"
)

// sweeps of dead entries start once the map grew by this many entries
const sweepFloor = 64

// weakMap associates payloads with carrier identities without keeping heap
// carriers alive. Entries are indexed by carrier address and matched through a
// weak pointer, so a new carrier reusing the address of a collected one never
// observes its payload.
//
// Carriers the collector does not track (package level variables, zero-sized
// values, memory outside the Go heap) are held strongly: they are never freed.
// All pointers to zero-sized carriers may share one address and one payload.
//
// Entries leave the map through a cleanup registered on the carrier, or through
// a sweep of entries whose weak pointer is nil. Cleanups are not guaranteed for
// objects from the tiny allocator.
type weakMap[C any, P any] struct {
	mu      sync.RWMutex
	entries map[uintptr][]*weakEntry[C, P]
	size    int
	// size after the last sweep
	swept int
}

type weakEntry[C any, P any] struct {
	addr    uintptr
	weak    weak.Pointer[C]
	strong  *C
	value   P
	cleanup runtime.Cleanup
}

func (e *weakEntry[C, P]) live() bool {
	return e.strong != nil || e.weak.Value() != nil
}

func newWeakMap[C any, P any]() *weakMap[C, P] {
	return &weakMap[C, P]{entries: make(map[uintptr][]*weakEntry[C, P])}
}

func addressOf[C any](carrier *C) uintptr {
	return uintptr(unsafe.Pointer(carrier))
}

func (m *weakMap[C, P]) lookupLocked(addr uintptr) *weakEntry[C, P] {
	for _, e := range m.entries[addr] {
		if e.live() {
			return e
		}
	}
	return nil
}

func (m *weakMap[C, P]) get(carrier *C) (P, bool) {
	m.mu.RLock()
	e := m.lookupLocked(addressOf(carrier))
	var value P
	if e != nil {
		value = e.value
	}
	m.mu.RUnlock()
	runtime.KeepAlive(carrier)
	return value, e != nil
}

func (m *weakMap[C, P]) put(carrier *C, value P) {
	m.mu.Lock()
	m.putLocked(carrier, value)
	m.mu.Unlock()
	runtime.KeepAlive(carrier)
}

func (m *weakMap[C, P]) putLocked(carrier *C, value P) {
	addr := addressOf(carrier)
	if e := m.lookupLocked(addr); e != nil {
		e.value = value
		return
	}
	if m.size >= 2*m.swept+sweepFloor {
		m.sweepLocked()
	}
	e := &weakEntry[C, P]{addr: addr, value: value}
	var zero C
	if unsafe.Sizeof(zero) == 0 {
		e.strong = carrier
	} else if cleanup, ok := trackCarrier(carrier, m.evict, e); ok {
		e.cleanup = cleanup
		e.weak = weak.Make(carrier)
	} else {
		e.strong = carrier
	}
	m.entries[addr] = append(m.entries[addr], e)
	m.size++
}

// trackCarrier registers cleanup on carrier. It reports false when the
// collector does not manage the memory of carrier, in which case weak
// pointers to it cannot be made either.
func trackCarrier[C any, S any](carrier *C, cleanup func(S), arg S) (c runtime.Cleanup, ok bool) {
	defer func() {
		if recover() != nil {
			c, ok = runtime.Cleanup{}, false
		}
	}()
	c = runtime.AddCleanup(carrier, cleanup, arg)
	return c, c != (runtime.Cleanup{})
}

func (m *weakMap[C, P]) remove(carrier *C) {
	m.mu.Lock()
	e := m.lookupLocked(addressOf(carrier))
	if e != nil {
		m.unlinkLocked(e)
	}
	m.mu.Unlock()
	if e != nil && e.strong == nil {
		e.cleanup.Stop()
	}
	runtime.KeepAlive(carrier)
}

// putIfAbsent stores the supplied value unless the carrier already has one,
// and returns the value that ends up associated with the carrier.
func (m *weakMap[C, P]) putIfAbsent(carrier *C, supplier func() P) P {
	if v, ok := m.get(carrier); ok {
		return v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.lookupLocked(addressOf(carrier)); e != nil {
		return e.value
	}
	v := supplier()
	if !isNil(v) {
		m.putLocked(carrier, v)
	}
	return v
}

// evict runs after the carrier of e became unreachable.
func (m *weakMap[C, P]) evict(e *weakEntry[C, P]) {
	m.mu.Lock()
	m.unlinkLocked(e)
	m.mu.Unlock()
}

func (m *weakMap[C, P]) unlinkLocked(e *weakEntry[C, P]) {
	bucket := m.entries[e.addr]
	for i, other := range bucket {
		if other != e {
			continue
		}
		last := len(bucket) - 1
		bucket[i] = bucket[last]
		bucket[last] = nil
		if last == 0 {
			delete(m.entries, e.addr)
		} else {
			m.entries[e.addr] = bucket[:last]
		}
		m.size--
		return
	}
}

// sweepLocked drops the entries of collected carriers.
func (m *weakMap[C, P]) sweepLocked() {
	for addr, bucket := range m.entries {
		live := bucket[:0]
		for _, e := range bucket {
			if e.live() {
				live = append(live, e)
			}
		}
		for i := len(live); i < len(bucket); i++ {
			bucket[i] = nil
		}
		m.size -= len(bucket) - len(live)
		if len(live) == 0 {
			delete(m.entries, addr)
		} else {
			m.entries[addr] = live
		}
	}
	m.swept = m.size
}

// len returns the number of live entries.
func (m *weakMap[C, P]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	return m.size
}
