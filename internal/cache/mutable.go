package cache

import (
	"slices"
	"sync"

	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/pup"
)

// Callback is invoked once a pending mutable cache item becomes ready.
type Callback interface {
	Invoke()
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func()

// Invoke calls f.
func (f CallbackFunc) Invoke() { f() }

// MutableCache is one process's branch of the mutable cache.
//
// Every mutation of an entry happens under the branch lock, so mutations of
// one tag on one branch apply in call order. Branches never talk to each
// other.
type MutableCache struct {
	proc int

	mu      sync.Mutex
	entries map[string]*mutableEntry
}

type mutableEntry struct {
	value      any
	generation uint64
	pending    []pendingCallback
}

// pendingCallback pairs a readiness predicate with the callback registered
// while the predicate was false.
type pendingCallback struct {
	ready    func(stored any) bool
	callback Callback
}

// NewMutableCache creates a branch for proc holding the given initial values.
// The branch owns values; callers building several branches from one set of
// values give each its own copy (see pup.CopyMap).
func NewMutableCache(proc int, values map[string]any) *MutableCache {
	entries := make(map[string]*mutableEntry, len(values))
	for k, v := range values {
		entries[k] = &mutableEntry{value: v}
	}
	return &MutableCache{proc: proc, entries: entries}
}

// Proc returns the process this branch belongs to.
func (m *MutableCache) Proc() int {
	return m.proc
}

// Tags returns the registered tag names in sorted order.
func (m *MutableCache) Tags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tags := make([]string, 0, len(m.entries))
	for k := range m.entries {
		tags = append(tags, k)
	}
	slices.Sort(tags)
	return tags
}

func (m *MutableCache) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[name]
	return ok
}

// entryLocked returns the entry for name. Callers hold m.mu and release it
// with defer, so the panic below never leaves the branch locked.
func (m *MutableCache) entryLocked(name string) *mutableEntry {
	e, ok := m.entries[name]
	if !ok {
		panic(ir.Fatalf(ir.ErrCodeUnregisteredTag,
			"mutable cache tag %q is not registered on proc %d", name, m.proc))
	}
	return e
}

// resolveLocked returns the entry's value as a T. Callers hold m.mu.
func resolveLocked[T any](e *mutableEntry) T {
	v, err := pup.Resolve[T](e.value)
	if err != nil {
		panic(err)
	}
	e.value = v
	return v
}

// mutableGet returns a copy of the stored value, so callers never share a
// map or slice that a later Mutate writes to.
func mutableGet[T any](m *MutableCache, tag Tag[T]) T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, err := pup.Clone(resolveLocked[T](m.entryLocked(tag.name)))
	if err != nil {
		panic(ir.WrapFatal(ir.ErrCodeTagType, err, "copy mutable cache tag %q", tag.name))
	}
	return out
}

func mutableMutate[T any](m *MutableCache, tag Tag[T], fn func(*T)) {
	fire := func() []Callback {
		m.mu.Lock()
		defer m.mu.Unlock()
		e := m.entryLocked(tag.name)
		v := resolveLocked[T](e)
		fn(&v)
		e.value = v
		e.generation++

		var ready []Callback
		remaining := e.pending[:0]
		for _, p := range e.pending {
			if p.ready(e.value) {
				ready = append(ready, p.callback)
				continue
			}
			remaining = append(remaining, p)
		}
		// Clear the tail so removed callbacks can be collected.
		for i := len(remaining); i < len(e.pending); i++ {
			e.pending[i] = pendingCallback{}
		}
		e.pending = remaining
		return ready
	}()

	// Outside the lock: callbacks commonly read or mutate the cache again.
	for _, cb := range fire {
		cb.Invoke()
	}
}

func mutableIsReady[T any](m *MutableCache, tag Tag[T], check func(T) Callback) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(tag.name)
	v := resolveLocked[T](e)

	cb := check(v)
	if cb == nil {
		return true
	}
	e.pending = append(e.pending, pendingCallback{
		ready: func(stored any) bool {
			return check(stored.(T)) == nil
		},
		callback: cb,
	})
	return false
}

func (m *MutableCache) generation(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entryLocked(name).generation
}

// PendingCallbacks returns the number of callbacks waiting on name.
func (m *MutableCache) PendingCallbacks(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entryLocked(name).pending)
}
