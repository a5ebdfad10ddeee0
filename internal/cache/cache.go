// Package cache implements the GlobalCache: the process-wide, replicated
// store of configuration and shared values.
//
// Each logical process owns one GlobalCache branch holding the const entries
// (immutable after construction) and a handle to that process's MutableCache
// branch. Mutable entries change only through Mutate, which applies a
// function to the current value atomically with respect to other mutations
// on the same branch and then wakes callbacks whose readiness predicates now
// hold. Branches are independent replicas; a mutation on one branch is never
// propagated to another.
package cache

import (
	"slices"
	"sync"

	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/pup"
)

// Tag names a cache entry of type T.
type Tag[T any] struct {
	name string
}

// NewTag creates a cache tag.
func NewTag[T any](name string) Tag[T] {
	return Tag[T]{name: name}
}

// Name returns the tag's name.
func (t Tag[T]) Name() string {
	return t.name
}

// GlobalCache is one process's branch of the global cache.
type GlobalCache struct {
	topology ir.Topology
	proc     int

	values  map[string]any // const entries; never written after New
	mutable *MutableCache

	mu         sync.RWMutex
	components map[string]any
}

// New creates the branch for proc. The const values are copied; the mutable
// cache must be the branch for the same proc.
//
// A nil mutable cache is fatal: every branch needs its backing store.
func New(topology ir.Topology, proc int, constValues map[string]any, mutable *MutableCache) (*GlobalCache, error) {
	if mutable == nil {
		return nil, ir.Fatalf(ir.ErrCodeNullBackingStore,
			"GlobalCache on proc %d constructed without a mutable cache", proc)
	}
	if mutable.Proc() != proc {
		return nil, ir.Fatalf(ir.ErrCodeNullBackingStore,
			"GlobalCache on proc %d given the mutable cache of proc %d", proc, mutable.Proc())
	}
	values := make(map[string]any, len(constValues))
	for k, v := range constValues {
		if mutable.has(k) {
			return nil, ir.Fatalf(ir.ErrCodeRegistration,
				"cache tag %q is registered as both const and mutable", k)
		}
		values[k] = v
	}
	return &GlobalCache{
		topology: topology,
		proc:     proc,
		values:   values,
		mutable:  mutable,
	}, nil
}

// Mutable returns the branch's mutable cache.
func (c *GlobalCache) Mutable() *MutableCache {
	return c.mutable
}

// ConstTags returns the registered const tag names in sorted order.
func (c *GlobalCache) ConstTags() []string {
	tags := make([]string, 0, len(c.values))
	for k := range c.values {
		tags = append(tags, k)
	}
	slices.Sort(tags)
	return tags
}

// Get returns the entry for tag from the const or mutable part of c.
//
// Asking for a tag the executable never registered is a programming error
// and panics with a fatal UNREGISTERED_TAG error.
func Get[T any](c *GlobalCache, tag Tag[T]) T {
	if v, ok := c.values[tag.name]; ok {
		out, err := pup.Resolve[T](v)
		if err != nil {
			panic(err)
		}
		return out
	}
	if c.mutable.has(tag.name) {
		return mutableGet(c.mutable, tag)
	}
	panic(ir.Fatalf(ir.ErrCodeUnregisteredTag,
		"cache tag %q is not registered with this executable", tag.name))
}

// Mutate applies fn to the current value of the mutable entry for tag on
// this branch only.
//
// After fn returns, every pending callback for tag whose predicate now holds
// is removed from the pending list and invoked, in registration order,
// outside the branch lock.
func Mutate[T any](c *GlobalCache, tag Tag[T], fn func(*T)) {
	if _, ok := c.values[tag.name]; ok {
		panic(ir.Fatalf(ir.ErrCodeInvalidState,
			"cache tag %q is const and cannot be mutated", tag.name))
	}
	mutableMutate(c.mutable, tag, fn)
}

// MutableCacheItemIsReady evaluates check against the current value of the
// mutable entry for tag.
//
// check returns nil when the item is ready; MutableCacheItemIsReady then
// returns true and has no side effects. Otherwise the callback check
// returned is registered, and is invoked exactly once after the first later
// mutation for which check returns nil. The caller should pause and retry
// when the callback fires.
func MutableCacheItemIsReady[T any](c *GlobalCache, tag Tag[T], check func(T) Callback) bool {
	return mutableIsReady(c.mutable, tag, check)
}

// Generation returns how many times the mutable entry name has been mutated
// on this branch.
func (c *GlobalCache) Generation(name string) uint64 {
	return c.mutable.generation(name)
}

// SetParallelComponents stores the completed proxy set on this branch. Main
// broadcasts it to every branch once all proxies exist.
func (c *GlobalCache) SetParallelComponents(components map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make(map[string]any, len(components))
	for k, v := range components {
		copied[k] = v
	}
	c.components = copied
}

// ParallelComponent returns the proxy for the named component.
//
// Reading proxies before Main has broadcast them, or asking for a component
// that does not exist, is fatal.
func (c *GlobalCache) ParallelComponent(name string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.components == nil {
		panic(ir.Fatalf(ir.ErrCodeInvalidState,
			"parallel components requested on proc %d before they were set", c.proc))
	}
	p, ok := c.components[name]
	if !ok {
		panic(ir.Fatalf(ir.ErrCodeUnregisteredTag, "no parallel component named %q", name))
	}
	return p
}

// HasParallelComponents reports whether the proxy set has arrived.
func (c *GlobalCache) HasParallelComponents() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.components != nil
}

// Topology returns the run's hardware shape.
func (c *GlobalCache) Topology() ir.Topology { return c.topology }

// NumberOfProcs returns the total number of processes.
func (c *GlobalCache) NumberOfProcs() int { return c.topology.NumberOfProcs() }

// NumberOfNodes returns the number of nodes.
func (c *GlobalCache) NumberOfNodes() int { return c.topology.Nodes }

// MyProc returns the process hosting this branch.
func (c *GlobalCache) MyProc() int { return c.proc }

// MyNode returns the node hosting this branch.
func (c *GlobalCache) MyNode() int { return c.topology.NodeOf(c.proc) }

// ProcsOnNode returns the number of processes on node.
func (c *GlobalCache) ProcsOnNode(node int) int { return c.topology.ProcsOnNode(node) }

// FirstProcOnNode returns the lowest process number on node.
func (c *GlobalCache) FirstProcOnNode(node int) int { return c.topology.FirstProcOnNode(node) }

// NodeOf returns the node hosting proc.
func (c *GlobalCache) NodeOf(proc int) int { return c.topology.NodeOf(proc) }
