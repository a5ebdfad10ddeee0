package parallel

import (
	"github.com/roach88/phaserun/internal/cache"
	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/pup"
)

// Allocator creates the elements of an array component. Allocate inserts
// every element through proxy.Insert, never on a process in procsToIgnore,
// and finishes with proxy.DoneInserting.
type Allocator interface {
	Allocate(proxy *ComponentProxy, items map[string]any, procsToIgnore map[int]struct{}) error
}

// ElementsFunc lists the indices an allocator should create. It sees the
// initialization items and the cache branch of process 0.
type ElementsFunc func(items map[string]any, c *cache.GlobalCache) ([]ir.ElementIndex, error)

// FixedElements creates indices 0..n-1.
func FixedElements(n int) ElementsFunc {
	return func(map[string]any, *cache.GlobalCache) ([]ir.ElementIndex, error) {
		return indexRange(n), nil
	}
}

// CountElements creates indices 0..n-1 where n is the integer initialization
// item named option.
func CountElements(option string) ElementsFunc {
	return func(items map[string]any, _ *cache.GlobalCache) ([]ir.ElementIndex, error) {
		raw, ok := items[option]
		if !ok {
			return nil, ir.Fatalf(ir.ErrCodeActionPrecondition, "allocator needs initialization item %q", option)
		}
		n, err := pup.Resolve[int](raw)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, ir.UserErrorf("%s must not be negative, got %d", option, n)
		}
		return indexRange(n), nil
	}
}

func indexRange(n int) []ir.ElementIndex {
	out := make([]ir.ElementIndex, n)
	for i := range out {
		out[i] = ir.ElementIndex(i)
	}
	return out
}

func availableProcs(numProcs int, ignore map[int]struct{}) ([]int, error) {
	var procs []int
	for p := 0; p < numProcs; p++ {
		if _, skip := ignore[p]; !skip {
			procs = append(procs, p)
		}
	}
	if len(procs) == 0 {
		return nil, ir.UserErrorf("every proc is excluded from array allocation")
	}
	return procs, nil
}

// Balanced places elements in contiguous blocks, one block per usable
// process. Without Cost the blocks differ in size by at most one, larger
// blocks first. With Cost the blocks are cut where the running cost passes
// each process's even share.
type Balanced struct {
	Elements ElementsFunc
	Cost     func(ir.ElementIndex) float64
}

// Allocate implements Allocator.
func (b Balanced) Allocate(proxy *ComponentProxy, items map[string]any, procsToIgnore map[int]struct{}) error {
	indices, procs, err := prepare(b.Elements, proxy, items, procsToIgnore)
	if err != nil {
		return err
	}
	var assign []int
	if b.Cost == nil {
		assign = blockAssignment(len(indices), len(procs))
	} else {
		assign = weightedAssignment(indices, len(procs), b.Cost)
	}
	for i, idx := range indices {
		if err := proxy.Insert(idx, procs[assign[i]], items); err != nil {
			return err
		}
	}
	proxy.DoneInserting()
	return nil
}

// blockAssignment returns, for each of n items, which of m bins it falls in.
func blockAssignment(n, m int) []int {
	out := make([]int, n)
	base, extra := n/m, n%m
	item := 0
	for bin := 0; bin < m; bin++ {
		size := base
		if bin < extra {
			size++
		}
		for k := 0; k < size; k++ {
			out[item] = bin
			item++
		}
	}
	return out
}

func weightedAssignment(indices []ir.ElementIndex, m int, cost func(ir.ElementIndex) float64) []int {
	total := 0.0
	for _, idx := range indices {
		total += cost(idx)
	}
	if total <= 0 {
		return blockAssignment(len(indices), m)
	}
	share := total / float64(m)
	out := make([]int, len(indices))
	bin := 0
	running := 0.0
	for i, idx := range indices {
		out[i] = bin
		running += cost(idx)
		if bin < m-1 && running >= share*float64(bin+1) {
			bin++
		}
	}
	return out
}

// RoundRobin deals elements to usable processes in turn.
type RoundRobin struct {
	Elements ElementsFunc
}

// Allocate implements Allocator.
func (r RoundRobin) Allocate(proxy *ComponentProxy, items map[string]any, procsToIgnore map[int]struct{}) error {
	indices, procs, err := prepare(r.Elements, proxy, items, procsToIgnore)
	if err != nil {
		return err
	}
	for i, idx := range indices {
		if err := proxy.Insert(idx, procs[i%len(procs)], items); err != nil {
			return err
		}
	}
	proxy.DoneInserting()
	return nil
}

func prepare(elements ElementsFunc, proxy *ComponentProxy, items map[string]any, ignore map[int]struct{}) ([]ir.ElementIndex, []int, error) {
	if elements == nil {
		return nil, nil, ir.Fatalf(ir.ErrCodeRegistration, "allocator for %q has no Elements function", proxy.Name())
	}
	indices, err := elements(items, proxy.rt.caches[0])
	if err != nil {
		return nil, nil, err
	}
	procs, err := availableProcs(proxy.rt.topology.NumberOfProcs(), ignore)
	if err != nil {
		return nil, nil, err
	}
	return indices, procs, nil
}

// String describes the allocator for logs.
func (b Balanced) String() string {
	if b.Cost != nil {
		return "Balanced(weighted)"
	}
	return "Balanced"
}

// String describes the allocator for logs.
func (r RoundRobin) String() string {
	return "RoundRobin"
}
