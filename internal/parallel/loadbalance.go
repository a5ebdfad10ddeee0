package parallel

import (
	"slices"

	"github.com/roach88/phaserun/internal/ir"
)

// Placement records where one instance lives.
type Placement struct {
	Component string
	Index     ir.ElementIndex
	Proc      int
}

// Migration moves one instance between processes.
type Migration struct {
	Component string
	Index     ir.ElementIndex
	From      int
	To        int
}

// LoadBalancer plans migrations for the array elements of a run.
type LoadBalancer interface {
	Plan(placements []Placement, numProcs int, procsToIgnore map[int]struct{}) []Migration
}

// GreedyBalancer evens out element counts per component. Each usable
// process keeps its lowest-index elements up to its share; the rest, and
// everything on an ignored process, move to processes below their share,
// lowest process first.
type GreedyBalancer struct{}

// Plan implements LoadBalancer.
func (GreedyBalancer) Plan(placements []Placement, numProcs int, procsToIgnore map[int]struct{}) []Migration {
	byComponent := make(map[string][]Placement)
	var names []string
	for _, pl := range placements {
		if _, seen := byComponent[pl.Component]; !seen {
			names = append(names, pl.Component)
		}
		byComponent[pl.Component] = append(byComponent[pl.Component], pl)
	}

	var out []Migration
	for _, name := range names {
		out = append(out, planComponent(byComponent[name], numProcs, procsToIgnore)...)
	}
	return out
}

func planComponent(placements []Placement, numProcs int, ignore map[int]struct{}) []Migration {
	procs, err := availableProcs(numProcs, ignore)
	if err != nil {
		return nil
	}
	slices.SortFunc(placements, func(a, b Placement) int { return int(a.Index - b.Index) })

	quota := make(map[int]int, len(procs))
	base, extra := len(placements)/len(procs), len(placements)%len(procs)
	for i, p := range procs {
		quota[p] = base
		if i < extra {
			quota[p]++
		}
	}

	load := make(map[int]int)
	var movers []Placement
	for _, pl := range placements {
		q, usable := quota[pl.Proc]
		if usable && load[pl.Proc] < q {
			load[pl.Proc]++
			continue
		}
		movers = append(movers, pl)
	}

	var out []Migration
	for _, pl := range movers {
		dest := -1
		for _, p := range procs {
			if load[p] < quota[p] {
				dest = p
				break
			}
		}
		if dest < 0 {
			break
		}
		load[dest]++
		out = append(out, Migration{Component: pl.Component, Index: pl.Index, From: pl.Proc, To: dest})
	}
	return out
}

// Rebalance applies lb to every array component and sends the resulting
// migrations. It returns the number of instances asked to move. Call it
// only while the run is quiescent; the moves finish before the next
// quiescence.
func (rt *Runtime) Rebalance(lb LoadBalancer, procsToIgnore map[int]struct{}) int {
	var placements []Placement
	for _, p := range rt.Components() {
		if p.Kind() == ir.KindArray {
			placements = append(placements, p.Placements()...)
		}
	}
	moves := lb.Plan(placements, rt.topology.NumberOfProcs(), procsToIgnore)
	for _, m := range moves {
		proxy, ok := rt.Component(m.Component)
		if !ok {
			panic(ir.Fatalf(ir.ErrCodeInvalidState, "load balancer moved an element of unknown component %q", m.Component))
		}
		rt.send(proxy.lookup(m.Index), message{kind: msgMigrate, toProc: m.To})
	}
	if len(moves) > 0 {
		rt.logger.Info("load balancing", "migrations", len(moves))
	}
	return len(moves)
}
