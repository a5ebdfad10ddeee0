// Package resource decides where singletons live and which processes array
// allocators must avoid.
//
// The singleton map is built exactly once, after the GlobalCache exists and
// before any singleton is allocated. It is derived from process-count
// queries only, because no parallel component proxy exists at that point.
// It never changes afterwards; a restart restores it and requires the same
// topology.
package resource

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/phaserun/internal/ir"
)

// Proc is a requested process for a singleton. AutoProc lets the resource
// map choose.
type Proc int

// AutoProc requests automatic placement.
const AutoProc Proc = -1

// MarshalText writes "Auto" or the process number.
func (p Proc) MarshalText() ([]byte, error) {
	if p == AutoProc {
		return []byte("Auto"), nil
	}
	return []byte(strconv.Itoa(int(p))), nil
}

// UnmarshalText accepts "Auto" or a process number.
func (p *Proc) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if strings.EqualFold(s, "auto") {
		*p = AutoProc
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("singleton proc must be \"Auto\" or a non-negative integer, got %q", s)
	}
	*p = Proc(n)
	return nil
}

// SingletonInfo requests a placement for one singleton component.
type SingletonInfo struct {
	// Proc is the requested process, or AutoProc.
	Proc Proc `mapstructure:"Proc" yaml:"Proc"`

	// Exclusive reserves the singleton's process: no array element and no
	// other singleton is placed there.
	Exclusive bool `mapstructure:"Exclusive" yaml:"Exclusive"`
}

// Options is the ResourceInfo input option.
type Options struct {
	// AvoidGlobalProc0 keeps array elements and auto-placed singletons off
	// process 0.
	AvoidGlobalProc0 bool `mapstructure:"AvoidGlobalProc0" yaml:"AvoidGlobalProc0"`

	// Singletons maps component names to placement requests. Singletons not
	// listed are placed automatically and non-exclusively.
	Singletons map[string]SingletonInfo `mapstructure:"Singletons" yaml:"Singletons"`
}

// ProcQueries are the process-count queries available before any parallel
// component exists. A cache branch satisfies it.
type ProcQueries interface {
	NumberOfProcs() int
	NumberOfNodes() int
}

// Info is the resource map of a run.
type Info struct {
	opts Options

	built         bool
	numProcs      int
	singletonProc map[string]int
	ignore        map[int]struct{}
}

// New creates an unbuilt resource map.
func New(opts Options) *Info {
	return &Info{opts: opts}
}

// Options returns the options the map was built from.
func (r *Info) Options() Options {
	return r.opts
}

// BuildSingletonMap places every named singleton. It may be called only once.
//
// Placement proceeds in three passes over the singletons in sorted name
// order, so the result depends only on the options and topology:
//  1. explicit procs are validated and exclusive ones reserved
//  2. auto exclusive singletons take the highest free process
//  3. auto shared singletons are dealt round-robin over unreserved processes
func (r *Info) BuildSingletonMap(procs ProcQueries, singletons []string) error {
	if r.built {
		return ir.Fatalf(ir.ErrCodeInvalidState, "the singleton map has already been built")
	}
	n := procs.NumberOfProcs()
	names := slices.Clone(singletons)
	slices.Sort(names)

	for name := range r.opts.Singletons {
		if !slices.Contains(names, name) {
			return ir.UserErrorf("ResourceInfo lists singleton %q, which is not a singleton of this executable", name)
		}
	}

	placed := make(map[string]int, len(names))
	ignore := make(map[int]struct{})
	used := make(map[int]string)

	if r.opts.AvoidGlobalProc0 {
		if n == 1 {
			return ir.UserErrorf("cannot avoid global proc 0 when running on a single process")
		}
		ignore[0] = struct{}{}
	}

	// Explicit placements.
	for _, name := range names {
		info, ok := r.opts.Singletons[name]
		if !ok || info.Proc == AutoProc {
			continue
		}
		p := int(info.Proc)
		if p >= n {
			return ir.UserErrorf("singleton %q requested proc %d, but only %d procs exist", name, p, n)
		}
		if other, taken := used[p]; taken && (info.Exclusive || r.opts.Singletons[other].Exclusive) {
			return ir.UserErrorf("singletons %q and %q cannot share proc %d because one of them is exclusive", other, name, p)
		}
		if info.Exclusive {
			if p == 0 && r.opts.AvoidGlobalProc0 {
				return ir.UserErrorf("singleton %q is exclusive on proc 0, but AvoidGlobalProc0 is set", name)
			}
			ignore[p] = struct{}{}
		}
		placed[name] = p
		used[p] = name
	}

	// Auto exclusive placements take the highest free proc.
	for _, name := range names {
		info, ok := r.opts.Singletons[name]
		if !ok || info.Proc != AutoProc || !info.Exclusive {
			continue
		}
		p := -1
		for cand := n - 1; cand >= 0; cand-- {
			if _, skip := ignore[cand]; skip {
				continue
			}
			if _, taken := used[cand]; taken {
				continue
			}
			p = cand
			break
		}
		if p < 0 {
			return ir.UserErrorf("no free proc left for exclusive singleton %q", name)
		}
		ignore[p] = struct{}{}
		placed[name] = p
		used[p] = name
	}

	// Everything else goes round-robin over unreserved procs.
	var available []int
	for p := 0; p < n; p++ {
		if _, skip := ignore[p]; !skip {
			available = append(available, p)
		}
	}
	next := 0
	for _, name := range names {
		if _, done := placed[name]; done {
			continue
		}
		if len(available) == 0 {
			return ir.UserErrorf("every proc is reserved; nowhere to place singleton %q", name)
		}
		placed[name] = available[next%len(available)]
		next++
	}
	if len(available) == 0 {
		return ir.UserErrorf("every proc is reserved; no proc is left for array elements")
	}

	r.numProcs = n
	r.singletonProc = placed
	r.ignore = ignore
	r.built = true
	return nil
}

// Built reports whether BuildSingletonMap has run.
func (r *Info) Built() bool {
	return r.built
}

// ProcFor returns the process hosting singleton name.
//
// Asking before the map is built, or for a component that is not a
// singleton, is fatal.
func (r *Info) ProcFor(name string) int {
	if !r.built {
		panic(ir.Fatalf(ir.ErrCodeInvalidState, "ProcFor(%q) called before the singleton map was built", name))
	}
	p, ok := r.singletonProc[name]
	if !ok {
		panic(ir.Fatalf(ir.ErrCodeUnregisteredTag, "%q is not a singleton known to the resource map", name))
	}
	return p
}

// ProcsToIgnore returns the processes array allocators must avoid, sorted.
func (r *Info) ProcsToIgnore() []int {
	procs := make([]int, 0, len(r.ignore))
	for p := range r.ignore {
		procs = append(procs, p)
	}
	slices.Sort(procs)
	return procs
}

// IgnoreSet returns ProcsToIgnore as a set.
func (r *Info) IgnoreSet() map[int]struct{} {
	set := make(map[int]struct{}, len(r.ignore))
	for p := range r.ignore {
		set[p] = struct{}{}
	}
	return set
}

// State is the serializable form of a built map.
type State struct {
	Options        Options        `json:"options"`
	NumberOfProcs  int            `json:"number_of_procs"`
	SingletonProcs map[string]int `json:"singleton_procs"`
	ProcsToIgnore  []int          `json:"procs_to_ignore"`
}

// State returns the map for checkpointing.
func (r *Info) State() State {
	procs := make(map[string]int, len(r.singletonProc))
	for k, v := range r.singletonProc {
		procs[k] = v
	}
	return State{
		Options:        r.opts,
		NumberOfProcs:  r.numProcs,
		SingletonProcs: procs,
		ProcsToIgnore:  r.ProcsToIgnore(),
	}
}

// FromState restores a built map. The process count must match the
// restarted run exactly.
func FromState(s State, procs ProcQueries) (*Info, error) {
	if s.NumberOfProcs != procs.NumberOfProcs() {
		return nil, ir.Fatalf(ir.ErrCodeTopologyMismatch,
			"resource map was built for %d procs, restarting on %d", s.NumberOfProcs, procs.NumberOfProcs())
	}
	r := &Info{
		opts:          s.Options,
		built:         true,
		numProcs:      s.NumberOfProcs,
		singletonProc: make(map[string]int, len(s.SingletonProcs)),
		ignore:        make(map[int]struct{}, len(s.ProcsToIgnore)),
	}
	for k, v := range s.SingletonProcs {
		r.singletonProc[k] = v
	}
	for _, p := range s.ProcsToIgnore {
		r.ignore[p] = struct{}{}
	}
	return r, nil
}
