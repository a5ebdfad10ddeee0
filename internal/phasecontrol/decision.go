package phasecontrol

import (
	"slices"
	"sync"

	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/parallel"
	"github.com/roach88/phaserun/internal/pup"
)

// DecisionTag is one entry of Main's decision data. Tag is the only
// implementation.
type DecisionTag interface {
	Name() string
	initial() any
	merge(acc, v any) (any, error)
	decode(raw pup.Raw) (any, error)
}

// Tag names a typed decision-data entry together with the operation that
// merges contributions into it.
type Tag[T any] struct {
	name    string
	zero    T
	combine func(a, b T) T
}

// NewTag creates a decision tag. initial is the value after a reset.
func NewTag[T any](name string, initial T, combine func(a, b T) T) *Tag[T] {
	return &Tag[T]{name: name, zero: initial, combine: combine}
}

// Name returns the tag name.
func (t *Tag[T]) Name() string { return t.name }

func (t *Tag[T]) initial() any { return t.zero }

func (t *Tag[T]) merge(acc, v any) (any, error) {
	a, err := pup.Resolve[T](acc)
	if err != nil {
		return nil, err
	}
	b, ok := v.(T)
	if !ok {
		return nil, ir.Fatalf(ir.ErrCodeTagType, "decision tag %q got %T", t.name, v)
	}
	return t.combine(a, b), nil
}

func (t *Tag[T]) decode(raw pup.Raw) (any, error) {
	return pup.Resolve[T](raw)
}

// Or combines boolean requests.
func Or(a, b bool) bool { return a || b }

// Latest keeps the newer value.
func Latest[T any](_, b T) T { return b }

// DecisionData is Main's phase-change accumulator. Elements contribute to it
// through Contribute; arbiters read and reset it between phases.
//
// It is only touched from Main's loop, but the mutex keeps tests and the
// checkpoint writer honest.
type DecisionData struct {
	mu      sync.Mutex
	tags    map[string]DecisionTag
	order   []string
	values  map[string]any
	pending bool
}

// NewDecisionData creates the accumulator for tags, every value at its
// initial value. Two tags with one name are a registration error.
func NewDecisionData(tags ...DecisionTag) (*DecisionData, error) {
	d := &DecisionData{
		tags:   make(map[string]DecisionTag, len(tags)),
		values: make(map[string]any, len(tags)),
	}
	for _, t := range tags {
		if _, dup := d.tags[t.Name()]; dup {
			return nil, ir.Fatalf(ir.ErrCodeRegistration, "decision tag %q declared twice", t.Name())
		}
		d.tags[t.Name()] = t
		d.order = append(d.order, t.Name())
		d.values[t.Name()] = t.initial()
	}
	return d, nil
}

// Names returns the tag names in declaration order.
func (d *DecisionData) Names() []string {
	return slices.Clone(d.order)
}

// Value returns the current value for tag.
func Value[T any](d *DecisionData, tag *Tag[T]) T {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.values[tag.name]
	if !ok {
		panic(ir.Fatalf(ir.ErrCodeUnregisteredTag, "decision tag %q is not registered", tag.name))
	}
	out, err := pup.Resolve[T](v)
	if err != nil {
		panic(err)
	}
	d.values[tag.name] = out
	return out
}

// Set overwrites the value for tag.
func Set[T any](d *DecisionData, tag *Tag[T], v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.values[tag.name]; !ok {
		panic(ir.Fatalf(ir.ErrCodeUnregisteredTag, "decision tag %q is not registered", tag.name))
	}
	d.values[tag.name] = v
}

// Reset puts tag back to its initial value.
func (d *DecisionData) Reset(tag DecisionTag) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[tag.Name()] = tag.initial()
}

// Merge combines v into the entry named name and marks a phase change as
// requested.
func (d *DecisionData) Merge(name string, v any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tag, ok := d.tags[name]
	if !ok {
		return ir.Fatalf(ir.ErrCodeUnregisteredTag, "decision tag %q is not registered", name)
	}
	merged, err := tag.merge(d.values[name], v)
	if err != nil {
		return err
	}
	d.values[name] = merged
	d.pending = true
	return nil
}

// TakePending reports whether anything was contributed since the last call,
// and clears the mark.
func (d *DecisionData) TakePending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pending
	d.pending = false
	return p
}

// Pack encodes every value for a checkpoint.
func (d *DecisionData) Pack() (map[string][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]byte, len(d.values))
	for name, v := range d.values {
		b, err := pup.Pack(v)
		if err != nil {
			return nil, ir.WrapFatal(ir.ErrCodeTagType, err, "pack decision tag %q", name)
		}
		out[name] = b
	}
	return out, nil
}

// Restore replaces the values with those of a checkpoint. Entries for tags
// that no longer exist, or tags missing from the checkpoint, are corrupt.
func (d *DecisionData) Restore(packed map[string][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	values := make(map[string]any, len(packed))
	for name, b := range packed {
		tag, ok := d.tags[name]
		if !ok {
			return ir.Fatalf(ir.ErrCodeCheckpointCorrupt, "checkpoint has decision tag %q, which is not declared", name)
		}
		v, err := tag.decode(pup.Raw(b))
		if err != nil {
			return ir.WrapFatal(ir.ErrCodeCheckpointCorrupt, err, "decision tag %q", name)
		}
		values[name] = v
	}
	for _, name := range d.order {
		if _, ok := values[name]; !ok {
			return ir.Fatalf(ir.ErrCodeCheckpointCorrupt, "checkpoint is missing decision tag %q", name)
		}
	}
	d.values = values
	d.pending = false
	return nil
}

// decisionTarget is the reduction target for contributions to one tag.
type decisionTarget struct {
	tag string
}

func (t decisionTarget) Name() string { return "PhaseChangeDecision(" + t.tag + ")" }

func (t decisionTarget) Apply(*parallel.ActionContext, parallel.Values) error {
	return ir.Fatalf(ir.ErrCodeInvalidState, "decision data for %q must be reduced to Main", t.tag)
}

// Contribute reduces v over every instance of the calling component and
// merges the result into Main's decision data.
func Contribute[T any](ctx *parallel.ActionContext, tag *Tag[T], v T) {
	parallel.ContributeToReduction(ctx, decisionTarget{tag: tag.name},
		parallel.NewData(parallel.NewDatum(v, tag.combine)), ctx.Runtime().MainDestination())
}

// HandleReduction merges a reduction delivered to Main if it carries
// decision data. It reports whether target was a decision target.
func (d *DecisionData) HandleReduction(target parallel.ReductionTarget, values parallel.Values) (bool, error) {
	dt, ok := target.(decisionTarget)
	if !ok {
		return false, nil
	}
	if len(values) != 1 {
		return true, ir.Fatalf(ir.ErrCodeReductionShape, "decision data reduction has %d fields", len(values))
	}
	return true, d.Merge(dt.tag, values[0])
}
