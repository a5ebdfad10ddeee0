package parallel

import (
	"cmp"
	"fmt"
	"math"
	"reflect"
	"sync"

	"github.com/roach88/phaserun/internal/ir"
)

// Field is one position of a reduction tuple. Datum is the only
// implementation.
type Field interface {
	fieldType() reflect.Type
	combine(other Field) (Field, error)
	value() any
	finalize(combined []any) any
}

// Datum is a reduction field holding a value, the binary operation that
// merges two contributions, and an optional finalizer applied once to the
// fully combined value.
//
// Combine may modify and return its first argument. Finalize receives the
// combined values of the fields listed in Deps, in that order, before any of
// them is finalized.
type Datum[T any] struct {
	Value    T
	Combine  func(a, b T) T
	Finalize func(v T, deps []any) T
	Deps     []int
}

// NewDatum creates a field with no finalizer.
func NewDatum[T any](v T, combine func(a, b T) T) Datum[T] {
	return Datum[T]{Value: v, Combine: combine}
}

// WithFinalize returns d with a finalizer that reads the fields at deps.
func (d Datum[T]) WithFinalize(fn func(v T, deps []any) T, deps ...int) Datum[T] {
	d.Finalize = fn
	d.Deps = deps
	return d
}

func (d Datum[T]) fieldType() reflect.Type { return reflect.TypeFor[T]() }

func (d Datum[T]) value() any { return d.Value }

func (d Datum[T]) combine(other Field) (Field, error) {
	o, ok := other.(Datum[T])
	if !ok {
		return nil, ir.Fatalf(ir.ErrCodeReductionShape, "cannot combine %s with %s", d.fieldType(), other.fieldType())
	}
	if d.Combine == nil {
		return nil, ir.Fatalf(ir.ErrCodeReductionShape, "reduction field of type %s has no combine operation", d.fieldType())
	}
	d.Value = d.Combine(d.Value, o.Value)
	return d, nil
}

func (d Datum[T]) finalize(combined []any) any {
	if d.Finalize == nil {
		return d.Value
	}
	deps := make([]any, len(d.Deps))
	for i, k := range d.Deps {
		if k < 0 || k >= len(combined) {
			panic(ir.Fatalf(ir.ErrCodeReductionShape, "finalizer depends on field %d of a %d-field tuple", k, len(combined)))
		}
		deps[i] = combined[k]
	}
	return d.Finalize(d.Value, deps)
}

// Data is a reduction tuple.
type Data []Field

// NewData builds a tuple from its fields.
func NewData(fields ...Field) Data {
	return Data(fields)
}

func (d Data) shape() []reflect.Type {
	out := make([]reflect.Type, len(d))
	for i, f := range d {
		out[i] = f.fieldType()
	}
	return out
}

func sameShape(a, b []reflect.Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func combineData(acc, next Data) (Data, error) {
	if len(acc) != len(next) {
		return nil, ir.Fatalf(ir.ErrCodeReductionShape, "tuples of length %d and %d", len(acc), len(next))
	}
	out := make(Data, len(acc))
	for i := range acc {
		f, err := acc[i].combine(next[i])
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func finalizeData(d Data) Values {
	combined := make([]any, len(d))
	for i, f := range d {
		combined[i] = f.value()
	}
	out := make(Values, len(d))
	for i, f := range d {
		out[i] = f.finalize(combined)
	}
	return out
}

// Values is the finalized tuple delivered to a reduction target.
type Values []any

// Value returns field i of v as a T. A wrong index or type is fatal.
func Value[T any](v Values, i int) T {
	if i < 0 || i >= len(v) {
		panic(ir.Fatalf(ir.ErrCodeReductionShape, "reduction field %d requested from a %d-field tuple", i, len(v)))
	}
	out, ok := v[i].(T)
	if !ok {
		var zero T
		panic(ir.Fatalf(ir.ErrCodeReductionShape, "reduction field %d has type %T, want %T", i, v[i], zero))
	}
	return out
}

// Plus adds.
func Plus[T cmp.Ordered](a, b T) T { return a + b }

// Max keeps the larger value.
func Max[T cmp.Ordered](a, b T) T { return max(a, b) }

// Min keeps the smaller value.
func Min[T cmp.Ordered](a, b T) T { return min(a, b) }

// AssertEqual requires every contribution to agree and keeps the common
// value. Disagreement is fatal.
func AssertEqual[T comparable](a, b T) T {
	if a != b {
		panic(ir.Fatalf(ir.ErrCodeReductionShape, "reduction contributions disagree: %v != %v", a, b))
	}
	return a
}

// Sqrt is a finalizer taking the square root of the combined value.
func Sqrt(v float64, _ []any) float64 { return math.Sqrt(v) }

// SqrtOfQuotient is a finalizer dividing the combined value by its single
// dependency and taking the square root. It turns a sum of squares into an
// RMS when the dependency is the contribution count.
func SqrtOfQuotient(v float64, deps []any) float64 {
	if len(deps) != 1 {
		panic(ir.Fatalf(ir.ErrCodeReductionShape, "SqrtOfQuotient needs one dependency, got %d", len(deps)))
	}
	return math.Sqrt(v / toFloat(deps[0]))
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case uint64:
		return float64(x)
	case uint:
		return float64(x)
	default:
		panic(ir.Fatalf(ir.ErrCodeReductionShape, "cannot use %T as a numeric dependency", v))
	}
}

// ReductionTarget receives the finalized tuple of a reduction.
type ReductionTarget interface {
	Name() string
	Apply(ctx *ActionContext, values Values) error
}

type reductionTargetFunc struct {
	name string
	fn   func(*ActionContext, Values) error
}

func (t reductionTargetFunc) Name() string { return t.name }
func (t reductionTargetFunc) Apply(ctx *ActionContext, v Values) error {
	return t.fn(ctx, v)
}

// NewReductionTarget adapts a function to ReductionTarget. When the
// destination is Main, ctx is nil.
func NewReductionTarget(name string, fn func(ctx *ActionContext, values Values) error) ReductionTarget {
	return reductionTargetFunc{name: name, fn: fn}
}

// Destination is where a finished reduction is delivered: a component
// (broadcast to every instance), one instance, or Main.
type Destination interface {
	destinationKey() string
	deliverReduction(target ReductionTarget, values Values)
}

func (p *ComponentProxy) destinationKey() string { return p.spec.Name }

func (p *ComponentProxy) deliverReduction(target ReductionTarget, values Values) {
	BroadcastSimpleAction(p, func(ctx *ActionContext) error { return target.Apply(ctx, values) })
}

func (p ElementProxy) destinationKey() string {
	return fmt.Sprintf("%s[%d]", p.comp.spec.Name, p.index)
}

func (p ElementProxy) deliverReduction(target ReductionTarget, values Values) {
	SimpleAction(p, func(ctx *ActionContext) error { return target.Apply(ctx, values) })
}

type mainDestination struct {
	rt *Runtime
}

func (m mainDestination) destinationKey() string { return "<main>" }

func (m mainDestination) deliverReduction(target ReductionTarget, values Values) {
	m.rt.Post(func() {
		if err := m.rt.deliverToMain(target, values); err != nil {
			panic(err)
		}
	})
}

// ContributeToReduction adds the calling instance's tuple to a reduction
// over every instance of its component.
//
// Contributions are combined per process, then per node, then globally; the
// finalized tuple is delivered to dest once every instance has contributed.
// An instance's n-th contribution to a (target, dest) pair joins round n, so
// reductions repeated every step never mix. Tuples that disagree in shape
// are fatal.
func ContributeToReduction(ctx *ActionContext, target ReductionTarget, data Data, dest Destination) {
	ctx.el.rt.reducer.contribute(ctx.el, target, data, dest)
}

type reductionKey struct {
	source string
	dest   string
	target string
}

type roundKey struct {
	reductionKey
	n int
}

type round struct {
	procExpected map[int]int
	procCount    map[int]int
	procData     map[int]Data

	nodeExpected map[int]int
	nodeCount    map[int]int
	nodeData     map[int]Data

	rootExpected int
	rootCount    int
	rootData     Data
}

type reducer struct {
	rt *Runtime

	mu     sync.Mutex
	shapes map[reductionKey][]reflect.Type
	counts map[reductionKey]map[ir.ElementIndex]int
	rounds map[roundKey]*round
}

func newReducer(rt *Runtime) *reducer {
	return &reducer{
		rt:     rt,
		shapes: make(map[reductionKey][]reflect.Type),
		counts: make(map[reductionKey]map[ir.ElementIndex]int),
		rounds: make(map[roundKey]*round),
	}
}

func (r *reducer) newRound(source *ComponentProxy) *round {
	rd := &round{
		procExpected: make(map[int]int),
		procCount:    make(map[int]int),
		procData:     make(map[int]Data),
		nodeExpected: make(map[int]int),
		nodeCount:    make(map[int]int),
		nodeData:     make(map[int]Data),
	}
	for _, pl := range source.Placements() {
		rd.procExpected[pl.Proc]++
	}
	for proc := range rd.procExpected {
		rd.nodeExpected[r.rt.topology.NodeOf(proc)]++
	}
	rd.rootExpected = len(rd.nodeExpected)
	return rd
}

func merge(acc, next Data) (Data, error) {
	if acc == nil {
		return next, nil
	}
	return combineData(acc, next)
}

func (r *reducer) contribute(src *element, target ReductionTarget, data Data, dest Destination) {
	values, done := r.add(src, target, data, dest)
	if done {
		dest.deliverReduction(target, values)
	}
}

func (r *reducer) add(src *element, target ReductionTarget, data Data, dest Destination) (Values, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := reductionKey{source: src.comp.Name(), dest: dest.destinationKey(), target: target.Name()}
	shape := data.shape()
	want, registered := r.rt.registry.reductionShape(target.Name())
	if !registered {
		want, registered = r.shapes[key]
	}
	if registered && !sameShape(want, shape) {
		panic(ir.Fatalf(ir.ErrCodeReductionShape,
			"contribution to %s has shape %v, expected %v", target.Name(), shape, want))
	}
	r.shapes[key] = shape

	perElement := r.counts[key]
	if perElement == nil {
		perElement = make(map[ir.ElementIndex]int)
		r.counts[key] = perElement
	}
	n := perElement[src.index]
	perElement[src.index] = n + 1

	rk := roundKey{reductionKey: key, n: n}
	rd := r.rounds[rk]
	if rd == nil {
		rd = r.newRound(src.comp)
		r.rounds[rk] = rd
	}

	proc := src.currentProc()
	if rd.procExpected[proc] == 0 {
		panic(ir.Fatalf(ir.ErrCodeInvalidState,
			"reduction %s round %d got a contribution from proc %d, which hosted no contributor when the round began", target.Name(), n, proc))
	}
	var err error
	if rd.procData[proc], err = merge(rd.procData[proc], data); err != nil {
		panic(err)
	}
	rd.procCount[proc]++
	if rd.procCount[proc] < rd.procExpected[proc] {
		return nil, false
	}

	node := r.rt.topology.NodeOf(proc)
	if rd.nodeData[node], err = merge(rd.nodeData[node], rd.procData[proc]); err != nil {
		panic(err)
	}
	rd.nodeCount[node]++
	if rd.nodeCount[node] < rd.nodeExpected[node] {
		return nil, false
	}

	if rd.rootData, err = merge(rd.rootData, rd.nodeData[node]); err != nil {
		panic(err)
	}
	rd.rootCount++
	if rd.rootCount < rd.rootExpected {
		return nil, false
	}

	delete(r.rounds, rk)
	return finalizeData(rd.rootData), true
}
