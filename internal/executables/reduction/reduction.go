// Package reduction is an executable that exercises every kind of
// reduction in its Testing phase.
//
// A 46 element array reduces integers to a singleton and to itself, error
// norms to Main, and a custom tuple holding a map and a vector to the
// singleton. Receivers check what they get; a wrong value aborts the run.
package reduction

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/roach88/phaserun/internal/config"
	"github.com/roach88/phaserun/internal/databox"
	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/orchestrator"
	"github.com/roach88/phaserun/internal/parallel"
)

const (
	// Name is the executable name recorded in checkpoints.
	Name = "reduction"

	ArrayComponent     = "ArrayParallelComponent"
	SingletonComponent = "SingletonParallelComponent"

	// Elements is the default array size.
	Elements = 46
)

var (
	sizeItem     = databox.NewTag[int]("NumberOfElements")
	receivedItem = databox.NewTag[int]("ReductionsReceived")
)

const schema = `
NumberOfElements?: int & >=1
PhaseOrder?:       [...string]
ResourceInfo?: {
	AvoidGlobalProc0?: bool
	Singletons?: [string]: {
		Proc?:      int | "Auto"
		Exclusive?: bool
	}
}
`

// sumOfIndices is 0 + 1 + ... + (n-1).
func sumOfIndices(n int) int { return n * (n - 1) / 2 }

// sumOfSquares is 0 + 1 + 4 + ... + (n-1)^2.
func sumOfSquares(n int) int { return (n - 1) * n * (2*n - 1) / 6 }

func received(ctx *parallel.ActionContext) {
	n, _ := databox.Lookup(ctx.Box(), receivedItem)
	databox.Set(ctx.Box(), receivedItem, n+1)
}

var intsToSingleton = parallel.NewReductionTarget("ProcessReducedSumOfInts", func(ctx *parallel.ActionContext, v parallel.Values) error {
	n := databox.Get(ctx.Box(), sizeItem)
	sum, hi, lo, same := parallel.Value[int](v, 0), parallel.Value[int](v, 1), parallel.Value[int](v, 2), parallel.Value[int](v, 3)
	if sum != sumOfIndices(n) || hi != n-1 || lo != 0 || same != 10 {
		return fmt.Errorf("singleton got sum=%d max=%d min=%d same=%d from %d elements", sum, hi, lo, same, n)
	}
	received(ctx)
	return nil
})

var sumToArray = parallel.NewReductionTarget("ProcessReducedSumOfIntsOnArray", func(ctx *parallel.ActionContext, v parallel.Values) error {
	n := databox.Get(ctx.Box(), sizeItem)
	if got := parallel.Value[int](v, 0); got != sumOfIndices(n) {
		return fmt.Errorf("element %d got sum %d, want %d", ctx.Index(), got, sumOfIndices(n))
	}
	received(ctx)
	return nil
})

var customToSingleton = parallel.NewReductionTarget("ProcessCustomReduction", func(ctx *parallel.ActionContext, v parallel.Values) error {
	n := databox.Get(ctx.Box(), sizeItem)
	parity := parallel.Value[map[string]int](v, 0)
	means := parallel.Value[[]float64](v, 1)
	count := parallel.Value[int](v, 2)

	want := map[string]int{"even": (n + 1) / 2, "odd": n / 2}
	if !maps.Equal(parity, want) {
		return fmt.Errorf("singleton got parity counts %v, want %v", parity, want)
	}
	wantMeans := []float64{float64(sumOfIndices(n)) / float64(n), 2 * float64(sumOfIndices(n)) / float64(n)}
	if count != n || !slices.Equal(means, wantMeans) {
		return fmt.Errorf("singleton got means %v over %d elements, want %v over %d", means, count, wantMeans, n)
	}
	received(ctx)
	return nil
})

// ErrorNorms goes to Main, which prints it.
var ErrorNorms = parallel.NewReductionTarget("ErrorNorms", func(*parallel.ActionContext, parallel.Values) error {
	return nil
})

// mergeCounts adds counts key by key into a fresh map.
func mergeCounts(a, b map[string]int) map[string]int {
	out := maps.Clone(a)
	if out == nil {
		out = make(map[string]int, len(b))
	}
	for k, n := range b {
		out[k] += n
	}
	return out
}

// addVectors adds element-wise. Both vectors have the same length.
func addVectors(a, b []float64) []float64 {
	out := slices.Clone(a)
	for i := range out {
		out[i] += b[i]
	}
	return out
}

// divideByCount turns a sum vector into a mean vector, using the combined
// count the finalize step depends on.
func divideByCount(v []float64, deps []any) []float64 {
	n := float64(deps[0].(int))
	out := make([]float64, len(v))
	for i := range v {
		out[i] = v[i] / n
	}
	return out
}

func contributeInts(ctx *parallel.ActionContext) (parallel.Directive, error) {
	i := int(ctx.Index())
	parallel.ContributeToReduction(ctx, intsToSingleton, parallel.NewData(
		parallel.NewDatum(i, parallel.Plus[int]),
		parallel.NewDatum(i, parallel.Max[int]),
		parallel.NewDatum(i, parallel.Min[int]),
		parallel.NewDatum(10, parallel.AssertEqual[int]),
	), ctx.ParallelComponent(SingletonComponent).Element(0))
	return parallel.Continue, nil
}

func broadcastSum(ctx *parallel.ActionContext) (parallel.Directive, error) {
	parallel.ContributeToReduction(ctx, sumToArray,
		parallel.NewData(parallel.NewDatum(int(ctx.Index()), parallel.Plus[int])),
		ctx.ParallelComponent(ArrayComponent))
	return parallel.Continue, nil
}

func contributeErrorNorms(ctx *parallel.ActionContext) (parallel.Directive, error) {
	i := float64(ctx.Index())
	parallel.ContributeToReduction(ctx, ErrorNorms, parallel.NewData(
		parallel.NewDatum(i*i, parallel.Plus[float64]).WithFinalize(parallel.SqrtOfQuotient, 1),
		parallel.NewDatum(1, parallel.Plus[int]),
		parallel.NewDatum(i*i, parallel.Plus[float64]).WithFinalize(parallel.Sqrt),
	), ctx.Runtime().MainDestination())
	return parallel.Continue, nil
}

func contributeCustom(ctx *parallel.ActionContext) (parallel.Directive, error) {
	i := int(ctx.Index())
	parity := "even"
	if i%2 == 1 {
		parity = "odd"
	}
	parallel.ContributeToReduction(ctx, customToSingleton, parallel.NewData(
		parallel.NewDatum(map[string]int{parity: 1}, mergeCounts),
		parallel.NewDatum([]float64{float64(i), float64(2 * i)}, addVectors).WithFinalize(divideByCount, 2),
		parallel.NewDatum(1, parallel.Plus[int]),
	), ctx.ParallelComponent(SingletonComponent).Element(0))
	return parallel.Continue, nil
}

// checkReceived runs in Cleanup, once every reduction of Testing has been
// delivered.
func checkReceived(want int) parallel.Action {
	return parallel.NewAction("CheckReductionsReceived", func(ctx *parallel.ActionContext) (parallel.Directive, error) {
		got, _ := databox.Lookup(ctx.Box(), receivedItem)
		if got != want {
			return parallel.Continue, fmt.Errorf("%s[%d] received %d reductions, want %d", ctx.Component(), ctx.Index(), got, want)
		}
		return parallel.Continue, nil
	})
}

func printErrorNorms(out io.Writer, target parallel.ReductionTarget, v parallel.Values) error {
	if target.Name() != ErrorNorms.Name() {
		return ir.Fatalf(ir.ErrCodeInvalidState, "reduction does not handle %s at Main", target.Name())
	}
	_, err := fmt.Fprintf(out, "Error norms over %d elements: RMS %.6f, L2 %.6f\n",
		parallel.Value[int](v, 1), parallel.Value[float64](v, 0), parallel.Value[float64](v, 2))
	return err
}

// New builds the reduction executable.
func New() *orchestrator.Executable {
	size := config.OptionWithDefault("NumberOfElements", "Number of array elements", Elements,
		func(n int) error {
			if n < 1 {
				return fmt.Errorf("must be positive, got %d", n)
			}
			return nil
		})

	return &orchestrator.Executable{
		Name:              Name,
		Help:              "Reduces integers, error norms and a custom tuple over a 46 element array.",
		OptionsSchema:     schema,
		DefaultPhaseOrder: ir.PhaseOrder{ir.PhaseInitialization, ir.PhaseTesting, ir.PhaseCleanup, ir.PhaseExit},
		UsesResourceInfo:  true,
		Components: []parallel.ComponentSpec{
			{
				Name:               ArrayComponent,
				Kind:               ir.KindArray,
				InitializationTags: []config.Option{size},
				Allocator:          parallel.Balanced{Elements: parallel.CountElements("NumberOfElements")},
				Phases: map[ir.Phase][]parallel.Action{
					ir.PhaseTesting: {
						parallel.NewAction("ContributeToSingleton", contributeInts),
						parallel.NewAction("ContributeToArray", broadcastSum),
						parallel.NewAction("ContributeErrorNorms", contributeErrorNorms),
						parallel.NewAction("ContributeCustom", contributeCustom),
					},
					ir.PhaseCleanup: {checkReceived(1)},
				},
			},
			{
				Name:               SingletonComponent,
				Kind:               ir.KindSingleton,
				InitializationTags: []config.Option{size},
				Phases: map[ir.Phase][]parallel.Action{
					ir.PhaseCleanup: {checkReceived(2)},
				},
			},
		},
		RegisterReductions: func(reg *parallel.Registry) error {
			return reg.RegisterReductionTarget(ErrorNorms, parallel.NewData(
				parallel.NewDatum(0.0, parallel.Plus[float64]),
				parallel.NewDatum(0, parallel.Plus[int]),
				parallel.NewDatum(0.0, parallel.Plus[float64]),
			))
		},
		MainReduction: printErrorNorms,
	}
}
