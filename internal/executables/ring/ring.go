// Package ring is an executable whose array elements pass values around a
// ring during Evolve, visiting LoadBalancing part of the way through.
//
// Each step every element sends its value to its right neighbour and waits
// for the value of its left neighbour, so after Steps steps element i holds
// the value element i-Steps started with. In Cleanup the elements reduce a
// positional checksum to Main, which prints it.
package ring

import (
	"fmt"
	"io"

	"github.com/roach88/phaserun/internal/cache"
	"github.com/roach88/phaserun/internal/config"
	"github.com/roach88/phaserun/internal/databox"
	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/orchestrator"
	"github.com/roach88/phaserun/internal/parallel"
	"github.com/roach88/phaserun/internal/phasecontrol"
)

// Name is the executable name recorded in checkpoints.
const Name = "ring"

// Component is the name of the ring array.
const Component = "Ring"

var (
	stepsTag = cache.NewTag[int]("Steps")
	everyTag = cache.NewTag[int]("LoadBalanceEvery")

	stepItem  = databox.NewTag[int]("Step")
	valueItem = databox.NewTag[int]("Value")

	neighbourInbox = databox.NewInboxTag[int]("NeighbourValue")

	checksum = parallel.NewReductionTarget("RingChecksum", func(*parallel.ActionContext, parallel.Values) error {
		return nil
	})
)

const schema = `
NumberOfElements?: int & >=2
Steps?:            int & >=0
LoadBalanceEvery?: int & >=0
PhaseOrder?:       [...string]
`

func positive(n int) error {
	if n < 1 {
		return fmt.Errorf("must be positive, got %d", n)
	}
	return nil
}

// New builds the ring executable.
func New() *orchestrator.Executable {
	visit := phasecontrol.NewVisitAndReturn(ir.PhaseLoadBalancing)

	return &orchestrator.Executable{
		Name: Name,
		Help: "Passes values around a ring of array elements, load balancing part of the way.",
		DefaultPhaseOrder: ir.PhaseOrder{
			ir.PhaseInitialization, ir.PhaseEvolve, ir.PhaseCleanup, ir.PhaseExit,
		},
		OptionsSchema: schema,
		ConstCacheTags: []config.Option{
			config.OptionWithDefault("Steps", "Number of ring rotations in Evolve", 4),
			config.OptionWithDefault("LoadBalanceEvery", "Visit LoadBalancing every this many steps, 0 never", 2),
		},
		Arbiters: []phasecontrol.Arbiter{visit},
		Components: []parallel.ComponentSpec{{
			Name: Component,
			Kind: ir.KindArray,
			InitializationTags: []config.Option{
				config.OptionWithDefault("NumberOfElements", "Number of ring elements", 5, positive),
			},
			Allocator: parallel.Balanced{Elements: parallel.CountElements("NumberOfElements")},
			Phases: map[ir.Phase][]parallel.Action{
				ir.PhaseInitialization: {parallel.NewAction("InitializeRing", initialize)},
				ir.PhaseEvolve: {
					parallel.Label("step"),
					phasecontrol.RequestPhaseChange("VisitLoadBalancing", loadBalanceDue, visit.Request()),
					parallel.NewAction("SendRight", sendRight),
					parallel.NewAction("ReceiveLeft", receiveLeft),
					parallel.NewAction("NextStep", nextStep),
				},
				ir.PhaseCleanup: {parallel.NewAction("ContributeChecksum", contributeChecksum)},
			},
		}},
		MainReduction: printChecksum,
	}
}

func initialize(ctx *parallel.ActionContext) (parallel.Directive, error) {
	databox.Set(ctx.Box(), stepItem, 0)
	databox.Set(ctx.Box(), valueItem, int(ctx.Index()))
	return parallel.Continue, nil
}

func loadBalanceDue(ctx *parallel.ActionContext) bool {
	every := cache.Get(ctx.Cache(), everyTag)
	step := databox.Get(ctx.Box(), stepItem)
	return every > 0 && step > 0 && step < cache.Get(ctx.Cache(), stepsTag) && step%every == 0
}

func sendRight(ctx *parallel.ActionContext) (parallel.Directive, error) {
	step := databox.Get(ctx.Box(), stepItem)
	if step >= cache.Get(ctx.Cache(), stepsTag) {
		return parallel.Continue, nil
	}
	ring := ctx.ParallelComponent(Component)
	right := ring.Element((ctx.Index() + 1) % ir.ElementIndex(ring.Len()))
	parallel.ReceiveData(right, neighbourInbox, int64(step), databox.Get(ctx.Box(), valueItem), true)
	return parallel.Continue, nil
}

func receiveLeft(ctx *parallel.ActionContext) (parallel.Directive, error) {
	step := databox.Get(ctx.Box(), stepItem)
	if step >= cache.Get(ctx.Cache(), stepsTag) {
		return parallel.Continue, nil
	}
	if databox.Count(ctx.Inboxes(), neighbourInbox, int64(step)) == 0 {
		return parallel.Pause, nil
	}
	got := databox.Take(ctx.Inboxes(), neighbourInbox, int64(step))
	databox.Set(ctx.Box(), valueItem, got[0])
	return parallel.Continue, nil
}

func nextStep(ctx *parallel.ActionContext) (parallel.Directive, error) {
	steps := cache.Get(ctx.Cache(), stepsTag)
	if databox.Get(ctx.Box(), stepItem) >= steps {
		return parallel.Continue, nil
	}
	databox.Mutate(ctx.Box(), stepItem, func(n *int) { *n++ })
	if databox.Get(ctx.Box(), stepItem) < steps {
		return parallel.Jump("step"), nil
	}
	return parallel.Continue, nil
}

func contributeChecksum(ctx *parallel.ActionContext) (parallel.Directive, error) {
	i := int(ctx.Index())
	parallel.ContributeToReduction(ctx, checksum, parallel.NewData(
		parallel.NewDatum(i*databox.Get(ctx.Box(), valueItem), parallel.Plus[int]),
		parallel.NewDatum(databox.Get(ctx.Box(), stepItem), parallel.AssertEqual[int]),
		parallel.NewDatum(1, parallel.Plus[int]),
	), ctx.Runtime().MainDestination())
	return parallel.Continue, nil
}

func printChecksum(out io.Writer, target parallel.ReductionTarget, v parallel.Values) error {
	if target.Name() != checksum.Name() {
		return ir.Fatalf(ir.ErrCodeInvalidState, "ring does not handle reduction %s", target.Name())
	}
	_, err := fmt.Fprintf(out, "Ring of %d elements after %d steps: checksum %d\n",
		parallel.Value[int](v, 2), parallel.Value[int](v, 1), parallel.Value[int](v, 0))
	return err
}

// Checksum is the value the ring prints for n elements after steps steps.
func Checksum(n, steps int) int {
	sum := 0
	for i := range n {
		sum += i * (((i-steps)%n + n) % n)
	}
	return sum
}
