// Package globalcache is an executable that exercises the const and
// mutable parts of the global cache.
//
// In Testing the Mutator singleton adds WeightGain to the mutable Weight
// entry on every branch. Array elements wait for that change through a
// mutable cache callback, then each registers an email address, which the
// Mutator in turn waits for. Groups and nodegroups count the processes
// their cache branches report.
package globalcache

import (
	"fmt"
	"io"
	"strings"

	"github.com/roach88/phaserun/internal/cache"
	"github.com/roach88/phaserun/internal/config"
	"github.com/roach88/phaserun/internal/databox"
	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/orchestrator"
	"github.com/roach88/phaserun/internal/parallel"
)

const (
	// Name is the executable name recorded in checkpoints.
	Name = "globalcache"

	ArrayComponent     = "ArrayParallelComponent"
	MutatorComponent   = "Mutator"
	GroupComponent     = "GroupParallelComponent"
	NodeGroupComponent = "NodeGroupParallelComponent"
)

var (
	nameTag   = cache.NewTag[string]("Name")
	gainTag   = cache.NewTag[int]("WeightGain")
	weightTag = cache.NewTag[int]("Weight")
	emailTag  = cache.NewTag[[]string]("EmailAddresses")

	startWeight  = databox.NewTag[int]("WeightAtStart")
	gainedWeight = databox.NewTag[int]("WeightAfterGain")
)

var (
	weightSeen = parallel.NewReductionTarget("WeightSeen", noop)
	emailsSeen = parallel.NewReductionTarget("EmailsSeen", noop)
	groupProcs = parallel.NewReductionTarget("GroupProcs", noop)
	nodeProcs  = parallel.NewReductionTarget("NodeGroupProcs", noop)
)

func noop(*parallel.ActionContext, parallel.Values) error { return nil }

const schema = `
Name?:             string & != ""
WeightGain?:       int & >0
Weight?:           int
EmailAddresses?:   [...string]
NumberOfElements?: int & >=1
PhaseOrder?:       [...string]
`

// New builds the globalcache executable.
func New() *orchestrator.Executable {
	return &orchestrator.Executable{
		Name:              Name,
		Help:              "Mutates global cache entries and waits for the changes on every branch.",
		OptionsSchema:     schema,
		DefaultPhaseOrder: ir.PhaseOrder{ir.PhaseInitialization, ir.PhaseTesting, ir.PhaseExit},
		ConstCacheTags: []config.Option{
			config.OptionWithDefault("Name", "Name shared by every branch", "Nobody"),
			config.OptionWithDefault("WeightGain", "Amount the Mutator adds to Weight", 10),
		},
		MutableCacheTags: []config.Option{
			config.OptionWithDefault("Weight", "Mutable weight, changed once in Testing", 150),
			config.OptionWithDefault("EmailAddresses", "Mutable list each array element appends to", []string{}),
		},
		Components: []parallel.ComponentSpec{
			{
				Name: ArrayComponent,
				Kind: ir.KindArray,
				InitializationTags: []config.Option{
					config.OptionWithDefault("NumberOfElements", "Number of array elements", 4),
				},
				Allocator: parallel.RoundRobin{Elements: parallel.CountElements("NumberOfElements")},
				Phases: map[ir.Phase][]parallel.Action{
					ir.PhaseInitialization: {parallel.NewAction("RecordStartWeight", recordStartWeight)},
					ir.PhaseTesting: {
						parallel.NewAction("CheckBranch", checkBranch),
						parallel.NewAction("WaitForWeightGain", waitForWeightGain),
						parallel.NewAction("RegisterEmail", registerEmail),
						parallel.NewAction("ContributeWeight", contributeWeight),
					},
				},
			},
			{
				Name: MutatorComponent,
				Kind: ir.KindSingleton,
				Phases: map[ir.Phase][]parallel.Action{
					ir.PhaseTesting: {
						parallel.NewAction("GainWeight", gainWeight),
						parallel.NewAction("WaitForEmails", waitForEmails),
						parallel.NewAction("ContributeEmails", contributeEmails),
					},
				},
			},
			{
				Name: GroupComponent,
				Kind: ir.KindGroup,
				Phases: map[ir.Phase][]parallel.Action{
					ir.PhaseTesting: {parallel.NewAction("CountProcs", countProcs)},
				},
			},
			{
				Name: NodeGroupComponent,
				Kind: ir.KindNodeGroup,
				Phases: map[ir.Phase][]parallel.Action{
					ir.PhaseTesting: {parallel.NewAction("CountProcsOnNode", countProcsOnNode)},
				},
			},
		},
		MainReduction: printReduction,
	}
}

func recordStartWeight(ctx *parallel.ActionContext) (parallel.Directive, error) {
	databox.Set(ctx.Box(), startWeight, cache.Get(ctx.Cache(), weightTag))
	return parallel.Continue, nil
}

func checkBranch(ctx *parallel.ActionContext) (parallel.Directive, error) {
	c := ctx.Cache()
	if c.MyProc() != ctx.Proc() || c.MyNode() != ctx.Node() {
		return parallel.Continue, fmt.Errorf("element on proc %d node %d reads the branch of proc %d node %d",
			ctx.Proc(), ctx.Node(), c.MyProc(), c.MyNode())
	}
	if cache.Get(c, nameTag) == "" {
		return parallel.Continue, fmt.Errorf("const Name is empty on proc %d", c.MyProc())
	}
	return parallel.Continue, nil
}

// waitForWeightGain pauses until Weight differs from its start value. The
// callback stores the new weight in the Box before resuming the loop.
func waitForWeightGain(ctx *parallel.ActionContext) (parallel.Directive, error) {
	start := databox.Get(ctx.Box(), startWeight)
	ready := cache.MutableCacheItemIsReady(ctx.Cache(), weightTag, func(w int) cache.Callback {
		if w != start {
			return nil
		}
		return ctx.SimpleActionCallback(func(sc *parallel.ActionContext) error {
			databox.Set(sc.Box(), gainedWeight, cache.Get(sc.Cache(), weightTag))
			parallel.PerformAlgorithm(sc.Self())
			return nil
		})
	})
	if !ready {
		return parallel.Pause, nil
	}
	databox.Set(ctx.Box(), gainedWeight, cache.Get(ctx.Cache(), weightTag))
	return parallel.Continue, nil
}

func registerEmail(ctx *parallel.ActionContext) (parallel.Directive, error) {
	addr := fmt.Sprintf("%s.%d@example.com", strings.ToLower(cache.Get(ctx.Cache(), nameTag)), ctx.Index())
	parallel.MutateAll(ctx.Runtime(), emailTag, func(list *[]string) {
		*list = append(*list, addr)
	})
	return parallel.Continue, nil
}

func contributeWeight(ctx *parallel.ActionContext) (parallel.Directive, error) {
	parallel.ContributeToReduction(ctx, weightSeen, parallel.NewData(
		parallel.NewDatum(databox.Get(ctx.Box(), gainedWeight), parallel.AssertEqual[int]),
		parallel.NewDatum(1, parallel.Plus[int]),
	), ctx.Runtime().MainDestination())
	return parallel.Continue, nil
}

func gainWeight(ctx *parallel.ActionContext) (parallel.Directive, error) {
	gain := cache.Get(ctx.Cache(), gainTag)
	parallel.MutateAll(ctx.Runtime(), weightTag, func(w *int) { *w += gain })
	return parallel.Continue, nil
}

func waitForEmails(ctx *parallel.ActionContext) (parallel.Directive, error) {
	want := ctx.ParallelComponent(ArrayComponent).Len()
	ready := cache.MutableCacheItemIsReady(ctx.Cache(), emailTag, func(list []string) cache.Callback {
		if len(list) >= want {
			return nil
		}
		return ctx.PerformAlgorithmCallback()
	})
	if !ready {
		return parallel.Pause, nil
	}
	return parallel.Continue, nil
}

func contributeEmails(ctx *parallel.ActionContext) (parallel.Directive, error) {
	parallel.ContributeToReduction(ctx, emailsSeen, parallel.NewData(
		parallel.NewDatum(len(cache.Get(ctx.Cache(), emailTag)), parallel.Plus[int]),
	), ctx.Runtime().MainDestination())
	return parallel.Continue, nil
}

func countProcs(ctx *parallel.ActionContext) (parallel.Directive, error) {
	parallel.ContributeToReduction(ctx, groupProcs,
		parallel.NewData(parallel.NewDatum(1, parallel.Plus[int])), ctx.Runtime().MainDestination())
	return parallel.Continue, nil
}

func countProcsOnNode(ctx *parallel.ActionContext) (parallel.Directive, error) {
	c := ctx.Cache()
	parallel.ContributeToReduction(ctx, nodeProcs,
		parallel.NewData(parallel.NewDatum(c.ProcsOnNode(c.MyNode()), parallel.Plus[int])), ctx.Runtime().MainDestination())
	return parallel.Continue, nil
}

func printReduction(out io.Writer, target parallel.ReductionTarget, v parallel.Values) error {
	var err error
	switch target.Name() {
	case weightSeen.Name():
		_, err = fmt.Fprintf(out, "Weight seen by %d elements: %d\n", parallel.Value[int](v, 1), parallel.Value[int](v, 0))
	case emailsSeen.Name():
		_, err = fmt.Fprintf(out, "Email addresses on the Mutator's branch: %d\n", parallel.Value[int](v, 0))
	case groupProcs.Name():
		_, err = fmt.Fprintf(out, "Procs counted by the group: %d\n", parallel.Value[int](v, 0))
	case nodeProcs.Name():
		_, err = fmt.Fprintf(out, "Procs counted by the nodegroup: %d\n", parallel.Value[int](v, 0))
	default:
		return ir.Fatalf(ir.ErrCodeInvalidState, "globalcache does not handle reduction %s at Main", target.Name())
	}
	return err
}
