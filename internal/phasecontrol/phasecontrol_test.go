package phasecontrol

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/phaserun/internal/cache"
	"github.com/roach88/phaserun/internal/databox"
	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/parallel"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDecisionData_MergeAndPending(t *testing.T) {
	flag := NewTag("Flag", false, Or)
	count := NewTag("Count", 0, func(a, b int) int { return a + b })
	d, err := NewDecisionData(flag, count)
	require.NoError(t, err)
	assert.Equal(t, []string{"Flag", "Count"}, d.Names())
	assert.False(t, d.TakePending())

	require.NoError(t, d.Merge("Count", 3))
	require.NoError(t, d.Merge("Count", 4))
	require.NoError(t, d.Merge("Flag", true))
	assert.Equal(t, 7, Value(d, count))
	assert.True(t, Value(d, flag))
	assert.True(t, d.TakePending())
	assert.False(t, d.TakePending())

	d.Reset(count)
	assert.Equal(t, 0, Value(d, count))

	err = d.Merge("Count", "seven")
	code, ok := ir.FatalCode(err)
	require.True(t, ok)
	assert.Equal(t, ir.ErrCodeTagType, code)

	err = d.Merge("Nope", 1)
	code, _ = ir.FatalCode(err)
	assert.Equal(t, ir.ErrCodeUnregisteredTag, code)

	_, err = NewDecisionData(flag, NewTag("Flag", 0, Latest[int]))
	require.Error(t, err)
}

func TestDecisionData_PackRestore(t *testing.T) {
	vr := NewVisitAndReturn(ir.PhaseLoadBalancing)
	d, err := NewDecisionData(vr.Tags()...)
	require.NoError(t, err)
	Set(d, vr.request, true)
	Set(d, vr.from, "Evolve")

	packed, err := d.Pack()
	require.NoError(t, err)

	fresh, err := NewDecisionData(vr.Tags()...)
	require.NoError(t, err)
	require.NoError(t, fresh.Restore(packed))
	assert.True(t, Value(fresh, vr.request))
	assert.Equal(t, "Evolve", Value(fresh, vr.from))

	delete(packed, vr.from.Name())
	err = fresh.Restore(packed)
	code, _ := ir.FatalCode(err)
	assert.Equal(t, ir.ErrCodeCheckpointCorrupt, code)

	packed[vr.from.Name()] = []byte{0xa0}
	packed["Stranger"] = []byte{0xc3}
	err = fresh.Restore(packed)
	code, _ = ir.FatalCode(err)
	assert.Equal(t, ir.ErrCodeCheckpointCorrupt, code)
}

func TestVisitAndReturn(t *testing.T) {
	vr := NewVisitAndReturn(ir.PhaseLoadBalancing)
	d, err := NewDecisionData(vr.Tags()...)
	require.NoError(t, err)

	_, ok := Arbitrate(ir.PhaseEvolve, d, 0, vr)
	assert.False(t, ok, "no request yet")

	require.NoError(t, d.Merge(vr.Request().Name(), true))
	next, ok := Arbitrate(ir.PhaseEvolve, d, 0, vr)
	require.True(t, ok)
	assert.Equal(t, ir.PhaseLoadBalancing, next)
	assert.False(t, Value(d, vr.Request()), "request is consumed")

	next, ok = Arbitrate(ir.PhaseLoadBalancing, d, 0, vr)
	require.True(t, ok)
	assert.Equal(t, ir.PhaseEvolve, next)

	_, ok = Arbitrate(ir.PhaseLoadBalancing, d, 0, vr)
	assert.False(t, ok, "a visit that was not requested returns nowhere")
	assert.Equal(t, "VisitAndReturn(LoadBalancing)", vr.String())
}

func TestCheckpointAndExitAfterWallclock(t *testing.T) {
	arb := NewCheckpointAndExitAfterWallclock(time.Hour)
	d, err := NewDecisionData(arb.Tags()...)
	require.NoError(t, err)

	_, ok := arb.Arbitrate(ir.PhaseEvolve, d, 59*time.Minute)
	assert.False(t, ok)
	_, ok = arb.Arbitrate(ir.PhaseInitialization, d, 2*time.Hour)
	assert.False(t, ok, "never from Initialization")

	next, ok := arb.Arbitrate(ir.PhaseEvolve, d, 61*time.Minute)
	require.True(t, ok)
	assert.Equal(t, ir.PhaseWriteCheckpoint, next)

	packed, err := d.Pack()
	require.NoError(t, err)

	next, ok = arb.Arbitrate(ir.PhaseWriteCheckpoint, d, 62*time.Minute)
	require.True(t, ok)
	assert.Equal(t, ir.PhaseExit, next)

	// A restarted process resumes the interrupted phase instead.
	restarted := NewCheckpointAndExitAfterWallclock(time.Hour)
	rd, err := NewDecisionData(restarted.Tags()...)
	require.NoError(t, err)
	require.NoError(t, rd.Restore(packed))
	next, ok = restarted.Arbitrate(ir.PhaseWriteCheckpoint, rd, 0)
	require.True(t, ok)
	assert.Equal(t, ir.PhaseEvolve, next)
	_, ok = restarted.Arbitrate(ir.PhaseWriteCheckpoint, rd, 0)
	assert.False(t, ok)
}

func TestArbitrate_FirstOverrideWins(t *testing.T) {
	wall := NewCheckpointAndExitAfterWallclock(time.Minute)
	vr := NewVisitAndReturn(ir.PhaseLoadBalancing)
	d, err := NewDecisionData(TagsOf(wall, vr)...)
	require.NoError(t, err)
	require.NoError(t, d.Merge(vr.Request().Name(), true))

	next, ok := Arbitrate(ir.PhaseEvolve, d, time.Hour, wall, vr)
	require.True(t, ok)
	assert.Equal(t, ir.PhaseWriteCheckpoint, next)
	assert.True(t, Value(d, vr.Request()), "later arbiters are not consulted")
}

func TestRequestPhaseChange_HaltsComponentAndReachesMain(t *testing.T) {
	step := databox.NewTag[int]("Step")
	vr := NewVisitAndReturn(ir.PhaseLoadBalancing)
	decisions, err := NewDecisionData(vr.Tags()...)
	require.NoError(t, err)

	reg := parallel.NewRegistry()
	require.NoError(t, reg.RegisterComponent(parallel.ComponentSpec{
		Name:      "Elements",
		Kind:      ir.KindArray,
		Allocator: parallel.Balanced{Elements: parallel.FixedElements(4)},
		Phases: map[ir.Phase][]parallel.Action{
			ir.PhaseEvolve: {
				parallel.Label("loop"),
				RequestPhaseChange("VisitLoadBalancing", EveryNth(step, 3), vr.Request()),
				parallel.NewAction("Advance", func(ctx *parallel.ActionContext) (parallel.Directive, error) {
					n, _ := databox.Lookup(ctx.Box(), step)
					databox.Set(ctx.Box(), step, n+1)
					return parallel.Continue, nil
				}),
				parallel.NewAction("Loop", func(ctx *parallel.ActionContext) (parallel.Directive, error) {
					if databox.Get(ctx.Box(), step) < 5 {
						return parallel.Jump("loop"), nil
					}
					return parallel.Continue, nil
				}),
			},
		},
	}))

	topo := ir.Topology{Nodes: 1, ProcsPerNode: 2}
	caches := make([]*cache.GlobalCache, topo.NumberOfProcs())
	for p := range caches {
		c, err := cache.New(topo, p, nil, cache.NewMutableCache(p, nil))
		require.NoError(t, err)
		caches[p] = c
	}
	rt, err := parallel.NewRuntime(context.Background(), parallel.Config{
		Topology: topo,
		Caches:   caches,
		Registry: reg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer func() {
		rt.Shutdown()
		_ = rt.Wait()
	}()
	rt.HandleMainReductions(func(target parallel.ReductionTarget, values parallel.Values) error {
		if ok, err := decisions.HandleReduction(target, values); ok {
			return err
		}
		return target.Apply(nil, values)
	})

	proxy, err := rt.CreateComponent(reg.Components()[0], nil)
	require.NoError(t, err)
	require.NoError(t, proxy.Spec().Allocator.Allocate(proxy, nil, nil))

	quiet := func() {
		done := make(chan struct{})
		rt.StartQuiescenceDetection(func() { close(done) })
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for quiescence")
		}
	}

	proxy.StartPhase(ir.PhaseEvolve)
	quiet()
	assert.Zero(t, rt.PhaseCompletions(ir.PhaseEvolve), "every element halted at step 3")
	assert.True(t, decisions.TakePending())

	next, ok := Arbitrate(ir.PhaseEvolve, decisions, 0, vr)
	require.True(t, ok)
	require.Equal(t, ir.PhaseLoadBalancing, next)
	proxy.StartPhase(ir.PhaseLoadBalancing)
	quiet()

	next, ok = Arbitrate(ir.PhaseLoadBalancing, decisions, 0, vr)
	require.True(t, ok)
	require.Equal(t, ir.PhaseEvolve, next)
	proxy.StartPhase(ir.PhaseEvolve)
	quiet()

	assert.Equal(t, 4, rt.PhaseCompletions(ir.PhaseEvolve))
	assert.False(t, decisions.TakePending(), "step 3 request was not repeated")
}
