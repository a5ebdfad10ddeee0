package parallel

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/phaserun/internal/databox"
	"github.com/roach88/phaserun/internal/ir"
)

func waiterSpec(rec *recorder, waitName string) ComponentSpec {
	return ComponentSpec{
		Name:      "Waiter",
		Kind:      ir.KindArray,
		Allocator: Balanced{Elements: FixedElements(3)},
		Phases: map[ir.Phase][]Action{
			ir.PhaseTesting: {
				NewAction("SetCount", func(ctx *ActionContext) (Directive, error) {
					databox.Set(ctx.Box(), countTag, int(ctx.Index())+1)
					return Continue, nil
				}),
				NewAction(waitName, func(ctx *ActionContext) (Directive, error) {
					if databox.Count(ctx.Inboxes(), ringInbox, 0) == 0 {
						return Pause, nil
					}
					return Continue, nil
				}),
				NewAction("Finish", func(ctx *ActionContext) (Directive, error) {
					got := databox.Take(ctx.Inboxes(), ringInbox, 0)
					rec.add(fmt.Sprintf("%d:%d:%v:%d", ctx.Index(), databox.Get(ctx.Box(), countTag), got, len(ctx.Inboxes().IDs(ringInbox.Name()))))
					return Continue, nil
				}),
			},
		},
	}
}

func collect(t *testing.T, rt *Runtime) []ElementSnapshot {
	t.Helper()
	c := rt.CollectSnapshots()
	awaitQuiescence(t, rt)
	snaps, err := c.Results()
	require.NoError(t, err)
	return snaps
}

func TestSnapshot_RestoredInstancesResumeWhereTheyPaused(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry()
	require.NoError(t, reg.RegisterComponent(waiterSpec(rec, "Wait")))

	first := startRuntime(t, twoByOne, reg)
	proxies := setup(t, first, nil, nil)
	proxies["Waiter"].StartPhase(ir.PhaseTesting)
	awaitQuiescence(t, first)
	// Data for a later step stays queued without waking the instance.
	ReceiveData(proxies["Waiter"].Element(2), ringInbox, 5, 500, false)
	awaitQuiescence(t, first)

	saved := collect(t, first)
	require.Len(t, saved, 3)
	for i, s := range saved {
		assert.Equal(t, ir.ElementIndex(i), s.Index)
		assert.Equal(t, StatePausedAwaitingMessage, s.State)
		assert.Equal(t, 1, s.Cursor)
		assert.Equal(t, "Wait", s.Action)
		assert.Equal(t, ir.PhaseTesting, s.Phase)
	}
	assert.Equal(t, []int{0, 0, 1}, []int{saved[0].Proc, saved[1].Proc, saved[2].Proc})
	first.Shutdown()
	require.NoError(t, first.Wait())

	encoded := make([][]byte, len(saved))
	for i, s := range saved {
		b, err := s.Pack()
		require.NoError(t, err)
		encoded[i] = b
	}

	second := startRuntime(t, twoByOne, reg)
	p, err := second.CreateComponent(reg.Components()[0], nil)
	require.NoError(t, err)
	for _, b := range encoded {
		s, err := UnpackElementSnapshot(b)
		require.NoError(t, err)
		require.NoError(t, p.Restore(s))
	}
	p.DoneInserting()

	if diff := cmp.Diff(saved, collect(t, second)); diff != "" {
		t.Errorf("restored snapshots differ (-saved +restored):\n%s", diff)
	}

	for _, e := range p.Elements() {
		ReceiveData(e, ringInbox, 0, int(e.Index())*100, true)
	}
	awaitQuiescence(t, second)
	assert.Equal(t, []string{"0:1:[0]:0", "1:2:[100]:0", "2:3:[200]:1"}, rec.sorted())
	assert.Equal(t, 3, second.PhaseCompletions(ir.PhaseTesting))
}

func TestRestore_RejectsMismatchedSnapshots(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterComponent(waiterSpec(&recorder{}, "WaitForNeighbor")))
	rt := startRuntime(t, singleProc, reg)
	p, err := rt.CreateComponent(reg.Components()[0], nil)
	require.NoError(t, err)

	box, err := databox.New().Pack()
	require.NoError(t, err)
	inboxes, err := databox.NewInboxes().Pack()
	require.NoError(t, err)
	base := ElementSnapshot{
		Component: "Waiter",
		Phase:     ir.PhaseTesting,
		State:     StatePausedAwaitingMessage,
		Cursor:    1,
		Action:    "WaitForNeighbor",
		Box:       box,
		Inboxes:   inboxes,
	}

	tests := []struct {
		name   string
		mutate func(*ElementSnapshot)
	}{
		{"renamed action", func(s *ElementSnapshot) { s.Action = "Wait" }},
		{"cursor past the end", func(s *ElementSnapshot) { s.Cursor = 9 }},
		{"other component", func(s *ElementSnapshot) { s.Component = "Elsewhere" }},
		{"garbage box", func(s *ElementSnapshot) { s.Box = []byte{0xc1} }},
		{"proc outside the topology", func(s *ElementSnapshot) { s.Proc = 1 }},
		{"negative proc", func(s *ElementSnapshot) { s.Proc = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			err := p.Restore(s)
			require.Error(t, err)
			code, ok := ir.FatalCode(err)
			require.True(t, ok)
			assert.Equal(t, ir.ErrCodeCheckpointCorrupt, code)
		})
	}
	assert.Zero(t, p.Len())

	require.NoError(t, p.Restore(base))
	assert.Equal(t, 1, p.Len())
}
