package parallel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/phaserun/internal/ir"
)

func noop(name string) Action {
	return NewAction(name, func(*ActionContext) (Directive, error) { return Continue, nil })
}

func TestRegisterComponent_Validation(t *testing.T) {
	alloc := RoundRobin{Elements: FixedElements(1)}
	tests := []struct {
		name string
		spec ComponentSpec
	}{
		{"no name", ComponentSpec{Kind: ir.KindSingleton}},
		{"array without allocator", ComponentSpec{Name: "A", Kind: ir.KindArray}},
		{"singleton with allocator", ComponentSpec{Name: "S", Kind: ir.KindSingleton, Allocator: alloc}},
		{"invalid kind", ComponentSpec{Name: "X", Kind: ir.ComponentKind(42)}},
		{"invalid phase", ComponentSpec{Name: "P", Kind: ir.KindGroup, Phases: map[ir.Phase][]Action{ir.Phase(99): {noop("a")}}}},
		{"nil action", ComponentSpec{Name: "N", Kind: ir.KindGroup, Phases: map[ir.Phase][]Action{ir.PhaseEvolve: {nil}}}},
		{"unnamed action", ComponentSpec{Name: "U", Kind: ir.KindGroup, Phases: map[ir.Phase][]Action{ir.PhaseEvolve: {noop("")}}}},
		{"duplicate label", ComponentSpec{Name: "L", Kind: ir.KindNodeGroup, Phases: map[ir.Phase][]Action{
			ir.PhaseEvolve: {Label("top"), noop("a"), Label("top")},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().RegisterComponent(tt.spec)
			require.Error(t, err)
			code, ok := ir.FatalCode(err)
			require.True(t, ok)
			assert.Equal(t, ir.ErrCodeRegistration, code)
		})
	}
}

func TestRegistry_LookupsFollowRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterComponent(ComponentSpec{Name: "Zeta", Kind: ir.KindSingleton}))
	require.NoError(t, reg.RegisterComponent(ComponentSpec{
		Name:      "Alpha",
		Kind:      ir.KindArray,
		Allocator: RoundRobin{Elements: FixedElements(2)},
		Phases: map[ir.Phase][]Action{
			ir.PhaseEvolve: {Label("again"), noop("Step")},
		},
	}))
	require.NoError(t, reg.RegisterComponent(ComponentSpec{Name: "Beta", Kind: ir.KindSingleton}))

	err := reg.RegisterComponent(ComponentSpec{Name: "Zeta", Kind: ir.KindGroup})
	require.Error(t, err)

	var names []string
	for _, s := range reg.Components() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"Zeta", "Alpha", "Beta"}, names)
	assert.Equal(t, []string{"Zeta", "Beta"}, reg.Singletons())

	a, ok := reg.Action("Alpha", ir.PhaseEvolve, 1)
	require.True(t, ok)
	assert.Equal(t, "Step", a.Name())
	_, ok = reg.Action("Alpha", ir.PhaseEvolve, 2)
	assert.False(t, ok)
	assert.Equal(t, 2, reg.ActionCount("Alpha", ir.PhaseEvolve))
	assert.Zero(t, reg.ActionCount("Alpha", ir.PhaseExit))
	pos, ok := reg.LabelPosition("Alpha", ir.PhaseEvolve, "again")
	require.True(t, ok)
	assert.Equal(t, 0, pos)
	_, ok = reg.LabelPosition("Alpha", ir.PhaseEvolve, "missing")
	assert.False(t, ok)

	spec, ok := reg.Component("Alpha")
	require.True(t, ok)
	assert.Equal(t, "Alpha(Array)", spec.String())
	assert.Len(t, spec.Actions(ir.PhaseEvolve), 2)
	assert.Empty(t, spec.Actions(ir.PhaseExit))
}

func TestCreateComponent_RequiresRegistration(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterComponent(ComponentSpec{Name: "Lone", Kind: ir.KindSingleton}))
	rt := startRuntime(t, singleProc, reg)

	_, err := rt.CreateComponent(&ComponentSpec{Name: "Stray", Kind: ir.KindSingleton}, nil)
	require.Error(t, err)
	code, ok := ir.FatalCode(err)
	require.True(t, ok)
	assert.Equal(t, ir.ErrCodeRegistration, code)
}

func TestDirective_String(t *testing.T) {
	assert.Equal(t, "Continue", Continue.String())
	assert.Equal(t, "Pause", Pause.String())
	assert.Equal(t, "Jump(loop)", Jump("loop").String())
	assert.Equal(t, "Label(loop)", Label("loop").Name())
}

func TestMailbox_FIFOAndClose(t *testing.T) {
	q := newMailbox[int]()
	for i := range 3 {
		require.True(t, q.Enqueue(i))
	}
	assert.Equal(t, 3, q.Len())

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a wakeup signal")
	}

	for want := range 3 {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)

	q.Close()
	q.Close()
	assert.False(t, q.Enqueue(9))
	_, open := <-q.Wait()
	assert.False(t, open)
}

func TestClock_StrictlyIncreasing(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(0), c.Current())
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())
	assert.Equal(t, int64(2), c.Current())

	resumed := NewClockAt(41)
	assert.Equal(t, int64(42), resumed.Next())
}

func TestStepQuota(t *testing.T) {
	q := newStepQuota(2)
	assert.Nil(t, q.Check("A", 3, ir.PhaseEvolve))
	assert.Nil(t, q.Check("A", 3, ir.PhaseEvolve))
	exceeded := q.Check("A", 3, ir.PhaseEvolve)
	require.NotNil(t, exceeded)
	assert.Equal(t, 3, exceeded.Steps)
	assert.Contains(t, exceeded.Error(), "A[3] exceeded the step quota in phase Evolve")

	fatal := exceeded.Fatal()
	assert.True(t, IsStepsExceededError(fatal))
	code, ok := ir.FatalCode(fatal)
	require.True(t, ok)
	assert.Equal(t, ir.ErrCodeStepsExceeded, code)

	q.Reset()
	assert.Equal(t, 0, q.Current())

	unlimited := newStepQuota(0)
	for range 1000 {
		require.Nil(t, unlimited.Check("A", 0, ir.PhaseEvolve))
	}
}
