package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/phaserun/internal/ir"
)

func phases(run int, ps ...ir.Phase) []TraceEvent {
	out := make([]TraceEvent, len(ps))
	for i, p := range ps {
		out[i] = TraceEvent{Type: EventPhase, Run: run, Phase: p}
	}
	return out
}

func TestAssertPhaseOrder(t *testing.T) {
	trace := phases(1, ir.PhaseInitialization, ir.PhaseEvolve, ir.PhaseLoadBalancing, ir.PhaseEvolve, ir.PhaseExit)

	assert.NoError(t, assertPhaseOrder(trace, Assertion{Phases: []string{"Evolve", "Evolve", "Exit"}}))
	assert.NoError(t, assertPhaseOrder(trace, Assertion{Phases: []string{"Initialization", "LoadBalancing"}}))

	err := assertPhaseOrder(trace, Assertion{Phases: []string{"LoadBalancing", "Initialization"}})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertPhaseOrder, ae.Type)
	assert.Contains(t, ae.Actual, "then no Initialization")
}

func TestAssertPhaseVisits(t *testing.T) {
	trace := phases(1, ir.PhaseInitialization, ir.PhaseEvolve, ir.PhaseLoadBalancing, ir.PhaseEvolve, ir.PhaseExit)

	assert.NoError(t, assertPhaseVisits(trace, Assertion{Phase: "Evolve", Count: 2}))
	assert.NoError(t, assertPhaseVisits(trace, Assertion{Phase: "Cleanup", Count: 0}))

	err := assertPhaseVisits(trace, Assertion{Phase: "LoadBalancing", Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LoadBalancing entered 1 times")
}

func TestAssertExitReached(t *testing.T) {
	t.Run("single run", func(t *testing.T) {
		assert.NoError(t, assertExitReached(phases(1, ir.PhaseInitialization, ir.PhaseExit)))
	})

	t.Run("restarted run", func(t *testing.T) {
		trace := phases(1, ir.PhaseInitialization, ir.PhaseWriteCheckpoint, ir.PhaseExit)
		trace = append(trace, TraceEvent{Type: EventRestart, Run: 2, Checkpoint: "SpectreCheckpoint000000"})
		trace = append(trace, phases(2, ir.PhaseCleanup, ir.PhaseExit)...)
		assert.NoError(t, assertExitReached(trace))
	})

	t.Run("stopped early", func(t *testing.T) {
		trace := phases(1, ir.PhaseInitialization, ir.PhaseCleanup)
		trace = append(trace, TraceEvent{Type: EventError, Run: 1, Code: ir.ErrCodePhaseOrder})
		err := assertExitReached(trace)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run 1 stopped in Cleanup")
	})

	t.Run("phase after exit", func(t *testing.T) {
		err := assertExitReached(phases(1, ir.PhaseExit, ir.PhaseCleanup, ir.PhaseExit))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "entered Cleanup after Exit")
	})

	t.Run("empty", func(t *testing.T) {
		err := assertExitReached(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no phase was entered")
	})
}

func TestAssertCheckpointsWritten(t *testing.T) {
	trace := phases(1, ir.PhaseWriteCheckpoint)
	trace = append(trace, TraceEvent{Type: EventCheckpoint, Run: 1, Checkpoint: "SpectreCheckpoint000000"})

	assert.NoError(t, assertCheckpointsWritten(trace, Assertion{Count: 1}))
	assert.Error(t, assertCheckpointsWritten(trace, Assertion{Count: 2}))
	assert.NoError(t, assertCheckpointsWritten(nil, Assertion{Count: 0}))
}

func TestAssertOutputContains(t *testing.T) {
	result := &Result{Output: "Entering phase: Evolve\nchecksum 20\n"}

	assert.NoError(t, assertOutputContains(result, Assertion{Text: "checksum 20\n"}))
	assert.Error(t, assertOutputContains(result, Assertion{Text: "checksum 21"}))
}

func TestEvaluateAssertions_CollectsEveryFailure(t *testing.T) {
	result := NewResult()
	result.Trace = phases(1, ir.PhaseInitialization, ir.PhaseExit)

	evaluateAssertions([]Assertion{
		{Type: AssertExitReached},
		{Type: AssertPhaseVisits, Phase: "Evolve", Count: 1},
		{Type: AssertCheckpointsWritten, Count: 1},
	}, result)

	assert.False(t, result.Pass)
	assert.Len(t, result.Errors, 2)
}

func TestAssertionError_ListsTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertCheckpointsWritten,
		Expected: "1 checkpoints",
		Actual:   "0 checkpoints",
		Trace: []TraceEvent{
			{Type: EventPhase, Run: 1, Phase: ir.PhaseEvolve},
			{Type: EventError, Run: 1, Code: ir.ErrCodeStepsExceeded},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: checkpoints_written")
	assert.Contains(t, msg, "[1] run 1: phase Evolve")
	assert.Contains(t, msg, "[2] run 1: error STEPS_EXCEEDED")
}
