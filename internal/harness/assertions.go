package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/phaserun/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, event := range e.Trace {
		switch event.Type {
		case EventPhase:
			fmt.Fprintf(&buf, "  [%d] run %d: phase %s\n", i+1, event.Run, event.Phase)
		case EventError:
			fmt.Fprintf(&buf, "  [%d] run %d: %s %s\n", i+1, event.Run, event.Type, event.Code)
		default:
			fmt.Fprintf(&buf, "  [%d] run %d: %s %s\n", i+1, event.Run, event.Type, event.Checkpoint)
		}
	}

	return buf.String()
}

// evaluateAssertions checks every assertion and records failures in result.
func evaluateAssertions(assertions []Assertion, result *Result) {
	for _, a := range assertions {
		if err := evaluateAssertion(a, result); err != nil {
			result.AddError(err.Error())
		}
	}
}

func evaluateAssertion(a Assertion, result *Result) error {
	switch a.Type {
	case AssertPhaseOrder:
		return assertPhaseOrder(result.Trace, a)
	case AssertPhaseVisits:
		return assertPhaseVisits(result.Trace, a)
	case AssertExitReached:
		return assertExitReached(result.Trace)
	case AssertCheckpointsWritten:
		return assertCheckpointsWritten(result.Trace, a)
	case AssertOutputContains:
		return assertOutputContains(result, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertPhaseOrder checks that the phases appear in the given order.
// Other phases may come in between.
func assertPhaseOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, event := range trace {
		if next == len(a.Phases) {
			break
		}
		if event.Type == EventPhase && event.Phase.String() == a.Phases[next] {
			next++
		}
	}
	if next == len(a.Phases) {
		return nil
	}
	return &AssertionError{
		Type:     AssertPhaseOrder,
		Expected: fmt.Sprintf("phases in order: %v", a.Phases),
		Actual:   fmt.Sprintf("matched %v, then no %s", a.Phases[:next], a.Phases[next]),
		Trace:    trace,
	}
}

// assertPhaseVisits checks that the phase is entered exactly Count times.
func assertPhaseVisits(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventPhase && event.Phase.String() == a.Phase {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertPhaseVisits,
		Expected: fmt.Sprintf("%s entered %d times", a.Phase, a.Count),
		Actual:   fmt.Sprintf("%s entered %d times", a.Phase, count),
		Trace:    trace,
	}
}

// assertExitReached checks that the last run ends in Exit and that no run
// enters a phase after Exit.
func assertExitReached(trace []TraceEvent) error {
	fail := func(actual string) error {
		return &AssertionError{
			Type:     AssertExitReached,
			Expected: "the run ends in Exit",
			Actual:   actual,
			Trace:    trace,
		}
	}

	exited := map[int]bool{}
	var last *TraceEvent
	for i := range trace {
		event := &trace[i]
		if event.Type != EventPhase {
			continue
		}
		if exited[event.Run] {
			return fail(fmt.Sprintf("run %d entered %s after Exit", event.Run, event.Phase))
		}
		if event.Phase == ir.PhaseExit {
			exited[event.Run] = true
		}
		last = event
	}
	if last == nil {
		return fail("no phase was entered")
	}
	if last.Phase != ir.PhaseExit {
		return fail(fmt.Sprintf("run %d stopped in %s", last.Run, last.Phase))
	}
	return nil
}

// assertCheckpointsWritten checks the number of checkpoints written.
func assertCheckpointsWritten(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventCheckpoint {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertCheckpointsWritten,
		Expected: fmt.Sprintf("%d checkpoints", a.Count),
		Actual:   fmt.Sprintf("%d checkpoints", count),
		Trace:    trace,
	}
}

// assertOutputContains checks the printed output.
func assertOutputContains(result *Result, a Assertion) error {
	if strings.Contains(result.Output, a.Text) {
		return nil
	}
	return &AssertionError{
		Type:     AssertOutputContains,
		Expected: fmt.Sprintf("output containing %q", a.Text),
		Actual:   fmt.Sprintf("output %q", result.Output),
		Trace:    result.Trace,
	}
}
