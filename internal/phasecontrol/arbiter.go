package phasecontrol

import (
	"fmt"
	"time"

	"github.com/roach88/phaserun/internal/ir"
)

// Arbiter decides whether Main should leave the phase order. It runs on
// Main's loop each time a phase reaches quiescence, before the default
// order is consulted. elapsed is the wallclock time since the run (or the
// restarted run) began.
type Arbiter interface {
	Arbitrate(current ir.Phase, data *DecisionData, elapsed time.Duration) (ir.Phase, bool)
	Tags() []DecisionTag
}

// Arbitrate asks each arbiter in turn and returns the first override.
func Arbitrate(current ir.Phase, data *DecisionData, elapsed time.Duration, arbiters ...Arbiter) (ir.Phase, bool) {
	for _, a := range arbiters {
		if next, ok := a.Arbitrate(current, data, elapsed); ok {
			return next, true
		}
	}
	return 0, false
}

// TagsOf collects the decision tags the arbiters need.
func TagsOf(arbiters ...Arbiter) []DecisionTag {
	var out []DecisionTag
	for _, a := range arbiters {
		out = append(out, a.Tags()...)
	}
	return out
}

// VisitAndReturn sends the run to Phase whenever its request tag was set,
// and afterwards back to the phase that asked for the visit.
type VisitAndReturn struct {
	phase   ir.Phase
	request *Tag[bool]
	from    *Tag[string]
}

// NewVisitAndReturn creates the arbiter for phase.
func NewVisitAndReturn(phase ir.Phase) *VisitAndReturn {
	return &VisitAndReturn{
		phase:   phase,
		request: NewTag(fmt.Sprintf("VisitAndReturn(%s)", phase), false, Or),
		from:    NewTag(fmt.Sprintf("VisitAndReturn(%s).ReturnPhase", phase), "", Latest[string]),
	}
}

// Request is the tag elements contribute true to.
func (v *VisitAndReturn) Request() *Tag[bool] { return v.request }

// Tags implements Arbiter.
func (v *VisitAndReturn) Tags() []DecisionTag { return []DecisionTag{v.request, v.from} }

// Arbitrate implements Arbiter.
func (v *VisitAndReturn) Arbitrate(current ir.Phase, data *DecisionData, _ time.Duration) (ir.Phase, bool) {
	if current == v.phase {
		if back, ok := returnPhase(data, v.from); ok {
			data.Reset(v.from)
			return back, true
		}
		return 0, false
	}
	if Value(data, v.request) {
		data.Reset(v.request)
		Set(data, v.from, current.String())
		return v.phase, true
	}
	return 0, false
}

// String describes the arbiter for logs.
func (v *VisitAndReturn) String() string {
	return fmt.Sprintf("VisitAndReturn(%s)", v.phase)
}

// CheckpointAndExitAfterWallclock writes a checkpoint and exits once the
// run has used more than Limit of wallclock time.
//
// The phase to return to is kept in decision data, so it is part of the
// checkpoint: a run restarted from that checkpoint goes back to it instead
// of exiting. Whether this process has already decided to exit is not.
type CheckpointAndExitAfterWallclock struct {
	limit   time.Duration
	from    *Tag[string]
	exiting bool
}

// NewCheckpointAndExitAfterWallclock creates the arbiter.
func NewCheckpointAndExitAfterWallclock(limit time.Duration) *CheckpointAndExitAfterWallclock {
	return &CheckpointAndExitAfterWallclock{
		limit: limit,
		from:  NewTag("CheckpointAndExitAfterWallclock.ReturnPhase", "", Latest[string]),
	}
}

// Tags implements Arbiter.
func (c *CheckpointAndExitAfterWallclock) Tags() []DecisionTag { return []DecisionTag{c.from} }

// Arbitrate implements Arbiter.
func (c *CheckpointAndExitAfterWallclock) Arbitrate(current ir.Phase, data *DecisionData, elapsed time.Duration) (ir.Phase, bool) {
	if current == ir.PhaseWriteCheckpoint {
		back, ok := returnPhase(data, c.from)
		if !ok {
			return 0, false
		}
		if c.exiting {
			return ir.PhaseExit, true
		}
		data.Reset(c.from)
		return back, true
	}
	if current == ir.PhaseInitialization || current == ir.PhaseExit || elapsed < c.limit {
		return 0, false
	}
	c.exiting = true
	Set(data, c.from, current.String())
	return ir.PhaseWriteCheckpoint, true
}

// returnPhase reads a phase stored by name. An unparsable name can only come
// from a corrupt checkpoint.
func returnPhase(data *DecisionData, tag *Tag[string]) (ir.Phase, bool) {
	name := Value(data, tag)
	if name == "" {
		return 0, false
	}
	p, err := ir.ParsePhase(name)
	if err != nil {
		panic(ir.WrapFatal(ir.ErrCodeCheckpointCorrupt, err, "decision tag %q", tag.Name()))
	}
	return p, true
}

// String describes the arbiter for logs.
func (c *CheckpointAndExitAfterWallclock) String() string {
	return fmt.Sprintf("CheckpointAndExitAfterWallclock(%s)", c.limit)
}
