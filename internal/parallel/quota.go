package parallel

import (
	"errors"
	"fmt"

	"github.com/roach88/phaserun/internal/ir"
)

// stepQuota bounds how many actions one instance may apply within a single
// phase. It catches action lists that jump back on themselves forever
// without ever pausing. A limit of zero disables it.
type stepQuota struct {
	limit   int
	current int
}

func newStepQuota(limit int) *stepQuota {
	return &stepQuota{limit: limit}
}

// Check counts one step and fails once the limit is passed.
func (q *stepQuota) Check(component string, index ir.ElementIndex, phase ir.Phase) *StepsExceededError {
	q.current++
	if q.limit > 0 && q.current > q.limit {
		return &StepsExceededError{
			Component: component,
			Index:     index,
			Phase:     phase,
			Steps:     q.current,
			Limit:     q.limit,
		}
	}
	return nil
}

// Reset is called when a new phase starts.
func (q *stepQuota) Reset() {
	q.current = 0
}

// Current returns the steps taken in the current phase.
func (q *stepQuota) Current() int {
	return q.current
}

// StepsExceededError reports an instance that applied more actions in one
// phase than MaxStepsPerPhase allows.
type StepsExceededError struct {
	Component string
	Index     ir.ElementIndex
	Phase     ir.Phase
	Steps     int
	Limit     int
}

// Error implements the error interface.
func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("%s[%d] exceeded the step quota in phase %s: %d steps > %d limit",
		e.Component, e.Index, e.Phase, e.Steps, e.Limit)
}

// Fatal converts the quota violation into a fatal runtime error.
func (e *StepsExceededError) Fatal() error {
	return ir.WrapFatal(ir.ErrCodeStepsExceeded, e, "action loop did not pause").In(e.Component, e.Index)
}

// IsStepsExceededError reports whether err wraps a StepsExceededError.
func IsStepsExceededError(err error) bool {
	var target *StepsExceededError
	return errors.As(err, &target)
}
