package harness

import "github.com/roach88/phaserun/internal/ir"

// Trace event types.
const (
	EventPhase      = "phase"
	EventCheckpoint = "checkpoint"
	EventRestart    = "restart"
	EventError      = "error"
)

// TraceEvent is one step of a scenario's trace.
type TraceEvent struct {
	Type string `json:"type"`

	// Run is 1 for the first run and 2 for the run restarted from its
	// checkpoint.
	Run int `json:"run"`

	Phase ir.Phase `json:"phase,omitempty"`

	// Checkpoint is the checkpoint directory name, without its root.
	Checkpoint string `json:"checkpoint,omitempty"`

	// Code is the fatal error code of an error event.
	Code ir.ErrorCode `json:"code,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Trace holds the phases entered and checkpoints written, in order.
	Trace []TraceEvent `json:"trace"`

	// Output is everything the runs printed, in run order.
	Output string `json:"output"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addPhase(run int, p ir.Phase) {
	r.Trace = append(r.Trace, TraceEvent{Type: EventPhase, Run: run, Phase: p})
}

func (r *Result) addCheckpoint(run int, dir string) {
	r.Trace = append(r.Trace, TraceEvent{Type: EventCheckpoint, Run: run, Checkpoint: dir})
}

func (r *Result) addRestart(run int, dir string) {
	r.Trace = append(r.Trace, TraceEvent{Type: EventRestart, Run: run, Checkpoint: dir})
}

func (r *Result) addFatal(run int, code ir.ErrorCode) {
	r.Trace = append(r.Trace, TraceEvent{Type: EventError, Run: run, Code: code})
}

// Phases returns the phases of the trace in order.
func (r *Result) Phases() []ir.Phase {
	var out []ir.Phase
	for _, e := range r.Trace {
		if e.Type == EventPhase {
			out = append(out, e.Phase)
		}
	}
	return out
}
