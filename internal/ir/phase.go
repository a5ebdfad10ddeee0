package ir

import (
	"fmt"
	"strings"
)

// Phase is a globally agreed stage of a run's lifecycle.
//
// The numeric value of a Phase carries no ordering meaning. The order in which
// phases are visited is defined per executable by a PhaseOrder.
type Phase int

const (
	PhaseInitialization Phase = iota + 1
	PhaseRegister
	PhaseImportInitialData
	PhaseInitializeInitialDataDependentQuantities
	PhaseInitializeTimeStepperHistory
	PhaseExecute
	PhaseSolve
	PhaseEvolve
	PhaseTesting
	PhaseLoadBalancing
	PhaseWriteCheckpoint
	PhaseCleanup
	PhaseExit
)

var phaseNames = map[Phase]string{
	PhaseInitialization:                           "Initialization",
	PhaseRegister:                                 "Register",
	PhaseImportInitialData:                        "ImportInitialData",
	PhaseInitializeInitialDataDependentQuantities: "InitializeInitialDataDependentQuantities",
	PhaseInitializeTimeStepperHistory:             "InitializeTimeStepperHistory",
	PhaseExecute:                                  "Execute",
	PhaseSolve:                                    "Solve",
	PhaseEvolve:                                   "Evolve",
	PhaseTesting:                                  "Testing",
	PhaseLoadBalancing:                            "LoadBalancing",
	PhaseWriteCheckpoint:                          "WriteCheckpoint",
	PhaseCleanup:                                  "Cleanup",
	PhaseExit:                                     "Exit",
}

// AllPhases returns every known phase in declaration order.
func AllPhases() []Phase {
	phases := make([]Phase, 0, len(phaseNames))
	for p := PhaseInitialization; p <= PhaseExit; p++ {
		phases = append(phases, p)
	}
	return phases
}

// String returns the phase name used in logs, options and checkpoints.
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

// ParsePhase converts a phase name back to a Phase. Matching is exact.
func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	known := make([]string, 0, len(phaseNames))
	for _, p := range AllPhases() {
		known = append(known, p.String())
	}
	return 0, fmt.Errorf("unknown phase %q (known: %s)", s, strings.Join(known, ", "))
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid phase %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so phases decode from
// option files and checkpoint metadata.
func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PhaseOrder is an executable's default_phase_order: the sequence of phases
// Main walks through when no arbiter overrides the successor.
type PhaseOrder []Phase

// Validate checks that the order is usable by Main.
//
// The order must be non-empty, contain no duplicates, and if Exit is present
// it must be the last entry.
func (o PhaseOrder) Validate() error {
	if len(o) == 0 {
		return Fatalf(ErrCodePhaseOrder, "default phase order is empty")
	}
	seen := make(map[Phase]bool, len(o))
	for i, p := range o {
		if !p.Valid() {
			return Fatalf(ErrCodePhaseOrder, "default phase order entry %d is not a valid phase", i)
		}
		if seen[p] {
			return Fatalf(ErrCodePhaseOrder, "phase %s appears more than once in the default phase order", p)
		}
		seen[p] = true
		if p == PhaseExit && i != len(o)-1 {
			return Fatalf(ErrCodePhaseOrder, "Exit must be the last phase in the default phase order")
		}
	}
	return nil
}

// Index returns the position of p in the order, or -1.
func (o PhaseOrder) Index(p Phase) int {
	for i, q := range o {
		if q == p {
			return i
		}
	}
	return -1
}

// Contains reports whether p appears in the order.
func (o PhaseOrder) Contains(p Phase) bool {
	return o.Index(p) >= 0
}

// Next returns the phase after current.
//
// It is a fatal error for current to be absent from the order or to be its
// last entry: Main has nowhere to go.
func (o PhaseOrder) Next(current Phase) (Phase, error) {
	i := o.Index(current)
	if i < 0 {
		return 0, Fatalf(ErrCodePhaseOrder,
			"cannot determine next phase as the current phase %s is not in the default phase order %s", current, o)
	}
	if i == len(o)-1 {
		return 0, Fatalf(ErrCodePhaseOrder,
			"cannot determine next phase as the current phase %s is the last phase in the default phase order %s", current, o)
	}
	return o[i+1], nil
}

// String renders the order as "(A, B, C)".
func (o PhaseOrder) String() string {
	names := make([]string, len(o))
	for i, p := range o {
		names[i] = p.String()
	}
	return "(" + strings.Join(names, ", ") + ")"
}
