package parallel

import (
	"fmt"

	"github.com/roach88/phaserun/internal/config"
	"github.com/roach88/phaserun/internal/ir"
)

type directiveKind int

const (
	directiveContinue directiveKind = iota
	directivePause
	directiveJump
)

// Directive tells the engine what to do once an action returns.
type Directive struct {
	kind  directiveKind
	label string
}

var (
	// Continue advances to the next action of the phase.
	Continue = Directive{kind: directiveContinue}

	// Pause keeps the cursor on the current action and suspends the instance
	// until a message arrives. The action is re-run from the top of Apply.
	Pause = Directive{kind: directivePause}
)

// Jump repositions the cursor to Label(label) in the current phase's list.
func Jump(label string) Directive {
	return Directive{kind: directiveJump, label: label}
}

// String returns "Continue", "Pause" or "Jump(label)".
func (d Directive) String() string {
	switch d.kind {
	case directiveContinue:
		return "Continue"
	case directivePause:
		return "Pause"
	default:
		return "Jump(" + d.label + ")"
	}
}

// Action is one unit of work in a phase's action list.
//
// Apply may read and mutate the instance's Box and Inboxes, read the cache,
// send messages and contribute to reductions. It must return rather than
// block. An action that pauses is re-entered from the start of Apply, so any
// partial progress has to be recorded in the Box.
type Action interface {
	Name() string
	Apply(ctx *ActionContext) (Directive, error)
}

type actionFunc struct {
	name string
	fn   func(*ActionContext) (Directive, error)
}

func (a actionFunc) Name() string                                { return a.name }
func (a actionFunc) Apply(ctx *ActionContext) (Directive, error) { return a.fn(ctx) }

// NewAction adapts a function to Action.
func NewAction(name string, fn func(ctx *ActionContext) (Directive, error)) Action {
	return actionFunc{name: name, fn: fn}
}

// Label marks a jump target. Applying a label is a no-op that continues.
type Label string

// Name returns "Label(<label>)".
func (l Label) Name() string { return "Label(" + string(l) + ")" }

// Apply continues.
func (l Label) Apply(*ActionContext) (Directive, error) { return Continue, nil }

// ComponentSpec declares a parallel component.
type ComponentSpec struct {
	// Name identifies the component. Unique per executable.
	Name string

	// Kind is the distribution shape.
	Kind ir.ComponentKind

	// Phases maps each phase to its ordered action list. A phase with no
	// entry completes immediately.
	Phases map[ir.Phase][]Action

	// InitializationTags are created from input options and seeded into
	// every instance's Box when the instance is created.
	InitializationTags []config.Option

	// ConstCacheTags and MutableCacheTags are cache entries this component
	// needs, merged with the executable's own.
	ConstCacheTags   []config.Option
	MutableCacheTags []config.Option

	// Allocator places array elements. Required for arrays, forbidden
	// otherwise.
	Allocator Allocator

	// ExecuteNextPhase replaces the default phase entry, which starts the
	// phase on every instance.
	ExecuteNextPhase func(phase ir.Phase, proxy *ComponentProxy)
}

// Actions returns the action list for phase.
func (s *ComponentSpec) Actions(phase ir.Phase) []Action {
	return s.Phases[phase]
}

func (s *ComponentSpec) validate() error {
	if s.Name == "" {
		return ir.Fatalf(ir.ErrCodeRegistration, "component has no name")
	}
	switch s.Kind {
	case ir.KindArray:
		if s.Allocator == nil {
			return ir.Fatalf(ir.ErrCodeRegistration, "array component %q has no allocator", s.Name)
		}
	case ir.KindSingleton, ir.KindGroup, ir.KindNodeGroup:
		if s.Allocator != nil {
			return ir.Fatalf(ir.ErrCodeRegistration, "%s component %q cannot have an allocator", s.Kind, s.Name)
		}
	default:
		return ir.Fatalf(ir.ErrCodeRegistration, "component %q has invalid kind %d", s.Name, int(s.Kind))
	}
	for phase, actions := range s.Phases {
		if !phase.Valid() {
			return ir.Fatalf(ir.ErrCodeRegistration, "component %q declares actions for invalid phase %d", s.Name, int(phase))
		}
		labels := make(map[Label]bool)
		for i, a := range actions {
			if a == nil {
				return ir.Fatalf(ir.ErrCodeRegistration, "component %q phase %s action %d is nil", s.Name, phase, i)
			}
			if a.Name() == "" {
				return ir.Fatalf(ir.ErrCodeRegistration, "component %q phase %s action %d has no name", s.Name, phase, i)
			}
			if l, ok := a.(Label); ok {
				if labels[l] {
					return ir.Fatalf(ir.ErrCodeRegistration, "component %q phase %s declares label %q twice", s.Name, phase, string(l))
				}
				labels[l] = true
			}
		}
	}
	return nil
}

// String describes the component for logs.
func (s *ComponentSpec) String() string {
	return fmt.Sprintf("%s(%s)", s.Name, s.Kind)
}
