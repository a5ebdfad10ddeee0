package parallel

import (
	"reflect"

	"github.com/roach88/phaserun/internal/ir"
)

// Registry is the startup-time table of components, their actions and the
// reduction targets they use. It is filled by ordinary code before the
// runtime starts and only read afterwards.
type Registry struct {
	specs   map[string]*ComponentSpec
	order   []string
	actions map[actionKey]Action
	lengths map[phaseKey]int
	labels  map[labelKey]int
	shapes  map[string][]reflect.Type
}

type actionKey struct {
	component string
	phase     ir.Phase
	index     int
}

type phaseKey struct {
	component string
	phase     ir.Phase
}

type labelKey struct {
	phaseKey
	label string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:   make(map[string]*ComponentSpec),
		actions: make(map[actionKey]Action),
		lengths: make(map[phaseKey]int),
		labels:  make(map[labelKey]int),
		shapes:  make(map[string][]reflect.Type),
	}
}

// RegisterComponent validates spec and records its action lists.
func (r *Registry) RegisterComponent(spec ComponentSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	if _, dup := r.specs[spec.Name]; dup {
		return ir.Fatalf(ir.ErrCodeRegistration, "component %q registered twice", spec.Name)
	}
	s := spec
	r.specs[s.Name] = &s
	r.order = append(r.order, s.Name)
	for phase, actions := range s.Phases {
		pk := phaseKey{component: s.Name, phase: phase}
		r.lengths[pk] = len(actions)
		for i, a := range actions {
			r.actions[actionKey{component: s.Name, phase: phase, index: i}] = a
			if l, ok := a.(Label); ok {
				r.labels[labelKey{phaseKey: pk, label: string(l)}] = i
			}
		}
	}
	return nil
}

// RegisterReductionTarget fixes the tuple shape every contribution to target
// must have. Targets that are not registered take their shape from their
// first contribution.
func (r *Registry) RegisterReductionTarget(target ReductionTarget, prototype Data) error {
	shape := prototype.shape()
	if existing, ok := r.shapes[target.Name()]; ok && !sameShape(existing, shape) {
		return ir.Fatalf(ir.ErrCodeReductionShape,
			"reduction target %q registered with shapes %v and %v", target.Name(), existing, shape)
	}
	r.shapes[target.Name()] = shape
	return nil
}

// Component returns the spec named name.
func (r *Registry) Component(name string) (*ComponentSpec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Components returns the specs in registration order.
func (r *Registry) Components() []*ComponentSpec {
	out := make([]*ComponentSpec, len(r.order))
	for i, name := range r.order {
		out[i] = r.specs[name]
	}
	return out
}

// Singletons returns the names of singleton components in registration order.
func (r *Registry) Singletons() []string {
	var names []string
	for _, name := range r.order {
		if r.specs[name].Kind == ir.KindSingleton {
			names = append(names, name)
		}
	}
	return names
}

// Action returns the action at position index of component's list for phase.
func (r *Registry) Action(component string, phase ir.Phase, index int) (Action, bool) {
	a, ok := r.actions[actionKey{component: component, phase: phase, index: index}]
	return a, ok
}

// ActionCount returns the length of component's action list for phase.
func (r *Registry) ActionCount(component string, phase ir.Phase) int {
	return r.lengths[phaseKey{component: component, phase: phase}]
}

// LabelPosition returns where Label(label) sits in component's list for
// phase.
func (r *Registry) LabelPosition(component string, phase ir.Phase, label string) (int, bool) {
	i, ok := r.labels[labelKey{phaseKey: phaseKey{component: component, phase: phase}, label: label}]
	return i, ok
}

func (r *Registry) reductionShape(target string) ([]reflect.Type, bool) {
	s, ok := r.shapes[target]
	return s, ok
}
