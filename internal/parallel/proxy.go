package parallel

import (
	"maps"
	"slices"
	"sync"

	"github.com/roach88/phaserun/internal/databox"
	"github.com/roach88/phaserun/internal/ir"
)

// ComponentProxy addresses every instance of one parallel component. It is
// the value broadcast into each cache branch once all components exist.
type ComponentProxy struct {
	rt   *Runtime
	spec *ComponentSpec

	mu            sync.RWMutex
	elements      map[ir.ElementIndex]*element
	doneInserting bool
}

func newComponentProxy(rt *Runtime, spec *ComponentSpec) *ComponentProxy {
	return &ComponentProxy{
		rt:       rt,
		spec:     spec,
		elements: make(map[ir.ElementIndex]*element),
	}
}

// Name returns the component name.
func (p *ComponentProxy) Name() string { return p.spec.Name }

// Kind returns the component's distribution shape.
func (p *ComponentProxy) Kind() ir.ComponentKind { return p.spec.Kind }

// Spec returns the registered declaration.
func (p *ComponentProxy) Spec() *ComponentSpec { return p.spec }

// Len returns the number of instances.
func (p *ComponentProxy) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.elements)
}

// Indices returns the instance indices in ascending order.
func (p *ComponentProxy) Indices() []ir.ElementIndex {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.elements))
}

// Element returns a proxy for the instance at index. The instance is looked
// up when a message is sent, so the proxy may be created before insertion.
func (p *ComponentProxy) Element(index ir.ElementIndex) ElementProxy {
	return ElementProxy{comp: p, index: index}
}

// Elements returns proxies for every instance in index order.
func (p *ComponentProxy) Elements() []ElementProxy {
	indices := p.Indices()
	out := make([]ElementProxy, len(indices))
	for i, idx := range indices {
		out[i] = ElementProxy{comp: p, index: idx}
	}
	return out
}

// Insert creates an array element at index on proc. The initialization
// items are copied into the new element's Box.
//
// Inserting after DoneInserting, twice at one index, or on a process that
// does not exist is fatal.
func (p *ComponentProxy) Insert(index ir.ElementIndex, proc int, items map[string]any) error {
	if p.spec.Kind != ir.KindArray {
		return ir.Fatalf(ir.ErrCodeInvalidState, "cannot insert into %s component %q", p.spec.Kind, p.spec.Name)
	}
	return p.insert(index, proc, items)
}

func (p *ComponentProxy) insert(index ir.ElementIndex, proc int, items map[string]any) error {
	if !p.rt.hasProc(proc) {
		return ir.Fatalf(ir.ErrCodeInvalidState,
			"%s[%d] placed on proc %d, but only %d procs exist", p.spec.Name, index, proc, p.rt.topology.NumberOfProcs())
	}
	box := databox.New()
	box.Seed(items)
	return p.adopt(newElement(p.rt, p, index, proc, box, databox.NewInboxes()))
}

// adopt registers e and starts it. Callers have checked e's proc.
func (p *ComponentProxy) adopt(e *element) error {
	p.mu.Lock()
	if p.doneInserting {
		p.mu.Unlock()
		return ir.Fatalf(ir.ErrCodeInvalidState, "%s: insert of index %d after DoneInserting", p.spec.Name, e.index)
	}
	if _, dup := p.elements[e.index]; dup {
		p.mu.Unlock()
		return ir.Fatalf(ir.ErrCodeInvalidState, "%s: index %d inserted twice", p.spec.Name, e.index)
	}
	p.elements[e.index] = e
	p.mu.Unlock()

	p.rt.spawn(e)
	return nil
}

// DoneInserting closes the component to further insertion.
func (p *ComponentProxy) DoneInserting() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doneInserting = true
}

func (p *ComponentProxy) lookup(index ir.ElementIndex) *element {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.elements[index]
	if !ok {
		panic(ir.Fatalf(ir.ErrCodeInvalidState, "%s has no element at index %d", p.spec.Name, index))
	}
	return e
}

func (p *ComponentProxy) all() []*element {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*element, 0, len(p.elements))
	for _, idx := range slices.Sorted(maps.Keys(p.elements)) {
		out = append(out, p.elements[idx])
	}
	return out
}

// StartPhase tells every instance to begin phase.
func (p *ComponentProxy) StartPhase(phase ir.Phase) {
	for _, e := range p.all() {
		p.rt.send(e, message{kind: msgStartPhase, phase: phase})
	}
}

// ExecuteNextPhase enters phase on this component, through its custom hook
// if it declares one.
func (p *ComponentProxy) ExecuteNextPhase(phase ir.Phase) {
	if p.spec.ExecuteNextPhase != nil {
		p.spec.ExecuteNextPhase(phase, p)
		return
	}
	p.StartPhase(phase)
}

// Placements returns where each instance currently lives.
func (p *ComponentProxy) Placements() []Placement {
	elems := p.all()
	out := make([]Placement, len(elems))
	for i, e := range elems {
		out[i] = Placement{Component: p.spec.Name, Index: e.index, Proc: e.currentProc()}
	}
	return out
}

// ElementProxy addresses one instance.
type ElementProxy struct {
	comp  *ComponentProxy
	index ir.ElementIndex
}

// Component returns the proxy of the instance's component.
func (p ElementProxy) Component() *ComponentProxy { return p.comp }

// Index returns the instance index.
func (p ElementProxy) Index() ir.ElementIndex { return p.index }

// Proc returns the process currently hosting the instance.
func (p ElementProxy) Proc() int { return p.comp.lookup(p.index).currentProc() }

// StartPhase tells the instance to begin phase.
func (p ElementProxy) StartPhase(phase ir.Phase) {
	p.comp.rt.send(p.comp.lookup(p.index), message{kind: msgStartPhase, phase: phase})
}
