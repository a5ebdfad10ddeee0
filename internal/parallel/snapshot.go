package parallel

import (
	"cmp"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/roach88/phaserun/internal/databox"
	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/pup"
)

// ElementSnapshot is the packed state of one instance: everything needed to
// recreate it on a restart.
type ElementSnapshot struct {
	Component string          `msgpack:"component"`
	Index     ir.ElementIndex `msgpack:"index"`
	Proc      int             `msgpack:"proc"`
	Phase     ir.Phase        `msgpack:"phase"`
	State     ElementState    `msgpack:"state"`
	Cursor    int             `msgpack:"cursor"`
	Action    string          `msgpack:"action"` // name of the action at Cursor, if any
	Box       []byte          `msgpack:"box"`
	Inboxes   []byte          `msgpack:"inboxes"`
}

// Pack encodes the snapshot.
func (s ElementSnapshot) Pack() ([]byte, error) {
	return pup.Pack(s)
}

// UnpackElementSnapshot decodes a snapshot written by Pack.
func UnpackElementSnapshot(data []byte) (ElementSnapshot, error) {
	var s ElementSnapshot
	err := pup.Unpack(data, &s)
	return s, err
}

func (e *element) snapshot() (ElementSnapshot, error) {
	box, err := e.box.Pack()
	if err != nil {
		return ElementSnapshot{}, ir.WrapFatal(ir.ErrCodeActionFailed, err, "pack box").In(e.comp.Name(), e.index)
	}
	inboxes, err := e.inboxes.Pack()
	if err != nil {
		return ElementSnapshot{}, ir.WrapFatal(ir.ErrCodeActionFailed, err, "pack inboxes").In(e.comp.Name(), e.index)
	}
	s := ElementSnapshot{
		Component: e.comp.Name(),
		Index:     e.index,
		Proc:      e.currentProc(),
		Phase:     e.phase,
		State:     e.state,
		Cursor:    e.cursor,
		Box:       box,
		Inboxes:   inboxes,
	}
	if actions := e.comp.spec.Actions(e.phase); e.cursor < len(actions) {
		s.Action = actions[e.cursor].Name()
	}
	return s, nil
}

// SnapshotCollector gathers instance snapshots requested by
// CollectSnapshots. Read it after quiescence.
type SnapshotCollector struct {
	mu    sync.Mutex
	order map[string]int
	snaps []ElementSnapshot
	errs  *multierror.Error
}

func (c *SnapshotCollector) add(s ElementSnapshot, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.errs = multierror.Append(c.errs, err)
		return
	}
	c.snaps = append(c.snaps, s)
}

// Results returns the snapshots ordered by component creation order, then
// index.
func (c *SnapshotCollector) Results() ([]ElementSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	out := slices.Clone(c.snaps)
	slices.SortFunc(out, func(a, b ElementSnapshot) int {
		if n := cmp.Compare(c.order[a.Component], c.order[b.Component]); n != 0 {
			return n
		}
		return cmp.Compare(a.Index, b.Index)
	})
	return out, nil
}

// CollectSnapshots asks every instance to pack itself. Each instance packs
// between handlers, so the snapshot never observes a half-run action.
func (rt *Runtime) CollectSnapshots() *SnapshotCollector {
	c := &SnapshotCollector{order: make(map[string]int)}
	for i, p := range rt.Components() {
		c.order[p.Name()] = i
		for _, e := range p.all() {
			rt.send(e, message{kind: msgSnapshot, collect: c.add})
		}
	}
	return c
}

// Restore recreates an instance from its snapshot on the process it was
// saved on. The action at the cursor must still carry the recorded name.
func (p *ComponentProxy) Restore(s ElementSnapshot) error {
	if s.Component != p.spec.Name {
		return ir.Fatalf(ir.ErrCodeCheckpointCorrupt, "snapshot of %q restored into %q", s.Component, p.spec.Name)
	}
	actions := p.spec.Actions(s.Phase)
	switch {
	case s.Cursor < 0 || s.Cursor > len(actions):
		return ir.Fatalf(ir.ErrCodeCheckpointCorrupt,
			"%s[%d] cursor %d is outside the %d actions of phase %s", s.Component, s.Index, s.Cursor, len(actions), s.Phase)
	case s.Cursor < len(actions) && actions[s.Cursor].Name() != s.Action:
		return ir.Fatalf(ir.ErrCodeCheckpointCorrupt,
			"%s[%d] was saved at action %q, but phase %s now has %q there", s.Component, s.Index, s.Action, s.Phase, actions[s.Cursor].Name())
	}
	if !p.rt.hasProc(s.Proc) {
		return ir.Fatalf(ir.ErrCodeCheckpointCorrupt,
			"%s[%d] was saved on proc %d, but only %d procs exist", s.Component, s.Index, s.Proc, p.rt.topology.NumberOfProcs())
	}
	box, err := databox.UnpackBox(s.Box)
	if err != nil {
		return ir.WrapFatal(ir.ErrCodeCheckpointCorrupt, err, "%s[%d] box", s.Component, s.Index)
	}
	inboxes, err := databox.UnpackInboxes(s.Inboxes)
	if err != nil {
		return ir.WrapFatal(ir.ErrCodeCheckpointCorrupt, err, "%s[%d] inboxes", s.Component, s.Index)
	}
	e := newElement(p.rt, p, s.Index, s.Proc, box, inboxes)
	e.phase = s.Phase
	e.state = s.State
	e.cursor = s.Cursor
	return p.adopt(e)
}
