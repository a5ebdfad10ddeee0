package parallel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/roach88/phaserun/internal/cache"
	"github.com/roach88/phaserun/internal/databox"
	"github.com/roach88/phaserun/internal/ir"
)

// ElementState is the lifecycle state of one component instance.
type ElementState int

const (
	// StateAwaitingPhaseStart means the instance has not started the current
	// phase, or has never run.
	StateAwaitingPhaseStart ElementState = iota + 1

	// StateRunning means the action loop is executing.
	StateRunning

	// StatePausedAwaitingMessage means an action paused and the instance
	// waits for a message to re-enter the loop.
	StatePausedAwaitingMessage

	// StatePhaseComplete means the cursor passed the last action of the
	// phase.
	StatePhaseComplete
)

var elementStateNames = map[ElementState]string{
	StateAwaitingPhaseStart:    "AwaitingPhaseStart",
	StateRunning:               "Running",
	StatePausedAwaitingMessage: "PausedAwaitingMessage",
	StatePhaseComplete:         "PhaseComplete",
}

// String returns the state name.
func (s ElementState) String() string {
	if name, ok := elementStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ElementState(%d)", int(s))
}

// ParseElementState parses a state name.
func ParseElementState(s string) (ElementState, error) {
	for st, name := range elementStateNames {
		if strings.EqualFold(name, s) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown element state %q", s)
}

type messageKind int

const (
	msgStartPhase messageKind = iota + 1
	msgReceive
	msgSimpleAction
	msgPerform
	msgMigrate
	msgSnapshot
)

// message is the single envelope for everything an instance can receive.
type message struct {
	kind messageKind
	seq  int64

	phase   ir.Phase
	deliver func(*databox.Inboxes)
	perform bool
	simple  func(*ActionContext) error
	toProc  int
	collect func(ElementSnapshot, error)
}

// element is one component instance. Every field below mailbox is owned by
// the instance's goroutine; only proc is read from elsewhere.
type element struct {
	rt    *Runtime
	comp  *ComponentProxy
	index ir.ElementIndex
	proc  atomic.Int64

	mailbox *mailbox[message]

	cache   *cache.GlobalCache
	box     *databox.Box
	inboxes *databox.Inboxes
	phase   ir.Phase
	state   ElementState
	cursor  int
	quota   *stepQuota
	applied int64
	logger  *slog.Logger
}

func newElement(rt *Runtime, comp *ComponentProxy, index ir.ElementIndex, proc int, box *databox.Box, inboxes *databox.Inboxes) *element {
	e := &element{
		rt:      rt,
		comp:    comp,
		index:   index,
		mailbox: newMailbox[message](),
		cache:   rt.caches[proc],
		box:     box,
		inboxes: inboxes,
		phase:   ir.PhaseInitialization,
		state:   StateAwaitingPhaseStart,
		quota:   newStepQuota(rt.maxSteps),
		logger:  rt.logger.With("component", comp.Name(), "index", int(index)),
	}
	e.proc.Store(int64(proc))
	return e
}

func (e *element) currentProc() int {
	return int(e.proc.Load())
}

// run drains the mailbox until the runtime stops. A message that fails
// aborts the whole run.
func (e *element) run(ctx context.Context) error {
	for {
		if msg, ok := e.mailbox.TryDequeue(); ok {
			err := e.handle(msg)
			e.rt.qd.done()
			if err != nil {
				e.rt.Abort(err)
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-e.mailbox.Wait():
			if !ok {
				return nil
			}
		}
	}
}

// handle processes one message. It is also called directly by tests that
// drive an instance synchronously.
func (e *element) handle(msg message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = e.annotate(ir.AsFatal(r))
		}
	}()

	e.logger.Debug("message", "kind", int(msg.kind), "seq", msg.seq, "state", e.state.String())

	switch msg.kind {
	case msgStartPhase:
		return e.startPhase(msg.phase)
	case msgReceive:
		msg.deliver(e.inboxes)
		if msg.perform && e.state == StatePausedAwaitingMessage {
			return e.performAlgorithm()
		}
		return nil
	case msgSimpleAction:
		if err := msg.simple(e.context()); err != nil {
			return e.annotate(ir.AsFatal(err))
		}
		return nil
	case msgPerform:
		if e.state == StatePausedAwaitingMessage {
			return e.performAlgorithm()
		}
		return nil
	case msgMigrate:
		return e.migrate(msg.toProc)
	case msgSnapshot:
		snap, err := e.snapshot()
		msg.collect(snap, err)
		return nil
	default:
		return ir.Fatalf(ir.ErrCodeInvalidState, "unknown message kind %d", int(msg.kind))
	}
}

func (e *element) annotate(err error) error {
	if fe, ok := err.(*ir.FatalError); ok {
		return fe.In(e.comp.Name(), e.index)
	}
	return err
}

func (e *element) startPhase(phase ir.Phase) error {
	if e.state == StateRunning {
		return ir.Fatalf(ir.ErrCodeInvalidState,
			"phase %s started while the instance is %s in phase %s", phase, e.state, e.phase).In(e.comp.Name(), e.index)
	}
	e.phase = phase
	e.cursor = 0
	e.quota.Reset()
	e.state = StateRunning
	return e.performAlgorithm()
}

// performAlgorithm runs actions from the cursor until one pauses or the list
// is exhausted.
func (e *element) performAlgorithm() error {
	e.state = StateRunning
	reg, name := e.rt.registry, e.comp.Name()
	n := reg.ActionCount(name, e.phase)
	for {
		if e.cursor >= n {
			e.state = StatePhaseComplete
			e.rt.notePhaseComplete(e.phase)
			e.logger.Debug("phase complete", "phase", e.phase.String())
			return nil
		}
		if exceeded := e.quota.Check(e.comp.Name(), e.index, e.phase); exceeded != nil {
			return exceeded.Fatal()
		}
		action, _ := reg.Action(name, e.phase, e.cursor)
		e.applied++
		d, err := action.Apply(e.context())
		if err != nil {
			if ir.IsFatal(err) || ir.IsUserError(err) {
				return e.annotate(ir.AsFatal(err))
			}
			return ir.WrapFatal(ir.ErrCodeActionFailed, err, "action %s failed in phase %s", action.Name(), e.phase).
				In(e.comp.Name(), e.index)
		}
		switch d.kind {
		case directiveContinue:
			e.cursor++
		case directivePause:
			e.state = StatePausedAwaitingMessage
			return nil
		case directiveJump:
			target, ok := reg.LabelPosition(name, e.phase, d.label)
			if !ok {
				return ir.Fatalf(ir.ErrCodeInvalidState,
					"action %s jumped to unknown label %q in phase %s", action.Name(), d.label, e.phase).
					In(e.comp.Name(), e.index)
			}
			e.cursor = target
		}
	}
}

// migrate moves the instance to proc by packing and unpacking its state, so
// nothing is shared with the old location.
func (e *element) migrate(to int) error {
	from := e.currentProc()
	if to == from {
		return nil
	}
	if to < 0 || to >= len(e.rt.caches) {
		return ir.Fatalf(ir.ErrCodeInvalidState, "cannot migrate to proc %d", to).In(e.comp.Name(), e.index)
	}
	boxData, err := e.box.Pack()
	if err != nil {
		return ir.WrapFatal(ir.ErrCodeActionFailed, err, "pack box for migration").In(e.comp.Name(), e.index)
	}
	inboxData, err := e.inboxes.Pack()
	if err != nil {
		return ir.WrapFatal(ir.ErrCodeActionFailed, err, "pack inboxes for migration").In(e.comp.Name(), e.index)
	}
	box, err := databox.UnpackBox(boxData)
	if err != nil {
		return ir.WrapFatal(ir.ErrCodeActionFailed, err, "unpack migrated box").In(e.comp.Name(), e.index)
	}
	inboxes, err := databox.UnpackInboxes(inboxData)
	if err != nil {
		return ir.WrapFatal(ir.ErrCodeActionFailed, err, "unpack migrated inboxes").In(e.comp.Name(), e.index)
	}
	e.box = box
	e.inboxes = inboxes
	e.cache = e.rt.caches[to]
	e.proc.Store(int64(to))
	e.logger.Debug("migrated", "from", from, "to", to)
	return nil
}

func (e *element) context() *ActionContext {
	return &ActionContext{el: e}
}
