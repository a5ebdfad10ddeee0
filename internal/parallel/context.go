package parallel

import (
	"log/slog"

	"github.com/roach88/phaserun/internal/cache"
	"github.com/roach88/phaserun/internal/databox"
	"github.com/roach88/phaserun/internal/ir"
)

// ActionContext is what an action sees while it runs: the instance's own
// state, the cache branch of the process it lives on, and handles for
// talking to other components.
//
// A context is valid only for the duration of the Apply (or simple action)
// call it was passed to.
type ActionContext struct {
	el *element
}

// Box returns the instance's local state.
func (c *ActionContext) Box() *databox.Box { return c.el.box }

// Inboxes returns the instance's inboxes.
func (c *ActionContext) Inboxes() *databox.Inboxes { return c.el.inboxes }

// Cache returns the GlobalCache branch of the hosting process.
func (c *ActionContext) Cache() *cache.GlobalCache { return c.el.cache }

// Index returns the instance's index within its component.
func (c *ActionContext) Index() ir.ElementIndex { return c.el.index }

// Proc returns the process hosting the instance.
func (c *ActionContext) Proc() int { return c.el.currentProc() }

// Node returns the node hosting the instance.
func (c *ActionContext) Node() int { return c.el.rt.topology.NodeOf(c.el.currentProc()) }

// Phase returns the phase the instance is executing.
func (c *ActionContext) Phase() ir.Phase { return c.el.phase }

// Component returns the name of the instance's component.
func (c *ActionContext) Component() string { return c.el.comp.Name() }

// Self returns a proxy addressing this instance.
func (c *ActionContext) Self() ElementProxy {
	return ElementProxy{comp: c.el.comp, index: c.el.index}
}

// Logger returns a logger annotated with the instance's identity.
func (c *ActionContext) Logger() *slog.Logger { return c.el.logger }

// Runtime returns the runtime the instance belongs to.
func (c *ActionContext) Runtime() *Runtime { return c.el.rt }

// ParallelComponent returns the proxy for the named component, read from the
// proxy set broadcast into the cache.
func (c *ActionContext) ParallelComponent(name string) *ComponentProxy {
	p, ok := c.el.cache.ParallelComponent(name).(*ComponentProxy)
	if !ok {
		panic(ir.Fatalf(ir.ErrCodeTagType, "parallel component %q is not a component proxy", name))
	}
	return p
}

// PerformAlgorithmCallback returns a cache callback that re-enters this
// instance's action loop. Actions pass it to MutableCacheItemIsReady before
// pausing.
func (c *ActionContext) PerformAlgorithmCallback() cache.Callback {
	self := c.Self()
	return cache.CallbackFunc(func() { PerformAlgorithm(self) })
}

// SimpleActionCallback returns a cache callback that runs fn on this
// instance as a simple action.
func (c *ActionContext) SimpleActionCallback(fn func(*ActionContext) error) cache.Callback {
	self := c.Self()
	return cache.CallbackFunc(func() { SimpleAction(self, fn) })
}
