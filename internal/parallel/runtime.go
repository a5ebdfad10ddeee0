package parallel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/phaserun/internal/cache"
	"github.com/roach88/phaserun/internal/ir"
)

var errShutdown = errors.New("runtime shut down")

// Config configures a Runtime.
type Config struct {
	// Topology is the node and process shape of the run.
	Topology ir.Topology

	// Caches holds one GlobalCache branch per process, indexed by process.
	Caches []*cache.GlobalCache

	// Registry declares every component.
	Registry *Registry

	// Logger receives runtime logs. Defaults to slog.Default().
	Logger *slog.Logger

	// MaxStepsPerPhase bounds the actions one instance may apply in one
	// phase. Zero means unlimited.
	MaxStepsPerPhase int

	// StartSeq continues message numbering after a restart.
	StartSeq int64
}

// Runtime hosts every component instance of a run and Main's message queue.
//
// Each instance is a goroutine draining its own mailbox, so one instance
// never runs two handlers at once while different instances run in
// parallel. Main is a goroutine of its own; functions passed to Post run
// there one at a time.
type Runtime struct {
	topology ir.Topology
	caches   []*cache.GlobalCache
	registry *Registry
	logger   *slog.Logger
	maxSteps int
	clock    *Clock

	ctx    context.Context
	cancel context.CancelCauseFunc
	group  *errgroup.Group
	gctx   context.Context

	main    *mailbox[func()]
	qd      quiescence
	reducer *reducer

	mu         sync.RWMutex
	components map[string]*ComponentProxy
	order      []string

	mainMu      sync.Mutex
	mainHandler func(target ReductionTarget, values Values) error

	errMu   sync.Mutex
	errs    *multierror.Error
	aborted atomic.Bool

	progressMu sync.Mutex
	completed  map[ir.Phase]int
}

// NewRuntime validates cfg and starts Main's loop. The runtime stops when
// ctx is cancelled, when Shutdown is called, or when any handler fails.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	if err := cfg.Topology.Validate(); err != nil {
		return nil, err
	}
	if cfg.Registry == nil {
		return nil, ir.Fatalf(ir.ErrCodeRegistration, "runtime needs a registry")
	}
	if len(cfg.Caches) != cfg.Topology.NumberOfProcs() {
		return nil, ir.Fatalf(ir.ErrCodeNullBackingStore,
			"runtime given %d cache branches for %d procs", len(cfg.Caches), cfg.Topology.NumberOfProcs())
	}
	for i, c := range cfg.Caches {
		if c == nil || c.MyProc() != i {
			return nil, ir.Fatalf(ir.ErrCodeNullBackingStore, "cache branch %d is missing or belongs to another proc", i)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	group, gctx := errgroup.WithContext(runCtx)
	rt := &Runtime{
		topology:   cfg.Topology,
		caches:     cfg.Caches,
		registry:   cfg.Registry,
		logger:     logger,
		maxSteps:   cfg.MaxStepsPerPhase,
		clock:      NewClockAt(cfg.StartSeq),
		ctx:        runCtx,
		cancel:     cancel,
		group:      group,
		gctx:       gctx,
		main:       newMailbox[func()](),
		components: make(map[string]*ComponentProxy),
		completed:  make(map[ir.Phase]int),
	}
	rt.reducer = newReducer(rt)
	group.Go(func() error { return rt.runMain(gctx) })
	return rt, nil
}

// Topology returns the run's shape.
func (rt *Runtime) Topology() ir.Topology { return rt.topology }

// Registry returns the component declarations.
func (rt *Runtime) Registry() *Registry { return rt.registry }

// Cache returns the cache branch of proc.
func (rt *Runtime) Cache(proc int) *cache.GlobalCache { return rt.caches[proc] }

func (rt *Runtime) hasProc(proc int) bool {
	return proc >= 0 && proc < rt.topology.NumberOfProcs()
}

// Caches returns every cache branch.
func (rt *Runtime) Caches() []*cache.GlobalCache { return rt.caches }

// Logger returns the runtime logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.logger }

// Seq returns the last issued message sequence number.
func (rt *Runtime) Seq() int64 { return rt.clock.Current() }

func (rt *Runtime) runMain(ctx context.Context) error {
	for {
		if fn, ok := rt.main.TryDequeue(); ok {
			err := rt.runMainFunc(fn)
			rt.qd.done()
			if err != nil {
				rt.Abort(err)
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-rt.main.Wait():
			if !ok {
				return nil
			}
		}
	}
}

func (rt *Runtime) runMainFunc(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ir.AsFatal(r)
		}
	}()
	fn()
	return nil
}

// Post queues fn to run on Main.
func (rt *Runtime) Post(fn func()) {
	rt.qd.begin()
	if !rt.main.Enqueue(fn) {
		rt.qd.done()
	}
}

func (rt *Runtime) send(e *element, msg message) {
	msg.seq = rt.clock.Next()
	rt.qd.begin()
	if !e.mailbox.Enqueue(msg) {
		rt.qd.done()
	}
}

func (rt *Runtime) spawn(e *element) {
	rt.group.Go(func() error { return e.run(rt.gctx) })
}

// StartQuiescenceDetection runs cb on Main once no message is queued or
// being processed anywhere.
func (rt *Runtime) StartQuiescenceDetection(cb func()) {
	rt.qd.detect(func() { rt.Post(cb) })
}

// InFlight returns the number of messages sent but not yet processed.
func (rt *Runtime) InFlight() int64 {
	return rt.qd.pending()
}

// Abort records err and stops the run. Every error passed to Abort is
// reported by Wait.
func (rt *Runtime) Abort(err error) {
	if err == nil {
		return
	}
	rt.errMu.Lock()
	rt.errs = multierror.Append(rt.errs, err)
	rt.errMu.Unlock()
	if rt.aborted.CompareAndSwap(false, true) {
		rt.logger.Error("run aborted", "error", err)
	}
	rt.cancel(err)
}

// Shutdown stops the run cleanly.
func (rt *Runtime) Shutdown() {
	rt.cancel(errShutdown)
	rt.main.Close()
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, name := range rt.order {
		for _, e := range rt.components[name].all() {
			e.mailbox.Close()
		}
	}
}

// Done is closed when the run stops for any reason.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.ctx.Done()
}

// Wait blocks until every goroutine of the run has exited and returns the
// errors that aborted it, if any. A single error is returned as is.
func (rt *Runtime) Wait() error {
	_ = rt.group.Wait()
	rt.errMu.Lock()
	defer rt.errMu.Unlock()
	if rt.errs != nil {
		if len(rt.errs.Errors) == 1 {
			return rt.errs.Errors[0]
		}
		return rt.errs.ErrorOrNil()
	}
	if cause := context.Cause(rt.ctx); cause != nil && !errors.Is(cause, errShutdown) {
		return cause
	}
	return nil
}

// CreateComponent creates the proxy for spec. Groups get one instance per
// process, nodegroups one per node on the node's first process. Arrays and
// singletons start empty and are filled by their allocator or by
// PlaceSingleton.
func (rt *Runtime) CreateComponent(spec *ComponentSpec, items map[string]any) (*ComponentProxy, error) {
	proxy, err := rt.RestoreComponent(spec)
	if err != nil {
		return nil, err
	}
	switch spec.Kind {
	case ir.KindGroup:
		for p := 0; p < rt.topology.NumberOfProcs(); p++ {
			if err := proxy.insert(ir.ElementIndex(p), p, items); err != nil {
				return nil, err
			}
		}
		proxy.DoneInserting()
	case ir.KindNodeGroup:
		for n := 0; n < rt.topology.Nodes; n++ {
			if err := proxy.insert(ir.ElementIndex(n), rt.topology.FirstProcOnNode(n), items); err != nil {
				return nil, err
			}
		}
		proxy.DoneInserting()
	}
	return proxy, nil
}

// RestoreComponent creates an empty proxy for spec whatever its kind. A
// restart fills it with ComponentProxy.Restore and then DoneInserting.
func (rt *Runtime) RestoreComponent(spec *ComponentSpec) (*ComponentProxy, error) {
	if _, ok := rt.registry.Component(spec.Name); !ok {
		return nil, ir.Fatalf(ir.ErrCodeRegistration, "component %q was never registered", spec.Name)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, dup := rt.components[spec.Name]; dup {
		return nil, ir.Fatalf(ir.ErrCodeRegistration, "component %q created twice", spec.Name)
	}
	proxy := newComponentProxy(rt, spec)
	rt.components[spec.Name] = proxy
	rt.order = append(rt.order, spec.Name)
	return proxy, nil
}

// PlaceSingleton creates the only instance of a singleton component on proc.
func (rt *Runtime) PlaceSingleton(proxy *ComponentProxy, proc int, items map[string]any) error {
	if proxy.Kind() != ir.KindSingleton {
		return ir.Fatalf(ir.ErrCodeInvalidState, "%q is not a singleton", proxy.Name())
	}
	if err := proxy.insert(0, proc, items); err != nil {
		return err
	}
	proxy.DoneInserting()
	return nil
}

// Component returns the proxy named name.
func (rt *Runtime) Component(name string) (*ComponentProxy, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	p, ok := rt.components[name]
	return p, ok
}

// Components returns every proxy in creation order.
func (rt *Runtime) Components() []*ComponentProxy {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*ComponentProxy, len(rt.order))
	for i, name := range rt.order {
		out[i] = rt.components[name]
	}
	return out
}

// BroadcastParallelComponents stores the proxy set in every cache branch and
// then posts done to Main.
func (rt *Runtime) BroadcastParallelComponents(done func()) {
	set := make(map[string]any)
	for _, p := range rt.Components() {
		set[p.Name()] = p
	}
	for _, c := range rt.caches {
		c.SetParallelComponents(set)
	}
	rt.Post(done)
}

// MainDestination returns the destination for reductions addressed to Main.
func (rt *Runtime) MainDestination() Destination {
	return mainDestination{rt: rt}
}

// HandleMainReductions installs the handler for reductions addressed to
// Main. Without one, the target itself is applied with a nil context.
func (rt *Runtime) HandleMainReductions(fn func(target ReductionTarget, values Values) error) {
	rt.mainMu.Lock()
	defer rt.mainMu.Unlock()
	rt.mainHandler = fn
}

func (rt *Runtime) deliverToMain(target ReductionTarget, values Values) error {
	rt.mainMu.Lock()
	fn := rt.mainHandler
	rt.mainMu.Unlock()
	if fn != nil {
		return fn(target, values)
	}
	return target.Apply(nil, values)
}

func (rt *Runtime) notePhaseComplete(phase ir.Phase) {
	rt.progressMu.Lock()
	defer rt.progressMu.Unlock()
	rt.completed[phase]++
}

// PhaseCompletions returns how many times any instance has finished phase.
func (rt *Runtime) PhaseCompletions(phase ir.Phase) int {
	rt.progressMu.Lock()
	defer rt.progressMu.Unlock()
	return rt.completed[phase]
}

// ElementCount returns the number of instances across all components.
func (rt *Runtime) ElementCount() int {
	n := 0
	for _, p := range rt.Components() {
		n += p.Len()
	}
	return n
}
