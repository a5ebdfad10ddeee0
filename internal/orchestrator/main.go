package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/phaserun/internal/cache"
	"github.com/roach88/phaserun/internal/config"
	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/parallel"
	"github.com/roach88/phaserun/internal/phasecontrol"
	"github.com/roach88/phaserun/internal/pup"
	"github.com/roach88/phaserun/internal/resource"
	"github.com/roach88/phaserun/internal/tracing/traceattrs"
)

const tracerName = "github.com/roach88/phaserun/internal/orchestrator"

// Main drives a run through its phases.
//
// Everything Main does after Run is called happens on the runtime's Main
// loop: one phase transition at a time, each triggered by quiescence.
type Main struct {
	exe      *Executable
	settings Settings
	logger   *slog.Logger
	out      io.Writer
	tracer   trace.Tracer

	registry  *parallel.Registry
	rt        *parallel.Runtime
	resources *resource.Info
	decisions *phasecontrol.DecisionData
	order     ir.PhaseOrder
	runID     string
	boot      func()

	// Owned by the Main loop.
	items     map[string]map[string]any
	start     time.Time
	counter   int
	runCtx    context.Context
	runSpan   trace.Span
	phaseCtx  context.Context
	phaseSpan trace.Span

	mu      sync.Mutex
	current ir.Phase
	visited []ir.Phase
	written []string
}

func newMain(exe *Executable, settings Settings) (*Main, error) {
	settings = settings.withDefaults()
	if err := settings.Topology.Validate(); err != nil {
		return nil, err
	}
	if err := exe.DefaultPhaseOrder.Validate(); err != nil {
		return nil, err
	}
	reg, err := exe.Registry()
	if err != nil {
		return nil, err
	}
	tags := append(phasecontrol.TagsOf(exe.Arbiters...), exe.PhaseChangeTags...)
	decisions, err := phasecontrol.NewDecisionData(tags...)
	if err != nil {
		return nil, err
	}
	return &Main{
		exe:       exe,
		settings:  settings,
		logger:    settings.Logger.With("executable", exe.Name),
		out:       settings.Output,
		tracer:    settings.TracerProvider.Tracer(tracerName),
		registry:  reg,
		decisions: decisions,
	}, nil
}

// New prepares a fresh run of exe from the input options: the cache
// branches, the singleton map and every component proxy. Group and
// nodegroup instances exist when New returns; singletons and array
// elements are created by Run.
//
// New fails with CHECKPOINT_COLLISION when checkpoint directories the run
// would write already exist.
func New(ctx context.Context, exe *Executable, opts config.Options, settings Settings) (*Main, error) {
	m, err := newMain(exe, settings)
	if err != nil {
		return nil, err
	}
	if err := exe.Validate(opts); err != nil {
		return nil, err
	}
	if err := CheckFutureCheckpointDirs(m.settings.Fs, m.settings.CheckpointRoot, 0); err != nil {
		return nil, err
	}
	if m.runID, err = m.settings.NewRunID(); err != nil {
		return nil, err
	}

	mutableValues, err := config.CreateAll(opts, exe.mutableOptions())
	if err != nil {
		return nil, err
	}
	constValues, err := config.CreateAll(opts, exe.constOptions())
	if err != nil {
		return nil, err
	}
	m.order = constValues[PhaseOrderTag].(ir.PhaseOrder)

	topo := m.settings.Topology
	caches := make([]*cache.GlobalCache, topo.NumberOfProcs())
	for p := range caches {
		values, err := pup.CopyMap(mutableValues)
		if err != nil {
			return nil, err
		}
		mutable := cache.NewMutableCache(p, values)
		if caches[p], err = cache.New(topo, p, constValues, mutable); err != nil {
			return nil, err
		}
	}

	resOpts := resource.Options{}
	if exe.UsesResourceInfo {
		v, err := config.CreateAll(opts, []config.Option{resourceInfoOption()})
		if err != nil {
			return nil, err
		}
		resOpts = v[ResourceInfoOption].(resource.Options)
	}
	m.resources = resource.New(resOpts)
	if err := m.resources.BuildSingletonMap(caches[0], m.registry.Singletons()); err != nil {
		return nil, err
	}

	m.items = make(map[string]map[string]any)
	for _, spec := range m.registry.Components() {
		items, err := config.CreateAll(opts, spec.InitializationTags)
		if err != nil {
			return nil, err
		}
		m.items[spec.Name] = items
	}

	if err := m.startRuntime(ctx, caches, 0); err != nil {
		return nil, err
	}
	for _, spec := range m.registry.Components() {
		if _, err := m.rt.CreateComponent(spec, m.items[spec.Name]); err != nil {
			m.stop()
			return nil, err
		}
	}
	m.boot = m.startup
	return m, nil
}

func (m *Main) startRuntime(ctx context.Context, caches []*cache.GlobalCache, seq int64) error {
	rt, err := parallel.NewRuntime(ctx, parallel.Config{
		Topology:         m.settings.Topology,
		Caches:           caches,
		Registry:         m.registry,
		Logger:           m.logger,
		MaxStepsPerPhase: m.exe.MaxStepsPerPhase,
		StartSeq:         seq,
	})
	if err != nil {
		return err
	}
	rt.HandleMainReductions(m.handleReduction)
	m.rt = rt
	return nil
}

// stop tears down a runtime that will never run.
func (m *Main) stop() {
	m.rt.Shutdown()
	_ = m.rt.Wait()
}

// Run executes the run until Exit or the first fatal error and returns
// that error. It may be called once.
func (m *Main) Run(ctx context.Context) error {
	attrs := append(traceattrs.Topology(m.settings.Topology.Nodes, m.settings.Topology.ProcsPerNode),
		traceattrs.Executable(m.exe.Name), traceattrs.RunID(m.runID))
	m.runCtx, m.runSpan = m.tracer.Start(ctx, "run", trace.WithAttributes(attrs...))
	m.start = m.settings.Now()
	m.rt.Post(m.boot)

	err := m.rt.Wait()
	if m.phaseSpan != nil {
		m.phaseSpan.End()
	}
	if err != nil {
		m.runSpan.RecordError(err)
		m.runSpan.SetStatus(codes.Error, err.Error())
	}
	m.runSpan.End()
	return err
}

// Runtime returns the runtime hosting the run's components.
func (m *Main) Runtime() *parallel.Runtime { return m.rt }

// RunID identifies the run. A restarted run keeps the id it was written
// with.
func (m *Main) RunID() string { return m.runID }

// Phase returns the current phase.
func (m *Main) Phase() ir.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// VisitedPhases returns every phase entered so far, in order. A restarted
// run starts with the phases of the run that wrote its checkpoint.
func (m *Main) VisitedPhases() []ir.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ir.Phase(nil), m.visited...)
}

// CheckpointsWritten returns the checkpoint directories this process wrote.
func (m *Main) CheckpointsWritten() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.written...)
}

func (m *Main) elapsed() time.Duration {
	return m.settings.Now().Sub(m.start)
}

// must aborts the run from the Main loop.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

func (m *Main) startup() {
	m.enter(ir.PhaseInitialization, "order")
	m.rt.BroadcastParallelComponents(m.allocateAndInitialize)
}

func (m *Main) allocateAndInitialize() {
	ignore := m.resources.IgnoreSet()
	for _, p := range m.rt.Components() {
		items := m.items[p.Name()]
		switch p.Kind() {
		case ir.KindSingleton:
			must(m.rt.PlaceSingleton(p, m.resources.ProcFor(p.Name()), items))
		case ir.KindArray:
			must(p.Spec().Allocator.Allocate(p, items, ignore))
		}
	}
	m.items = nil
	m.logger.Debug("components allocated", "elements", m.rt.ElementCount())

	for _, p := range m.rt.Components() {
		p.StartPhase(ir.PhaseInitialization)
	}
	m.rt.StartQuiescenceDetection(m.executeNextPhase)
}

// executeNextPhase moves to the next phase. It runs each time the current
// phase reaches quiescence.
func (m *Main) executeNextPhase() {
	current := m.Phase()
	if current == ir.PhaseExit {
		panic(ir.Fatalf(ir.ErrCodeInvalidState, "current phase is Exit, but the run did not exit"))
	}
	m.logger.Debug("phase quiescent", "phase", current,
		"completions", m.rt.PhaseCompletions(current), "elements", m.rt.ElementCount())

	next, source := m.nextPhase(current)
	m.enter(next, source)
	fmt.Fprintf(m.out, "Entering phase: %s\n", next)

	if next == ir.PhaseExit {
		m.printExitInfo()
		m.phaseSpan.End()
		m.phaseSpan = nil
		m.rt.Shutdown()
		return
	}
	for _, p := range m.rt.Components() {
		p.ExecuteNextPhase(next)
	}
	switch next {
	case ir.PhaseLoadBalancing:
		m.rt.StartQuiescenceDetection(m.startLoadBalance)
	case ir.PhaseWriteCheckpoint:
		m.rt.StartQuiescenceDetection(m.startWriteCheckpoint)
	default:
		m.rt.StartQuiescenceDetection(m.executeNextPhase)
	}
}

// nextPhase asks the arbiters first. Without an override, a pending
// contribution re-enters the current phase so halted components resume;
// otherwise the phase order decides.
func (m *Main) nextPhase(current ir.Phase) (ir.Phase, string) {
	next, overridden := phasecontrol.Arbitrate(current, m.decisions, m.elapsed(), m.exe.Arbiters...)
	pending := m.decisions.TakePending()
	switch {
	case overridden:
		return next, "arbiter"
	case pending:
		return current, "resume"
	}
	next, err := m.order.Next(current)
	must(err)
	return next, "order"
}

func (m *Main) enter(phase ir.Phase, source string) {
	if m.phaseSpan != nil {
		m.phaseSpan.End()
	}
	m.phaseCtx, m.phaseSpan = m.tracer.Start(m.runCtx, "phase "+phase.String(),
		trace.WithAttributes(traceattrs.Phase(phase.String()), traceattrs.PhaseSource(source)))

	m.mu.Lock()
	m.current = phase
	m.visited = append(m.visited, phase)
	m.mu.Unlock()
	m.logger.Info("entering phase", "phase", phase, "source", source, "elapsed", m.elapsed())
}

func (m *Main) printExitInfo() {
	fmt.Fprintf(m.out, "\nDone!\nWall time: %s\nDate and time at completion: %s\n",
		m.elapsed().Round(time.Millisecond), m.settings.Now().Format(time.RFC1123))
}

func (m *Main) startLoadBalance() {
	_, span := m.tracer.Start(m.phaseCtx, "load balancing")
	defer span.End()
	lb := m.exe.LoadBalancer
	if lb == nil {
		lb = parallel.GreedyBalancer{}
	}
	n := m.rt.Rebalance(lb, m.resources.IgnoreSet())
	span.SetAttributes(traceattrs.Migrations(n))
	m.rt.StartQuiescenceDetection(m.executeNextPhase)
}

func (m *Main) handleReduction(target parallel.ReductionTarget, values parallel.Values) error {
	if ok, err := m.decisions.HandleReduction(target, values); ok {
		return err
	}
	if m.exe.MainReduction != nil {
		return m.exe.MainReduction(m.out, target, values)
	}
	return target.Apply(nil, values)
}
