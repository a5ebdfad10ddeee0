package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/phaserun/internal/cache"
	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/parallel"
	"github.com/roach88/phaserun/internal/pup"
	"github.com/roach88/phaserun/internal/resource"
	"github.com/roach88/phaserun/internal/store"
	"github.com/roach88/phaserun/internal/tracing/traceattrs"
)

// CheckpointPrefix starts every checkpoint directory name. The counter
// follows, zero-padded to six digits.
const CheckpointPrefix = "SpectreCheckpoint"

var checkpointDirPattern = regexp.MustCompile(`^` + CheckpointPrefix + `[0-9]{6}$`)

// CheckpointDirName returns the directory name for checkpoint counter.
func CheckpointDirName(counter int) string {
	return fmt.Sprintf("%s%06d", CheckpointPrefix, counter)
}

// CheckFutureCheckpointDirs fails with CHECKPOINT_COLLISION if root holds a
// checkpoint directory the run could still write, that is one at or after
// counter. A missing root holds nothing.
func CheckFutureCheckpointDirs(fs afero.Fs, root string, counter int) error {
	entries, err := afero.ReadDir(fs, root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list checkpoint root %s: %w", root, err)
	}
	next := CheckpointDirName(counter)
	for _, e := range entries {
		if checkpointDirPattern.MatchString(e.Name()) && e.Name() >= next {
			return ir.Fatalf(ir.ErrCodeCheckpointCollision,
				"found checkpoints that may be overwritten: dirs from %s onward must not exist in %s", next, root)
		}
	}
	return nil
}

// checkpointDir returns the directory the next checkpoint goes to.
func (m *Main) checkpointDir() (string, error) {
	name := CheckpointDirName(m.counter)
	path := filepath.Join(m.settings.CheckpointRoot, name)
	exists, err := afero.Exists(m.settings.Fs, path)
	if err != nil {
		return "", fmt.Errorf("check checkpoint dir %s: %w", path, err)
	}
	if exists {
		return "", ir.Fatalf(ir.ErrCodeCheckpointCollision, "can't write checkpoint: dir %s already exists", path)
	}
	return path, nil
}

func (m *Main) startWriteCheckpoint() {
	dir, err := m.checkpointDir()
	must(err)
	snapshots := m.rt.CollectSnapshots()
	m.rt.StartQuiescenceDetection(func() { m.writeCheckpoint(dir, snapshots) })
}

func (m *Main) writeCheckpoint(dir string, snapshots *parallel.SnapshotCollector) {
	ctx, span := m.tracer.Start(m.phaseCtx, "write checkpoint",
		trace.WithAttributes(traceattrs.CheckpointDir(dir)))
	defer span.End()
	fail := func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			panic(err)
		}
	}

	elements, err := snapshots.Results()
	fail(err)
	cp, err := m.buildCheckpoint(elements)
	fail(err)
	m.counter++
	cp.Meta.Counter = m.counter

	fail(m.settings.Fs.MkdirAll(dir, 0o755))
	digest, err := writeCheckpointFile(ctx, filepath.Join(dir, store.FileName), cp)
	fail(err)
	span.SetAttributes(traceattrs.CheckpointDigest(digest), traceattrs.Elements(len(elements)))

	m.mu.Lock()
	m.written = append(m.written, dir)
	m.mu.Unlock()
	m.logger.Info("checkpoint written", "dir", dir, "digest", digest, "elements", len(elements))

	m.executeNextPhase()
}

func writeCheckpointFile(ctx context.Context, path string, cp *store.Checkpoint) (string, error) {
	s, err := store.Open(path)
	if err != nil {
		return "", err
	}
	defer s.Close()
	return s.WriteCheckpoint(ctx, cp)
}

func (m *Main) buildCheckpoint(elements []parallel.ElementSnapshot) (*store.Checkpoint, error) {
	cp := &store.Checkpoint{
		Meta: store.Meta{
			RunID:         m.runID,
			Executable:    m.exe.Name,
			Phase:         m.Phase(),
			Topology:      m.settings.Topology,
			Seq:           m.rt.Seq(),
			VisitedPhases: m.VisitedPhases(),
		},
	}
	var err error
	if cp.ResourceInfo, err = pup.Pack(m.resources.State()); err != nil {
		return nil, fmt.Errorf("pack resource info: %w", err)
	}
	for _, p := range m.rt.Components() {
		cp.Components = append(cp.Components, store.ComponentRecord{Name: p.Name(), Kind: p.Kind()})
	}
	for _, s := range elements {
		cp.Elements = append(cp.Elements, store.ElementRecord{
			Component: s.Component,
			Index:     s.Index,
			Proc:      s.Proc,
			Phase:     s.Phase,
			State:     s.State.String(),
			Cursor:    s.Cursor,
			Action:    s.Action,
			Box:       s.Box,
			Inboxes:   s.Inboxes,
		})
	}
	for proc, c := range m.rt.Caches() {
		entries, err := c.Snapshot()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			cp.Cache = append(cp.Cache, store.CacheRecord{
				Proc: proc, Tag: e.Tag, Mutable: e.Mutable, Generation: e.Generation, Value: e.Value,
			})
		}
	}
	decisions, err := m.decisions.Pack()
	if err != nil {
		return nil, err
	}
	for name, v := range decisions {
		cp.Decisions = append(cp.Decisions, store.DecisionRecord{Name: name, Value: v})
	}
	return cp, nil
}

// ReadCheckpoint opens the checkpoint in dir and verifies its digest.
func ReadCheckpoint(ctx context.Context, dir string) (*store.Checkpoint, error) {
	path := filepath.Join(dir, store.FileName)
	if _, err := os.Stat(path); err != nil {
		return nil, ir.UserErrorf("no checkpoint in %s: %v", dir, err)
	}
	s, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.ReadCheckpoint(ctx)
}

// Restore prepares a run that continues from the checkpoint in dir. The
// topology must be the one the checkpoint was written with. Run resumes
// with the phase that follows the checkpointed one.
func Restore(ctx context.Context, exe *Executable, dir string, settings Settings) (*Main, error) {
	m, err := newMain(exe, settings)
	if err != nil {
		return nil, err
	}
	cp, err := ReadCheckpoint(ctx, dir)
	if err != nil {
		return nil, err
	}
	meta := cp.Meta
	if meta.Executable != exe.Name {
		return nil, ir.UserErrorf("checkpoint %s was written by %s, not %s", dir, meta.Executable, exe.Name)
	}
	topo := m.settings.Topology
	if meta.Topology != topo {
		return nil, ir.Fatalf(ir.ErrCodeTopologyMismatch,
			"must restart on the topology the checkpoint was written with: written with %d nodes, %d procs; restarted with %d nodes, %d procs",
			meta.Topology.Nodes, meta.Topology.NumberOfProcs(), topo.Nodes, topo.NumberOfProcs())
	}
	if err := CheckFutureCheckpointDirs(m.settings.Fs, m.settings.CheckpointRoot, meta.Counter); err != nil {
		return nil, err
	}
	m.runID = meta.RunID
	m.counter = meta.Counter
	m.current = meta.Phase
	m.visited = slices.Clone(meta.VisitedPhases)

	caches, err := restoreCaches(topo, cp.Cache)
	if err != nil {
		return nil, err
	}
	m.order, err = restoredPhaseOrder(caches[0])
	if err != nil {
		return nil, err
	}
	var state resource.State
	if err := pup.Unpack(cp.ResourceInfo, &state); err != nil {
		return nil, ir.WrapFatal(ir.ErrCodeCheckpointCorrupt, err, "resource info")
	}
	if m.resources, err = resource.FromState(state, caches[0]); err != nil {
		return nil, err
	}
	decisions := make(map[string][]byte, len(cp.Decisions))
	for _, d := range cp.Decisions {
		decisions[d.Name] = d.Value
	}
	if err := m.decisions.Restore(decisions); err != nil {
		return nil, err
	}
	if err := checkComponents(m.registry, cp.Components); err != nil {
		return nil, err
	}

	if err := m.startRuntime(ctx, caches, meta.Seq); err != nil {
		return nil, err
	}
	if err := m.restoreComponents(cp.Elements); err != nil {
		m.stop()
		return nil, err
	}
	m.boot = func() {
		m.logger.Info("restarting from checkpoint", "dir", dir, "phase", meta.Phase, "digest", meta.Digest)
		m.runSpan.SetAttributes(traceattrs.CheckpointDir(dir), traceattrs.CheckpointDigest(meta.Digest))
		m.rt.BroadcastParallelComponents(m.executeNextPhase)
	}
	return m, nil
}

func restoreCaches(topo ir.Topology, records []store.CacheRecord) ([]*cache.GlobalCache, error) {
	entries := make([][]cache.Entry, topo.NumberOfProcs())
	for _, r := range records {
		if r.Proc < 0 || r.Proc >= len(entries) {
			return nil, ir.Fatalf(ir.ErrCodeCheckpointCorrupt, "cache entry %q belongs to proc %d", r.Tag, r.Proc)
		}
		entries[r.Proc] = append(entries[r.Proc], cache.Entry{
			Tag: r.Tag, Mutable: r.Mutable, Generation: r.Generation, Value: r.Value,
		})
	}
	caches := make([]*cache.GlobalCache, len(entries))
	for p := range caches {
		c, err := cache.Restore(topo, p, entries[p])
		if err != nil {
			return nil, err
		}
		caches[p] = c
	}
	return caches, nil
}

func restoredPhaseOrder(c *cache.GlobalCache) (order ir.PhaseOrder, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ir.WrapFatal(ir.ErrCodeCheckpointCorrupt, ir.AsFatal(r), "phase order")
		}
	}()
	order = cache.Get(c, cache.NewTag[ir.PhaseOrder](PhaseOrderTag))
	return order, order.Validate()
}

// checkComponents requires the checkpoint to hold exactly the executable's
// components, with the same kinds.
func checkComponents(reg *parallel.Registry, records []store.ComponentRecord) error {
	specs := reg.Components()
	if len(specs) != len(records) {
		return ir.Fatalf(ir.ErrCodeCheckpointCorrupt,
			"checkpoint holds %d components, the executable declares %d", len(records), len(specs))
	}
	for _, r := range records {
		spec, ok := reg.Component(r.Name)
		if !ok {
			return ir.Fatalf(ir.ErrCodeCheckpointCorrupt, "checkpoint holds unknown component %q", r.Name)
		}
		if spec.Kind != r.Kind {
			return ir.Fatalf(ir.ErrCodeCheckpointCorrupt,
				"component %q was checkpointed as %s but is declared %s", r.Name, r.Kind, spec.Kind)
		}
	}
	return nil
}

func (m *Main) restoreComponents(records []store.ElementRecord) error {
	proxies := make(map[string]*parallel.ComponentProxy)
	for _, spec := range m.registry.Components() {
		p, err := m.rt.RestoreComponent(spec)
		if err != nil {
			return err
		}
		proxies[spec.Name] = p
	}
	for _, r := range records {
		state, err := parallel.ParseElementState(r.State)
		if err != nil {
			return ir.WrapFatal(ir.ErrCodeCheckpointCorrupt, err, "%s[%d]", r.Component, r.Index)
		}
		p, ok := proxies[r.Component]
		if !ok {
			return ir.Fatalf(ir.ErrCodeCheckpointCorrupt, "element of unknown component %q", r.Component)
		}
		err = p.Restore(parallel.ElementSnapshot{
			Component: r.Component,
			Index:     r.Index,
			Proc:      r.Proc,
			Phase:     r.Phase,
			State:     state,
			Cursor:    r.Cursor,
			Action:    r.Action,
			Box:       r.Box,
			Inboxes:   r.Inboxes,
		})
		if err != nil {
			return err
		}
	}
	for _, p := range proxies {
		p.DoneInserting()
	}
	return nil
}
