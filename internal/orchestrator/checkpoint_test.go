package orchestrator

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/phaserun/internal/config"
	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/phasecontrol"
	"github.com/roach88/phaserun/internal/store"
	"github.com/roach88/phaserun/internal/testutil"
)

var checkpointOrder = ir.PhaseOrder{
	ir.PhaseInitialization, ir.PhaseEvolve, ir.PhaseWriteCheckpoint, ir.PhaseCleanup, ir.PhaseExit,
}

// runToCheckpoint runs the counter executable once through a
// WriteCheckpoint phase and returns the checkpoint directory.
func runToCheckpoint(t *testing.T, root string) (string, *recorder) {
	t.Helper()
	rec := &recorder{}
	m, err := New(context.Background(), counterExecutable(rec, counterOptions{order: checkpointOrder}),
		config.Options{}, testSettings(root, io.Discard))
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background()))

	written := m.CheckpointsWritten()
	require.Len(t, written, 1)
	return written[0], rec
}

func TestCheckpointDirName(t *testing.T) {
	assert.Equal(t, "SpectreCheckpoint000000", CheckpointDirName(0))
	assert.Equal(t, "SpectreCheckpoint000042", CheckpointDirName(42))
}

func TestCheckFutureCheckpointDirs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, CheckFutureCheckpointDirs(fs, "/missing", 0))

	require.NoError(t, fs.MkdirAll("/ckpt/SpectreCheckpoint000001", 0o755))
	require.NoError(t, fs.MkdirAll("/ckpt/SpectreCheckpoint42", 0o755))
	require.NoError(t, fs.MkdirAll("/ckpt/other", 0o755))

	requireFatal(t, CheckFutureCheckpointDirs(fs, "/ckpt", 0), ir.ErrCodeCheckpointCollision)
	requireFatal(t, CheckFutureCheckpointDirs(fs, "/ckpt", 1), ir.ErrCodeCheckpointCollision)
	assert.NoError(t, CheckFutureCheckpointDirs(fs, "/ckpt", 2))
}

func TestNew_RefusesToOverwriteCheckpoints(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/ckpt/SpectreCheckpoint000000", 0o755))
	settings := testSettings("/ckpt", io.Discard)
	settings.Fs = fs

	_, err := New(context.Background(), counterExecutable(&recorder{}, counterOptions{order: checkpointOrder}),
		config.Options{}, settings)
	requireFatal(t, err, ir.ErrCodeCheckpointCollision)
}

func TestWriteCheckpoint_RecordsTheRun(t *testing.T) {
	root := t.TempDir()
	dir, _ := runToCheckpoint(t, root)
	assert.Equal(t, filepath.Join(root, "SpectreCheckpoint000000"), dir)

	cp, err := ReadCheckpoint(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "run-1", cp.Meta.RunID)
	assert.Equal(t, "counter", cp.Meta.Executable)
	assert.Equal(t, ir.PhaseWriteCheckpoint, cp.Meta.Phase)
	assert.Equal(t, 1, cp.Meta.Counter)
	assert.Equal(t, ir.Topology{Nodes: 1, ProcsPerNode: 2}, cp.Meta.Topology)
	assert.Equal(t, []ir.Phase{ir.PhaseInitialization, ir.PhaseEvolve, ir.PhaseWriteCheckpoint}, cp.Meta.VisitedPhases)
	assert.Positive(t, cp.Meta.Seq)
	assert.NotEmpty(t, cp.Meta.Digest)

	assert.Equal(t, []store.ComponentRecord{
		{Name: "Counter", Kind: ir.KindArray},
		{Name: "Tally", Kind: ir.KindSingleton},
	}, cp.Components)
	require.Len(t, cp.Elements, 5)
	for _, e := range cp.Elements {
		assert.Equal(t, ir.PhaseWriteCheckpoint, e.Phase, "%s[%d]", e.Component, e.Index)
	}

	var procs []int
	for _, c := range cp.Cache {
		if c.Tag == PhaseOrderTag {
			procs = append(procs, c.Proc)
			assert.False(t, c.Mutable)
		}
	}
	assert.Equal(t, []int{0, 1}, procs, "every branch carries the phase order")
}

func TestRestore_ResumesAfterTheCheckpoint(t *testing.T) {
	root := t.TempDir()
	dir, first := runToCheckpoint(t, root)

	rec := &recorder{}
	var out bytes.Buffer
	m, err := Restore(context.Background(), counterExecutable(rec, counterOptions{order: checkpointOrder}),
		dir, testSettings(root, &out))
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, first.sorted(), rec.sorted(), "restored instances report the counts they were saved with")
	assert.Equal(t, []string{"Counter[0]=4", "Counter[1]=4", "Counter[2]=4", "Counter[3]=4", "Tally[0]=0"}, rec.sorted())
	assert.Equal(t, []ir.Phase{
		ir.PhaseInitialization, ir.PhaseEvolve, ir.PhaseWriteCheckpoint, ir.PhaseCleanup, ir.PhaseExit,
	}, m.VisitedPhases())
	assert.Equal(t, "Entering phase: Cleanup\nEntering phase: Exit\n"+exitSummary(), out.String())
	assert.Equal(t, "run-1", m.RunID())
}

func TestRestore_TopologyMustMatch(t *testing.T) {
	root := t.TempDir()
	dir, _ := runToCheckpoint(t, root)

	settings := testSettings(root, io.Discard)
	settings.Topology = ir.Topology{Nodes: 2, ProcsPerNode: 1}
	_, err := Restore(context.Background(), counterExecutable(&recorder{}, counterOptions{order: checkpointOrder}),
		dir, settings)
	requireFatal(t, err, ir.ErrCodeTopologyMismatch)
}

func TestRestore_RefusesWhenLaterCheckpointsExist(t *testing.T) {
	root := t.TempDir()
	dir, _ := runToCheckpoint(t, root)
	require.NoError(t, afero.NewOsFs().MkdirAll(filepath.Join(root, CheckpointDirName(1)), 0o755))

	_, err := Restore(context.Background(), counterExecutable(&recorder{}, counterOptions{order: checkpointOrder}),
		dir, testSettings(root, io.Discard))
	requireFatal(t, err, ir.ErrCodeCheckpointCollision)
}

func TestRestore_OtherExecutableIsUserError(t *testing.T) {
	root := t.TempDir()
	dir, _ := runToCheckpoint(t, root)

	exe := counterExecutable(&recorder{}, counterOptions{order: checkpointOrder})
	exe.Name = "impostor"
	_, err := Restore(context.Background(), exe, dir, testSettings(root, io.Discard))
	require.Error(t, err)
	assert.True(t, ir.IsUserError(err))
}

func TestRestore_MissingCheckpointIsUserError(t *testing.T) {
	_, err := Restore(context.Background(), counterExecutable(&recorder{}, counterOptions{order: checkpointOrder}),
		t.TempDir(), testSettings(t.TempDir(), io.Discard))
	require.Error(t, err)
	assert.True(t, ir.IsUserError(err))
}

func TestRun_CheckpointAndExitAfterWallclock(t *testing.T) {
	root := t.TempDir()
	order := ir.PhaseOrder{ir.PhaseInitialization, ir.PhaseEvolve, ir.PhaseCleanup, ir.PhaseExit}

	clock := testutil.NewManualClock(epoch)
	first := &recorder{}
	settings := testSettings(root, io.Discard)
	settings.Now = clock.Now
	m, err := New(context.Background(), counterExecutable(first, counterOptions{
		order:     order,
		arbiters:  []phasecontrol.Arbiter{phasecontrol.NewCheckpointAndExitAfterWallclock(time.Hour)},
		onAdvance: func() { clock.Advance(time.Hour) },
	}), config.Options{}, settings)
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, []ir.Phase{
		ir.PhaseInitialization, ir.PhaseEvolve, ir.PhaseWriteCheckpoint, ir.PhaseExit,
	}, m.VisitedPhases())
	assert.Empty(t, first.sorted(), "Cleanup never ran")
	written := m.CheckpointsWritten()
	require.Len(t, written, 1)

	// The restarted run goes back to Evolve instead of exiting.
	second := &recorder{}
	m, err = Restore(context.Background(), counterExecutable(second, counterOptions{
		order:    order,
		arbiters: []phasecontrol.Arbiter{phasecontrol.NewCheckpointAndExitAfterWallclock(time.Hour)},
	}), written[0], testSettings(root, io.Discard))
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, []ir.Phase{
		ir.PhaseInitialization, ir.PhaseEvolve, ir.PhaseWriteCheckpoint,
		ir.PhaseEvolve, ir.PhaseCleanup, ir.PhaseExit,
	}, m.VisitedPhases())
	assert.Equal(t, []string{"Counter[0]=5", "Counter[1]=5", "Counter[2]=5", "Counter[3]=5", "Tally[0]=0"}, second.sorted())
}
