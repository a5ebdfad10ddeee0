package ring

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/phaserun/internal/config"
	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/orchestrator"
	"github.com/roach88/phaserun/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func settings(root string, topo ir.Topology, out io.Writer) orchestrator.Settings {
	return orchestrator.Settings{
		Topology:       topo,
		CheckpointRoot: root,
		Output:         out,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:            testutil.NewManualClock(epoch).Now,
		NewRunID:       testutil.NewFixedRunID("ring-run").Generate,
	}
}

func run(t *testing.T, opts config.Options, topo ir.Topology) (*orchestrator.Main, string) {
	t.Helper()
	var out bytes.Buffer
	m, err := orchestrator.New(context.Background(), New(), opts, settings(t.TempDir(), topo, &out))
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background()))
	return m, out.String()
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, 30, Checksum(5, 0))
	assert.Equal(t, 20, Checksum(5, 4))
	assert.Equal(t, Checksum(5, 0), Checksum(5, 5), "a full rotation restores the ring")
}

func TestRing_VisitsLoadBalancingMidEvolve(t *testing.T) {
	m, out := run(t, config.Options{}, ir.Topology{Nodes: 1, ProcsPerNode: 2})

	assert.Equal(t, []ir.Phase{
		ir.PhaseInitialization, ir.PhaseEvolve, ir.PhaseLoadBalancing,
		ir.PhaseEvolve, ir.PhaseCleanup, ir.PhaseExit,
	}, m.VisitedPhases())
	assert.Equal(t, "Entering phase: Evolve\n"+
		"Entering phase: LoadBalancing\n"+
		"Entering phase: Evolve\n"+
		"Entering phase: Cleanup\n"+
		"Ring of 5 elements after 4 steps: checksum 20\n"+
		"Entering phase: Exit\n"+
		"\nDone!\nWall time: 0s\nDate and time at completion: "+epoch.Format(time.RFC1123)+"\n",
		out)
}

func TestRing_LoadBalancingCanBeTurnedOff(t *testing.T) {
	m, _ := run(t, config.Options{"LoadBalanceEvery": 0}, ir.Topology{Nodes: 1, ProcsPerNode: 2})

	assert.Equal(t, []ir.Phase{
		ir.PhaseInitialization, ir.PhaseEvolve, ir.PhaseCleanup, ir.PhaseExit,
	}, m.VisitedPhases())
}

func TestRing_EveryVisitReturnsToEvolve(t *testing.T) {
	m, out := run(t, config.Options{"Steps": 7, "LoadBalanceEvery": 3, "NumberOfElements": 6},
		ir.Topology{Nodes: 2, ProcsPerNode: 2})

	assert.Equal(t, []ir.Phase{
		ir.PhaseInitialization,
		ir.PhaseEvolve, ir.PhaseLoadBalancing,
		ir.PhaseEvolve, ir.PhaseLoadBalancing,
		ir.PhaseEvolve, ir.PhaseCleanup, ir.PhaseExit,
	}, m.VisitedPhases())
	assert.Contains(t, out, fmt.Sprintf("Ring of 6 elements after 7 steps: checksum %d\n", Checksum(6, 7)))
}

func TestRing_RejectsTinyRing(t *testing.T) {
	_, err := orchestrator.New(context.Background(), New(), config.Options{"NumberOfElements": 1},
		settings(t.TempDir(), ir.Topology{Nodes: 1, ProcsPerNode: 1}, io.Discard))
	require.Error(t, err)
	assert.True(t, ir.IsUserError(err))
}

func TestRing_RestartsFromCheckpoint(t *testing.T) {
	root := t.TempDir()
	topo := ir.Topology{Nodes: 1, ProcsPerNode: 3}
	opts := config.Options{"PhaseOrder": []any{"Initialization", "Evolve", "WriteCheckpoint", "Cleanup", "Exit"}}

	first, err := orchestrator.New(context.Background(), New(), opts, settings(root, topo, io.Discard))
	require.NoError(t, err)
	require.NoError(t, first.Run(context.Background()))
	written := first.CheckpointsWritten()
	require.Len(t, written, 1)

	var out bytes.Buffer
	m, err := orchestrator.Restore(context.Background(), New(), written[0], settings(root, topo, &out))
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, []ir.Phase{
		ir.PhaseInitialization, ir.PhaseEvolve, ir.PhaseLoadBalancing, ir.PhaseEvolve,
		ir.PhaseWriteCheckpoint, ir.PhaseCleanup, ir.PhaseExit,
	}, m.VisitedPhases())
	assert.Contains(t, out.String(), "Entering phase: Cleanup\nRing of 5 elements after 4 steps: checksum 20\n")
	assert.Equal(t, "ring-run", m.RunID())
}
