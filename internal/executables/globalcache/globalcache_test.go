package globalcache

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/phaserun/internal/cache"
	"github.com/roach88/phaserun/internal/config"
	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/orchestrator"
	"github.com/roach88/phaserun/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func run(t *testing.T, opts config.Options, topo ir.Topology) (*orchestrator.Main, string) {
	t.Helper()
	var out bytes.Buffer
	m, err := orchestrator.New(context.Background(), New(), opts, orchestrator.Settings{
		Topology:       topo,
		CheckpointRoot: t.TempDir(),
		Output:         &out,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:            testutil.NewManualClock(time.Unix(0, 0).UTC()).Now,
		NewRunID:       testutil.NewFixedRunID("").Generate,
	})
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background()))
	return m, out.String()
}

func TestGlobalCache_MutationsReachEveryBranch(t *testing.T) {
	m, out := run(t, config.Options{}, ir.Topology{Nodes: 2, ProcsPerNode: 2})

	assert.Equal(t, []ir.Phase{ir.PhaseInitialization, ir.PhaseTesting, ir.PhaseExit}, m.VisitedPhases())
	assert.Contains(t, out, "Weight seen by 4 elements: 160\n")
	assert.Contains(t, out, "Email addresses on the Mutator's branch: 4\n")
	assert.Contains(t, out, "Procs counted by the group: 4\n")
	assert.Contains(t, out, "Procs counted by the nodegroup: 4\n")

	for _, c := range m.Runtime().Caches() {
		assert.Equal(t, 160, cache.Get(c, weightTag), "proc %d", c.MyProc())
		assert.Equal(t, uint64(1), c.Generation(weightTag.Name()), "proc %d", c.MyProc())
		assert.Equal(t, 0, c.Mutable().PendingCallbacks(weightTag.Name()), "proc %d", c.MyProc())

		emails := slices.Clone(cache.Get(c, emailTag))
		slices.Sort(emails)
		assert.Equal(t, []string{
			"nobody.0@example.com", "nobody.1@example.com", "nobody.2@example.com", "nobody.3@example.com",
		}, emails, "proc %d", c.MyProc())
	}
}

func TestGlobalCache_OptionsSeedTheCache(t *testing.T) {
	m, out := run(t, config.Options{
		"Name":             "Alice",
		"Weight":           70,
		"WeightGain":       5,
		"EmailAddresses":   []any{"admin@example.com"},
		"NumberOfElements": 3,
	}, ir.Topology{Nodes: 1, ProcsPerNode: 3})

	assert.Contains(t, out, "Weight seen by 3 elements: 75\n")
	assert.Contains(t, out, "Procs counted by the group: 3\n")
	assert.Contains(t, out, "Procs counted by the nodegroup: 3\n")

	c := m.Runtime().Cache(0)
	assert.Equal(t, "Alice", cache.Get(c, nameTag))
	emails := slices.Clone(cache.Get(c, emailTag))
	slices.Sort(emails)
	assert.Equal(t, []string{
		"admin@example.com", "alice.0@example.com", "alice.1@example.com", "alice.2@example.com",
	}, emails)
}

func TestGlobalCache_SchemaRejectsBadOptions(t *testing.T) {
	for name, opts := range map[string]config.Options{
		"zero gain":  {"WeightGain": 0},
		"empty name": {"Name": ""},
		"wrong type": {"Weight": "heavy"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := orchestrator.New(context.Background(), New(), opts, orchestrator.Settings{
				Topology:       ir.Topology{Nodes: 1, ProcsPerNode: 1},
				CheckpointRoot: t.TempDir(),
				Output:         io.Discard,
				Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
			})
			require.Error(t, err)
			assert.True(t, ir.IsUserError(err), "%v", err)
		})
	}
}
