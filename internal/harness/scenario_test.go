package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/phaserun/internal/config"
	"github.com/roach88/phaserun/internal/ir"
)

func TestParseScenario_Full(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: restart
description: "restarts"
executable: ring
topology:
  nodes: 2
  procs_per_node: 3
options:
  Steps: 6
  PhaseOrder: [Initialization, Evolve, WriteCheckpoint, Cleanup, Exit]
run_id: fixed
restart_from_checkpoint: true
assertions:
  - type: phase_order
    phases: [Evolve, WriteCheckpoint]
  - type: phase_visits
    phase: LoadBalancing
    count: 2
  - type: exit_reached
  - type: checkpoints_written
    count: 1
  - type: output_contains
    text: "checksum"
`))
	require.NoError(t, err)

	assert.Equal(t, "restart", s.Name)
	assert.Equal(t, "ring", s.Executable)
	assert.Equal(t, ir.Topology{Nodes: 2, ProcsPerNode: 3}, s.Topology)
	assert.Equal(t, 6, s.Options["Steps"])
	assert.Equal(t, []any{"Initialization", "Evolve", "WriteCheckpoint", "Cleanup", "Exit"}, s.Options["PhaseOrder"])
	assert.Equal(t, "fixed", s.RunID)
	assert.True(t, s.RestartFromCheckpoint)
	require.Len(t, s.Assertions, 5)
	assert.Equal(t, Assertion{Type: AssertPhaseVisits, Phase: "LoadBalancing", Count: 2}, s.Assertions[1])
}

func TestParseScenario_Defaults(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: minimal
description: "minimal"
executable: reduction
assertions:
  - type: exit_reached
`))
	require.NoError(t, err)

	assert.Equal(t, ir.Topology{Nodes: 1, ProcsPerNode: 1}, s.Topology)
	assert.Equal(t, config.Options{}, s.Options)
	assert.Empty(t, s.RunID)
	assert.Empty(t, s.ExpectError)
}

func TestParseScenario_ExpectError(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: abort
description: "aborts"
executable: ring
expect_error: PHASE_ORDER
assertions:
  - type: phase_visits
    phase: Exit
    count: 0
`))
	require.NoError(t, err)
	assert.Equal(t, ir.ErrCodePhaseOrder, s.ExpectError)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "name: a\ndescription: b\nexecutable: c\nflow_token: x\nassertions: [{type: exit_reached}]\n",
			want: "flow_token",
		},
		{
			name: "missing name",
			yaml: "description: b\nexecutable: c\nassertions: [{type: exit_reached}]\n",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: a\nexecutable: c\nassertions: [{type: exit_reached}]\n",
			want: "description is required",
		},
		{
			name: "missing executable",
			yaml: "name: a\ndescription: b\nassertions: [{type: exit_reached}]\n",
			want: "executable is required",
		},
		{
			name: "no assertions",
			yaml: "name: a\ndescription: b\nexecutable: c\n",
			want: "assertions list is required",
		},
		{
			name: "bad topology",
			yaml: "name: a\ndescription: b\nexecutable: c\ntopology: {nodes: 0, procs_per_node: 2}\nassertions: [{type: exit_reached}]\n",
			want: "topology",
		},
		{
			name: "restart with expected error",
			yaml: "name: a\ndescription: b\nexecutable: c\nrestart_from_checkpoint: true\nexpect_error: PHASE_ORDER\nassertions: [{type: exit_reached}]\n",
			want: "cannot be combined",
		},
		{
			name: "unknown assertion",
			yaml: "name: a\ndescription: b\nexecutable: c\nassertions: [{type: trace_contains}]\n",
			want: `unknown assertion type "trace_contains"`,
		},
		{
			name: "unknown phase",
			yaml: "name: a\ndescription: b\nexecutable: c\nassertions: [{type: phase_order, phases: [Evolve, Teardown]}]\n",
			want: "assertions[0]",
		},
		{
			name: "phase_order without phases",
			yaml: "name: a\ndescription: b\nexecutable: c\nassertions: [{type: phase_order}]\n",
			want: "phases list is required",
		},
		{
			name: "negative count",
			yaml: "name: a\ndescription: b\nexecutable: c\nassertions: [{type: checkpoints_written, count: -1}]\n",
			want: "count must be non-negative",
		},
		{
			name: "output_contains without text",
			yaml: "name: a\ndescription: b\nexecutable: c\nassertions: [{type: output_contains}]\n",
			want: "text is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: a\ndescription: b\nexecutable: ring\nassertions: [{type: exit_reached}]\n"), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "a", s.Name)

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		s, err := LoadScenario(path)
		require.NoError(t, err, path)
		assert.Equal(t, filepath.Base(path), s.Name+".yaml", "scenario name matches its file")
	}
}
