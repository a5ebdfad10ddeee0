package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: reduction_one_proc
description: "reductions on one proc"
executable: reduction
assertions:
  - type: phase_order
    phases: [Initialization, Testing, Cleanup, Exit]
  - type: exit_reached
`

const failingScenario = `name: ring_no_lb
description: "expects a LoadBalancing visit that is turned off"
executable: ring
options:
  LoadBalanceEvery: 0
assertions:
  - type: phase_visits
    phase: LoadBalancing
    count: 1
`

func scenarioDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestTestCommand_UpdateThenCompare(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"reduction_one_proc.yaml": passingScenario})

	out, _, err := execute(t, "test", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ reduction_one_proc (golden updated)")

	golden, err := os.ReadFile(filepath.Join(dir, "golden", "reduction_one_proc.golden"))
	require.NoError(t, err)
	assert.Equal(t, `{"executable":"reduction","scenario_name":"reduction_one_proc","topology":"1x1","trace":[`+
		`{"phase":"Initialization","run":1,"type":"phase"},{"phase":"Testing","run":1,"type":"phase"},`+
		`{"phase":"Cleanup","run":1,"type":"phase"},{"phase":"Exit","run":1,"type":"phase"}]}`, string(golden))

	out, _, err = execute(t, "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ reduction_one_proc\n")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTestCommand_GoldenMismatch(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"reduction_one_proc.yaml": passingScenario})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "golden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "reduction_one_proc.golden"), []byte(`{}`), 0o644))

	out, _, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommand_FailedAssertions(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"reduction_one_proc.yaml": passingScenario,
		"ring_no_lb.yaml":         failingScenario,
	})

	out, _, err := execute(t, "test", dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
	require.Len(t, resp.Data.Scenarios, 2)
	assert.Equal(t, "reduction_one_proc", resp.Data.Scenarios[0].Name)
	assert.Equal(t, "ring_no_lb", resp.Data.Scenarios[1].Name)
	assert.False(t, resp.Data.Scenarios[1].Pass)
}

func TestTestCommand_Filter(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"reduction_one_proc.yaml": passingScenario,
		"ring_no_lb.yaml":         failingScenario,
	})

	out, _, err := execute(t, "test", dir, "--filter", "reduction_*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommand_LoadError(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"broken.yaml": "name: broken\n"})

	out, _, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommand_NoScenarios(t *testing.T) {
	out, _, err := execute(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommand_MissingDir(t *testing.T) {
	_, _, err := execute(t, "test", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
