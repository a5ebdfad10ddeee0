package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/orchestrator"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string
	Executable   string
	Topology     ir.Topology
	Trace        []TraceEvent
}

// NewTraceSnapshot builds the snapshot of a scenario's result.
func NewTraceSnapshot(scenario *Scenario, result *Result) TraceSnapshot {
	return TraceSnapshot{
		ScenarioName: scenario.Name,
		Executable:   scenario.Executable,
		Topology:     scenario.Topology,
		Trace:        result.Trace,
	}
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"type": event.Type,
			"run":  event.Run,
		}
		if event.Phase != 0 {
			eventMap["phase"] = event.Phase
		}
		if event.Checkpoint != "" {
			eventMap["checkpoint"] = event.Checkpoint
		}
		if event.Code != "" {
			eventMap["code"] = string(event.Code)
		}
		traceList[i] = eventMap
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"executable":    s.Executable,
		"topology":      s.Topology.String(),
		"trace":         traceList,
	}
}

// Bytes renders the snapshot as canonical JSON.
func (s *TraceSnapshot) Bytes() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check Pass and Errors, or an error if
// the scenario could not be executed. Test failure (via goldie) occurs if
// the trace doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, catalog orchestrator.Catalog) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, catalog)
	if err != nil {
		return nil, err
	}
	snapshot := NewTraceSnapshot(scenario, result)
	if err := AssertGolden(t, &snapshot); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares a snapshot against testdata/golden/<name>.golden.
// This is useful when you've already run a scenario and want to compare
// the result without re-running.
func AssertGolden(t *testing.T, snapshot *TraceSnapshot) error {
	t.Helper()

	traceJSON, err := snapshot.Bytes()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, snapshot.ScenarioName, traceJSON)
	return nil
}
