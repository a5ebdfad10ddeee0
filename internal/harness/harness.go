package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/orchestrator"
	"github.com/roach88/phaserun/internal/testutil"
)

// Epoch is the wallclock reading of every scenario run.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness runs one scenario. Each run of the scenario gets its own output
// buffer; the runs share the checkpoint root.
type Harness struct {
	scenario *Scenario
	catalog  orchestrator.Catalog
	root     string
	logger   *slog.Logger
	result   *Result
	output   bytes.Buffer
}

// Run executes a test scenario and returns the result.
//
// Each scenario writes its checkpoints under a fresh temporary directory,
// removed when Run returns. Execution flow:
//  1. Run the executable from its input options until Exit or a fatal error
//  2. If restart_from_checkpoint is set, restore from the last checkpoint
//     written and run again until Exit
//  3. Evaluate the assertions against the recorded trace
//
// Run returns an error only when the scenario cannot be executed at all,
// or when a run fails with an error the scenario does not expect.
func Run(ctx context.Context, scenario *Scenario, catalog orchestrator.Catalog) (*Result, error) {
	root, err := os.MkdirTemp("", "phaserun-scenario-")
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint root: %w", err)
	}
	defer os.RemoveAll(root)

	h := &Harness{
		scenario: scenario,
		catalog:  catalog,
		root:     root,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		result:   NewResult(),
	}
	if err := h.execute(ctx); err != nil {
		return nil, err
	}
	h.result.Output = h.output.String()

	evaluateAssertions(scenario.Assertions, h.result)
	return h.result, nil
}

func (h *Harness) settings() orchestrator.Settings {
	return orchestrator.Settings{
		Topology:       h.scenario.Topology,
		CheckpointRoot: h.root,
		Output:         &h.output,
		Logger:         h.logger.With("scenario", h.scenario.Name),
		Now:            testutil.NewManualClock(Epoch).Now,
		NewRunID:       testutil.NewFixedRunID(h.scenario.RunID).Generate,
	}
}

func (h *Harness) execute(ctx context.Context) error {
	exe, err := h.catalog.Lookup(h.scenario.Executable)
	if err != nil {
		return err
	}
	m, err := orchestrator.New(ctx, exe, h.scenario.Options, h.settings())
	if err != nil {
		return h.fail(1, err)
	}
	runErr := m.Run(ctx)
	h.record(1, m, 0)
	if runErr != nil {
		return h.fail(1, runErr)
	}
	if h.scenario.ExpectError != "" {
		h.result.AddError(fmt.Sprintf("expected fatal error %s, but the run reached Exit", h.scenario.ExpectError))
		return nil
	}
	if !h.scenario.RestartFromCheckpoint {
		return nil
	}

	written := m.CheckpointsWritten()
	if len(written) == 0 {
		h.result.AddError("restart_from_checkpoint is set, but the run wrote no checkpoint")
		return nil
	}
	dir := written[len(written)-1]
	h.result.addRestart(2, filepath.Base(dir))

	// The restarted run needs a fresh instance: executables carry state
	// across phases in their components.
	exe, err = h.catalog.Lookup(h.scenario.Executable)
	if err != nil {
		return err
	}
	restarted, err := orchestrator.Restore(ctx, exe, dir, h.settings())
	if err != nil {
		return fmt.Errorf("restore from %s: %w", filepath.Base(dir), err)
	}
	skip := len(restarted.VisitedPhases())
	if err := restarted.Run(ctx); err != nil {
		return fmt.Errorf("restarted run: %w", err)
	}
	h.record(2, restarted, skip)
	return nil
}

// record appends the phases m entered after the first skip to the trace,
// each WriteCheckpoint followed by the checkpoint it wrote.
func (h *Harness) record(run int, m *orchestrator.Main, skip int) {
	written := m.CheckpointsWritten()
	next := 0
	for _, p := range m.VisitedPhases()[skip:] {
		h.result.addPhase(run, p)
		if p == ir.PhaseWriteCheckpoint && next < len(written) {
			h.result.addCheckpoint(run, filepath.Base(written[next]))
			next++
		}
	}
}

// fail records err when the scenario expects its code, and returns it
// otherwise.
func (h *Harness) fail(run int, err error) error {
	code, ok := ir.FatalCode(err)
	if !ok || h.scenario.ExpectError == "" || code != h.scenario.ExpectError {
		return fmt.Errorf("run %d: %w", run, err)
	}
	h.logger.Debug("run aborted as expected", "scenario", h.scenario.Name, "code", code)
	h.result.addFatal(run, code)
	return nil
}
