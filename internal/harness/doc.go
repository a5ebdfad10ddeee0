// Package harness runs conformance scenarios against executables.
//
// A scenario names an executable from a catalog, the topology and input
// options to run it with, and assertions about the phases the run walks
// through. The harness runs it to Exit, optionally restarts it from the last
// checkpoint it wrote, and records a trace of every phase entered and every
// checkpoint written.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: ring_load_balancing
//	description: "The ring visits LoadBalancing and returns to Evolve"
//	executable: ring
//	topology:
//	  nodes: 1
//	  procs_per_node: 2
//	options:
//	  Steps: 4
//	  PhaseOrder: [Initialization, Evolve, WriteCheckpoint, Cleanup, Exit]
//	restart_from_checkpoint: true
//	assertions:
//	  - type: phase_order
//	    phases: [Evolve, LoadBalancing, Evolve]
//	  - type: phase_visits
//	    phase: LoadBalancing
//	    count: 1
//	  - type: exit_reached
//	  - type: checkpoints_written
//	    count: 1
//
// Unknown fields are rejected so that typos fail loudly.
//
// # Assertion Types
//
//   - phase_order: the phases appear in the trace in this order, not
//     necessarily next to each other
//   - phase_visits: the phase is entered exactly count times
//   - exit_reached: the last run ends in Exit, and Exit ends every run
//     that reaches it
//   - checkpoints_written: exactly count checkpoints are written
//   - output_contains: the printed output contains text
//
// A scenario that sets expect_error passes only if the run aborts with that
// fatal error code; its assertions are checked against the trace up to the
// abort.
//
// # Deterministic Testing
//
// Every run reads a manual clock fixed at Epoch and gets its run id from
// the scenario (default "test-run"), so a trace and the printed output are
// identical across executions. RunWithGolden compares the trace with
// testdata/golden/<name>.golden in canonical JSON.
package harness
