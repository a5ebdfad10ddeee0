// Package parallel is the distributed-object runtime: parallel components,
// their instances, the phase-driven action engine and reductions.
//
// A component is a singleton, an array, a group (one instance per process)
// or a nodegroup (one instance per node). Every instance owns a Box of local
// state, a set of Inboxes and a cursor into the action list of the current
// phase. Instances communicate only by asynchronous messages:
//
//   - ReceiveData deposits a payload into an inbox and may resume the loop
//   - SimpleAction runs a one-off function against the instance's state
//   - PerformAlgorithm resumes a paused instance
//   - StartPhase begins a phase at its first action
//
// Each instance processes one message at a time, in arrival order per
// sender. An action either continues, pauses until the next message, or
// jumps to a Label. Nothing blocks inside an action.
//
// Main drives phases from outside: it starts a phase on every component and
// waits for quiescence, the point at which no message is queued or running
// anywhere, before choosing the next one.
package parallel
