// Package orchestrator implements Main: the single coordinator that starts
// a run, walks it through its phases and writes and restores checkpoints.
//
// A fresh run is created with New and a restarted one with Restore; both
// are driven by Run. Main constructs the cache branches, places singletons
// and allocates arrays, then starts the Initialization phase. Each time the
// run reaches quiescence Main asks the phase-change arbiters for an
// override, falls back to the executable's phase order, and enters the
// chosen phase on every component. The LoadBalancing and WriteCheckpoint
// phases do their work once their own actions are quiescent. Entering Exit
// prints the exit summary and stops the runtime.
//
// Checkpoints are SQLite databases in numbered SpectreCheckpointNNNNNN
// directories under the checkpoint root. A run refuses to start if it could
// overwrite one.
package orchestrator
