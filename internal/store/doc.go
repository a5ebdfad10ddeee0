// Package store provides SQLite-backed checkpoint files.
//
// A checkpoint directory holds one checkpoint.db with:
//   - checkpoint_meta: orchestrator state, topology, packed resource info
//     and the manifest digest (exactly one row)
//   - components: registered components in creation order
//   - elements: one packed snapshot per component instance
//   - cache_entries: every cache branch, const and mutable
//   - decision_data: Main's phase-change accumulator
//
// # Integrity
//
// WriteCheckpoint computes a digest over the whole checkpoint (metadata plus
// SHA-256 of every blob) with ir.ManifestDigest and stores it alongside.
// ReadCheckpoint recomputes it and fails with CHECKPOINT_CORRUPT on any
// mismatch, so a truncated or hand-edited file is never restored.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Rows are always read back in a fixed order (component position, then
// index; proc, then tag; name), so the digest and restored runs do not
// depend on SQLite's physical row order.
package store
