// Package ir provides the foundational types shared by every phaserun package.
//
// This package contains value types only: phases and phase orders, component
// kinds, the process topology, the error taxonomy, and the canonical JSON
// encoding used for checkpoint manifests and harness traces. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Phases are ordered per executable by a PhaseOrder, never by enum value
//   - Fatal errors carry a stack; user errors never do
//   - Canonical JSON forbids floats, so manifests hash identically everywhere
package ir
