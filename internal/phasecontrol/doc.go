// Package phasecontrol lets a running component steer Main away from the
// default phase order.
//
// Elements contribute to decision data with Contribute (usually through the
// RequestPhaseChange action), which is a reduction addressed to Main. When
// the current phase reaches quiescence Main runs its arbiters over the
// decision data: the first one that answers chooses the next phase. If
// nobody answers but something was contributed, Main re-enters the current
// phase so the halted component resumes.
//
// Decision data is part of every checkpoint.
package phasecontrol
