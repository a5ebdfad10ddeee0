package testutil

import (
	"sync"
	"time"
)

// ManualClock is a wallclock for tests that only moves when told to.
//
// Now returns the current reading and then advances it by the step, so a
// run that reads the clock once per phase sees elapsed time grow by exactly
// step per phase.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewManualClock creates a clock reading start that does not step.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current reading, then adds the step.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SetStep sets how far each call to Now moves the clock.
func (c *ManualClock) SetStep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = d
}

// FixedRunID hands out the same run id every time.
//
// The same scenario with the same FixedRunID produces byte-identical
// traces and checkpoint metadata.
type FixedRunID struct {
	id string
}

// NewFixedRunID creates the generator. An empty id becomes "test-run".
func NewFixedRunID(id string) *FixedRunID {
	if id == "" {
		id = "test-run"
	}
	return &FixedRunID{id: id}
}

// Generate returns the fixed id. It never fails.
func (g *FixedRunID) Generate() (string, error) {
	return g.id, nil
}
