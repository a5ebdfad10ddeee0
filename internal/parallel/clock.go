package parallel

import "sync/atomic"

// Clock stamps every message the runtime sends with a strictly increasing
// sequence number. The numbers appear in debug logs and let a test assert
// the relative order of two sends from the same sender.
//
// Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that continues from start. A restarted run
// resumes from the sequence number recorded in its checkpoint.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
