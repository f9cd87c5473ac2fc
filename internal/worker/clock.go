package worker

import "sync/atomic"

// Clock is a monotonic logical clock. Every handled stimulus and every
// transition is stamped with a strictly increasing seq number, so the
// story log has a total order independent of wall-clock time and replay
// reproduces it exactly.
//
// Thread-safety: safe for concurrent use, though the single-writer run
// loop means one goroutine normally calls Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0. The first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock starting at a specific sequence number.
// Used by replay to resume from the last logged position.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
