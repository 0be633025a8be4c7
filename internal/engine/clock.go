package engine

import "sync/atomic"

// Clock is the monotonic logical clock that assigns sequence numbers to
// log records, independent of wall-clock skew. A restarted engine
// resumes from the stored log's last position.
//
// The clock alone guarantees unique, increasing draws. Seq order equals
// append order only because every draw happens inside the engine's
// append critical section; a seq drawn outside it could append after a
// higher one.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0; the first Next is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock positioned at start, so the next draw is
// start+1. Restore uses it to continue past the stored log.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next draws the next sequence number. Draws are atomic; two appends
// can never share a seq.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current reports the last drawn sequence number without drawing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
