package testutil

import (
	"sync"
	"time"
)

// Base is the wall time deterministic tests start from. Everything
// derived from it (stamps, golden traces) is reproducible run to run.
var Base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// FixedTime always returns Base. Install with engine.WithTimeFunc when
// a test wants every record stamped identically.
func FixedTime() time.Time {
	return Base
}

// DeterministicClock is a wall clock for tests: it starts at Base and
// advances by a fixed step on every reading, so successive records get
// distinct but reproducible stamps.
//
// Unlike time.Now, the clock can be Reset, which lets one scenario run
// repeatedly with byte-identical traces.
//
// Thread-safety: all methods are safe for concurrent use.
type DeterministicClock struct {
	mu   sync.Mutex
	base time.Time
	step time.Duration
	n    int64
}

// NewDeterministicClock creates a clock starting at Base that advances
// one second per reading.
func NewDeterministicClock() *DeterministicClock {
	return NewDeterministicClockAt(Base, time.Second)
}

// NewDeterministicClockAt creates a clock with a custom start and step.
func NewDeterministicClockAt(base time.Time, step time.Duration) *DeterministicClock {
	return &DeterministicClock{base: base, step: step}
}

// Now returns the current reading and advances the clock. The first
// call returns the base time unchanged.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.base.Add(time.Duration(c.n) * c.step)
	c.n++
	return t
}

// Peek returns what the next Now would report without advancing.
func (c *DeterministicClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base.Add(time.Duration(c.n) * c.step)
}

// Reset rewinds the clock to its base time.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
