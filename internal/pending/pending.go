// Package pending implements the pending-request table: one entry per
// in-flight external request, suspended until a correlated respond action
// resolves it or its timeout elapses.
//
// The table is the at-most-once boundary. Its four transitions (create,
// resolve, timeout, delete-after-observation) run under one mutex, so a
// resolve racing a timeout (or a duplicate resolve) is settled by whoever
// flips the entry out of Waiting first; everyone else gets a no-op error
// to log. Waiting is a channel close raced against the entry's timer and
// the caller's context, never a lock held across the suspension.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weftworks/weft/internal/value"
)

// Status is a pending request's lifecycle state.
type Status int

const (
	// StatusWaiting is the initial state: no resolution yet.
	StatusWaiting Status = iota
	// StatusResolved is terminal: a respond action supplied the payload.
	StatusResolved
	// StatusTimedOut is terminal: the timeout elapsed first.
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusResolved:
		return "resolved"
	case StatusTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrUnknownRequest reports an id with no table entry: never created, or
// already observed and released.
var ErrUnknownRequest = errors.New("unknown request id")

// ErrAlreadyResolved reports a duplicate resolution attempt. The first
// resolution's payload is untouched; callers log and move on.
var ErrAlreadyResolved = errors.New("request already resolved")

// TimeoutError is the typed transport-level failure a waiter receives
// when nothing resolved its request. It is distinguishable from any
// business-level error payload, which would arrive as a normal
// resolution.
type TimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.RequestID, e.Timeout)
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

type entry struct {
	id      string
	created time.Time
	status  Status
	payload value.Object
	done    chan struct{}
	timer   *time.Timer
}

// Table tracks pending requests. Safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Table.
type Option func(*Table)

// WithNowFunc overrides the time source, for deterministic created
// stamps in tests.
func WithNowFunc(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// NewTable creates a table whose requests time out after the given
// duration.
func NewTable(timeout time.Duration, opts ...Option) *Table {
	t := &Table{
		entries: make(map[string]*entry),
		timeout: timeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Timeout returns the configured per-request timeout.
func (t *Table) Timeout() time.Duration {
	return t.timeout
}

// Create registers a new Waiting entry and starts its timeout timer.
// The id must be fresh; reusing a live id is an error.
func (t *Table) Create(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[id]; exists {
		return fmt.Errorf("request id %q already pending", id)
	}

	e := &entry{
		id:      id,
		created: t.now(),
		status:  StatusWaiting,
		done:    make(chan struct{}),
	}
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(id) })
	t.entries[id] = e
	return nil
}

// Resolve delivers the payload to a Waiting entry. The first resolution
// wins; any later attempt returns ErrAlreadyResolved (or
// ErrUnknownRequest once the waiter has observed and released the entry)
// and leaves the winning payload untouched.
func (t *Table) Resolve(id string, payload value.Object) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("resolve %q: %w", id, ErrUnknownRequest)
	}
	if e.status != StatusWaiting {
		return fmt.Errorf("resolve %q (state %s): %w", id, e.status, ErrAlreadyResolved)
	}

	e.status = StatusResolved
	e.payload = payload
	e.timer.Stop()
	close(e.done)
	return nil
}

// expire flips a still-Waiting entry to TimedOut. Losing the race to
// Resolve is the normal case and a no-op.
func (t *Table) expire(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.status != StatusWaiting {
		return
	}
	e.status = StatusTimedOut
	close(e.done)
}

// Await suspends until the entry leaves Waiting, then observes the
// terminal state and releases the entry. Resolved returns the payload;
// TimedOut returns a *TimeoutError. A canceled context abandons and
// releases the entry.
//
// Each request has exactly one waiter.
func (t *Table) Await(ctx context.Context, id string) (value.Object, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("await %q: %w", id, ErrUnknownRequest)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		t.release(id)
		return nil, ctx.Err()
	}

	t.mu.Lock()
	status, payload := e.status, e.payload
	delete(t.entries, id)
	t.mu.Unlock()

	if status == StatusTimedOut {
		return nil, &TimeoutError{RequestID: id, Timeout: t.timeout}
	}
	return payload, nil
}

// release removes an entry without observation (abandoned waiter).
func (t *Table) release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.timer.Stop()
		delete(t.entries, id)
	}
}

// Drop discards an entry that will never be awaited, stopping its timer.
// Used when registration succeeded but the request record could not be
// appended, so no waiter or responder will ever see the id.
func (t *Table) Drop(id string) {
	t.release(id)
}

// Status reports an entry's current state, if it exists.
func (t *Table) Status(id string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	return e.status, true
}

// Len returns the number of live entries (any state, not yet observed).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
