package engine

import (
	"sync"

	"github.com/weftworks/weft/internal/action"
)

// Event is one appended record waiting for rule evaluation, tagged with
// its chain depth: 0 for records appended by an external request, n+1
// for records appended while evaluating a depth-n event.
type Event struct {
	Record *action.Record
	Depth  int
}

// eventQueue feeds appended records to the Run loop in append order.
//
// It is unbounded so cascading rule firings can enqueue arbitrarily
// many chained records without blocking the wave that produced them.
// Waiting goes through a buffered signal channel instead of a cond var
// so the Run loop can select on it against ctx.Done.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends an event. It reports false once the queue is closed;
// the caller drops the event.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	// Non-blocking send; the one-slot buffer coalesces bursts.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front event, reporting false when empty. It never
// blocks; pair it with Wait.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]

	// Clear the slot so the backing array does not pin the Record until
	// reallocation.
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns the signal channel. A receive means events may be
// available (or the queue closed); re-check with TryDequeue either way.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len reports how many events are queued.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close rejects further enqueues and wakes every waiter.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
