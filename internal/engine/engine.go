package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/pending"
	"github.com/weftworks/weft/internal/queryir"
	"github.com/weftworks/weft/internal/rule"
	"github.com/weftworks/weft/internal/value"
)

// Log is the append-only action log the engine evaluates against.
// Implemented by store.Store (SQLite) and pgstore.Store (Postgres).
type Log interface {
	// AppendRecord inserts one completed action. Seq must already be
	// assigned; append-then-read is read-your-writes within a process.
	AppendRecord(ctx context.Context, rec *action.Record) error

	// QueryRecords returns the records matching a queryir query in
	// ascending seq order.
	QueryRecords(ctx context.Context, q queryir.Query) ([]action.Record, error)

	// LastSeq returns the highest stored seq, or 0 for an empty log.
	LastSeq(ctx context.Context) (int64, error)

	// ClaimFiring marks (rule, trigger, frame) as fired; exactly one
	// caller per combination observes claimed=true, ever.
	ClaimFiring(ctx context.Context, ruleName string, triggerSeq int64, frameHash string) (bool, error)

	// AppendDispatched appends a firing's record and marks the firing
	// dispatched, atomically.
	AppendDispatched(ctx context.Context, rec *action.Record, ruleName string, triggerSeq int64, frameHash string) error
}

// Invoker routes action invocations to concept implementations.
// Satisfied by *concept.Registry.
type Invoker interface {
	Invoke(ctx context.Context, ref action.Ref, input value.Object) (value.Object, error)
}

// DefaultRequestTimeout bounds how long AwaitResponse waits before the
// typed timeout error. Business chains resolve in milliseconds; anything
// slower than this has lost its respond.
const DefaultRequestTimeout = 10 * time.Second

// DefaultMaxDepth bounds rule-firing chains. A legitimate chain is a
// handful of waves deep; exceeding this means two rules feed each other.
const DefaultMaxDepth = 64

// Engine evaluates synchronization rules against the action log and
// resolves pending requests.
//
// Every appended record becomes an event on the internal queue. The Run
// loop drains the queue and hands each event to its own evaluation-wave
// goroutine: the wave matches the record against every rule watching its
// action ref, refines frames through guards, and dispatches
// then-templates, whose appended records enqueue further waves.
//
// Thread-safety model:
//   - SubmitRequest / AwaitResponse / Serve: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//   - Waves run concurrently; seq allocation and the append run as one
//     critical section under appendMu, so seq order equals append order
//
// INVARIANTS:
//   - Rule order never changes after New (registry sealed at construction)
//   - A (rule, trigger, frame, template) combination dispatches at most once
//   - Once any record with seq > n is readable, record n is too, so a
//     wave scanning at maxSeq = n misses nothing
//   - Concept invocations and guard lookups run outside appendMu; a slow
//     guard never blocks other in-flight requests
type Engine struct {
	log      Log
	rules    *rule.Registry
	concepts Invoker
	pending  *pending.Table
	clock    *Clock
	queue    *eventQueue
	reqGen   IDGenerator
	maxDepth int
	timeout  time.Duration
	now      func() time.Time

	// appendMu serializes seq allocation with the append itself. Drawing
	// the seq outside the critical section would let a higher-seq record
	// land first, and the lower-seq record's wave would then scan a log
	// state its own maxSeq bound can never reach again.
	appendMu sync.Mutex

	// work tracks every enqueued event until its wave finishes, so
	// Settle can wait for whole chains to drain. Chained events are
	// added before their parent wave completes, so the count never
	// touches zero mid-chain.
	work sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithRequestTimeout sets the per-request resolution timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithMaxDepth sets the firing-chain depth limit. Zero disables the
// check.
//
// Use a small value like WithMaxDepth(4) for testing runaway-loop
// termination.
func WithMaxDepth(n int) Option {
	return func(e *Engine) { e.maxDepth = n }
}

// WithIDGenerator replaces the request-id generator. Tests install a
// FixedGenerator for deterministic ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.reqGen = g }
}

// WithTimeFunc replaces the wall-clock source used for record stamps and
// pending-entry creation times.
func WithTimeFunc(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine over a log, a rule registry, and a concept
// invoker. The registry is sealed here: the rule set and its evaluation
// order are fixed for the engine's lifetime.
func New(log Log, rules *rule.Registry, concepts Invoker, opts ...Option) *Engine {
	e := &Engine{
		log:      log,
		rules:    rules,
		concepts: concepts,
		clock:    NewClock(),
		queue:    newEventQueue(),
		reqGen:   UUIDv7Generator{},
		maxDepth: DefaultMaxDepth,
		timeout:  DefaultRequestTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.pending = pending.NewTable(e.timeout, pending.WithNowFunc(e.now))
	e.rules.Seal()
	return e
}

// Restore seeds the clock from the log's last stored record, so new
// appends continue the existing seq order. Call before Run when opening
// a non-empty log.
func (e *Engine) Restore(ctx context.Context) error {
	last, err := e.log.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("restore clock: %w", err)
	}
	e.clock = NewClockAt(last)
	return nil
}

// Run drains the event queue, spawning one evaluation wave per event.
// Blocks until the context is cancelled or Stop() is called; in-flight
// waves are waited for on either path.
//
// ERROR HANDLING: a failed frame, guard, or firing is logged with its
// trigger context and evaluation continues. One bad frame must never
// stall the loop or its siblings; the affected request simply times out.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting",
		"rules", e.rules.Len(),
		"max_depth", e.maxDepth,
		"request_timeout", e.timeout,
	)

	for {
		// Try non-blocking dequeue first
		ev, ok := e.queue.TryDequeue()
		if ok {
			go func() {
				defer e.work.Done()
				e.processWave(ctx, ev)
			}()
			continue
		}

		// No event ready - wait for signal or context cancellation
		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.queue.Close()
			e.abandonQueued()
			e.work.Wait()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes when the queue is closed, which
			// makes this case fire immediately.
			if e.queue.Len() == 0 {
				// Queue closed and drained. Waves still in flight can
				// no longer enqueue follow-ups; wait them out.
				e.work.Wait()
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop gracefully shuts down the engine: no further events are
// accepted, already-queued events still drain. Run returns after
// in-flight waves finish.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Settle blocks until every enqueued event and the chains it produced
// have been fully evaluated, or the context is cancelled. It is a
// barrier for tests and the scenario harness, not part of the serving
// path; callers must not submit new requests concurrently with it.
func (e *Engine) Settle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.work.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// enqueue registers the event with the settle accounting and queues it.
// Returns false when the engine is stopped; the event is dropped, which
// only happens during shutdown.
func (e *Engine) enqueue(ev Event) bool {
	e.work.Add(1)
	if !e.queue.Enqueue(ev) {
		e.work.Done()
		slog.Warn("event dropped: engine stopped",
			"seq", ev.Record.Seq,
			"action", ev.Record.Ref().String(),
		)
		return false
	}
	return true
}

// abandonQueued releases the settle accounting of events that will
// never be processed because the loop is exiting.
func (e *Engine) abandonQueued() {
	for {
		if _, ok := e.queue.TryDequeue(); !ok {
			return
		}
		e.work.Done()
	}
}

// processWave evaluates one appended record against every rule watching
// its action ref, in registration order. Waves for distinct records run
// concurrently; within a wave, rules and frames evaluate sequentially.
func (e *Engine) processWave(ctx context.Context, ev Event) {
	rec := ev.Record

	if e.maxDepth > 0 && ev.Depth >= e.maxDepth {
		logWaveError(rec, NewDepthError(ev.Depth, e.maxDepth, rec.Seq))
		return
	}

	slog.Debug("processing wave",
		"seq", rec.Seq,
		"action", rec.Ref().String(),
		"depth", ev.Depth,
	)

	for _, r := range e.rules.RulesFor(rec.Ref()) {
		e.evaluateRule(ctx, r, rec, ev.Depth)
	}
}

// evaluateRule runs one rule's match, guard, dispatch pipeline for a
// trigger record. A match error abandons only this rule for this
// trigger; zero frames is the silent common case.
func (e *Engine) evaluateRule(ctx context.Context, r *rule.Rule, trigger *action.Record, depth int) {
	frames, err := e.matchAnchored(ctx, r, trigger)
	if err != nil {
		logWaveError(trigger, fmt.Errorf("match rule %s: %w", r.Name, err))
		return
	}
	if len(frames) == 0 {
		return
	}

	slog.Debug("rule matched",
		"rule", r.Name,
		"trigger_seq", trigger.Seq,
		"frames", len(frames),
	)

	frames = e.evaluateGuard(ctx, r, trigger, frames, depth)
	if len(frames) == 0 {
		return
	}

	e.dispatchFrames(ctx, r, trigger, frames, depth)
}

// Clock returns the engine's logical clock, for stamping and
// diagnostics.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// QueueLen returns the number of events awaiting a wave.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// PendingCount returns the number of requests currently waiting.
func (e *Engine) PendingCount() int {
	return e.pending.Len()
}

// RequestTimeout returns the configured per-request timeout.
func (e *Engine) RequestTimeout() time.Duration {
	return e.timeout
}

// MaxDepth returns the configured firing-chain depth limit.
func (e *Engine) MaxDepth() int {
	return e.maxDepth
}

// logWaveError logs an evaluation failure with its trigger context.
// Log-and-continue: the failure is recorded for operator investigation
// and never aborts sibling frames, rules, or waves.
func logWaveError(trigger *action.Record, err error) {
	slog.Error("evaluation failure",
		"error", err,
		"trigger_seq", trigger.Seq,
		"trigger_action", trigger.Ref().String(),
	)
}
