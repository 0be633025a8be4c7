// Package engine implements the weft synchronization engine.
//
// The engine is the heart of weft - it receives external requests,
// matches rule patterns against the action log, refines candidate frames
// through guards, and dispatches follow-up actions until a respond
// settles the originating request.
//
// ARCHITECTURE:
//
// Queue-Drained Evaluation Waves:
// Every appended record becomes one event on the internal FIFO queue.
// Run() drains the queue and hands each event to its own wave goroutine:
//  1. The wave matches the record against every rule watching its ref
//     (registration order), anchoring the matching pattern to the record
//     and joining the remaining patterns at seq <= trigger seq
//  2. Guards refine frames one at a time; responding consumes the frame
//  3. Then-templates fire per surviving frame in declaration order,
//     claim-before-invoke, and their appended records enqueue new waves
//
// Waves for distinct records run concurrently, so a guard suspended on a
// slow lookup never blocks other in-flight requests. Within one wave,
// rules, frames and templates evaluate sequentially for deterministic
// claim order. No lock is held across a suspension point; the pending
// table races a done channel against a timer and the caller's context.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// All records stamped with a monotonic seq from Clock.Next(), drawn
// inside the append critical section so seq order equals append order:
// a wave joining at seq <= trigger seq sees every record its bound
// admits. NEVER use wall-clock timestamps for ordering.
//
// At-Most-Once:
// Firings are claimed in the store before invocation, so re-evaluation
// of a trigger is a no-op; request resolution is settled by whoever
// flips the pending entry first, and later responds are logged no-ops.
//
// Log-And-Continue:
// A failed frame, guard, or firing is logged with its trigger context
// and never aborts siblings. The affected request times out instead.
package engine
