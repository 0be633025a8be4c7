// Package store provides SQLite-backed durable storage for the action log.
//
// One database holds two tables:
//   - records: the append-only log, one row per completed concept action
//   - firings: the dedup ledger of (rule, trigger record, frame)
//     combinations that have already dispatched
//
// # Critical Patterns
//
// Firing idempotency
//   - UNIQUE(rule_name, trigger_seq, frame_hash) constraint
//   - A redelivered trigger inserts nothing and dispatch is skipped
//
// Logical time
//   - All ordering uses seq INTEGER (the engine's clock), never stamps
//   - Every read is ORDER BY seq ASC, the log's only ordering guarantee
//
// Canonical payloads
//   - Input and output stored as RFC 8785 canonical JSON
//   - Equal payloads are byte-identical rows, which golden traces and
//     the verify pass rely on
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// The engine is the only writer. Reads go through queryir/querysql so
// the matcher never builds SQL itself.
package store
