package store

import (
	"context"
	"fmt"

	"github.com/weftworks/weft/internal/action"
)

// AppendRecord inserts one completed action into the log. The record's
// Seq must already be assigned by the engine's clock; a duplicate Seq is
// a bug upstream and surfaces as a constraint error rather than being
// silently ignored.
//
// Input and output are serialized to canonical JSON per RFC 8785.
func (s *Store) AppendRecord(ctx context.Context, rec *action.Record) error {
	inputJSON, err := marshalObject(rec.Input)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	outputJSON, err := marshalObject(rec.Output)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (seq, concept, action, input, output, stamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		rec.Seq,
		rec.Concept,
		rec.Action,
		inputJSON,
		outputJSON,
		formatStamp(rec.Stamp),
	)
	if err != nil {
		return fmt.Errorf("append record seq %d: %w", rec.Seq, err)
	}

	return nil
}

// ClaimFiring records that a rule is about to dispatch for one
// (rule, trigger record, frame) combination. Returns claimed=false if
// the combination has already fired, which is how a redelivered trigger
// becomes a no-op.
//
// Uses ON CONFLICT DO NOTHING so concurrent claims race safely: exactly
// one caller observes claimed=true.
func (s *Store) ClaimFiring(ctx context.Context, ruleName string, triggerSeq int64, frameHash string) (claimed bool, err error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO firings (rule_name, trigger_seq, frame_hash)
		VALUES (?, ?, ?)
		ON CONFLICT(rule_name, trigger_seq, frame_hash) DO NOTHING
	`, ruleName, triggerSeq, frameHash)
	if err != nil {
		return false, fmt.Errorf("claim firing: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim firing: rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// HasFiring reports whether the (rule, trigger record, frame)
// combination has already been claimed.
func (s *Store) HasFiring(ctx context.Context, ruleName string, triggerSeq int64, frameHash string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM firings
		WHERE rule_name = ? AND trigger_seq = ? AND frame_hash = ?
	`, ruleName, triggerSeq, frameHash).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check firing: %w", err)
	}
	return count > 0, nil
}

// AppendDispatched atomically appends the record a firing produced and
// marks the firing as dispatched, in one transaction. A firing row left
// with dispatched_seq NULL therefore means the process died between the
// claim and the append; Verify reports those.
func (s *Store) AppendDispatched(ctx context.Context, rec *action.Record, ruleName string, triggerSeq int64, frameHash string) error {
	inputJSON, err := marshalObject(rec.Input)
	if err != nil {
		return fmt.Errorf("append dispatched: %w", err)
	}
	outputJSON, err := marshalObject(rec.Output)
	if err != nil {
		return fmt.Errorf("append dispatched: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append dispatched: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (seq, concept, action, input, output, stamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		rec.Seq,
		rec.Concept,
		rec.Action,
		inputJSON,
		outputJSON,
		formatStamp(rec.Stamp),
	)
	if err != nil {
		return fmt.Errorf("append dispatched: insert record seq %d: %w", rec.Seq, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE firings SET dispatched_seq = ?
		WHERE rule_name = ? AND trigger_seq = ? AND frame_hash = ?
	`, rec.Seq, ruleName, triggerSeq, frameHash)
	if err != nil {
		return fmt.Errorf("append dispatched: mark firing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append dispatched: commit: %w", err)
	}

	return nil
}
