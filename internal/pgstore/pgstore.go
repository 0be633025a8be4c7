// Package pgstore is the PostgreSQL backing for the action log, for
// deployments where several readers tail one shared log. It stores the
// same two tables as the SQLite store (records and firings), keeps the
// same method set, and pushes the same scalar predicate fragment down
// to the database, so the engine cannot tell the two apart.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/queryir"
	"github.com/weftworks/weft/internal/value"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
    seq     BIGINT PRIMARY KEY,
    concept TEXT NOT NULL,
    action  TEXT NOT NULL,
    input   JSONB NOT NULL,
    output  JSONB NOT NULL,
    stamp   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_ref ON records(concept, action, seq);

CREATE TABLE IF NOT EXISTS firings (
    id             BIGSERIAL PRIMARY KEY,
    rule_name      TEXT NOT NULL,
    trigger_seq    BIGINT NOT NULL REFERENCES records(seq),
    frame_hash     TEXT NOT NULL,
    dispatched_seq BIGINT,
    UNIQUE(rule_name, trigger_seq, frame_hash)
);
`

// Store is the durable action log on a PostgreSQL pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendRecord inserts one completed action into the log. The record's
// Seq must already be assigned; a duplicate Seq surfaces as a
// constraint error.
func (s *Store) AppendRecord(ctx context.Context, rec *action.Record) error {
	inputJSON, outputJSON, err := marshalPayloads(rec)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO records (seq, concept, action, input, output, stamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.Seq, rec.Concept, rec.Action, inputJSON, outputJSON, rec.Stamp.UTC())
	if err != nil {
		return fmt.Errorf("append record seq %d: %w", rec.Seq, err)
	}
	return nil
}

// ClaimFiring records that a rule is about to dispatch for one
// (rule, trigger record, frame) combination. Returns claimed=false if
// the combination has already fired.
func (s *Store) ClaimFiring(ctx context.Context, ruleName string, triggerSeq int64, frameHash string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO firings (rule_name, trigger_seq, frame_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (rule_name, trigger_seq, frame_hash) DO NOTHING
	`, ruleName, triggerSeq, frameHash)
	if err != nil {
		return false, fmt.Errorf("claim firing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// HasFiring reports whether the (rule, trigger record, frame)
// combination has already been claimed.
func (s *Store) HasFiring(ctx context.Context, ruleName string, triggerSeq int64, frameHash string) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM firings
		WHERE rule_name = $1 AND trigger_seq = $2 AND frame_hash = $3
	`, ruleName, triggerSeq, frameHash).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check firing: %w", err)
	}
	return count > 0, nil
}

// AppendDispatched atomically appends the record a firing produced and
// marks the firing as dispatched, in one transaction.
func (s *Store) AppendDispatched(ctx context.Context, rec *action.Record, ruleName string, triggerSeq int64, frameHash string) error {
	inputJSON, outputJSON, err := marshalPayloads(rec)
	if err != nil {
		return fmt.Errorf("append dispatched: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append dispatched: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if committed

	_, err = tx.Exec(ctx, `
		INSERT INTO records (seq, concept, action, input, output, stamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.Seq, rec.Concept, rec.Action, inputJSON, outputJSON, rec.Stamp.UTC())
	if err != nil {
		return fmt.Errorf("append dispatched: insert record seq %d: %w", rec.Seq, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE firings SET dispatched_seq = $1
		WHERE rule_name = $2 AND trigger_seq = $3 AND frame_hash = $4
	`, rec.Seq, ruleName, triggerSeq, frameHash)
	if err != nil {
		return fmt.Errorf("append dispatched: mark firing: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("append dispatched: commit: %w", err)
	}
	return nil
}

// QueryRecords runs a log query and returns the matching records in
// ascending sequence order. Scalar field constraints are evaluated by
// PostgreSQL as jsonb equality; residual constraints are applied here
// against the decoded payloads.
func (s *Store) QueryRecords(ctx context.Context, q queryir.Query) ([]action.Record, error) {
	sqlText, params, residual, err := compile(q)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []action.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if !matchResidual(&rec, residual) {
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// ErrNotFound is returned by GetRecord for a missing sequence number.
var ErrNotFound = errors.New("record not found")

// GetRecord retrieves a single record by sequence number.
func (s *Store) GetRecord(ctx context.Context, seq int64) (action.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, concept, action, input::text, output::text, stamp
		FROM records WHERE seq = $1
	`, seq)
	if err != nil {
		return action.Record{}, fmt.Errorf("get record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return action.Record{}, fmt.Errorf("get record: %w", err)
		}
		return action.Record{}, ErrNotFound
	}
	return scanRecord(rows)
}

// LastSeq returns the highest sequence number in the log, or 0 when the
// log is empty.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var last *int64
	err := s.pool.QueryRow(ctx, `SELECT MAX(seq) FROM records`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	if last == nil {
		return 0, nil
	}
	return *last, nil
}

// CountRecords returns the number of records in the log.
func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

func marshalPayloads(rec *action.Record) (input, output string, err error) {
	inputBytes, err := value.MarshalCanonical(rec.Input)
	if err != nil {
		return "", "", fmt.Errorf("marshal input: %w", err)
	}
	outputBytes, err := value.MarshalCanonical(rec.Output)
	if err != nil {
		return "", "", fmt.Errorf("marshal output: %w", err)
	}
	return string(inputBytes), string(outputBytes), nil
}

func scanRecord(rows pgx.Rows) (action.Record, error) {
	var (
		rec        action.Record
		inputJSON  string
		outputJSON string
	)
	err := rows.Scan(&rec.Seq, &rec.Concept, &rec.Action, &inputJSON, &outputJSON, &rec.Stamp)
	if err != nil {
		return action.Record{}, fmt.Errorf("scan record: %w", err)
	}

	var input, output value.Object
	if err := input.UnmarshalJSON([]byte(inputJSON)); err != nil {
		return action.Record{}, fmt.Errorf("record seq %d: unmarshal input: %w", rec.Seq, err)
	}
	if err := output.UnmarshalJSON([]byte(outputJSON)); err != nil {
		return action.Record{}, fmt.Errorf("record seq %d: unmarshal output: %w", rec.Seq, err)
	}
	rec.Input, rec.Output = input, output
	return rec, nil
}

// matchResidual applies the field equalities SQL could not evaluate.
// An absent field never matches, including against a null literal.
func matchResidual(rec *action.Record, residual []queryir.FieldEq) bool {
	for _, eq := range residual {
		var payload value.Object
		switch eq.Col {
		case queryir.ColInput:
			payload = rec.Input
		case queryir.ColOutput:
			payload = rec.Output
		default:
			return false
		}
		got, ok := payload[eq.Field]
		if !ok || !value.Equal(got, eq.Value) {
			return false
		}
	}
	return true
}
