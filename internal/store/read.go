package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/queryir"
	"github.com/weftworks/weft/internal/querysql"
	"github.com/weftworks/weft/internal/value"
)

// ErrNotFound is returned by GetRecord for a missing sequence number.
var ErrNotFound = errors.New("record not found")

// QueryRecords runs a log query and returns the matching records in
// ascending sequence order. Scalar field constraints are evaluated by
// SQLite; residual constraints (array, object and null equalities) are
// applied here against the decoded payloads.
//
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) QueryRecords(ctx context.Context, q queryir.Query) ([]action.Record, error) {
	sqlText, params, residual, err := querysql.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlText, params...)
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

// GetRecord retrieves a single record by sequence number.
func (s *Store) GetRecord(ctx context.Context, seq int64) (action.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, concept, action, input, output, stamp
		FROM records
		WHERE seq = ?
	`, seq)

	rec, err := scanRecordRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return action.Record{}, ErrNotFound
	}
	return rec, err
}

// LastSeq returns the highest sequence number in the log, or 0 when the
// log is empty. The engine seeds its clock from this at startup.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM records`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return last.Int64, nil
}

// CountRecords returns the number of records in the log.
func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
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

// rowScanner abstracts sql.Row and sql.Rows for record scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rows *sql.Rows) (action.Record, error) {
	return scanRecordFrom(rows)
}

func scanRecordRow(row *sql.Row) (action.Record, error) {
	return scanRecordFrom(row)
}

func scanRecordFrom(scanner rowScanner) (action.Record, error) {
	var (
		rec        action.Record
		inputJSON  string
		outputJSON string
		stamp      string
	)

	err := scanner.Scan(
		&rec.Seq,
		&rec.Concept,
		&rec.Action,
		&inputJSON,
		&outputJSON,
		&stamp,
	)
	if err != nil {
		return action.Record{}, err
	}

	rec.Input, err = unmarshalObject(inputJSON)
	if err != nil {
		return action.Record{}, fmt.Errorf("record seq %d: %w", rec.Seq, err)
	}
	rec.Output, err = unmarshalObject(outputJSON)
	if err != nil {
		return action.Record{}, fmt.Errorf("record seq %d: %w", rec.Seq, err)
	}
	rec.Stamp, err = parseStamp(stamp)
	if err != nil {
		return action.Record{}, fmt.Errorf("record seq %d: %w", rec.Seq, err)
	}

	return rec, nil
}
