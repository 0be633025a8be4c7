package store

import (
	"context"
	"fmt"
)

// Report is the result of a log integrity check.
type Report struct {
	// Records is the number of rows in the log.
	Records int64

	// LastSeq is the highest sequence number, 0 for an empty log.
	LastSeq int64

	// Gaps lists missing sequence numbers. The clock assigns seq
	// densely from 1, so a gap means a write was lost or the database
	// was edited out of band.
	Gaps []int64

	// UndispatchedFirings counts firings claimed but never marked
	// dispatched: the process died between the claim and the append.
	// Those combinations will not fire again.
	UndispatchedFirings int64

	// DanglingFirings counts firings whose trigger record is missing.
	DanglingFirings int64

	// BadPayloads lists sequence numbers whose stored input or output
	// no longer parses as JSON.
	BadPayloads []int64
}

// OK reports whether the log passed every check.
func (r *Report) OK() bool {
	return len(r.Gaps) == 0 &&
		r.UndispatchedFirings == 0 &&
		r.DanglingFirings == 0 &&
		len(r.BadPayloads) == 0
}

// Verify walks the whole log and checks its invariants: dense sequence
// numbers, every claimed firing dispatched, every firing anchored to a
// record, every payload decodable. Intended for the verify command and
// post-crash inspection; it takes time proportional to the log.
func (s *Store) Verify(ctx context.Context) (*Report, error) {
	report := &Report{}

	count, err := s.CountRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	report.Records = count

	last, err := s.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	report.LastSeq = last

	if err := s.findGaps(ctx, report); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	if err := s.findBadPayloads(ctx, report); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM firings WHERE dispatched_seq IS NULL
	`).Scan(&report.UndispatchedFirings)
	if err != nil {
		return nil, fmt.Errorf("verify: undispatched firings: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM firings f
		LEFT JOIN records r ON r.seq = f.trigger_seq
		WHERE r.seq IS NULL
	`).Scan(&report.DanglingFirings)
	if err != nil {
		return nil, fmt.Errorf("verify: dangling firings: %w", err)
	}

	return report, nil
}

// findGaps scans seq in order and records every missing value.
func (s *Store) findGaps(ctx context.Context, report *Report) error {
	rows, err := s.db.QueryContext(ctx, `SELECT seq FROM records ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("scan seqs: %w", err)
	}
	defer rows.Close()

	expected := int64(1)
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return fmt.Errorf("scan seq: %w", err)
		}
		for expected < seq {
			report.Gaps = append(report.Gaps, expected)
			expected++
		}
		expected = seq + 1
	}
	return rows.Err()
}

// findBadPayloads re-decodes every stored payload.
func (s *Store) findBadPayloads(ctx context.Context, report *Report) error {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, input, output FROM records ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("scan payloads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq           int64
			input, output string
		)
		if err := rows.Scan(&seq, &input, &output); err != nil {
			return fmt.Errorf("scan payload row: %w", err)
		}
		if _, err := unmarshalObject(input); err != nil {
			report.BadPayloads = append(report.BadPayloads, seq)
			continue
		}
		if _, err := unmarshalObject(output); err != nil {
			report.BadPayloads = append(report.BadPayloads, seq)
		}
	}
	return rows.Err()
}
