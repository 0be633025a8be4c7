package pgstore

import (
	"fmt"
	"strings"

	"github.com/weftworks/weft/internal/queryir"
	"github.com/weftworks/weft/internal/value"
)

// compile converts a log query to parameterized PostgreSQL SQL with $n
// placeholders. Pushable field equalities become jsonb comparisons: the
// field name and the canonical JSON rendering of the literal both
// travel as parameters, so neither is ever interpolated.
func compile(q queryir.Query) (sql string, params []any, residual []queryir.FieldEq, err error) {
	if err := queryir.Validate(q); err != nil {
		return "", nil, nil, err
	}

	switch query := q.(type) {
	case queryir.Scan:
		return compileScan(query)
	case *queryir.Scan:
		return compileScan(*query)
	case queryir.Range:
		sql, params, err = compileRange(query)
		return sql, params, nil, err
	case *queryir.Range:
		sql, params, err = compileRange(*query)
		return sql, params, nil, err
	default:
		return "", nil, nil, fmt.Errorf("pgstore: unsupported query type %T", q)
	}
}

func compileScan(q queryir.Scan) (string, []any, []queryir.FieldEq, error) {
	var sb strings.Builder
	sb.WriteString("SELECT seq, concept, action, input::text, output::text, stamp")
	sb.WriteString(" FROM records WHERE concept = $1 AND action = $2")
	params := []any{q.Ref.Concept(), q.Ref.Action()}

	pushable, residual := queryir.Split(q.Filter)
	for _, eq := range pushable {
		lit, err := value.MarshalCanonical(eq.Value)
		if err != nil {
			return "", nil, nil, fmt.Errorf("pgstore: field %q: %w", eq.Field, err)
		}
		fmt.Fprintf(&sb, " AND %s -> $%d = $%d::jsonb", string(eq.Col), len(params)+1, len(params)+2)
		params = append(params, eq.Field, string(lit))
	}

	if q.MaxSeq > 0 {
		fmt.Fprintf(&sb, " AND seq <= $%d", len(params)+1)
		params = append(params, q.MaxSeq)
	}

	sb.WriteString(" ORDER BY seq ASC")
	return sb.String(), params, residual, nil
}

func compileRange(q queryir.Range) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("SELECT seq, concept, action, input::text, output::text, stamp FROM records")

	var conds []string
	var params []any
	if q.Concept != "" {
		params = append(params, q.Concept)
		conds = append(conds, fmt.Sprintf("concept = $%d", len(params)))
	}
	if q.FromSeq > 0 {
		params = append(params, q.FromSeq)
		conds = append(conds, fmt.Sprintf("seq >= $%d", len(params)))
	}
	if q.ToSeq > 0 {
		params = append(params, q.ToSeq)
		conds = append(conds, fmt.Sprintf("seq <= $%d", len(params)))
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}

	sb.WriteString(" ORDER BY seq ASC")
	if q.Limit > 0 {
		params = append(params, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(params))
	}
	return sb.String(), params, nil
}
