// Package querysql compiles queryir queries to parameterized SQL for
// the SQLite log store.
//
// Values are never interpolated into the SQL text, and neither are JSON
// field names: payload constraints compile to json_extract with the
// path passed as a bound parameter. Every query ends in ORDER BY seq
// ASC, the log's only ordering guarantee.
package querysql

import (
	"fmt"
	"strings"

	"github.com/weftworks/weft/internal/queryir"
	"github.com/weftworks/weft/internal/value"
)

// recordColumns is the column list every log read returns, in the order
// the store's row scanner expects.
const recordColumns = "seq, concept, action, input, output, stamp"

// Compile converts a log query to parameterized SQLite SQL.
//
// For a Scan, predicates on scalar payload fields are pushed into the
// WHERE clause; the returned residual holds the field equalities the
// database cannot evaluate (array, object and null values), which the
// caller must apply to each decoded record.
func Compile(q queryir.Query) (sql string, params []any, residual []queryir.FieldEq, err error) {
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
		return "", nil, nil, fmt.Errorf("querysql: unsupported query type %T", q)
	}
}

func compileScan(q queryir.Scan) (string, []any, []queryir.FieldEq, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(recordColumns)
	sb.WriteString(" FROM records WHERE concept = ? AND action = ?")
	params := []any{q.Ref.Concept(), q.Ref.Action()}

	pushable, residual := queryir.Split(q.Filter)
	for _, eq := range pushable {
		param, err := Param(eq.Value)
		if err != nil {
			return "", nil, nil, fmt.Errorf("querysql: field %q: %w", eq.Field, err)
		}
		fmt.Fprintf(&sb, " AND json_extract(%s, ?) = ?", string(eq.Col))
		params = append(params, jsonPath(eq.Field), param)
	}

	if q.MaxSeq > 0 {
		sb.WriteString(" AND seq <= ?")
		params = append(params, q.MaxSeq)
	}

	sb.WriteString(" ORDER BY seq ASC")
	return sb.String(), params, residual, nil
}

func compileRange(q queryir.Range) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(recordColumns)
	sb.WriteString(" FROM records")

	var conds []string
	var params []any
	if q.Concept != "" {
		conds = append(conds, "concept = ?")
		params = append(params, q.Concept)
	}
	if q.FromSeq > 0 {
		conds = append(conds, "seq >= ?")
		params = append(params, q.FromSeq)
	}
	if q.ToSeq > 0 {
		conds = append(conds, "seq <= ?")
		params = append(params, q.ToSeq)
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}

	sb.WriteString(" ORDER BY seq ASC")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		params = append(params, q.Limit)
	}
	return sb.String(), params, nil
}

// jsonPath builds a json_extract path for one top-level field, quoting
// the field name so dots and brackets in it are literal.
func jsonPath(field string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(field)
	return `$."` + escaped + `"`
}

// Param converts a scalar value to its SQL parameter form. Arrays,
// objects and nulls have no parameter form; predicates on them are
// returned as residual by Compile and evaluated record-side.
func Param(v value.Value) (any, error) {
	switch val := v.(type) {
	case value.String:
		return string(val), nil
	case value.Int:
		return int64(val), nil
	case value.Bool:
		// SQLite stores booleans as integers; json_extract on a JSON
		// true yields 1, and the driver binds Go bools the same way.
		return bool(val), nil
	case value.Null:
		return nil, fmt.Errorf("null has no SQL parameter form")
	case value.Array:
		return nil, fmt.Errorf("array has no SQL parameter form")
	case value.Object:
		return nil, fmt.Errorf("object has no SQL parameter form")
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
