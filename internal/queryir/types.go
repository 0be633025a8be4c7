package queryir

import (
	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/value"
)

// Column names the record payload a predicate constrains.
type Column string

const (
	// ColInput constrains a field of the record's input object.
	ColInput Column = "input"
	// ColOutput constrains a field of the record's output object.
	ColOutput Column = "output"
)

// Valid reports whether c is one of the two payload columns.
func (c Column) Valid() bool {
	return c == ColInput || c == ColOutput
}

// Query is the sealed interface for log reads. The only implementations
// are Scan and Range.
type Query interface {
	query()
}

// Scan selects the records of one action reference, optionally
// constrained by a predicate over payload fields and bounded by a
// maximum sequence number. Results are always ordered by ascending
// sequence number.
type Scan struct {
	// Ref is the concept.action whose records are scanned.
	Ref action.Ref

	// Filter constrains payload fields. Nil means no constraint.
	Filter Predicate

	// MaxSeq, when positive, excludes records with a sequence number
	// greater than MaxSeq.
	MaxSeq int64
}

func (Scan) query() {}

// Range selects a window of the log across all actions, for trace and
// audit reads. Zero bounds are open.
type Range struct {
	// Concept, when non-empty, restricts the window to one concept.
	Concept string

	// FromSeq and ToSeq bound the window inclusively. Zero means
	// unbounded on that side.
	FromSeq int64
	ToSeq   int64

	// Limit, when positive, caps the number of records returned.
	Limit int64
}

func (Range) query() {}

// Predicate is the sealed interface for payload constraints. The only
// implementations are FieldEq and And.
type Predicate interface {
	predicate()
}

// FieldEq requires a payload field to equal a literal value.
type FieldEq struct {
	Col   Column
	Field string
	Value value.Value
}

func (FieldEq) predicate() {}

// And requires every child predicate to hold.
type And struct {
	Preds []Predicate
}

func (And) predicate() {}

// Split flattens p into its field equalities and partitions them into
// the ones a SQL backend can push down (string, int and bool values)
// and the ones that must be evaluated record-side: arrays and objects,
// whose equality is structural, and nulls, which SQL equality cannot
// distinguish from an absent field.
func Split(p Predicate) (pushable, residual []FieldEq) {
	walk(p, func(eq FieldEq) {
		switch eq.Value.(type) {
		case value.String, value.Int, value.Bool:
			pushable = append(pushable, eq)
		default:
			residual = append(residual, eq)
		}
	})
	return pushable, residual
}

func walk(p Predicate, fn func(FieldEq)) {
	switch q := p.(type) {
	case nil:
	case FieldEq:
		fn(q)
	case And:
		for _, child := range q.Preds {
			walk(child, fn)
		}
	}
}
