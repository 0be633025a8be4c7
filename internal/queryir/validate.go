package queryir

import (
	"errors"
	"fmt"
)

// Validate checks a query for structural problems before it reaches a
// backend compiler: an invalid action reference, an unknown payload
// column, an empty field name, a negative bound. Backends assume a
// validated query and panic on sealed-interface violations only.
//
// Validate is a pure function with no side effects.
func Validate(q Query) error {
	switch query := q.(type) {
	case Scan:
		return validateScan(query)
	case *Scan:
		return validateScan(*query)
	case Range:
		return validateRange(query)
	case *Range:
		return validateRange(*query)
	case nil:
		return errors.New("queryir: nil query")
	default:
		return fmt.Errorf("queryir: unknown query type %T", q)
	}
}

func validateScan(s Scan) error {
	if err := s.Ref.Validate(); err != nil {
		return fmt.Errorf("queryir: scan ref: %w", err)
	}
	if s.MaxSeq < 0 {
		return fmt.Errorf("queryir: scan max seq %d is negative", s.MaxSeq)
	}
	return validatePredicate(s.Filter)
}

func validateRange(r Range) error {
	if r.FromSeq < 0 || r.ToSeq < 0 {
		return errors.New("queryir: range bounds must not be negative")
	}
	if r.FromSeq > 0 && r.ToSeq > 0 && r.FromSeq > r.ToSeq {
		return fmt.Errorf("queryir: range from seq %d exceeds to seq %d", r.FromSeq, r.ToSeq)
	}
	if r.Limit < 0 {
		return fmt.Errorf("queryir: range limit %d is negative", r.Limit)
	}
	return nil
}

func validatePredicate(p Predicate) error {
	switch pred := p.(type) {
	case nil:
		return nil
	case FieldEq:
		return validateFieldEq(pred)
	case *FieldEq:
		return validateFieldEq(*pred)
	case And:
		for _, child := range pred.Preds {
			if err := validatePredicate(child); err != nil {
				return err
			}
		}
		return nil
	case *And:
		return validatePredicate(*pred)
	default:
		return fmt.Errorf("queryir: unknown predicate type %T", p)
	}
}

func validateFieldEq(eq FieldEq) error {
	if !eq.Col.Valid() {
		return fmt.Errorf("queryir: unknown payload column %q", eq.Col)
	}
	if eq.Field == "" {
		return errors.New("queryir: field equality with empty field name")
	}
	if eq.Value == nil {
		return fmt.Errorf("queryir: field %q compared to nil value", eq.Field)
	}
	return nil
}
