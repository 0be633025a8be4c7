package engine

import (
	"context"
	"fmt"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/queryir"
	"github.com/weftworks/weft/internal/rule"
	"github.com/weftworks/weft/internal/value"
)

// patternScan builds the log query for one when-pattern under a partial
// frame. Literal terms and already-bound variables become equality
// constraints the store can evaluate; unbound variables are left to
// bindRecord, which extracts them from each returned record.
func patternScan(p rule.WhenPattern, f rule.Frame, maxSeq int64) queryir.Scan {
	var preds []queryir.Predicate

	collect := func(col queryir.Column, terms map[string]rule.Term) {
		for field, term := range terms {
			switch tm := term.(type) {
			case rule.Lit:
				preds = append(preds, queryir.FieldEq{Col: col, Field: field, Value: tm.Value})
			case rule.Bind:
				if val, ok := f.Bound(tm.Var); ok {
					preds = append(preds, queryir.FieldEq{Col: col, Field: field, Value: val})
				}
			}
		}
	}
	collect(queryir.ColInput, p.Input)
	collect(queryir.ColOutput, p.Output)

	scan := queryir.Scan{Ref: p.Ref, MaxSeq: maxSeq}
	if len(preds) > 0 {
		scan.Filter = queryir.And{Preds: preds}
	}
	return scan
}

// bindRecord extends f with the bindings one record supplies for one
// when-pattern. Returns (nil, false) when the record does not satisfy
// the pattern: a constrained field is absent from the payload, a literal
// mismatches, or a variable already bound in f would take a conflicting
// value (unification failure).
//
// Literal and bound-variable constraints are re-checked here even though
// the store evaluated most of them, so match semantics never depend on
// how much of a filter a backend pushed down.
func bindRecord(p rule.WhenPattern, f rule.Frame, rec *action.Record) (rule.Frame, bool) {
	out, ok := bindTerms(p.Input, rec.Input, f)
	if !ok {
		return nil, false
	}
	out, ok = bindTerms(p.Output, rec.Output, out)
	if !ok {
		return nil, false
	}
	return out, true
}

func bindTerms(terms map[string]rule.Term, payload value.Object, f rule.Frame) (rule.Frame, bool) {
	for field, term := range terms {
		val, present := payload[field]
		if !present {
			// A constrained field must exist; absent never matches.
			return nil, false
		}
		switch tm := term.(type) {
		case rule.Lit:
			if !value.Equal(val, tm.Value) {
				return nil, false
			}
		case rule.Bind:
			next, ok := f.Extend(tm.Var, val)
			if !ok {
				return nil, false
			}
			f = next
		}
	}
	return f, true
}

// matchPattern joins one when-pattern against the log under a partial
// frame, returning one extended frame per satisfying record in seq
// order. maxSeq of 0 means unbounded.
func (e *Engine) matchPattern(ctx context.Context, p rule.WhenPattern, f rule.Frame, maxSeq int64) ([]rule.Frame, error) {
	records, err := e.log.QueryRecords(ctx, patternScan(p, f, maxSeq))
	if err != nil {
		return nil, fmt.Errorf("match pattern %s: %w", p.Ref, err)
	}

	var frames []rule.Frame
	for i := range records {
		if extended, ok := bindRecord(p, f, &records[i]); ok {
			frames = append(frames, extended)
		}
	}
	return frames, nil
}

// matchJoin runs the full multi-pattern join: patterns are joined in
// declaration order, each surviving frame carrying its accumulated
// bindings into the next pattern's scan. A pattern with zero satisfying
// records eliminates the frame. Zero patterns produce zero frames: a
// rule with no when-patterns never fires.
func (e *Engine) matchJoin(ctx context.Context, patterns []rule.WhenPattern, maxSeq int64) ([]rule.Frame, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	frames := []rule.Frame{{}}
	for _, p := range patterns {
		var next []rule.Frame
		for _, f := range frames {
			extended, err := e.matchPattern(ctx, p, f, maxSeq)
			if err != nil {
				return nil, err
			}
			next = append(next, extended...)
		}
		frames = next
		if len(frames) == 0 {
			return nil, nil
		}
	}
	return frames, nil
}

// matchAnchored computes the frames of r's join that involve the trigger
// record. For each when-pattern whose ref matches the trigger, the
// pattern is pinned to the trigger record and the remaining patterns are
// joined in declaration order against the log at seq <= trigger.Seq.
// The per-anchor frame sets are unioned and deduplicated by frame hash,
// so a record matching two patterns of the same rule still yields each
// distinct frame once.
//
// Anchoring never admits a frame the full join would reject; it selects
// the subset of join results that include the new record, which is
// exactly the set of frames this trigger should fire.
func (e *Engine) matchAnchored(ctx context.Context, r *rule.Rule, trigger *action.Record) ([]rule.Frame, error) {
	if len(r.When) == 0 {
		return nil, nil
	}

	triggerRef := trigger.Ref()
	var out []rule.Frame
	seen := make(map[string]bool)

	for anchor, p := range r.When {
		if p.Ref != triggerRef {
			continue
		}
		anchored, ok := bindRecord(p, rule.Frame{}, trigger)
		if !ok {
			continue
		}

		frames := []rule.Frame{anchored}
		for i, q := range r.When {
			if i == anchor {
				continue
			}
			var next []rule.Frame
			for _, f := range frames {
				extended, err := e.matchPattern(ctx, q, f, trigger.Seq)
				if err != nil {
					return nil, err
				}
				next = append(next, extended...)
			}
			frames = next
			if len(frames) == 0 {
				break
			}
		}

		for _, f := range frames {
			hash, err := f.Hash()
			if err != nil {
				return nil, fmt.Errorf("hash frame for rule %s: %w", r.Name, err)
			}
			if seen[hash] {
				continue
			}
			seen[hash] = true
			out = append(out, f)
		}
	}

	return out, nil
}
