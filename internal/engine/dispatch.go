package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/concept"
	"github.com/weftworks/weft/internal/rule"
	"github.com/weftworks/weft/internal/value"
)

// firingKey identifies one then-template of a rule for firing claims.
// Each template claims under its own key, so a multi-template rule fires
// every template exactly once per (trigger, frame).
func firingKey(ruleName string, templateIdx int) string {
	return fmt.Sprintf("%s/%d", ruleName, templateIdx)
}

// dispatchFrames fires r's then-templates for every surviving frame:
// frames in match order, templates in declaration order within each
// frame. A failed firing is logged and skipped; remaining templates,
// frames and rules proceed.
func (e *Engine) dispatchFrames(ctx context.Context, r *rule.Rule, trigger *action.Record, frames []rule.Frame, depth int) {
	for _, f := range frames {
		hash, err := f.Hash()
		if err != nil {
			logWaveError(trigger, NewDispatchError(r.Name, trigger.Seq, err))
			continue
		}
		for i, tmpl := range r.Then {
			e.dispatchTemplate(ctx, r, trigger, f, hash, i, tmpl, depth)
		}
	}
}

// dispatchTemplate fires one then-template for one frame.
//
// The firing is claimed before the invocation, so a (rule, trigger,
// frame, template) combination invokes its action at most once even when
// the same trigger is re-evaluated: re-delivery after a crash between
// claim and append surfaces as an undispatched firing in Verify rather
// than a double invocation.
func (e *Engine) dispatchTemplate(ctx context.Context, r *rule.Rule, trigger *action.Record, f rule.Frame, frameHash string, idx int, tmpl rule.ThenTemplate, depth int) {
	input, ok := tmpl.Substitute(f)
	if !ok {
		// Registration checks when-vars, so only an undelivered GuardVar
		// binding can land here.
		logWaveError(trigger, NewDispatchError(r.Name, trigger.Seq,
			fmt.Errorf("template %s: guard variable left unbound", tmpl.Ref)))
		return
	}

	key := firingKey(r.Name, idx)
	claimed, err := e.log.ClaimFiring(ctx, key, trigger.Seq, frameHash)
	if err != nil {
		logWaveError(trigger, NewDispatchError(r.Name, trigger.Seq, err))
		return
	}
	if !claimed {
		slog.Debug("firing already claimed, skipping (idempotent)",
			"rule", r.Name,
			"template", idx,
			"trigger_seq", trigger.Seq,
			"frame_hash", frameHash,
		)
		return
	}

	output, err := e.invoke(ctx, tmpl.Ref, input)
	if err != nil {
		logWaveError(trigger, NewDispatchError(r.Name, trigger.Seq, err))
		return
	}

	rec, err := e.appendFired(ctx, tmpl.Ref, input, output, key, trigger.Seq, frameHash)
	if err != nil {
		logWaveError(trigger, NewDispatchError(r.Name, trigger.Seq, err))
		return
	}
	e.enqueue(Event{Record: rec, Depth: depth + 1})

	slog.Info("rule fired",
		"rule", r.Name,
		"action", tmpl.Ref.String(),
		"seq", rec.Seq,
		"trigger_seq", trigger.Seq,
	)
}

// invoke routes one action invocation: the reserved api concept is
// handled by the engine itself, everything else goes to the registered
// concept invoker. Payloads are cloned at the concept boundary so a
// concept can never mutate what the log records.
func (e *Engine) invoke(ctx context.Context, ref action.Ref, input value.Object) (value.Object, error) {
	if ref.Concept() == apiConcept {
		return e.invokeAPI(ctx, ref, input)
	}
	if e.concepts == nil {
		return nil, NewUnknownConceptError(ref.Concept(), nil)
	}

	output, err := e.concepts.Invoke(ctx, ref, input.Clone())
	if err != nil {
		switch {
		case errors.Is(err, concept.ErrUnknownConcept):
			return nil, NewUnknownConceptError(ref.Concept(), err)
		case errors.Is(err, concept.ErrUnknownAction):
			return nil, NewUnknownActionError(ref.String(), err)
		default:
			return nil, err
		}
	}
	if output == nil {
		output = value.Object{}
	}
	return output.Clone(), nil
}

// invokeAndAppend invokes an action, appends its record, and enqueues
// the record's evaluation wave. This is the claim-free append path used
// by the bootstrap request and by guard invocations; dispatched firings
// go through dispatchTemplate instead so the claim and the append stay
// paired.
//
// eventDepth tags the appended record's wave: 0 for a chain root, one
// more than the invoking wave otherwise.
func (e *Engine) invokeAndAppend(ctx context.Context, ref action.Ref, input value.Object, eventDepth int) (*action.Record, error) {
	output, err := e.invoke(ctx, ref, input)
	if err != nil {
		return nil, err
	}

	rec, err := e.appendNew(ctx, ref, input, output)
	if err != nil {
		return nil, fmt.Errorf("append %s: %w", ref, err)
	}
	e.enqueue(Event{Record: rec, Depth: eventDepth})
	return rec, nil
}

// appendNew assigns the next seq and appends the record as one critical
// section under appendMu, so seq order equals append order: by the time
// any record with a higher seq is readable, this one is too, and a wave
// scanning at maxSeq = trigger.Seq sees every record its bound admits.
func (e *Engine) appendNew(ctx context.Context, ref action.Ref, input, output value.Object) (*action.Record, error) {
	e.appendMu.Lock()
	defer e.appendMu.Unlock()

	rec := e.newRecord(ref, input, output)
	if err := e.log.AppendRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// appendFired is appendNew for a claimed firing: the seq draw and the
// dispatched append share the same critical section.
func (e *Engine) appendFired(ctx context.Context, ref action.Ref, input, output value.Object, ruleKey string, triggerSeq int64, frameHash string) (*action.Record, error) {
	e.appendMu.Lock()
	defer e.appendMu.Unlock()

	rec := e.newRecord(ref, input, output)
	if err := e.log.AppendDispatched(ctx, rec, ruleKey, triggerSeq, frameHash); err != nil {
		return nil, err
	}
	return rec, nil
}

// newRecord stamps a completed invocation into a record, drawing its
// seq from the logical clock. Callers must hold appendMu and append the
// record before releasing it; a drawn seq that appends late would break
// the seq-order-equals-append-order invariant.
func (e *Engine) newRecord(ref action.Ref, input, output value.Object) *action.Record {
	return &action.Record{
		Seq:     e.clock.Next(),
		Concept: ref.Concept(),
		Action:  ref.Action(),
		Input:   input,
		Output:  output,
		Stamp:   e.now(),
	}
}
