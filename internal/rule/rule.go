package rule

import (
	"context"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/value"
)

// GuardAPI is the capability surface handed to guards. It is the only way
// a guard can reach the log, the concepts, or a pending request, which is
// what lets the evaluator enforce the consume-on-respond contract.
type GuardAPI interface {
	// Lookup joins one pattern against the log, extending f with any new
	// bindings. Already-bound variables act as concrete constraints.
	Lookup(ctx context.Context, p WhenPattern, f Frame) ([]Frame, error)

	// Invoke calls a concept action and appends its record to the log,
	// exactly as a dispatched then-template would.
	Invoke(ctx context.Context, ref action.Ref, input value.Object) (value.Object, error)

	// Respond resolves a pending request directly. Any frames the guard
	// returns from an invocation that responded are discarded before
	// dispatch: responding consumes the frame.
	Respond(ctx context.Context, requestID string, payload value.Object) error
}

// GuardFunc refines one candidate frame. It is called once per frame;
// returning an empty slice drops the frame, returning frames (possibly
// augmented with GuardVars bindings) passes them to dispatch, and an error
// drops only this frame. Sibling frames and other rules are unaffected.
type GuardFunc func(ctx context.Context, g GuardAPI, f Frame) ([]Frame, error)

// Rule is one synchronization: when-patterns joined against the action
// log, an optional guard, and then-templates dispatched per surviving
// frame. Rules are registered once at startup and immutable afterwards.
type Rule struct {
	Name string

	// When patterns are joined in declaration order. A rule with no
	// when-patterns never fires.
	When []WhenPattern

	// Guard optionally filters or augments frames. GuardVars declares the
	// variables the guard may bind, so then-templates can reference them
	// and still be checked at registration.
	Guard     GuardFunc
	GuardVars []Var

	// Then templates fire in declaration order for each surviving frame.
	Then []ThenTemplate
}

// WhenVars returns every variable bound by the when-patterns.
func (r *Rule) WhenVars() []Var {
	var vars []Var
	for _, p := range r.When {
		vars = append(vars, p.Vars()...)
	}
	return vars
}

// AllVars returns every variable the rule references anywhere.
func (r *Rule) AllVars() []Var {
	vars := r.WhenVars()
	vars = append(vars, r.GuardVars...)
	for _, t := range r.Then {
		vars = append(vars, t.Vars()...)
	}
	return vars
}

// Matches reports whether any when-pattern watches the given ref.
func (r *Rule) Matches(ref action.Ref) bool {
	for _, p := range r.When {
		if p.Ref == ref {
			return true
		}
	}
	return false
}

// Substitute builds the template's input from the frame. The bool result
// is false if a template variable is unbound in the frame; registration
// validation makes that unreachable for when-vars, so it only trips when
// a guard failed to bind a declared GuardVar.
func (t ThenTemplate) Substitute(f Frame) (value.Object, bool) {
	input := make(value.Object, len(t.Input))
	for field, term := range t.Input {
		switch tm := term.(type) {
		case Lit:
			input[field] = tm.Value
		case Bind:
			val, ok := f.Bound(tm.Var)
			if !ok {
				return nil, false
			}
			input[field] = val
		}
	}
	return input, true
}
