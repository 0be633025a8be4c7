// Package concept defines the boundary between the engine and the
// state+action modules it orchestrates. A concept exposes asynchronous
// actions behind the Invoker capability interface; the Registry maps
// concept names to invokers and is built once at startup, then passed by
// reference. There is no ambient global table, and no reflection.
//
// Convention for action outputs: business failures are ordinary outputs
// carrying an "error" field ({error: "..."}), so rule chains still see a
// record and can respond with the failure. A Go error from Invoke means
// infrastructure failure (the action produced no output at all) and is
// surfaced as a dispatch failure by the engine.
package concept

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/value"
)

// namePattern is the concept half of an action ref.
var namePattern = regexp.MustCompile(`^[a-z][a-zA-Z0-9_]*$`)

// ErrUnknownConcept reports a concept name with no registered invoker.
var ErrUnknownConcept = errors.New("unknown concept")

// ErrUnknownAction reports an action a concept does not implement.
var ErrUnknownAction = errors.New("unknown action")

// Invoker is the capability surface one concept exposes: invoke an
// action by name with an input object, get an output object. Inputs are
// cloned by the engine before crossing this boundary, so invokers may
// not assume exclusive ownership but can read freely.
type Invoker interface {
	Invoke(ctx context.Context, action string, input value.Object) (value.Object, error)
}

// Func adapts a table of action functions to an Invoker.
type Func map[string]func(ctx context.Context, input value.Object) (value.Object, error)

// Invoke dispatches to the named action function.
func (f Func) Invoke(ctx context.Context, action string, input value.Object) (value.Object, error) {
	fn, ok := f[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return fn(ctx, input)
}

// Registry maps concept names to invokers. Like the rule registry it is
// populated at startup and sealed before the engine runs; reads after
// sealing are safe from any goroutine because nothing mutates.
type Registry struct {
	concepts map[string]Invoker
	sealed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{concepts: make(map[string]Invoker)}
}

// Register adds a concept under a name. The name must be valid as the
// concept half of an action ref. The "api" name is reserved for the
// engine's bootstrap concept.
func (r *Registry) Register(name string, inv Invoker) error {
	if r.sealed {
		return fmt.Errorf("registry is sealed: concepts cannot be added at runtime")
	}
	if inv == nil {
		return fmt.Errorf("nil invoker for concept %q", name)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid concept name %q", name)
	}
	if name == "api" {
		return fmt.Errorf("concept name %q is reserved for the engine", name)
	}
	if _, dup := r.concepts[name]; dup {
		return fmt.Errorf("duplicate concept name: %q", name)
	}
	r.concepts[name] = inv
	return nil
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.sealed = true
}

// Sealed reports whether the registry is frozen.
func (r *Registry) Sealed() bool {
	return r.sealed
}

// Names returns the registered concept names, unordered.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.concepts))
	for name := range r.concepts {
		names = append(names, name)
	}
	return names
}

// Invoke routes a fully-qualified action reference to its concept.
func (r *Registry) Invoke(ctx context.Context, ref action.Ref, input value.Object) (value.Object, error) {
	inv, ok := r.concepts[ref.Concept()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConcept, ref.Concept())
	}
	output, err := inv.Invoke(ctx, ref.Action(), input)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", ref, err)
	}
	return output, nil
}

// stringField extracts a non-empty string field from an input object.
func stringField(input value.Object, field string) (string, bool) {
	s, ok := input[field].(value.String)
	if !ok || s == "" {
		return "", false
	}
	return string(s), true
}

// intField extracts an integer field from an input object.
func intField(input value.Object, field string) (int64, bool) {
	n, ok := input[field].(value.Int)
	if !ok {
		return 0, false
	}
	return int64(n), true
}

// failure builds the conventional business-failure output.
func failure(msg string) value.Object {
	return value.Object{"error": value.String(msg)}
}
