package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/pending"
	"github.com/weftworks/weft/internal/value"
)

// The api concept is the engine's bootstrap surface: "request" records
// an external request's arrival, "respond" settles it. The engine
// reserves the concept name and handles both actions itself; a concept
// registered under "api" is shadowed.
const (
	apiConcept = "api"

	// requestField is the reserved payload key carrying a request id
	// through the bootstrap actions.
	requestField = "request"

	// pathField is the reserved payload key carrying a request's path.
	pathField = "path"
)

var (
	apiRequestRef = action.MakeRef(apiConcept, "request")
	apiRespondRef = action.MakeRef(apiConcept, "respond")
)

// invokeAPI executes one bootstrap action.
func (e *Engine) invokeAPI(ctx context.Context, ref action.Ref, input value.Object) (value.Object, error) {
	switch ref {
	case apiRequestRef:
		// The request action's output echoes its input (the fresh
		// request id, the path, and the caller's fields) so rules can
		// pattern-match either side.
		return input.Clone(), nil

	case apiRespondRef:
		return e.resolveRespond(input)

	default:
		return nil, NewUnknownActionError(ref.String(), nil)
	}
}

// resolveRespond settles the pending request named by the reserved
// request field, with the remaining input fields as the resolution
// payload. The first resolution wins; a respond aimed at an
// already-settled or unknown request is a logged no-op whose output
// reports resolved=false, never a wave failure.
func (e *Engine) resolveRespond(input value.Object) (value.Object, error) {
	idVal, ok := input[requestField].(value.String)
	if !ok {
		return nil, fmt.Errorf("respond: input field %q must be a string request id", requestField)
	}
	id := string(idVal)

	payload := make(value.Object, len(input)-1)
	for k, v := range input {
		if k == requestField {
			continue
		}
		payload[k] = v
	}

	err := e.pending.Resolve(id, payload)
	switch {
	case err == nil:
		return value.Object{"resolved": value.Bool(true)}, nil

	case errors.Is(err, pending.ErrAlreadyResolved), errors.Is(err, pending.ErrUnknownRequest):
		dup := NewDuplicateResolutionError(id, err)
		slog.Warn("duplicate or late response dropped",
			"request", id,
			"error", dup,
		)
		return value.Object{"resolved": value.Bool(false)}, nil

	default:
		return nil, fmt.Errorf("respond: %w", err)
	}
}
