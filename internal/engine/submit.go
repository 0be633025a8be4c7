package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/value"
)

// SubmitRequest registers a pending request and dispatches the bootstrap
// request action that makes it visible to rules. The fresh request id is
// returned as soon as the record is appended and its evaluation wave
// enqueued; the resolution arrives later through AwaitResponse.
//
// The reserved "request" and "path" fields win over caller fields of the
// same name.
//
// Thread-safe: may be called from any goroutine.
func (e *Engine) SubmitRequest(ctx context.Context, path string, fields value.Object) (string, error) {
	id := e.reqGen.Generate()
	if err := e.pending.Create(id); err != nil {
		return "", fmt.Errorf("submit request: %w", err)
	}

	input := make(value.Object, len(fields)+2)
	for k, v := range fields {
		input[k] = v
	}
	input[requestField] = value.String(id)
	input[pathField] = value.String(path)

	if _, err := e.invokeAndAppend(ctx, apiRequestRef, input, 0); err != nil {
		// Nothing will ever await or resolve this entry; drop it rather
		// than letting its timer expire into nothing.
		e.pending.Drop(id)
		return "", fmt.Errorf("submit request: %w", err)
	}

	slog.Info("request submitted", "request", id, "path", path)
	return id, nil
}

// AwaitResponse suspends until the request resolves or times out. A
// resolution returns its payload; an elapsed timeout returns the typed
// *pending.TimeoutError, distinguishable from any business-level error
// payload a rule responded with. Observing either terminal state
// releases the pending entry.
//
// Thread-safe: each request has exactly one waiter.
func (e *Engine) AwaitResponse(ctx context.Context, id string) (value.Object, error) {
	return e.pending.Await(ctx, id)
}

// Serve submits a request and awaits its response in one call. This is
// the gateway's one-hop entry point.
func (e *Engine) Serve(ctx context.Context, path string, fields value.Object) (value.Object, error) {
	id, err := e.SubmitRequest(ctx, path, fields)
	if err != nil {
		return nil, err
	}
	return e.AwaitResponse(ctx, id)
}

// Invoke calls a concept action directly, appends its record, and
// enqueues its evaluation wave, exactly as a dispatched firing would.
// Scenario setup and operator tooling seed state through here; external
// requests go through SubmitRequest so they can be awaited.
//
// Thread-safe: may be called from any goroutine.
func (e *Engine) Invoke(ctx context.Context, ref action.Ref, input value.Object) (value.Object, error) {
	rec, err := e.invokeAndAppend(ctx, ref, input, 0)
	if err != nil {
		return nil, err
	}
	return rec.Output, nil
}
