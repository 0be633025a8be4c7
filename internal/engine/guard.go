package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/rule"
	"github.com/weftworks/weft/internal/value"
)

// guardContext is the engine's implementation of rule.GuardAPI: the only
// capability surface a guard gets. Routing Respond through the bootstrap
// respond action keeps guard resolutions observable in the log, and
// tracking them here is what enforces the consume-on-respond contract:
// frames returned by an invocation that responded never reach dispatch.
//
// One guardContext exists per guard invocation (per frame), so the
// responded flag scopes exactly to the frame being refined.
type guardContext struct {
	engine *Engine
	depth  int

	// responded flips when this invocation resolves a request, via
	// Respond or via Invoke of the bootstrap respond action.
	responded bool
}

// Lookup joins one pattern against the whole log, extending f with any
// new bindings. Already-bound variables act as concrete constraints.
func (g *guardContext) Lookup(ctx context.Context, p rule.WhenPattern, f rule.Frame) ([]rule.Frame, error) {
	return g.engine.matchPattern(ctx, p, f, 0)
}

// Invoke calls a concept action and appends its record, exactly as a
// dispatched then-template would. The record's wave is enqueued, so
// guard-invoked actions chain like any other.
func (g *guardContext) Invoke(ctx context.Context, ref action.Ref, input value.Object) (value.Object, error) {
	rec, err := g.engine.invokeAndAppend(ctx, ref, input, g.depth+1)
	if err != nil {
		return nil, err
	}
	if ref == apiRespondRef {
		g.responded = true
	}
	return rec.Output.Clone(), nil
}

// Respond resolves a pending request directly, through the bootstrap
// respond action so the resolution is a log record like any other.
func (g *guardContext) Respond(ctx context.Context, requestID string, payload value.Object) error {
	input := payload.Clone()
	if input == nil {
		input = value.Object{}
	}
	input[requestField] = value.String(requestID)
	_, err := g.Invoke(ctx, apiRespondRef, input)
	return err
}

// evaluateGuard refines r's candidate frames through its guard, one
// frame at a time. The rule-level result is the concatenation of
// per-frame results in frame order.
//
// Failure isolation: an error or panic from one invocation drops only
// that frame; sibling frames and other rules are unaffected.
//
// Consume-on-respond: if an invocation resolved a request, every frame
// it returned is discarded (logged when any were). Responding consumes
// the frame, so dispatch never double-fires for it.
func (e *Engine) evaluateGuard(ctx context.Context, r *rule.Rule, trigger *action.Record, frames []rule.Frame, depth int) []rule.Frame {
	if r.Guard == nil {
		return frames
	}

	var out []rule.Frame
	for _, f := range frames {
		g := &guardContext{engine: e, depth: depth}
		refined, err := invokeGuard(ctx, r.Guard, g, f)
		if err != nil {
			logWaveError(trigger, NewGuardError(r.Name, trigger.Seq, err))
			continue
		}
		if g.responded {
			if len(refined) > 0 {
				slog.Warn("guard responded and returned frames; discarding them before dispatch",
					"rule", r.Name,
					"trigger_seq", trigger.Seq,
					"discarded", len(refined),
				)
			}
			continue
		}
		out = append(out, refined...)
	}
	return out
}

// invokeGuard calls the guard for one frame with panic containment, so a
// panicking guard degrades to a per-frame guard failure instead of
// killing the wave goroutine. The frame is cloned first; guards never
// see (or mutate) the evaluator's copy.
func invokeGuard(ctx context.Context, fn rule.GuardFunc, g rule.GuardAPI, f rule.Frame) (frames []rule.Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			frames, err = nil, fmt.Errorf("guard panic: %v", r)
		}
	}()
	return fn(ctx, g, f.Clone())
}
