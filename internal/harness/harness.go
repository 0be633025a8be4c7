package harness

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/compiler"
	"github.com/weftworks/weft/internal/concept"
	"github.com/weftworks/weft/internal/demo"
	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/pending"
	"github.com/weftworks/weft/internal/queryir"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/testutil"
	"github.com/weftworks/weft/internal/value"
)

// DefaultTimeout bounds each request's resolution wait. Scenario chains
// run in-process against an in-memory log, so anything slower than this
// has lost its respond.
const DefaultTimeout = 3 * time.Second

// Options configures a scenario run.
type Options struct {
	// Guards resolves the guard names the manifests reference. Nil
	// means the demo guard table.
	Guards compiler.GuardTable

	// Concepts builds the concept registry for one run. Nil means the
	// demo registry with sequential session tokens. The factory is
	// called once per scenario, so concept state never leaks between
	// runs.
	Concepts func() (*concept.Registry, error)

	// Timeout is the per-request resolution timeout. A scenario's own
	// timeout field wins over it; zero means DefaultTimeout.
	Timeout time.Duration

	// MaxDepth caps firing chains. Zero keeps the engine default.
	MaxDepth int
}

// Run executes one scenario against a fresh engine over an in-memory
// log. Expectation failures land in Result.Errors; infrastructure
// failures (manifests that do not load, setup actions that error) come
// back as the returned error.
func Run(ctx context.Context, scenario *Scenario, opts Options) (*Result, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}

	guards := opts.Guards
	if guards == nil {
		guards = demo.Guards()
	}
	manifest, errs := compiler.LoadDir(scenario.Manifests, guards, compiler.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, fmt.Errorf("load manifests: %w", errs[0])
	}
	rules, err := manifest.RuleRegistry()
	if err != nil {
		return nil, fmt.Errorf("register rules: %w", err)
	}

	concepts, err := buildConcepts(opts)
	if err != nil {
		return nil, fmt.Errorf("build concepts: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer st.Close()

	timeout := DefaultTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if d := scenario.Timeout.Duration(); d > 0 {
		timeout = d
	}

	engOpts := []engine.Option{
		engine.WithIDGenerator(testutil.NewSeqIDGenerator("req")),
		engine.WithTimeFunc(testutil.NewDeterministicClock().Now),
		engine.WithRequestTimeout(timeout),
	}
	if opts.MaxDepth > 0 {
		engOpts = append(engOpts, engine.WithMaxDepth(opts.MaxDepth))
	}
	eng := engine.New(st, rules, concepts, engOpts...)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	result := NewResult()
	if err := runSetup(runCtx, eng, scenario); err != nil {
		return nil, err
	}
	if err := runRequests(runCtx, eng, scenario, result); err != nil {
		return nil, err
	}
	if err := eng.Settle(runCtx); err != nil {
		return nil, fmt.Errorf("settle: %w", err)
	}

	recs, err := st.QueryRecords(ctx, queryir.Range{})
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	for _, rec := range recs {
		result.Trace = append(result.Trace, TraceEvent{
			Seq:    rec.Seq,
			Action: string(rec.Ref()),
			Input:  rec.Input,
			Output: rec.Output,
		})
	}

	EvaluateAssertions(scenario.Assertions, result)
	return result, nil
}

func buildConcepts(opts Options) (*concept.Registry, error) {
	if opts.Concepts != nil {
		return opts.Concepts()
	}
	tokens := testutil.NewSeqIDGenerator("session")
	return demo.Concepts(nil, concept.WithTokenFunc(tokens.Generate))
}

// runSetup invokes the setup actions and waits for the chains they
// trigger, so request waves join against settled state.
func runSetup(ctx context.Context, eng *engine.Engine, scenario *Scenario) error {
	for i, step := range scenario.Setup {
		input, err := toObject(step.Input)
		if err != nil {
			return fmt.Errorf("setup[%d] input: %w", i, err)
		}
		if _, err := eng.Invoke(ctx, action.Ref(step.Action), input); err != nil {
			return fmt.Errorf("setup[%d] %s: %w", i, step.Action, err)
		}
	}
	return eng.Settle(ctx)
}

// runRequests submits the request steps in order. The engine settles
// after each one, so every chained wave lands in the log before the
// next request is submitted and traces come out reproducible.
func runRequests(ctx context.Context, eng *engine.Engine, scenario *Scenario, result *Result) error {
	for i, step := range scenario.Requests {
		fields, err := toObject(step.Fields)
		if err != nil {
			return fmt.Errorf("requests[%d] fields: %w", i, err)
		}

		id, err := eng.SubmitRequest(ctx, step.Path, fields)
		if err != nil {
			return fmt.Errorf("requests[%d] %s: %w", i, step.Path, err)
		}

		payload, err := eng.AwaitResponse(ctx, id)
		switch {
		case err == nil:
			result.Responses = append(result.Responses, Response{
				Request: id,
				Path:    step.Path,
				Payload: payload,
			})
			if step.ExpectTimeout {
				result.AddError("requests[%d] %s: resolved with %s, expected a timeout",
					i, step.Path, renderValue(payload))
				break
			}
			checkExpect(i, step, payload, result)

		case pending.IsTimeout(err):
			result.Responses = append(result.Responses, Response{
				Request:  id,
				Path:     step.Path,
				Payload:  value.Object{},
				TimedOut: true,
			})
			if !step.ExpectTimeout {
				result.AddError("requests[%d] %s: timed out", i, step.Path)
			}

		default:
			return fmt.Errorf("requests[%d] %s: %w", i, step.Path, err)
		}

		if err := eng.Settle(ctx); err != nil {
			return fmt.Errorf("settle after requests[%d]: %w", i, err)
		}
	}
	return nil
}

// checkExpect applies a request step's subset expectation to the
// resolution payload.
func checkExpect(i int, step RequestStep, payload value.Object, result *Result) {
	want, err := toObject(step.Expect)
	if err != nil {
		// Validate has already vetted the expect clause.
		result.AddError("requests[%d] %s: expect: %v", i, step.Path, err)
		return
	}
	for _, k := range want.SortedKeys() {
		got, ok := payload[k]
		if !ok {
			result.AddError("requests[%d] %s: payload %s has no field %q",
				i, step.Path, renderValue(payload), k)
			continue
		}
		if !value.Equal(got, want[k]) {
			result.AddError("requests[%d] %s: field %q is %s, want %s",
				i, step.Path, k, renderValue(got), renderValue(want[k]))
		}
	}
}

// toValue converts a decoded YAML value into the engine's value union,
// with the same strictness as the JSON boundary: null is rejected, and
// numbers must be integers.
func toValue(v any) (value.Value, error) {
	switch x := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is not a value")
	case bool:
		return value.Bool(x), nil
	case int:
		return value.Int(x), nil
	case int64:
		return value.Int(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("number %d overflows int64", x)
		}
		return value.Int(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) {
			return nil, fmt.Errorf("number %v is not an integer", x)
		}
		if x < math.MinInt64 || x >= math.MaxInt64 {
			return nil, fmt.Errorf("number %v overflows int64", x)
		}
		return value.Int(int64(x)), nil
	case string:
		return value.String(x), nil
	case []any:
		arr := make(value.Array, len(x))
		for i, elem := range x {
			ev, err := toValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		return toObject(x)
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// toObject converts a decoded YAML mapping. A nil map converts to an
// empty object.
func toObject(m map[string]any) (value.Object, error) {
	obj := make(value.Object, len(m))
	for k, v := range m {
		val, err := toValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		obj[k] = val
	}
	return obj, nil
}
