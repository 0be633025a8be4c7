package harness

import (
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/value"
)

// Snapshot renders a run as canonical JSON with a trailing newline, the
// form the golden fixtures store. Canonical ordering makes a snapshot
// byte-stable across runs, so fixtures diff cleanly.
//
// The test command's --update flag and the goldie -update flag both
// write these bytes.
func Snapshot(scenario *Scenario, result *Result) ([]byte, error) {
	trace := make(value.Array, len(result.Trace))
	for i, ev := range result.Trace {
		trace[i] = value.Object{
			"seq":    value.Int(ev.Seq),
			"action": value.String(ev.Action),
			"input":  ev.Input,
			"output": ev.Output,
		}
	}

	responses := make(value.Array, len(result.Responses))
	for i, resp := range result.Responses {
		responses[i] = value.Object{
			"request":   value.String(resp.Request),
			"path":      value.String(resp.Path),
			"payload":   resp.Payload,
			"timed_out": value.Bool(resp.TimedOut),
		}
	}

	obj := value.Object{
		"scenario":  value.String(scenario.Name),
		"pass":      value.Bool(result.Pass),
		"responses": responses,
		"trace":     trace,
	}
	if len(result.Errors) > 0 {
		errs := make(value.Array, len(result.Errors))
		for i, msg := range result.Errors {
			errs[i] = value.String(msg)
		}
		obj["errors"] = errs
	}

	data, err := value.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", scenario.Name, err)
	}
	return append(data, '\n'), nil
}

// AssertGolden compares a finished run against its golden fixture in
// testdata/golden/<name>.golden. Refresh fixtures with
//
//	go test ./internal/harness -update
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) {
	t.Helper()

	data, err := Snapshot(scenario, result)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
}
