package harness

import (
	"fmt"
	"strings"

	"github.com/weftworks/weft/internal/value"
)

// Assertion type names as they appear in scenario files.
const (
	AssertTraceContains  = "trace_contains"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
	AssertResponseEquals = "response_equals"
)

// AssertionError describes one failed assertion, with the full trace
// attached so a failure can be read without re-running the scenario.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "assertion %s failed\n", e.Type)
	fmt.Fprintf(&b, "  expected: %s\n", e.Expected)
	fmt.Fprintf(&b, "  actual:   %s", e.Actual)
	if len(e.Trace) > 0 {
		b.WriteString("\n  trace:")
		for _, ev := range e.Trace {
			fmt.Fprintf(&b, "\n    [%d] %s input=%s output=%s",
				ev.Seq, ev.Action, renderValue(ev.Input), renderValue(ev.Output))
		}
	}
	return b.String()
}

// EvaluateAssertions checks every assertion against the finished run
// and records failures on the result. Assertions are independent: all
// of them run even after one fails.
func EvaluateAssertions(assertions []Assertion, result *Result) {
	for i := range assertions {
		if err := evaluateAssertion(&assertions[i], result); err != nil {
			result.AddError("assertions[%d]: %v", i, err)
		}
	}
}

func evaluateAssertion(a *Assertion, result *Result) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(a, result.Trace)
	case AssertTraceOrder:
		return assertTraceOrder(a, result.Trace)
	case AssertTraceCount:
		return assertTraceCount(a, result.Trace)
	case AssertResponseEquals:
		return assertResponseEquals(a, result.Responses)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertTraceContains passes when some record has the action and carries
// every given input and output field.
func assertTraceContains(a *Assertion, trace []TraceEvent) error {
	input, err := toObject(a.Input)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}
	output, err := toObject(a.Output)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}

	sameAction := 0
	for _, ev := range trace {
		if ev.Action != a.Action {
			continue
		}
		sameAction++
		if subsetOf(input, ev.Input) && subsetOf(output, ev.Output) {
			return nil
		}
	}

	actual := fmt.Sprintf("no %s records", a.Action)
	if sameAction > 0 {
		actual = fmt.Sprintf("%d %s records, none with the expected fields", sameAction, a.Action)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s with input %s and output %s", a.Action, renderValue(input), renderValue(output)),
		Actual:   actual,
		Trace:    trace,
	}
}

// assertTraceOrder passes when the actions appear as a subsequence of
// the trace: each one at some position after the previous one, with
// unrelated records free to interleave.
func assertTraceOrder(a *Assertion, trace []TraceEvent) error {
	cursor := 0
	for _, name := range a.Actions {
		found := -1
		for j := cursor; j < len(trace); j++ {
			if trace[j].Action == name {
				found = j
				break
			}
		}
		if found < 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: strings.Join(a.Actions, ", then "),
				Actual:   fmt.Sprintf("no %s record at or after trace position %d", name, cursor),
				Trace:    trace,
			}
		}
		cursor = found + 1
	}
	return nil
}

// assertTraceCount passes when exactly count records have the action
// (and the input fields, when given).
func assertTraceCount(a *Assertion, trace []TraceEvent) error {
	input, err := toObject(a.Input)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}

	n := 0
	for _, ev := range trace {
		if ev.Action == a.Action && subsetOf(input, ev.Input) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d %s records", a.Count, a.Action),
		Actual:   fmt.Sprintf("%d", n),
		Trace:    trace,
	}
}

// assertResponseEquals passes when the named request resolved with
// exactly the given payload. Unlike a request step's expect clause this
// is full equality, so extra payload fields fail it.
func assertResponseEquals(a *Assertion, responses []Response) error {
	if a.Request < 1 || a.Request > len(responses) {
		return fmt.Errorf("request %d out of range, run produced %d responses", a.Request, len(responses))
	}
	resp := responses[a.Request-1]

	want, err := toObject(a.Payload)
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	if resp.TimedOut {
		return &AssertionError{
			Type:     AssertResponseEquals,
			Expected: renderValue(want),
			Actual:   fmt.Sprintf("request %s timed out", resp.Request),
		}
	}
	if !value.Equal(resp.Payload, want) {
		return &AssertionError{
			Type:     AssertResponseEquals,
			Expected: renderValue(want),
			Actual:   renderValue(resp.Payload),
		}
	}
	return nil
}

// subsetOf reports whether every field of want appears in got with an
// equal value.
func subsetOf(want, got value.Object) bool {
	for k, w := range want {
		g, ok := got[k]
		if !ok || !value.Equal(g, w) {
			return false
		}
	}
	return true
}

// renderValue formats a value for error messages. Marshal cannot fail
// on a union member; the fallback covers a bug, not an input.
func renderValue(v value.Value) string {
	data, err := value.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
