package harness

import (
	"fmt"

	"github.com/weftworks/weft/internal/value"
)

// TraceEvent is one log record as the harness reports it: position,
// action, and both binding sides. Stamps are omitted; seq is the only
// ordering the log guarantees and the only one assertions use.
type TraceEvent struct {
	Seq    int64        `json:"seq"`
	Action string       `json:"action"`
	Input  value.Object `json:"input"`
	Output value.Object `json:"output"`
}

// Response is the outcome of one request step.
type Response struct {
	Request string `json:"request"`
	Path    string `json:"path"`

	// Payload is the resolution payload; empty when the request timed
	// out.
	Payload value.Object `json:"payload"`

	// TimedOut is set when nothing resolved the request within the
	// scenario's timeout.
	TimedOut bool `json:"timed_out"`
}

// Result is the outcome of one scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace is the full action log after the run settled, in seq order.
	Trace []TraceEvent `json:"trace"`

	// Responses holds one entry per request step, in scenario order.
	Responses []Response `json:"responses"`

	// Errors lists every expectation that failed. Empty when Pass.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates an empty passing result.
func NewResult() *Result {
	return &Result{
		Pass:      true,
		Trace:     []TraceEvent{},
		Responses: []Response{},
	}
}

// AddError records a failed expectation and marks the result failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}
