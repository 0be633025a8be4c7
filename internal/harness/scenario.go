package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/config"
)

// Scenario is one declarative test case: setup invocations, requests
// through the pending path, and assertions over the responses and the
// trace.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Manifests is the directory the rule set loads from. LoadScenario
	// resolves a relative path against the scenario file's directory.
	Manifests string `yaml:"manifests"`

	// Timeout overrides the per-request resolution timeout for this
	// scenario. Zero keeps the run's default.
	Timeout config.Duration `yaml:"timeout"`

	Setup      []SetupStep   `yaml:"setup"`
	Requests   []RequestStep `yaml:"requests"`
	Assertions []Assertion   `yaml:"assertions"`
}

// SetupStep invokes one concept action directly, before any request is
// submitted. The record lands in the log like any other.
type SetupStep struct {
	Action string         `yaml:"action"`
	Input  map[string]any `yaml:"input"`
}

// RequestStep submits one request and awaits its resolution.
type RequestStep struct {
	Path   string         `yaml:"path"`
	Fields map[string]any `yaml:"fields"`

	// Expect is a subset check against the resolution payload: every
	// listed field must be present and equal. Extra payload fields pass.
	Expect map[string]any `yaml:"expect"`

	// ExpectTimeout marks a request that nothing should resolve. The
	// run then records the timeout instead of failing on it.
	ExpectTimeout bool `yaml:"expect_timeout"`
}

// Assertion is one post-run check. Type selects which of the remaining
// fields apply; Validate rejects combinations that make no sense.
type Assertion struct {
	Type string `yaml:"type"`

	// trace_contains and trace_count name an action; input/output
	// fields narrow the match (subset semantics).
	Action string         `yaml:"action"`
	Input  map[string]any `yaml:"input"`
	Output map[string]any `yaml:"output"`

	// trace_order lists actions that must appear as a subsequence.
	Actions []string `yaml:"actions"`

	// trace_count is the exact number of matching records.
	Count int `yaml:"count"`

	// response_equals checks the payload of the request-th request
	// (1-based) for exact equality.
	Request int            `yaml:"request"`
	Payload map[string]any `yaml:"payload"`
}

// LoadScenario reads and validates one scenario file. A relative
// manifests path is resolved against the file's directory, so scenario
// trees ship beside the manifests they exercise.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // typos in field names fail loudly
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}

	if s.Manifests != "" && !filepath.IsAbs(s.Manifests) {
		s.Manifests = filepath.Join(filepath.Dir(path), s.Manifests)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks the structural problems a run would otherwise hit
// halfway through: malformed action refs, request paths without the
// leading slash, inputs the value union rejects, assertions aimed at
// requests that do not exist.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario has no name")
	}
	if s.Manifests == "" {
		return fmt.Errorf("scenario has no manifests directory")
	}
	if len(s.Setup) == 0 && len(s.Requests) == 0 {
		return fmt.Errorf("scenario has no setup steps and no requests")
	}

	for i, step := range s.Setup {
		if err := action.Ref(step.Action).Validate(); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if _, err := toObject(step.Input); err != nil {
			return fmt.Errorf("setup[%d] input: %w", i, err)
		}
	}

	for i, step := range s.Requests {
		if !strings.HasPrefix(step.Path, "/") {
			return fmt.Errorf("requests[%d]: path %q must start with \"/\"", i, step.Path)
		}
		if _, err := toObject(step.Fields); err != nil {
			return fmt.Errorf("requests[%d] fields: %w", i, err)
		}
		if _, err := toObject(step.Expect); err != nil {
			return fmt.Errorf("requests[%d] expect: %w", i, err)
		}
		if step.ExpectTimeout && len(step.Expect) > 0 {
			return fmt.Errorf("requests[%d]: expect and expect_timeout are mutually exclusive", i)
		}
	}

	for i := range s.Assertions {
		if err := s.validateAssertion(i); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scenario) validateAssertion(i int) error {
	a := &s.Assertions[i]
	switch a.Type {
	case AssertTraceContains:
		if err := action.Ref(a.Action).Validate(); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
		if _, err := toObject(a.Input); err != nil {
			return fmt.Errorf("assertions[%d] input: %w", i, err)
		}
		if _, err := toObject(a.Output); err != nil {
			return fmt.Errorf("assertions[%d] output: %w", i, err)
		}

	case AssertTraceOrder:
		if len(a.Actions) < 2 {
			return fmt.Errorf("assertions[%d]: trace_order needs at least two actions", i)
		}
		for j, name := range a.Actions {
			if err := action.Ref(name).Validate(); err != nil {
				return fmt.Errorf("assertions[%d] actions[%d]: %w", i, j, err)
			}
		}

	case AssertTraceCount:
		if err := action.Ref(a.Action).Validate(); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must not be negative", i)
		}
		if _, err := toObject(a.Input); err != nil {
			return fmt.Errorf("assertions[%d] input: %w", i, err)
		}

	case AssertResponseEquals:
		if a.Request < 1 || a.Request > len(s.Requests) {
			return fmt.Errorf("assertions[%d]: request %d out of range, scenario has %d requests",
				i, a.Request, len(s.Requests))
		}
		if _, err := toObject(a.Payload); err != nil {
			return fmt.Errorf("assertions[%d] payload: %w", i, err)
		}

	case "":
		return fmt.Errorf("assertions[%d]: missing type", i)

	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
	}
	return nil
}
