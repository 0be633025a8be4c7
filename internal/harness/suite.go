package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ScenarioOutcome is one scenario's entry in a suite run.
type ScenarioOutcome struct {
	Name string `json:"name"`
	Path string `json:"path"`

	// Result is nil when the scenario failed to load or run at all; Err
	// then says why.
	Result *Result `json:"result,omitempty"`
	Err    string  `json:"error,omitempty"`
}

// Passed reports whether the scenario loaded, ran, and held every
// expectation.
func (o *ScenarioOutcome) Passed() bool {
	return o.Err == "" && o.Result != nil && o.Result.Pass
}

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Scenarios []ScenarioOutcome `json:"scenarios"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
}

// Pass reports whether every scenario in the suite passed.
func (s *SuiteResult) Pass() bool {
	return s.Failed == 0
}

// RunDir loads and runs every scenario file (*.yaml, *.yml) in a
// directory, in name order. A scenario that fails to load or run is
// recorded as a failed outcome, not a suite error; the suite keeps
// going so one broken file does not hide the rest.
func RunDir(ctx context.Context, dir string, opts Options) (*SuiteResult, error) {
	paths, err := findScenarioFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario files found in %s", dir)
	}

	suite := &SuiteResult{}
	for _, path := range paths {
		outcome := runOne(ctx, path, opts)
		if outcome.Passed() {
			suite.Passed++
		} else {
			suite.Failed++
		}
		suite.Scenarios = append(suite.Scenarios, outcome)
	}
	return suite, nil
}

func runOne(ctx context.Context, path string, opts Options) ScenarioOutcome {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	outcome := ScenarioOutcome{Name: name, Path: path}

	scenario, err := LoadScenario(path)
	if err != nil {
		outcome.Err = err.Error()
		return outcome
	}
	outcome.Name = scenario.Name

	result, err := Run(ctx, scenario, opts)
	if err != nil {
		outcome.Err = err.Error()
		return outcome
	}
	outcome.Result = result
	return outcome
}

// findScenarioFiles returns the scenario files directly in dir, sorted
// by name. Subdirectories are not walked; fixture trees live beside the
// scenarios, not beneath them.
func findScenarioFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	return paths, nil
}
