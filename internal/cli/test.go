package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weftworks/weft/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioReport holds the result of a single scenario execution.
type ScenarioReport struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestReport holds the overall test result.
type TestReport struct {
	Scenarios []ScenarioReport `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run scenario files",
		Long: `Run YAML scenario files against a fresh in-memory engine.

Each scenario names its own manifest directory, seeds setup records,
submits requests, and asserts on the resulting trace and responses. When
a golden snapshot exists next to the scenario (golden/<name>.golden) the
canonical trace is compared against it byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  weft test ./scenarios
  weft test ./scenarios --filter "login*"
  weft test ./scenarios --update
  weft test ./scenarios --format json`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	if _, err := os.Stat(scenariosDir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}

	scenarioFiles, err := findCLIScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	if len(scenarioFiles) == 0 {
		if opts.Format == "json" {
			return outputTestJSON(cmd, TestReport{Scenarios: []ScenarioReport{}})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
		return nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	report := TestReport{
		Scenarios: make([]ScenarioReport, 0, len(scenarioFiles)),
		Total:     len(scenarioFiles),
	}

	for _, scenarioFile := range scenarioFiles {
		scenReport := runScenarioFile(ctx, scenarioFile, opts, cmd)
		report.Scenarios = append(report.Scenarios, scenReport)

		if scenReport.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
	}

	if opts.Format == "json" {
		return outputTestJSON(cmd, report)
	}
	return outputTestText(cmd, report)
}

// findCLIScenarioFiles finds YAML scenario files under dir, recursively.
// Unlike the harness suite runner it supports a name glob, so one
// scenario can be re-run while iterating on its manifests.
func findCLIScenarioFiles(dir string, filter string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})

	return files, err
}

// runScenarioFile executes a single scenario and returns its report.
func runScenarioFile(ctx context.Context, scenarioFile string, opts *TestOptions, cmd *cobra.Command) ScenarioReport {
	w := cmd.OutOrStdout()

	scenario, err := harness.LoadScenario(scenarioFile)
	if err != nil {
		if opts.Format != "json" {
			fmt.Fprintf(w, "✗ %s\n", filepath.Base(scenarioFile))
			fmt.Fprintf(w, "  Load error: %v\n", err)
		}
		return ScenarioReport{
			Name:   filepath.Base(scenarioFile),
			Pass:   false,
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}

	result, err := harness.Run(ctx, scenario, harness.Options{})
	if err != nil {
		if opts.Format != "json" {
			fmt.Fprintf(w, "✗ %s\n", scenario.Name)
			fmt.Fprintf(w, "  Execution error: %v\n", err)
		}
		return ScenarioReport{
			Name:   scenario.Name,
			Pass:   false,
			Errors: []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}

	if opts.Update {
		if err := updateGoldenFile(scenario, result, scenarioFile); err != nil {
			if opts.Format != "json" {
				fmt.Fprintf(w, "✗ %s\n", scenario.Name)
				fmt.Fprintf(w, "  Golden update error: %v\n", err)
			}
			return ScenarioReport{
				Name:   scenario.Name,
				Pass:   false,
				Errors: []string{fmt.Sprintf("failed to update golden file: %v", err)},
			}
		}
		if opts.Format != "json" {
			fmt.Fprintf(w, "✓ %s (golden updated)\n", scenario.Name)
		}
		return ScenarioReport{Name: scenario.Name, Pass: true}
	}

	var errs []string
	if !result.Pass {
		errs = append(errs, result.Errors...)
	}

	goldenPath := goldenFilePath(scenarioFile)
	if _, statErr := os.Stat(goldenPath); statErr == nil {
		match, cmpErr := compareWithGolden(scenario, result, goldenPath)
		switch {
		case cmpErr != nil:
			errs = append(errs, fmt.Sprintf("golden comparison failed: %v", cmpErr))
		case !match:
			errs = append(errs, "trace does not match golden file (run with --update to regenerate)")
		}
	}

	if len(errs) > 0 {
		if opts.Format != "json" {
			fmt.Fprintf(w, "✗ %s\n", scenario.Name)
			for _, e := range errs {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
		return ScenarioReport{Name: scenario.Name, Pass: false, Errors: errs}
	}

	if opts.Format != "json" {
		fmt.Fprintf(w, "✓ %s\n", scenario.Name)
	}
	return ScenarioReport{Name: scenario.Name, Pass: true}
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile string) string {
	dir := filepath.Dir(scenarioFile)
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}

// updateGoldenFile writes the current canonical snapshot as the golden file.
func updateGoldenFile(scenario *harness.Scenario, result *harness.Result, scenarioFile string) error {
	data, err := harness.Snapshot(scenario, result)
	if err != nil {
		return fmt.Errorf("failed to build snapshot: %w", err)
	}

	goldenPath := goldenFilePath(scenarioFile)
	if err := os.MkdirAll(filepath.Dir(goldenPath), 0755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(goldenPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

// compareWithGolden compares the result snapshot against the golden file.
func compareWithGolden(scenario *harness.Scenario, result *harness.Result, goldenPath string) (bool, error) {
	goldenData, err := os.ReadFile(goldenPath)
	if err != nil {
		return false, fmt.Errorf("failed to read golden file: %w", err)
	}

	currentData, err := harness.Snapshot(scenario, result)
	if err != nil {
		return false, fmt.Errorf("failed to build snapshot: %w", err)
	}

	return string(goldenData) == string(currentData), nil
}

// outputTestJSON outputs the test report as JSON.
func outputTestJSON(cmd *cobra.Command, report TestReport) error {
	status := "ok"
	if report.Failed > 0 {
		status = "error"
	}

	response := CLIResponse{
		Status: status,
		Data:   report,
	}

	if report.Failed > 0 {
		response.Error = &CLIError{
			Code:    "E_TEST_FAILED",
			Message: fmt.Sprintf("%d scenario(s) failed", report.Failed),
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", report.Failed))
	}
	return nil
}

// outputTestText outputs the test report as text.
func outputTestText(cmd *cobra.Command, report TestReport) error {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", report.Passed, report.Failed, report.Total)

	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", report.Failed))
	}

	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
