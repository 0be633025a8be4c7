package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weftworks/weft/internal/compiler"
	"github.com/weftworks/weft/internal/demo"
)

// ValidationReport holds the outcome of manifest validation.
type ValidationReport struct {
	Valid    bool                       `json:"valid"`
	Files    int                        `json:"files"`
	Concepts int                        `json:"concepts"`
	Rules    int                        `json:"rules"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Warnings []compiler.CycleWarning    `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <manifest-dir>",
		Short: "Validate CUE manifests",
		Long: `Validate CUE concept and rule manifests without running the engine.

Compiles every manifest, checks concept schemas and rule cross-references,
and reports static cycle warnings for rule sets that can re-trigger
themselves. Cycles are warnings, not errors; the runtime depth quota
bounds them either way.

Exit codes:
  0 - All manifests valid (warnings allowed)
  1 - Validation errors found
  2 - Command error (directory missing, no CUE files)

Examples:
  weft validate ./manifests
  weft validate ./manifests --format json`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, manifestDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	manifest, loadErrors := compiler.LoadDir(manifestDir, demo.Guards(), compiler.LoadModeCollectAll)

	// A nil manifest means loading never got to compilation: missing
	// directory, no files, CUE build failure. Those are command errors.
	if manifest == nil {
		if len(loadErrors) == 0 {
			return NewExitError(ExitCommandError, "manifest loading produced no result")
		}
		var loadErr *compiler.LoadError
		if errors.As(loadErrors[0], &loadErr) {
			_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
			return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", loadErr.Code, loadErr.Message))
		}
		_ = formatter.Error(compiler.ErrCodeGeneric, loadErrors[0].Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load manifests", loadErrors[0])
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", manifest.FileCount, manifestDir)
	for _, spec := range manifest.Concepts {
		formatter.VerboseLog("Compiled concept: %s", spec.Name)
	}
	for _, r := range manifest.Rules {
		formatter.VerboseLog("Compiled rule: %s", r.Name)
	}

	report := ValidationReport{
		Files:    manifest.FileCount,
		Concepts: len(manifest.Concepts),
		Rules:    len(manifest.Rules),
	}

	// Per-manifest compile errors carry source positions; loader errors
	// do not. Both fold into the same report.
	for _, err := range loadErrors {
		report.Errors = append(report.Errors, toValidationError(err))
	}

	// Cross-reference and schema validation over what did compile.
	report.Errors = append(report.Errors, compiler.ValidateManifest(manifest)...)

	report.Warnings = compiler.AnalyzeCycles(manifest.Rules)
	report.Valid = len(report.Errors) == 0

	if !report.Valid {
		return outputValidationErrors(formatter, report)
	}
	return outputValidateSuccess(formatter, report)
}

// toValidationError converts a loader or compile error to the report form.
func toValidationError(err error) compiler.ValidationError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return compiler.ValidationError{
			Field:   compileErr.Field,
			Message: compileErr.Message,
			Code:    mapCompileFieldToCode(compileErr.Field),
		}
	}
	var loadErr *compiler.LoadError
	if errors.As(err, &loadErr) {
		return compiler.ValidationError{
			Field:   "load",
			Message: loadErr.Message,
			Code:    loadErr.Code,
		}
	}
	return compiler.ValidationError{
		Field:   "load",
		Message: err.Error(),
		Code:    compiler.ErrCodeGeneric,
	}
}

// mapCompileFieldToCode maps a compile error field to a validation code.
func mapCompileFieldToCode(field string) string {
	switch {
	case field == "purpose":
		return compiler.ErrConceptPurposeEmpty
	case field == "action":
		return compiler.ErrConceptNoActions
	case strings.HasSuffix(field, ".output"):
		return compiler.ErrActionNoOutputs
	case field == "type":
		return compiler.ErrInvalidFieldType
	case field == "when" || field == "then":
		return compiler.ErrInvalidActionRef
	case field == "guard_vars":
		return compiler.ErrGuardVarsNoGuard
	default:
		return compiler.ErrCodeGeneric
	}
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, report ValidationReport) error {
	if formatter.Format == "json" {
		return formatter.Success(report)
	}

	fmt.Fprintf(formatter.Writer, "✓ All manifests valid (%d file(s), %d concept(s), %d rule(s))\n",
		report.Files, report.Concepts, report.Rules)
	for _, warning := range report.Warnings {
		fmt.Fprintf(formatter.Writer, "  warning: %s\n", warning.Message)
	}
	return nil
}

// outputValidationErrors outputs validation errors and warnings.
func outputValidationErrors(formatter *OutputFormatter, report ValidationReport) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   report,
			Error: &CLIError{
				Code:    report.Errors[0].Code,
				Message: report.Errors[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(report.Errors)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range report.Errors {
		fmt.Fprintf(formatter.Writer, "  %s %s: %s\n", err.Code, err.Field, err.Message)
	}
	for _, warning := range report.Warnings {
		fmt.Fprintf(formatter.Writer, "  warning: %s\n", warning.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(report.Errors)))
}
