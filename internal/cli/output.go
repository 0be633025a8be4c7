package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes shared by every command.
const (
	ExitSuccess      = 0 // command did what was asked
	ExitFailure      = 1 // operation failed: scenarios red, manifests invalid, log corrupt
	ExitCommandError = 2 // the invocation was wrong: bad flags, missing paths, unreadable database
)

// ExitError carries an exit code alongside the message, so RunE handlers
// signal how the process should exit without calling os.Exit themselves.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError builds an ExitError with no underlying cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code and context to an underlying error.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps an error to the process exit code. Anything that is
// not an ExitError counts as an operation failure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter renders command results as human text or as one JSON
// document, selected by the --format flag.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; Writer when unset
	Verbose   bool
}

// CLIResponse is the envelope every JSON-mode command emits.
type CLIResponse struct {
	Status string      `json:"status"`          // "ok" or "error"
	Data   interface{} `json:"data,omitempty"`  // success payload
	Error  *CLIError   `json:"error,omitempty"` // error details
}

// CLIError is the error half of a CLIResponse.
type CLIError struct {
	Code    string      `json:"code"`              // "E001", "E004", ...
	Message string      `json:"message"`           // human-readable message
	Details interface{} `json:"details,omitempty"` // additional context
}

// Success renders a successful result.
func (f *OutputFormatter) Success(data interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error renders a failure with its code. Text mode prints details only
// under --verbose; JSON mode always carries them.
func (f *OutputFormatter) Error(code, message string, details interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog prints a diagnostic line when --verbose is set. Diagnostics
// go to ErrWriter so JSON output on Writer stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...interface{}) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.errWriter(), format+"\n", args...)
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
