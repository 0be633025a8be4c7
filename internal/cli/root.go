// Package cli implements the weft command line: serve, validate,
// request, trace, verify, and test. Commands print either human text or
// a JSON envelope, selected by --format, and map failures onto exit
// codes through ExitError.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the weft CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "weft",
		Short: "weft - concept synchronization engine",
		Long: `weft runs independent concepts woven together by declarative rules.

Concepts and rules are written as CUE manifests. The engine appends every
completed action to a durable log, matches rule patterns against it, and
dispatches follow-up actions; HTTP requests stay pending until a rule
chain resolves them.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Flag misuse is a usage error, exit code 2.
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid usage", err)
	})

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewRequestCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// exactArgs is cobra.ExactArgs with the argument-count failure mapped to
// the usage exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return NewExitError(ExitCommandError, err.Error())
		}
		return nil
	}
}
