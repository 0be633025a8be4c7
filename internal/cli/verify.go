package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftworks/weft/internal/store"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Database string
}

// VerifyReport is the serializable form of a log integrity check.
type VerifyReport struct {
	OK                  bool    `json:"ok"`
	Records             int64   `json:"records"`
	LastSeq             int64   `json:"last_seq"`
	Gaps                []int64 `json:"gaps,omitempty"`
	UndispatchedFirings int64   `json:"undispatched_firings"`
	DanglingFirings     int64   `json:"dangling_firings"`
	BadPayloads         []int64 `json:"bad_payloads,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check action log integrity",
		Long: `Check the action log's integrity invariants.

Walks the whole log and reports sequence gaps, firings that were claimed
but never dispatched (the at-most-once audit), firings whose trigger
record is missing, and payloads that no longer parse. A clean log exits 0;
any finding exits 1.

Examples:
  weft verify --db ./weft.db
  weft verify --db ./weft.db --format json`,
		Args:          exactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite action log (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	report, err := st.Verify(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "verification aborted", err)
	}

	out := VerifyReport{
		OK:                  report.OK(),
		Records:             report.Records,
		LastSeq:             report.LastSeq,
		Gaps:                report.Gaps,
		UndispatchedFirings: report.UndispatchedFirings,
		DanglingFirings:     report.DanglingFirings,
		BadPayloads:         report.BadPayloads,
	}

	if opts.Format == "json" {
		if err := outputVerifyJSON(cmd, out); err != nil {
			return err
		}
	} else {
		outputVerifyText(cmd, out)
	}

	if !out.OK {
		return NewExitError(ExitFailure, "log verification failed")
	}
	return nil
}

// outputVerifyJSON outputs the verify report as JSON.
func outputVerifyJSON(cmd *cobra.Command, report VerifyReport) error {
	response := CLIResponse{
		Status: "ok",
		Data:   report,
	}
	if !report.OK {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_LOG_INTEGRITY",
			Message: "log verification failed",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// outputVerifyText outputs the verify report as text.
func outputVerifyText(cmd *cobra.Command, report VerifyReport) {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Log: %d record(s), last seq %d\n", report.Records, report.LastSeq)
	fmt.Fprintln(w)

	if len(report.Gaps) == 0 {
		fmt.Fprintln(w, "✓ sequence numbers dense")
	} else {
		fmt.Fprintf(w, "✗ %d missing sequence number(s): %v\n", len(report.Gaps), report.Gaps)
	}

	if report.UndispatchedFirings == 0 {
		fmt.Fprintln(w, "✓ every claimed firing dispatched")
	} else {
		fmt.Fprintf(w, "✗ %d firing(s) claimed but never dispatched\n", report.UndispatchedFirings)
	}

	if report.DanglingFirings == 0 {
		fmt.Fprintln(w, "✓ every firing anchored to a record")
	} else {
		fmt.Fprintf(w, "✗ %d firing(s) reference a missing trigger record\n", report.DanglingFirings)
	}

	if len(report.BadPayloads) == 0 {
		fmt.Fprintln(w, "✓ all payloads decodable")
	} else {
		fmt.Fprintf(w, "✗ %d undecodable payload(s) at seq %v\n", len(report.BadPayloads), report.BadPayloads)
	}

	fmt.Fprintln(w)
	if report.OK {
		fmt.Fprintln(w, "✓ Log verified")
	} else {
		fmt.Fprintln(w, "✗ Log verification failed")
	}
}
