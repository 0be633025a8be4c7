package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/queryir"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/value"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Request  string // optional - filter to one request correlation
	Concept  string // optional - filter to one concept
	Limit    int64
}

// TraceRecord is one log record in trace output.
type TraceRecord struct {
	Seq    int64           `json:"seq"`
	Action string          `json:"action"`
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
	Stamp  time.Time       `json:"stamp"`
}

// TraceReport holds the complete trace output.
type TraceReport struct {
	Request string        `json:"request,omitempty"`
	Concept string        `json:"concept,omitempty"`
	Records []TraceRecord `json:"records"`
	Total   int           `json:"total"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Dump action log records",
		Long: `Dump records from the action log, in sequence order.

With --request, only records correlated to that request id are shown:
the api.request record, every action it triggered that carries the
request field, and the api.respond resolution. Records a guard appended
without the correlation field (such as session checks) are not part of
the correlation and stay hidden.

Examples:
  weft trace --db ./weft.db
  weft trace --db ./weft.db --request 0197a2b4-...
  weft trace --db ./weft.db --concept schedule --limit 20
  weft trace --db ./weft.db --format json`,
		Args:          exactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite action log (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Request, "request", "", "filter to one request correlation id")
	cmd.Flags().StringVar(&opts.Concept, "concept", "", "filter to one concept")
	cmd.Flags().Int64Var(&opts.Limit, "limit", 0, "maximum records to return (0 = all)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	// The correlation filter is value-typed, so it runs record-side
	// rather than in the range query.
	query := queryir.Range{Concept: opts.Concept}
	if opts.Request == "" {
		query.Limit = opts.Limit
	}
	records, err := st.QueryRecords(ctx, query)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to query records", err)
	}

	if opts.Request != "" {
		records = filterByRequest(records, opts.Request)
		if opts.Limit > 0 && int64(len(records)) > opts.Limit {
			records = records[:opts.Limit]
		}
	}

	report := TraceReport{
		Request: opts.Request,
		Concept: opts.Concept,
		Records: make([]TraceRecord, 0, len(records)),
		Total:   len(records),
	}
	for i := range records {
		tr, err := toTraceRecord(&records[i])
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to render record", err)
		}
		report.Records = append(report.Records, tr)
	}

	if opts.Format == "json" {
		return outputTraceJSON(cmd, report)
	}
	return outputTraceText(cmd, report, opts.Verbose)
}

// filterByRequest keeps the records that carry the request id in their
// input or output.
func filterByRequest(records []action.Record, requestID string) []action.Record {
	want := value.String(requestID)
	var filtered []action.Record
	for _, rec := range records {
		if got, ok := rec.Input["request"]; ok && value.Equal(got, want) {
			filtered = append(filtered, rec)
			continue
		}
		if got, ok := rec.Output["request"]; ok && value.Equal(got, want) {
			filtered = append(filtered, rec)
		}
	}
	return filtered
}

func toTraceRecord(rec *action.Record) (TraceRecord, error) {
	input, err := value.Marshal(rec.Input)
	if err != nil {
		return TraceRecord{}, fmt.Errorf("record %d input: %w", rec.Seq, err)
	}
	output, err := value.Marshal(rec.Output)
	if err != nil {
		return TraceRecord{}, fmt.Errorf("record %d output: %w", rec.Seq, err)
	}
	return TraceRecord{
		Seq:    rec.Seq,
		Action: rec.Ref().String(),
		Input:  input,
		Output: output,
		Stamp:  rec.Stamp,
	}, nil
}

// outputTraceJSON outputs the trace report as JSON.
func outputTraceJSON(cmd *cobra.Command, report TraceReport) error {
	response := CLIResponse{
		Status: "ok",
		Data:   report,
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// outputTraceText outputs the trace report as text.
func outputTraceText(cmd *cobra.Command, report TraceReport, verbose bool) error {
	w := cmd.OutOrStdout()

	switch {
	case report.Request != "":
		fmt.Fprintf(w, "Trace for request %s: %d record(s)\n", report.Request, report.Total)
	case report.Concept != "":
		fmt.Fprintf(w, "Trace for concept %s: %d record(s)\n", report.Concept, report.Total)
	default:
		fmt.Fprintf(w, "Action log: %d record(s)\n", report.Total)
	}

	if report.Total == 0 {
		fmt.Fprintln(w, "  (no records)")
		return nil
	}

	fmt.Fprintln(w)
	for _, rec := range report.Records {
		fmt.Fprintf(w, "  [%d] %s input=%s output=%s\n", rec.Seq, rec.Action, rec.Input, rec.Output)
		if verbose {
			fmt.Fprintf(w, "      at %s\n", rec.Stamp.Format(time.RFC3339Nano))
		}
	}

	return nil
}
