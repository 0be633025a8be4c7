package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/weftworks/weft/internal/value"
)

// RequestOptions holds flags for the request command.
type RequestOptions struct {
	*RootOptions
	Server  string
	Fields  string
	Timeout time.Duration
}

// requestMaxResponseBytes bounds gateway responses. Payloads are small
// structured fields, like the requests that produce them.
const requestMaxResponseBytes = 1 << 20

// NewRequestCommand creates the request command.
func NewRequestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RequestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "request <path>",
		Short: "Submit a request to a running gateway",
		Long: `Submit one request to a running weft gateway and print its resolution.

The request stays pending on the server until a rule chain resolves it or
the server-side timeout fires. A timeout comes back as HTTP 504 and exits
with code 1.

Fields must be a JSON object of string, int, bool, array, or object
values; floats and null are rejected, matching the gateway.

Examples:
  weft request /login --fields '{"user":"alice","password":"sesame"}'
  weft request /create_term --fields '{"session":"s-1","name":"Fall 2025"}'
  weft request /login --server http://weft.internal:8080 --format json`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "http://localhost:8080", "gateway base URL")
	cmd.Flags().StringVar(&opts.Fields, "fields", "{}", "request fields as a JSON object")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "client-side wait for the resolution")

	return cmd
}

func runRequest(opts *RequestOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	// Request paths are slash-prefixed throughout the system.
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	// Decode through the value union so the client rejects exactly what
	// the gateway would: floats, null, non-object bodies.
	fields, err := value.DecodeObject([]byte(opts.Fields))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --fields JSON", err)
	}
	body, err := value.Marshal(fields)
	if err != nil {
		return WrapExitError(ExitCommandError, "encode request fields", err)
	}

	url := strings.TrimRight(opts.Server, "/") + "/api" + path
	formatter.VerboseLog("POST %s", url)

	client := &http.Client{Timeout: opts.Timeout}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return WrapExitError(ExitCommandError, "gateway unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, requestMaxResponseBytes))
	if err != nil {
		return WrapExitError(ExitCommandError, "read gateway response", err)
	}

	var payload json.RawMessage
	if json.Valid(respBody) {
		payload = respBody
	} else {
		// A broken proxy or a non-weft server; show what came back.
		quoted, _ := json.Marshal(string(respBody))
		payload = quoted
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return outputRequestResult(formatter, payload, "")

	case resp.StatusCode == http.StatusGatewayTimeout:
		if err := outputRequestResult(formatter, payload, "E_TIMEOUT"); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "request timed out")

	default:
		if err := outputRequestResult(formatter, payload, fmt.Sprintf("E_HTTP_%d", resp.StatusCode)); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("gateway returned %s", resp.Status))
	}
}

// outputRequestResult prints the resolution payload. errCode is empty for
// success; otherwise the payload is wrapped in the error envelope.
func outputRequestResult(formatter *OutputFormatter, payload json.RawMessage, errCode string) error {
	if formatter.Format == "json" {
		response := CLIResponse{Status: "ok", Data: payload}
		if errCode != "" {
			response.Status = "error"
			response.Error = &CLIError{Code: errCode, Message: "request not resolved", Details: payload}
			response.Data = nil
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(response)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		fmt.Fprintln(formatter.Writer, string(payload))
		return nil
	}
	fmt.Fprintln(formatter.Writer, pretty.String())
	return nil
}
