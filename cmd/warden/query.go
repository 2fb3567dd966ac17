package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/warden/internal/llm"
	"github.com/jkaninda/warden/internal/protocol"
)

// Exit codes for the query command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitHeld        = 2 // access denied or approval pending
	ExitUnavailable = 3
)

var (
	queryMessage    string
	queryGatewayURL string
	queryAPIKey     string
	queryApprove    string
	queryReject     string
	queryJSON       bool
	queryTimeout    int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Send a one-shot request to a running server",
	Long: `Send one request to a Warden server and print the streamed answer.
The server authenticates the API key and acts as the user it maps to.

Examples:
  warden query -m "what time is it"
  warden query -m "transfer 250 to Acme"
  warden query --approve 3f2c...        (managers only)
  warden query -m "analyze sales" --json

Exit codes:
  0  success
  1  execution failure
  2  access denied or approval pending
  3  server unavailable`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryMessage, "message", "m", "", "message to send")
	queryCmd.Flags().StringVar(&queryGatewayURL, "gateway-url", "http://localhost:8080", "server URL (or WARDEN_GATEWAY_URL env)")
	queryCmd.Flags().StringVar(&queryAPIKey, "api-key", "", "API key (or WARDEN_API_KEY env)")
	queryCmd.Flags().StringVar(&queryApprove, "approve", "", "approve the request with this ID")
	queryCmd.Flags().StringVar(&queryReject, "reject", "", "reject the request with this ID")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print raw NDJSON chunks")
	queryCmd.Flags().IntVar(&queryTimeout, "timeout", 300, "timeout in seconds")
	queryCmd.MarkFlagsMutuallyExclusive("message", "approve", "reject")
	queryCmd.MarkFlagsOneRequired("message", "approve", "reject")
}

func runQuery(_ *cobra.Command, _ []string) error {
	apiKey := goutils.Env("WARDEN_API_KEY", queryAPIKey)
	if apiKey == "" {
		return errors.New("API key required (use --api-key or set WARDEN_API_KEY)")
	}
	url := goutils.Env("WARDEN_GATEWAY_URL", queryGatewayURL)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := llm.NewClient(url, logger, llm.WithAPIKey(apiKey))

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(queryTimeout)*time.Second)
	defer cancel()

	// The server replaces the user with the key's owner.
	var seq iter.Seq[protocol.Chunk]
	switch {
	case queryApprove != "" || queryReject != "":
		d := protocol.Decision{RequestID: queryApprove, Status: protocol.ApprovalApproved}
		if queryReject != "" {
			d = protocol.Decision{RequestID: queryReject, Status: protocol.ApprovalRejected}
		}
		seq = client.Continue(ctx, protocol.ContinueRequest{Decision: d})
	default:
		seq = client.Respond(ctx, protocol.Request{Input: queryMessage})
	}

	code, err := printQuery(os.Stdout, seq, queryJSON)
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}

// printQuery writes the stream and returns the exit code it implies.
func printQuery(w io.Writer, seq iter.Seq[protocol.Chunk], raw bool) (int, error) {
	code := ExitSuccess
	enc := protocol.NewEncoder(w)
	for c := range seq {
		code = max(code, exitCodeFor(c))
		if raw {
			if err := enc.Encode(c); err != nil {
				return ExitFailure, fmt.Errorf("writing output: %w", err)
			}
			continue
		}
		if m := c.Message; m != nil && m.Author != protocol.AuthorUser {
			printMessage(w, m)
		}
	}
	return code, nil
}

func printMessage(w io.Writer, m *protocol.Message) {
	if m.Text != "" {
		if m.IsError {
			fmt.Fprintln(w, "error: "+m.Text)
		} else {
			fmt.Fprintln(w, m.Text)
		}
	}
	if m.Table != nil {
		fmt.Fprintln(w, renderCatalog(m.Table.Columns, m.Table.Rows))
	}
	if m.PendingApproval() {
		fmt.Fprintf(w, "approval %s pending: warden query --approve %s\n", m.Approval.RequestID, m.Approval.RequestID)
	}
}

// exitCodeFor ranks a chunk: unavailable beats held beats failure.
func exitCodeFor(c protocol.Chunk) int {
	if ev := c.AuditEvent; ev != nil && ev.Type == protocol.AuditSecurityAlert {
		if ev.Details["reason"] == "transport_error" {
			return ExitUnavailable
		}
		return ExitHeld
	}
	if m := c.Message; m != nil {
		switch {
		case m.PendingApproval():
			return ExitHeld
		case m.IsError:
			return ExitFailure
		}
	}
	return ExitSuccess
}
