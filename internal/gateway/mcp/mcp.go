// Package mcp exposes Warden over the Model Context Protocol on stdio.
// Every registry tool becomes an MCP tool that runs through the same
// authorization gate, approval workflow and cache as a routed turn.
// Two extra tools drive a conversation: warden_ask sends free text and
// warden_decide settles a pending approval.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/warden/internal/agent"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/tools"
)

const (
	// AskToolName sends free text through the intent router.
	AskToolName = "warden_ask"
	// DecideToolName approves or rejects a pending request.
	DecideToolName = "warden_decide"
)

// Invoker runs a named tool directly, skipping intent routing.
type Invoker interface {
	Invoke(ctx context.Context, user domain.User, call protocol.ToolCall) iter.Seq[protocol.Chunk]
}

// Gateway serves one MCP client acting as a fixed user.
type Gateway struct {
	server   *server.MCPServer
	invoker  Invoker
	sessions *agent.SessionStore
	session  *agent.Session
	user     domain.User
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewGateway creates an MCP gateway. The conversation used by warden_ask
// lives in sessions until Start returns.
func NewGateway(name, version string, invoker Invoker, registry *tools.Registry, sessions *agent.SessionStore, user domain.User, logger *slog.Logger) *Gateway {
	g := &Gateway{
		invoker:  invoker,
		sessions: sessions,
		session:  sessions.Create(user),
		user:     user,
		logger:   logger,
		in:       os.Stdin,
		out:      os.Stdout,
	}

	g.server = server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	for _, t := range registry.All() {
		g.server.AddTool(toolFor(t), g.handleTool(t.Name()))
	}
	g.server.AddTool(mcp.NewTool(AskToolName,
		mcp.WithDescription("Ask Warden in plain language. The request is routed to a tool and answered with the tool's result."),
		mcp.WithString("input", mcp.Required(), mcp.Description("What you want to know or do")),
	), g.handleAsk)
	g.server.AddTool(mcp.NewTool(DecideToolName,
		mcp.WithDescription("Approve or reject a pending approval request. Managers only."),
		mcp.WithString("decision", mcp.Required(), mcp.Enum("approve", "reject"), mcp.Description("approve or reject")),
		mcp.WithString("request_id", mcp.Description("Approval request ID. Defaults to the conversation's pending request.")),
	), g.handleDecide)

	return g
}

// WithIO replaces stdin and stdout.
func (g *Gateway) WithIO(in io.Reader, out io.Writer) *Gateway {
	g.in = in
	g.out = out
	return g
}

// Start serves JSON-RPC on the configured streams until ctx is canceled,
// Stop is called, or input ends.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()
	defer cancel()
	defer g.sessions.Delete(g.session.ID)

	g.logger.InfoContext(ctx, "mcp gateway listening on stdio", slog.String("user", g.user.String()))
	err := server.NewStdioServer(g.server).Listen(ctx, g.in, g.out)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

// Stop ends a running Start.
func (g *Gateway) Stop(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
	return nil
}

func (g *Gateway) handleTool(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		g.logger.DebugContext(ctx, "mcp tool call", slog.String("tool", name))
		return result(g.invoker.Invoke(ctx, g.user, protocol.ToolCall{
			ToolName: name,
			Args:     req.GetArguments(),
		})), nil
	}
}

func (g *Gateway) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := req.RequireString("input")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	seq, err := g.session.Send(ctx, input)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return result(seq), nil
}

func (g *Gateway) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if g.user.Role != domain.RoleManager {
		return mcp.NewToolResultError(fmt.Sprintf("forbidden: %s cannot decide approvals", g.user)), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var status protocol.ApprovalStatus
	switch strings.ToLower(decision) {
	case "approve", "approved":
		status = protocol.ApprovalApproved
	case "reject", "rejected":
		status = protocol.ApprovalRejected
	default:
		return mcp.NewToolResultError(fmt.Sprintf("decision must be approve or reject, got %q", decision)), nil
	}

	seq, err := g.session.Decide(ctx, g.user, protocol.Decision{
		RequestID: req.GetString("request_id", ""),
		Status:    status,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return result(seq), nil
}

// toolFor describes a registry tool in MCP terms.
func toolFor(t tools.Tool) mcp.Tool {
	desc := t.Description()
	if role := t.RequiredRole(); role != "" {
		desc += fmt.Sprintf(" Requires the %s role.", role)
	}
	if t.RequiresApproval() {
		desc += " Runs only after a manager approves it."
	}

	schema := mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}}
	in := t.InputSchema()
	if props, ok := in["properties"].(map[string]any); ok {
		schema.Properties = props
	}
	switch req := in["required"].(type) {
	case []string:
		schema.Required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return mcp.Tool{Name: t.Name(), Description: desc, InputSchema: schema}
}

// result drains a turn into a single text result. A turn that produced an
// error message and no tool result is reported as a tool error.
func result(seq iter.Seq[protocol.Chunk]) *mcp.CallToolResult {
	var (
		lines     []string
		failed    bool
		succeeded bool
	)
	for c := range seq {
		m := c.Message
		if m == nil || m.Author == protocol.AuthorUser {
			continue
		}
		if m.Text != "" {
			lines = append(lines, m.Text)
		}
		if m.Table != nil {
			lines = append(lines, renderTable(m.Table))
		}
		if m.PendingApproval() {
			lines = append(lines, fmt.Sprintf("Approval request %s is pending. Call %s to settle it.", m.Approval.RequestID, DecideToolName))
		}
		if m.ToolResult != nil {
			succeeded = true
		}
		if m.IsError {
			failed = true
		}
	}
	text := strings.Join(lines, "\n")
	if failed && !succeeded {
		return mcp.NewToolResultError(text)
	}
	return mcp.NewToolResultText(text)
}

func renderTable(t *protocol.Table) string {
	var b strings.Builder
	if t.Title != "" {
		b.WriteString(t.Title)
		b.WriteByte('\n')
	}
	b.WriteString(strings.Join(t.Columns, "\t"))
	for _, row := range t.Rows {
		b.WriteByte('\n')
		b.WriteString(strings.Join(row, "\t"))
	}
	return b.String()
}
