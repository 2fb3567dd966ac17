package mcp

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/warden/internal/agent"
	"github.com/jkaninda/warden/internal/cache"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/tools/builtin"
	"github.com/jkaninda/warden/internal/tools/calc"
	"github.com/jkaninda/warden/internal/tools/clock"
	"github.com/jkaninda/warden/internal/tools/finance"
)

var (
	alex   = domain.User{ID: "alex", Name: "Alex", Role: domain.RoleAnalyst}
	morgan = domain.User{ID: "morgan", Name: "Morgan", Role: domain.RoleManager}
)

func newGateway(t *testing.T, user domain.User) (*Gateway, *agent.SessionStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := builtin.NewRegistry(builtin.Deps{})
	orch := agent.NewOrchestrator(reg, cache.NewMemory(cache.DefaultTTL, nil), logger)
	sessions := agent.NewSessionStore(orch, logger)
	return NewGateway("warden", "test", orch, reg, sessions, user, logger), sessions
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	}
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty result")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is %T, want text", res.Content[0])
	}
	return tc.Text
}

// --- Registry tools ---

func TestTool_DirectCall(t *testing.T) {
	g, _ := newGateway(t, alex)
	res, err := g.handleTool(calc.Name)(context.Background(), call(calc.Name, map[string]any{"expression": "6 * 7"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error: %s", text(t, res))
	}
	if !strings.Contains(text(t, res), "42") {
		t.Errorf("result = %q", text(t, res))
	}
}

func TestTool_DeniedIsToolError(t *testing.T) {
	g, _ := newGateway(t, alex)
	res, _ := g.handleTool(finance.ReportName)(context.Background(), call(finance.ReportName, nil))
	if !res.IsError || !strings.Contains(text(t, res), "Access denied") {
		t.Errorf("result = %+v", res)
	}
}

func TestTool_TransferPendsForAnalyst(t *testing.T) {
	g, _ := newGateway(t, alex)
	res, _ := g.handleTool(finance.TransferName)(context.Background(),
		call(finance.TransferName, map[string]any{"amount": 100.0, "recipient": "Acme"}))
	got := text(t, res)
	if res.IsError || !strings.Contains(got, "is pending") {
		t.Fatalf("result = %q", got)
	}

	// Analysts cannot settle it.
	res, _ = g.handleDecide(context.Background(), call(DecideToolName, map[string]any{"decision": "approve"}))
	if !res.IsError || !strings.Contains(text(t, res), "forbidden") {
		t.Errorf("analyst decide = %q", text(t, res))
	}
}

func TestToolFor_DescribesPolicy(t *testing.T) {
	reg := builtin.NewRegistry(builtin.Deps{})

	transfer, _ := reg.Lookup(finance.TransferName)
	tool := toolFor(transfer)
	if !strings.Contains(tool.Description, "after a manager approves") {
		t.Errorf("description = %q", tool.Description)
	}
	if tool.InputSchema.Type != "object" || len(tool.InputSchema.Required) == 0 {
		t.Errorf("schema = %+v", tool.InputSchema)
	}

	now, _ := reg.Lookup(clock.Name)
	if got := toolFor(now); got.Name != clock.Name || got.InputSchema.Properties == nil {
		t.Errorf("clock tool = %+v", got)
	}
}

// --- Conversation tools ---

func TestAsk_RoutesFreeText(t *testing.T) {
	g, _ := newGateway(t, alex)
	res, _ := g.handleAsk(context.Background(), call(AskToolName, map[string]any{"input": "what time is it"}))
	if res.IsError || text(t, res) == "" {
		t.Errorf("result = %+v", res)
	}

	res, _ = g.handleAsk(context.Background(), call(AskToolName, nil))
	if !res.IsError {
		t.Error("missing input accepted")
	}
}

func TestDecide_Validation(t *testing.T) {
	g, _ := newGateway(t, morgan)
	ctx := context.Background()

	// Managers self-approve, so nothing is left pending.
	res, _ := g.handleAsk(ctx, call(AskToolName, map[string]any{"input": "transfer 10 to Dana"}))
	if res.IsError || strings.Contains(text(t, res), "is pending") {
		t.Fatalf("transfer = %q", text(t, res))
	}

	res, _ = g.handleDecide(ctx, call(DecideToolName, map[string]any{"decision": "approve"}))
	if !res.IsError || !strings.Contains(text(t, res), "no approval is pending") {
		t.Errorf("decide without pending = %q", text(t, res))
	}

	res, _ = g.handleDecide(ctx, call(DecideToolName, map[string]any{"decision": "maybe"}))
	if !res.IsError {
		t.Error("invalid decision accepted")
	}
}

func TestStartStop_ClosesSession(t *testing.T) {
	g, sessions := newGateway(t, alex)
	pr, pw := io.Pipe()
	g.WithIO(pr, io.Discard)

	done := make(chan error, 1)
	go func() { done <- g.Start(context.Background()) }()
	_ = pw.Close()

	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = g.Stop(context.Background())
	if sessions.Len() != 0 {
		t.Errorf("sessions = %d after Start returned", sessions.Len())
	}
}
