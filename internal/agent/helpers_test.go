package agent

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/warden/internal/cache"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/security"
	"github.com/jkaninda/warden/internal/tools/builtin"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	alex   = domain.User{ID: "alex", Name: "Alex", Role: domain.RoleAnalyst}
	morgan = domain.User{ID: "morgan", Name: "Morgan", Role: domain.RoleManager}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	orch  *Orchestrator
	sink  *security.MemorySink
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := newFakeClock()
	sink := security.NewMemorySink(0)
	reg := builtin.NewRegistry(builtin.Deps{Now: clk.Now})
	orch := NewOrchestrator(reg, cache.NewMemory(cache.DefaultTTL, clk.Now), testLogger()).
		WithAuditSink(sink)
	return &harness{orch: orch, sink: sink, clock: clk}
}

func (h *harness) respond(user domain.User, input string, history ...protocol.Message) []protocol.Chunk {
	if history == nil {
		history = []protocol.Message{Preamble(user)}
	}
	return Collect(h.orch.Respond(context.Background(), protocol.Request{Input: input, User: user, History: history}))
}

func (h *harness) decide(user domain.User, id string, status protocol.ApprovalStatus) []protocol.Chunk {
	return Collect(h.orch.Continue(context.Background(), protocol.ContinueRequest{
		Decision: protocol.Decision{RequestID: id, Status: status},
		User:     user,
		History:  []protocol.Message{Preamble(user)},
	}))
}

func messages(chunks []protocol.Chunk) []*protocol.Message {
	var out []*protocol.Message
	for _, c := range chunks {
		if c.Message != nil {
			out = append(out, c.Message)
		}
	}
	return out
}

func auditTypes(chunks []protocol.Chunk) []protocol.AuditType {
	var out []protocol.AuditType
	for _, c := range chunks {
		if c.AuditEvent != nil {
			out = append(out, c.AuditEvent.Type)
		}
	}
	return out
}

func findAudit(chunks []protocol.Chunk, typ protocol.AuditType) *protocol.AuditEvent {
	for _, c := range chunks {
		if c.AuditEvent != nil && c.AuditEvent.Type == typ {
			return c.AuditEvent
		}
	}
	return nil
}

func toolResult(chunks []protocol.Chunk) *protocol.ToolResult {
	for _, m := range messages(chunks) {
		if m.ToolResult != nil {
			return m.ToolResult
		}
	}
	return nil
}

func lastMessage(chunks []protocol.Chunk) *protocol.Message {
	msgs := messages(chunks)
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// plainAgentTexts returns agent messages that carry only text.
func plainAgentTexts(chunks []protocol.Chunk) []string {
	var out []string
	for _, m := range messages(chunks) {
		if m.Author == protocol.AuthorAgent && m.ToolCall == nil && m.ToolResult == nil && m.Approval == nil && m.Text != "" {
			out = append(out, m.Text)
		}
	}
	return out
}

func longHistory(n int) []protocol.Message {
	h := []protocol.Message{Preamble(alex)}
	for i := range n {
		author := protocol.AuthorUser
		if i%2 == 1 {
			author = protocol.AuthorAgent
		}
		h = append(h, *protocol.NewMessage(author, strings.Repeat("lorem ipsum ", 40)))
	}
	return h
}
