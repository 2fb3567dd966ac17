package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/tools/calc"
	"github.com/jkaninda/warden/internal/tools/clock"
	"github.com/jkaninda/warden/internal/tools/finance"
)

// --- Respond ---

func TestRespond_DatetimeForAnalyst(t *testing.T) {
	h := newHarness(t)
	chunks := h.respond(alex, "what time is it")

	want := []protocol.AuditType{
		protocol.AuditQuerySubmitted,
		protocol.AuditToolCallInitiated,
		protocol.AuditToolCallCompleted,
	}
	if diff := cmp.Diff(want, auditTypes(chunks)); diff != "" {
		t.Fatalf("audit sequence mismatch (-want +got):\n%s", diff)
	}

	texts := plainAgentTexts(chunks)
	if len(texts) != 1 {
		t.Fatalf("plain agent messages = %q, want exactly one", texts)
	}
	if !strings.Contains(texts[0], "2026-03-14T09:00:00Z") {
		t.Errorf("reply = %q, want ISO timestamp", texts[0])
	}
	for _, m := range messages(chunks) {
		if m.Approval != nil {
			t.Fatalf("unexpected approval reference: %+v", m.Approval)
		}
	}
	if tr := toolResult(chunks); tr == nil || tr.ToolName != clock.Name || tr.IsCached {
		t.Errorf("tool result = %+v", tr)
	}
}

func TestRespond_EchoesUserInput(t *testing.T) {
	h := newHarness(t)
	chunks := h.respond(alex, "  what time is it ")

	first := chunks[0]
	if first.Message == nil || first.Message.Author != protocol.AuthorUser || first.Message.Text != "what time is it" {
		t.Fatalf("first chunk = %+v, want the user message", first)
	}
	if first.AuditEvent == nil || first.AuditEvent.Type != protocol.AuditQuerySubmitted {
		t.Fatalf("first chunk audit = %+v", first.AuditEvent)
	}
	if first.AuditEvent.User != "Alex(Analyst)" {
		t.Errorf("audit user = %q", first.AuditEvent.User)
	}
}

func TestRespond_ReportDeniedForAnalyst(t *testing.T) {
	h := newHarness(t)
	chunks := h.respond(alex, "generate quarterly report")

	want := []protocol.AuditType{protocol.AuditQuerySubmitted, protocol.AuditSecurityAlert}
	if diff := cmp.Diff(want, auditTypes(chunks)); diff != "" {
		t.Fatalf("audit sequence mismatch (-want +got):\n%s", diff)
	}
	alert := findAudit(chunks, protocol.AuditSecurityAlert)
	if alert.Details["reason"] != "authorization_denied" || alert.Details["tool"] != finance.ReportName {
		t.Errorf("alert details = %v", alert.Details)
	}

	last := lastMessage(chunks)
	if !last.IsError || !strings.Contains(last.Text, "Manager") {
		t.Errorf("last message = %+v, want role error", last)
	}
	pending, _ := h.orch.Approvals().ListPending(context.Background())
	if len(pending) != 0 {
		t.Errorf("pending approvals = %d, want 0 (role check precedes approval)", len(pending))
	}
}

func TestRespond_ReportManagerSelfApproves(t *testing.T) {
	h := newHarness(t)
	chunks := h.respond(morgan, "generate quarterly report for Q2")

	if findAudit(chunks, protocol.AuditApprovalRequested) != nil {
		t.Fatal("manager should bypass approval")
	}
	tr := toolResult(chunks)
	if tr == nil || tr.ToolName != finance.ReportName {
		t.Fatalf("tool result = %+v", tr)
	}
	last := lastMessage(chunks)
	if last.Table == nil || len(last.Table.Rows) == 0 {
		t.Errorf("summary message has no table: %+v", last)
	}
	if last.Text == "" {
		t.Error("table must accompany the summary text, not replace it")
	}
	for _, m := range messages(chunks) {
		if m.ToolCall != nil && !strings.Contains(m.Text, "Approval is not required") {
			t.Errorf("tool call text = %q, want self-approval acknowledgment", m.Text)
		}
	}
}

func TestRespond_GenericReply(t *testing.T) {
	h := newHarness(t)
	chunks := h.respond(alex, "hello there")

	if diff := cmp.Diff([]protocol.AuditType{protocol.AuditQuerySubmitted}, auditTypes(chunks)); diff != "" {
		t.Fatalf("audit sequence mismatch (-want +got):\n%s", diff)
	}
	texts := plainAgentTexts(chunks)
	if len(texts) != 1 || texts[0] != genericReply {
		t.Errorf("reply = %q", texts)
	}
}

func TestRespond_EmptyInput(t *testing.T) {
	h := newHarness(t)
	chunks := h.respond(alex, "   ")
	if len(chunks) != 1 || chunks[0].Message == nil || !chunks[0].Message.IsError {
		t.Fatalf("chunks = %+v, want one error message", chunks)
	}
	if len(h.sink.Events()) != 0 {
		t.Errorf("audit events = %d, want 0", len(h.sink.Events()))
	}
}

func TestRespond_UnknownToolIsInBand(t *testing.T) {
	h := newHarness(t)
	h.orch.WithRouter(RouterFunc(func(context.Context, string) (Intent, bool) {
		return Intent{ToolName: "teleport"}, true
	}))
	chunks := h.respond(alex, "beam me up")
	last := lastMessage(chunks)
	if !last.IsError || !strings.Contains(last.Text, "teleport") {
		t.Errorf("last message = %+v", last)
	}
}

// --- Executor through Respond ---

func TestRespond_CalculatorErrorNotCached(t *testing.T) {
	h := newHarness(t)
	for i := range 2 {
		chunks := h.respond(alex, "calculate 2 + * 3")
		if toolResult(chunks) != nil {
			t.Fatalf("run %d: failed call produced a ToolResult", i)
		}
		done := findAudit(chunks, protocol.AuditToolCallCompleted)
		if done == nil || done.Details["status"] != "error" {
			t.Fatalf("run %d: completed audit = %+v", i, done)
		}
		if findAudit(chunks, protocol.AuditCachedResultUsed) != nil {
			t.Fatalf("run %d: error result was cached", i)
		}
		if last := lastMessage(chunks); !last.IsError || !strings.Contains(last.Text, calc.Name) {
			t.Errorf("run %d: last message = %+v", i, last)
		}
	}
}

func TestRespond_SalesCachedWithinTTL(t *testing.T) {
	h := newHarness(t)
	const q = "analyze sales for EMEA in Q3"

	first := h.respond(alex, q)
	fr := toolResult(first)
	if fr == nil || fr.IsCached {
		t.Fatalf("first result = %+v, want fresh", fr)
	}

	h.clock.Advance(4 * time.Minute)
	second := h.respond(alex, q)
	sr := toolResult(second)
	if sr == nil || !sr.IsCached {
		t.Fatalf("second result = %+v, want cached", sr)
	}
	if diff := cmp.Diff(fr.Output, sr.Output); diff != "" {
		t.Errorf("cached output differs (-first +second):\n%s", diff)
	}
	if findAudit(second, protocol.AuditCachedResultUsed) == nil {
		t.Error("missing CACHED_RESULT_USED")
	}
	if findAudit(second, protocol.AuditToolCallCompleted) != nil {
		t.Error("cache hit must not report a completed execution")
	}
	if last := lastMessage(second); last.Table == nil {
		t.Error("cached summary lost its table")
	}

	h.clock.Advance(time.Minute)
	third := h.respond(alex, q)
	if tr := toolResult(third); tr == nil || tr.IsCached {
		t.Errorf("result after TTL = %+v, want fresh", tr)
	}
}

func TestRespond_CacheOutlivesUser(t *testing.T) {
	h := newHarness(t)
	h.respond(alex, "analyze sales for EMEA in Q3")
	chunks := h.respond(morgan, "analyze sales for EMEA in Q3")
	if tr := toolResult(chunks); tr == nil || !tr.IsCached {
		t.Errorf("result = %+v, want cached across users", tr)
	}
}

func TestRespond_VolatileToolsBypassCache(t *testing.T) {
	h := newHarness(t)
	h.respond(alex, "what time is it")
	chunks := h.respond(alex, "what time is it")
	if tr := toolResult(chunks); tr == nil || tr.IsCached {
		t.Errorf("datetime result = %+v, want fresh", tr)
	}
}

// --- Approval workflow ---

func pendingRef(t *testing.T, chunks []protocol.Chunk) *protocol.ApprovalRef {
	t.Helper()
	for _, m := range messages(chunks) {
		if m.PendingApproval() {
			return m.Approval
		}
	}
	t.Fatalf("no pending approval in %d chunks", len(chunks))
	return nil
}

func TestTransfer_ApprovedRuns(t *testing.T) {
	h := newHarness(t)
	chunks := h.respond(alex, "transfer $250 to Acme")

	ref := pendingRef(t, chunks)
	if ref.ToolCall.ToolName != finance.TransferName || ref.Requester != "Alex(Analyst)" {
		t.Fatalf("ref = %+v", ref)
	}
	if diff := cmp.Diff(map[string]any{"amount": 250.0, "recipient": "Acme"}, ref.ToolCall.Args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	if findAudit(chunks, protocol.AuditApprovalRequested) == nil {
		t.Fatal("missing APPROVAL_REQUESTED")
	}
	if findAudit(chunks, protocol.AuditToolCallInitiated) != nil {
		t.Fatal("gated call ran before approval")
	}

	cont := h.decide(morgan, ref.RequestID, protocol.ApprovalApproved)
	want := []protocol.AuditType{
		protocol.AuditApprovalDecided,
		protocol.AuditToolCallInitiated,
		protocol.AuditToolCallCompleted,
	}
	if diff := cmp.Diff(want, auditTypes(cont)); diff != "" {
		t.Fatalf("continue audit sequence mismatch (-want +got):\n%s", diff)
	}
	tr := toolResult(cont)
	if tr == nil || tr.Output["recipient"] != "Acme" {
		t.Fatalf("transfer result = %+v", tr)
	}
	notice := messages(cont)[0]
	if notice.Approval == nil || notice.Approval.Status != protocol.ApprovalApproved {
		t.Errorf("decision notice = %+v", notice)
	}

	// The approved call runs as the requester; the approver is on record.
	if tr.Output["initiated_by"] != "Alex(Analyst)" {
		t.Errorf("initiated_by = %v, want Alex(Analyst)", tr.Output["initiated_by"])
	}
	if d := findAudit(cont, protocol.AuditApprovalDecided); d.User != "Morgan(Manager)" || d.Details["decided_by"] != "Morgan(Manager)" {
		t.Errorf("decided audit = %+v", d)
	}
	for _, typ := range []protocol.AuditType{protocol.AuditToolCallInitiated, protocol.AuditToolCallCompleted} {
		if ev := findAudit(cont, typ); ev.User != "Alex(Analyst)" {
			t.Errorf("%s user = %q, want Alex(Analyst)", typ, ev.User)
		}
	}

	// A re-delivered decision changes nothing and says nothing.
	if again := h.decide(morgan, ref.RequestID, protocol.ApprovalRejected); len(again) != 0 {
		t.Errorf("repeat decision yielded %d chunks, want 0", len(again))
	}
}

func TestTransfer_RejectedCancels(t *testing.T) {
	h := newHarness(t)
	ref := pendingRef(t, h.respond(alex, "transfer 90 to Bob"))

	cont := h.decide(morgan, ref.RequestID, protocol.ApprovalRejected)
	if findAudit(cont, protocol.AuditToolCallInitiated) != nil {
		t.Fatal("rejected call ran")
	}
	decided := findAudit(cont, protocol.AuditApprovalDecided)
	if decided == nil || decided.Details["status"] != "Rejected" || decided.Details["decided_by"] != "Morgan(Manager)" {
		t.Fatalf("decided audit = %+v", decided)
	}
	last := lastMessage(cont)
	if !last.IsError || !strings.Contains(strings.ToLower(last.Text), "task cancelled") {
		t.Errorf("last message = %+v", last)
	}
}

func TestTransfer_RequesterCannotDecide(t *testing.T) {
	h := newHarness(t)
	ref := pendingRef(t, h.respond(alex, "transfer $250 to Acme"))

	for _, status := range []protocol.ApprovalStatus{protocol.ApprovalApproved, protocol.ApprovalRejected} {
		chunks := h.decide(alex, ref.RequestID, status)
		if toolResult(chunks) != nil || findAudit(chunks, protocol.AuditApprovalDecided) != nil {
			t.Fatalf("%s by the requester went through: %v", status, auditTypes(chunks))
		}
		alert := findAudit(chunks, protocol.AuditSecurityAlert)
		if alert == nil || alert.Details["reason"] != "decision_forbidden" || alert.Details["approval_id"] != ref.RequestID {
			t.Fatalf("alert = %+v", alert)
		}
		if last := lastMessage(chunks); !last.IsError || !strings.Contains(last.Text, "Access denied") {
			t.Errorf("last message = %+v", last)
		}
	}

	pending, _ := h.orch.Approvals().ListPending(context.Background())
	if len(pending) != 1 || pending[0].ID != ref.RequestID {
		t.Fatalf("pending = %+v, want the transfer still waiting", pending)
	}
	if tr := toolResult(h.decide(morgan, ref.RequestID, protocol.ApprovalApproved)); tr == nil {
		t.Error("manager approval after a refused decision did not run")
	}
}

func TestTransfer_ManagerSelfApproves(t *testing.T) {
	h := newHarness(t)
	chunks := h.respond(morgan, "transfer 40 to Carol")
	if findAudit(chunks, protocol.AuditApprovalRequested) != nil {
		t.Fatal("manager transfer was parked")
	}
	if tr := toolResult(chunks); tr == nil || tr.Output["initiated_by"] == nil {
		t.Errorf("transfer result = %+v", tr)
	}
}

func TestContinue_UnknownRequest(t *testing.T) {
	h := newHarness(t)
	chunks := h.decide(morgan, "nope", protocol.ApprovalApproved)
	if len(chunks) != 1 || !chunks[0].Message.IsError || chunks[0].Message.Author != protocol.AuthorSystem {
		t.Fatalf("chunks = %+v, want one system error", chunks)
	}
}

func TestContinue_InvalidStatus(t *testing.T) {
	h := newHarness(t)
	ref := pendingRef(t, h.respond(alex, "transfer 90 to Bob"))
	chunks := h.decide(morgan, ref.RequestID, protocol.ApprovalPending)
	if len(chunks) != 1 || !chunks[0].Message.IsError {
		t.Fatalf("chunks = %+v", chunks)
	}
	pending, _ := h.orch.Approvals().ListPending(context.Background())
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
}

// --- Context window ---

func TestRespond_PrunesBeforeTurn(t *testing.T) {
	h := newHarness(t)
	history := longHistory(30)
	chunks := h.respond(alex, "what time is it", history...)

	first := chunks[0]
	if first.HistoryRewrite == nil {
		t.Fatal("first chunk should carry the history rewrite")
	}
	rw := first.HistoryRewrite
	if len(rw) != 1+1+DefaultKeepRecent {
		t.Fatalf("rewrite length = %d", len(rw))
	}
	if rw[0].ID != history[0].ID {
		t.Error("preamble not preserved")
	}
	if rw[1].Summary == nil || rw[1].Summary.DiscardedCount != 30-DefaultKeepRecent {
		t.Errorf("marker = %+v", rw[1])
	}
	if rw[len(rw)-1].ID != history[len(history)-1].ID {
		t.Error("latest message not preserved")
	}

	ev := first.AuditEvent
	if ev == nil || ev.Type != protocol.AuditContextWindowPruned {
		t.Fatalf("audit = %+v", ev)
	}
	if ev.Details["pruned_count"] != 30-DefaultKeepRecent {
		t.Errorf("pruned_count = %v", ev.Details["pruned_count"])
	}
	if ev.Details["before_size"].(int) <= ev.Details["after_size"].(int) {
		t.Errorf("sizes = %v -> %v", ev.Details["before_size"], ev.Details["after_size"])
	}
}

func TestRespond_ShortHistoryNotPruned(t *testing.T) {
	h := newHarness(t)
	chunks := h.respond(alex, "what time is it")
	for _, c := range chunks {
		if c.HistoryRewrite != nil {
			t.Fatal("unexpected rewrite")
		}
	}
}

// --- Stream discipline ---

func TestStreamIsSinglePass(t *testing.T) {
	h := newHarness(t)
	seq := h.orch.Respond(context.Background(), protocol.Request{Input: "what time is it", User: alex})
	if n := len(Collect(seq)); n == 0 {
		t.Fatal("first pass yielded nothing")
	}
	if n := len(Collect(seq)); n != 0 {
		t.Errorf("second pass yielded %d chunks, want 0", n)
	}
}

func TestStreamIsLazy(t *testing.T) {
	h := newHarness(t)
	_ = h.orch.Respond(context.Background(), protocol.Request{Input: "what time is it", User: alex})
	if n := len(h.sink.Events()); n != 0 {
		t.Errorf("events recorded before iteration: %d", n)
	}
}

func TestEarlyBreakStopsTurn(t *testing.T) {
	h := newHarness(t)
	seq := h.orch.Respond(context.Background(), protocol.Request{Input: "analyze sales", User: alex})
	for range seq {
		break
	}
	if n := len(h.sink.Events()); n != 1 {
		t.Errorf("events recorded = %d, want 1", n)
	}
	// The abandoned turn never reached the executor, so nothing was cached.
	chunks := h.respond(alex, "analyze sales")
	if tr := toolResult(chunks); tr == nil || tr.IsCached {
		t.Errorf("result = %+v, want fresh", tr)
	}
}

func TestAuditSinkSeesEveryEventInOrder(t *testing.T) {
	h := newHarness(t)
	var emitted []string
	for _, input := range []string{"what time is it", "generate report", "transfer 5 to Dana", "analyze sales"} {
		for _, c := range h.respond(alex, input) {
			if c.AuditEvent != nil {
				emitted = append(emitted, c.AuditEvent.ID)
			}
		}
	}
	var recorded []string
	for _, ev := range h.sink.Events() {
		recorded = append(recorded, ev.ID)
	}
	if diff := cmp.Diff(emitted, recorded); diff != "" {
		t.Errorf("sink mismatch (-emitted +recorded):\n%s", diff)
	}
}

func TestThinkDelayHonoursCancel(t *testing.T) {
	h := newHarness(t)
	h.orch.WithThinkDelay(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seq := h.orch.Respond(ctx, protocol.Request{Input: "what time is it", User: alex})

	var got []protocol.Chunk
	for c := range seq {
		got = append(got, c)
		cancel()
	}
	if len(got) != 1 {
		t.Errorf("chunks = %d, want only the submitted query", len(got))
	}
}

// --- Invoke ---

func (h *harness) invoke(user domain.User, name string, args map[string]any) []protocol.Chunk {
	return Collect(h.orch.Invoke(context.Background(), user, protocol.ToolCall{ToolName: name, Args: args}))
}

func TestInvoke_DirectToolCall(t *testing.T) {
	h := newHarness(t)
	chunks := h.invoke(alex, clock.Name, nil)

	want := []protocol.AuditType{
		protocol.AuditQuerySubmitted,
		protocol.AuditToolCallInitiated,
		protocol.AuditToolCallCompleted,
	}
	if diff := cmp.Diff(want, auditTypes(chunks)); diff != "" {
		t.Fatalf("audit sequence mismatch (-want +got):\n%s", diff)
	}
	if tr := toolResult(chunks); tr == nil || tr.ToolName != clock.Name {
		t.Errorf("tool result = %+v", tr)
	}
}

func TestInvoke_KeepsGateAndApproval(t *testing.T) {
	h := newHarness(t)

	chunks := h.invoke(alex, finance.ReportName, nil)
	if findAudit(chunks, protocol.AuditSecurityAlert) == nil {
		t.Errorf("report for analyst not denied: %v", auditTypes(chunks))
	}

	chunks = h.invoke(alex, finance.TransferName, map[string]any{"amount": 100, "recipient": "Acme"})
	if findAudit(chunks, protocol.AuditApprovalRequested) == nil {
		t.Fatalf("transfer did not request approval: %v", auditTypes(chunks))
	}
	ref := pendingRef(t, chunks)
	if toolResult(chunks) != nil {
		t.Error("transfer executed before approval")
	}

	chunks = h.decide(morgan, ref.RequestID, protocol.ApprovalApproved)
	if tr := toolResult(chunks); tr == nil || tr.ToolName != finance.TransferName {
		t.Errorf("approved transfer result = %+v", tr)
	}
}

func TestInvoke_UnknownToolIsInBand(t *testing.T) {
	h := newHarness(t)
	chunks := h.invoke(alex, "teleport", map[string]any{"to": "mars"})
	last := lastMessage(chunks)
	if !last.IsError || !strings.Contains(last.Text, "teleport") {
		t.Errorf("last message = %+v", last)
	}
	if got := auditTypes(chunks); len(got) != 1 || got[0] != protocol.AuditQuerySubmitted {
		t.Errorf("audit = %v", got)
	}
}
