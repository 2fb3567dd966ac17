package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/protocol"
)

func newTestSession(t *testing.T) (*Session, *harness) {
	t.Helper()
	h := newHarness(t)
	return NewSession("s1", alex, h.orch), h
}

func send(t *testing.T, s *Session, input string) []protocol.Chunk {
	t.Helper()
	seq, err := s.Send(context.Background(), input)
	if err != nil {
		t.Fatalf("Send(%q): %v", input, err)
	}
	return Collect(seq)
}

func TestSession_AppliesChunks(t *testing.T) {
	s, _ := newTestSession(t)
	chunks := send(t, s, "what time is it")

	hist := s.History()
	if len(hist) != 1+len(messages(chunks)) {
		t.Fatalf("history = %d messages, want %d", len(hist), 1+len(messages(chunks)))
	}
	if hist[0].Author != protocol.AuthorSystem {
		t.Error("history should start with the preamble")
	}
	if hist[1].Author != protocol.AuthorUser || hist[1].Text != "what time is it" {
		t.Errorf("hist[1] = %+v", hist[1])
	}
}

func TestSession_InputLockedWhilePending(t *testing.T) {
	s, _ := newTestSession(t)
	send(t, s, "transfer 100 to Acme")

	id := s.Awaiting()
	if id == "" {
		t.Fatal("session should be awaiting a decision")
	}
	if _, err := s.Send(context.Background(), "what time is it"); !errors.Is(err, ErrInputLocked) {
		t.Fatalf("Send while pending err = %v, want ErrInputLocked", err)
	}

	// The requester is an Analyst and may not decide.
	seq, err := s.Decide(context.Background(), alex, protocol.Decision{Status: protocol.ApprovalApproved})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	chunks := Collect(seq)
	if toolResult(chunks) != nil || findAudit(chunks, protocol.AuditSecurityAlert) == nil {
		t.Fatalf("refused decision chunks = %+v", chunks)
	}
	if s.Awaiting() != id {
		t.Fatal("refused decision released the lock")
	}

	seq, err = s.Decide(context.Background(), morgan, protocol.Decision{Status: protocol.ApprovalApproved})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	chunks = Collect(seq)
	if tr := toolResult(chunks); tr == nil || tr.Output["initiated_by"] != alex.String() {
		t.Fatalf("approved transfer result = %+v", tr)
	}
	if d := findAudit(chunks, protocol.AuditApprovalDecided); d == nil || d.Details["decided_by"] != morgan.String() {
		t.Errorf("decided audit = %+v", d)
	}
	if s.Awaiting() != "" {
		t.Error("lock not released after decision")
	}
	send(t, s, "what time is it")
}

func TestSession_DecideWithoutPending(t *testing.T) {
	s, _ := newTestSession(t)
	if _, err := s.Decide(context.Background(), morgan, protocol.Decision{Status: protocol.ApprovalApproved}); !errors.Is(err, ErrNoPendingApproval) {
		t.Errorf("err = %v, want ErrNoPendingApproval", err)
	}
	if _, err := s.Decide(context.Background(), morgan, protocol.Decision{Status: "Maybe"}); !errors.Is(err, approval.ErrInvalidDecision) {
		t.Errorf("err = %v, want ErrInvalidDecision", err)
	}
	if s.Busy() {
		t.Error("failed Decide left the session busy")
	}
}

func TestSession_NoOpDecisionUnlocks(t *testing.T) {
	s, h := newTestSession(t)
	send(t, s, "transfer 100 to Acme")
	id := s.Awaiting()

	// Decided elsewhere first.
	if _, _, err := h.orch.Approvals().Decide(context.Background(), id, approval.StatusRejected, "ops"); err != nil {
		t.Fatal(err)
	}
	seq, err := s.Decide(context.Background(), morgan, protocol.Decision{Status: protocol.ApprovalApproved})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(Collect(seq)); n != 0 {
		t.Errorf("no-op decision yielded %d chunks", n)
	}
	if s.Awaiting() != "" {
		t.Error("no-op decision should still release the lock")
	}
}

func TestSession_TurnInProgress(t *testing.T) {
	s, _ := newTestSession(t)
	seq, err := s.Send(context.Background(), "what time is it")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Send(context.Background(), "again"); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("err = %v, want ErrTurnInProgress", err)
	}
	Collect(seq)
	if s.Busy() {
		t.Error("session still busy after the stream ended")
	}
}

func TestSession_SwitchUserClearsState(t *testing.T) {
	s, _ := newTestSession(t)
	send(t, s, "analyze sales for EMEA in Q3")
	send(t, s, "transfer 100 to Acme")

	s.SwitchUser(morgan)
	if s.Awaiting() != "" {
		t.Error("pending approval survived switch user")
	}
	if got := s.History(); len(got) != 1 || got[0].Author != protocol.AuthorSystem {
		t.Errorf("history after switch = %+v", got)
	}
	if s.User() != morgan {
		t.Errorf("user = %v", s.User())
	}

	// The process-wide cache outlives the switch.
	chunks := send(t, s, "analyze sales for EMEA in Q3")
	if tr := toolResult(chunks); tr == nil || !tr.IsCached {
		t.Errorf("result = %+v, want cached", tr)
	}
}

func TestSession_ResetDuringTurnDropsStaleChunks(t *testing.T) {
	s, _ := newTestSession(t)
	seq, err := s.Send(context.Background(), "what time is it")
	if err != nil {
		t.Fatal(err)
	}
	first := true
	for range seq {
		if first {
			s.Reset()
			first = false
		}
	}
	if n := len(s.History()); n != 1 {
		t.Errorf("history = %d messages, want only the preamble", n)
	}
}

func TestSession_AppliesRewrite(t *testing.T) {
	s, _ := newTestSession(t)
	s.mu.Lock()
	s.history = longHistory(30)
	s.mu.Unlock()

	send(t, s, "what time is it")
	hist := s.History()
	if hist[1].Summary == nil {
		t.Fatalf("hist[1] = %+v, want prune marker", hist[1])
	}
	if len(hist) >= 31 {
		t.Errorf("history not rewritten: %d messages", len(hist))
	}
}

// --- SessionStore ---

func TestSessionStore_Lifecycle(t *testing.T) {
	h := newHarness(t)
	st := NewSessionStore(h.orch, testLogger()).WithClock(h.clock.Now)

	s := st.Create(alex)
	got, err := st.Get(s.ID)
	if err != nil || got != s {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if !st.Delete(s.ID) || st.Delete(s.ID) {
		t.Error("Delete should succeed once")
	}
	if _, err := st.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionStore_Reap(t *testing.T) {
	h := newHarness(t)
	st := NewSessionStore(h.orch, testLogger()).WithClock(h.clock.Now)

	idle := st.Create(alex)
	h.clock.Advance(30 * time.Minute)
	active := st.Create(morgan)
	h.clock.Advance(40 * time.Minute)

	if n := st.Reap(time.Hour); n != 1 {
		t.Fatalf("Reap() = %d, want 1", n)
	}
	if _, err := st.Get(idle.ID); err == nil {
		t.Error("idle session survived")
	}
	if _, err := st.Get(active.ID); err != nil {
		t.Error("active session reaped")
	}
	if st.Len() != 1 {
		t.Errorf("Len() = %d", st.Len())
	}
}
