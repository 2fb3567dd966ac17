package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var alex = domain.User{ID: "u1", Name: "Alex", Role: domain.RoleAnalyst}

func transferCall() protocol.ToolCall {
	return protocol.ToolCall{ToolName: "transfer_funds", Args: map[string]any{"amount": 100.0, "recipient": "Acme"}}
}

// --- Manager ---

func TestCreatePending(t *testing.T) {
	m := NewManager(testLogger())
	r, err := m.Create(context.Background(), CreateRequest{Requester: alex, ToolCall: transferCall()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.Status != StatusPending || r.ID == "" || r.DecidedAt != nil {
		t.Fatalf("Create() = %+v", r)
	}
	ref := r.Ref()
	if ref.RequestID != r.ID || ref.Requester != "Alex(Analyst)" || ref.Status != StatusPending {
		t.Errorf("Ref() = %+v", ref)
	}
}

func TestDecideIsWriteOnce(t *testing.T) {
	m := NewManager(testLogger())
	ctx := context.Background()
	r, _ := m.Create(ctx, CreateRequest{Requester: alex, ToolCall: transferCall()})

	decided, changed, err := m.Decide(ctx, r.ID, StatusApproved, "Jordan")
	if err != nil || !changed {
		t.Fatalf("Decide() = %v, %v", changed, err)
	}
	if decided.Status != StatusApproved || decided.DecidedBy != "Jordan" || decided.DecidedAt == nil {
		t.Fatalf("decided = %+v", decided)
	}

	// Re-delivery of the same decision is a no-op.
	again, changed, err := m.Decide(ctx, r.ID, StatusApproved, "Jordan")
	if err != nil || changed {
		t.Fatalf("repeat Decide() = %v, %v; want no change", changed, err)
	}
	// A conflicting decision on a non-pending request is also a no-op.
	flipped, changed, err := m.Decide(ctx, r.ID, StatusRejected, "Sam")
	if err != nil || changed || flipped.Status != StatusApproved || flipped.DecidedBy != "Jordan" {
		t.Fatalf("conflicting Decide() = %+v, %v, %v", flipped, changed, err)
	}
	if !again.DecidedAt.Equal(*decided.DecidedAt) {
		t.Error("decision timestamp changed on re-delivery")
	}
}

func TestDecideErrors(t *testing.T) {
	m := NewManager(testLogger())
	ctx := context.Background()
	if _, _, err := m.Decide(ctx, "missing", StatusApproved, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Decide(missing) error = %v, want ErrNotFound", err)
	}
	r, _ := m.Create(ctx, CreateRequest{Requester: alex, ToolCall: transferCall()})
	if _, _, err := m.Decide(ctx, r.ID, StatusPending, "x"); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("Decide(Pending) error = %v, want ErrInvalidDecision", err)
	}
	got, _ := m.Get(ctx, r.ID)
	if got.Status != StatusPending {
		t.Errorf("invalid decision mutated status to %s", got.Status)
	}
}

func TestConcurrentDecisionsChangeOnce(t *testing.T) {
	m := NewManager(testLogger())
	ctx := context.Background()
	r, _ := m.Create(ctx, CreateRequest{Requester: alex, ToolCall: transferCall()})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes int
	)
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := StatusApproved
			if i%2 == 1 {
				status = StatusRejected
			}
			if _, changed, _ := m.Decide(ctx, r.ID, status, "racer"); changed {
				mu.Lock()
				changes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if changes != 1 {
		t.Fatalf("%d decisions changed the request, want exactly 1", changes)
	}
}

func TestCreateCopiesArgs(t *testing.T) {
	m := NewManager(testLogger())
	call := transferCall()
	r, _ := m.Create(context.Background(), CreateRequest{Requester: alex, ToolCall: call})
	call.Args["amount"] = 1e9
	r.ToolCall.Args["recipient"] = "Mallory"

	stored, _ := m.Get(context.Background(), r.ID)
	if stored.ToolCall.Args["amount"] != 100.0 || stored.ToolCall.Args["recipient"] != "Acme" {
		t.Fatalf("stored args were mutated: %v", stored.ToolCall.Args)
	}
}

func TestListPending(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(testLogger()).WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})
	ctx := context.Background()
	first, _ := m.Create(ctx, CreateRequest{Requester: alex, ToolCall: transferCall()})
	second, _ := m.Create(ctx, CreateRequest{Requester: alex, ToolCall: transferCall()})
	third, _ := m.Create(ctx, CreateRequest{Requester: alex, ToolCall: transferCall()})
	_, _, _ = m.Decide(ctx, second.ID, StatusRejected, "Jordan")

	pending, err := m.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != third.ID {
		t.Fatalf("ListPending() = %v", pending)
	}
}

// --- DBManager ---

type memStore struct {
	mu   sync.Mutex
	rows map[string]*Request
}

func (s *memStore) Insert(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.ID] = r.clone()
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (s *memStore) Decide(_ context.Context, id string, status Status, by string, at time.Time) (*Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if r.Status != StatusPending {
		return r.clone(), false, nil
	}
	r.Status, r.DecidedBy, r.DecidedAt = status, by, &at
	return r.clone(), true, nil
}

func (s *memStore) ListPending(context.Context) ([]*Request, error) { return nil, nil }

func TestDBManagerDelegates(t *testing.T) {
	store := &memStore{rows: map[string]*Request{}}
	m := NewDBManager(store, testLogger())
	ctx := context.Background()

	r, err := m.Create(ctx, CreateRequest{Requester: alex, ToolCall: transferCall()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := m.Decide(ctx, r.ID, "Maybe", "x"); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("Decide(Maybe) error = %v", err)
	}
	got, changed, err := m.Decide(ctx, r.ID, StatusRejected, "Jordan")
	if err != nil || !changed || got.Status != StatusRejected {
		t.Fatalf("Decide() = %+v, %v, %v", got, changed, err)
	}
	if _, changed, _ := m.Decide(ctx, r.ID, StatusApproved, "Jordan"); changed {
		t.Error("second decision changed a rejected request")
	}
}
