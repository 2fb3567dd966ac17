// Package approval implements the human sign-off workflow for gated tool calls.
//
// A request moves Pending -> Approved or Pending -> Rejected exactly once.
// Requests are never deleted, only decided. Deciding an already-decided
// request is a no-op so that re-delivered decisions are harmless.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
)

// Sentinel errors.
var (
	ErrNotFound        = errors.New("approval request not found")
	ErrDuplicate       = errors.New("approval request already exists")
	ErrInvalidDecision = errors.New("decision must be Approved or Rejected")
	// ErrRejected marks a call whose approval was refused.
	ErrRejected = errors.New("approval rejected")
)

// Status aliases the wire status so requests and message references agree.
type Status = protocol.ApprovalStatus

const (
	StatusPending  = protocol.ApprovalPending
	StatusApproved = protocol.ApprovalApproved
	StatusRejected = protocol.ApprovalRejected
)

// Request is a parked tool call awaiting a decision.
type Request struct {
	ID        string            `json:"id"`
	Requester domain.User       `json:"requester"`
	ToolCall  protocol.ToolCall `json:"toolCall"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"timestamp"`
	DecidedBy string            `json:"decidedBy,omitempty"`
	DecidedAt *time.Time        `json:"decidedAt,omitempty"`
}

// Ref returns the reference attached to the message announcing the request.
func (r *Request) Ref() *protocol.ApprovalRef {
	return &protocol.ApprovalRef{
		RequestID: r.ID,
		Requester: r.Requester.String(),
		ToolCall:  r.ToolCall,
		Status:    r.Status,
	}
}

func (r *Request) clone() *Request {
	c := *r
	c.ToolCall.Args = maps.Clone(r.ToolCall.Args)
	if r.DecidedAt != nil {
		at := *r.DecidedAt
		c.DecidedAt = &at
	}
	return &c
}

// CreateRequest holds the data needed to park a tool call.
type CreateRequest struct {
	Requester domain.User
	ToolCall  protocol.ToolCall
}

// Workflow is the approval state machine.
type Workflow interface {
	// Create parks a call in Pending state.
	Create(ctx context.Context, req CreateRequest) (*Request, error)

	// Get returns a request by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Request, error)

	// Decide applies a terminal status to a Pending request. changed is false
	// when the request had already been decided; the request is then returned
	// unchanged.
	Decide(ctx context.Context, id string, status Status, decidedBy string) (req *Request, changed bool, err error)

	// ListPending returns undecided requests, oldest first.
	ListPending(ctx context.Context) ([]*Request, error)
}

// Manager is the in-memory Workflow. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*Request
	now      func() time.Time
	logger   *slog.Logger
}

var _ Workflow = (*Manager)(nil)

// NewManager creates an in-memory approval manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		requests: make(map[string]*Request),
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Request, error) {
	r := &Request{
		ID:        uuid.New().String(),
		Requester: req.Requester,
		ToolCall:  protocol.ToolCall{ToolName: req.ToolCall.ToolName, Args: maps.Clone(req.ToolCall.Args)},
		Status:    StatusPending,
		CreatedAt: m.now().UTC(),
	}

	m.mu.Lock()
	m.requests[r.ID] = r
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "approval requested",
		slog.String("approval_id", r.ID),
		slog.String("requester", r.Requester.String()),
		slog.String("tool", r.ToolCall.ToolName),
	)
	return r.clone(), nil
}

func (m *Manager) Get(_ context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.clone(), nil
}

func (m *Manager) Decide(ctx context.Context, id string, status Status, decidedBy string) (*Request, bool, error) {
	if !status.Terminal() {
		return nil, false, fmt.Errorf("%w: got %q", ErrInvalidDecision, status)
	}

	m.mu.Lock()
	r, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Status != StatusPending {
		out := r.clone()
		m.mu.Unlock()
		m.logger.DebugContext(ctx, "approval already decided, ignoring",
			slog.String("approval_id", id),
			slog.String("status", string(out.Status)),
		)
		return out, false, nil
	}
	at := m.now().UTC()
	r.Status = status
	r.DecidedBy = decidedBy
	r.DecidedAt = &at
	out := r.clone()
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "approval decided",
		slog.String("approval_id", id),
		slog.String("status", string(status)),
		slog.String("decided_by", decidedBy),
	)
	return out, true, nil
}

func (m *Manager) ListPending(_ context.Context) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, r := range m.requests {
		if r.Status == StatusPending {
			out = append(out, r.clone())
		}
	}
	slices.SortFunc(out, func(a, b *Request) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}
