package approval

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/warden/internal/protocol"
)

// DBManager is a Workflow backed by a persistent Store.
type DBManager struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

var _ Workflow = (*DBManager)(nil)

// NewDBManager creates a store-backed approval manager.
func NewDBManager(store Store, logger *slog.Logger) *DBManager {
	return &DBManager{store: store, now: time.Now, logger: logger}
}

func (m *DBManager) Create(ctx context.Context, req CreateRequest) (*Request, error) {
	r := &Request{
		ID:        uuid.New().String(),
		Requester: req.Requester,
		ToolCall:  protocol.ToolCall{ToolName: req.ToolCall.ToolName, Args: maps.Clone(req.ToolCall.Args)},
		Status:    StatusPending,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Insert(ctx, r); err != nil {
		return nil, fmt.Errorf("storing approval request: %w", err)
	}

	m.logger.InfoContext(ctx, "approval requested (db)",
		slog.String("approval_id", r.ID),
		slog.String("requester", r.Requester.String()),
		slog.String("tool", r.ToolCall.ToolName),
	)
	return r, nil
}

func (m *DBManager) Get(ctx context.Context, id string) (*Request, error) {
	return m.store.Get(ctx, id)
}

func (m *DBManager) Decide(ctx context.Context, id string, status Status, decidedBy string) (*Request, bool, error) {
	if !status.Terminal() {
		return nil, false, fmt.Errorf("%w: got %q", ErrInvalidDecision, status)
	}
	r, changed, err := m.store.Decide(ctx, id, status, decidedBy, m.now().UTC())
	if err != nil {
		return nil, false, err
	}
	if changed {
		m.logger.InfoContext(ctx, "approval decided (db)",
			slog.String("approval_id", id),
			slog.String("status", string(status)),
			slog.String("decided_by", decidedBy),
		)
	}
	return r, changed, nil
}

func (m *DBManager) ListPending(ctx context.Context) ([]*Request, error) {
	return m.store.ListPending(ctx)
}
