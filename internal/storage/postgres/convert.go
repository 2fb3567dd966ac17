package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
)

// --- Approval conversions ---

func toApprovalModel(r *approval.Request) (ApprovalModel, error) {
	args, err := json.Marshal(r.ToolCall.Args)
	if err != nil {
		return ApprovalModel{}, fmt.Errorf("encoding tool args: %w", err)
	}
	return ApprovalModel{
		ID:            r.ID,
		RequesterID:   r.Requester.ID,
		RequesterName: r.Requester.Name,
		RequesterRole: string(r.Requester.Role),
		ToolName:      r.ToolCall.ToolName,
		Args:          JSONB(args),
		Status:        string(r.Status),
		CreatedAt:     r.CreatedAt,
		DecidedBy:     r.DecidedBy,
		DecidedAt:     r.DecidedAt,
	}, nil
}

func toApprovalDomain(m *ApprovalModel) (*approval.Request, error) {
	var args map[string]any
	if len(m.Args) > 0 {
		if err := json.Unmarshal(m.Args, &args); err != nil {
			return nil, fmt.Errorf("decoding tool args for %s: %w", m.ID, err)
		}
	}
	r := &approval.Request{
		ID: m.ID,
		Requester: domain.User{
			ID:   m.RequesterID,
			Name: m.RequesterName,
			Role: domain.Role(m.RequesterRole),
		},
		ToolCall:  protocol.ToolCall{ToolName: m.ToolName, Args: args},
		Status:    approval.Status(m.Status),
		CreatedAt: m.CreatedAt.UTC(),
		DecidedBy: m.DecidedBy,
	}
	if m.DecidedAt != nil {
		at := m.DecidedAt.UTC()
		r.DecidedAt = &at
	}
	return r, nil
}

// --- Audit conversions ---

func toAuditModel(e *protocol.AuditEvent) (AuditEventModel, error) {
	details := []byte("{}")
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return AuditEventModel{}, fmt.Errorf("encoding audit details: %w", err)
		}
	}
	return AuditEventModel{
		ID:        e.ID,
		Type:      string(e.Type),
		UserName:  e.User,
		Details:   JSONB(details),
		CreatedAt: e.Timestamp,
	}, nil
}

func toAuditDomain(m *AuditEventModel) (protocol.AuditEvent, error) {
	e := protocol.AuditEvent{
		ID:        m.ID,
		Type:      protocol.AuditType(m.Type),
		Timestamp: m.CreatedAt.UTC(),
		User:      m.UserName,
	}
	if len(m.Details) > 0 && string(m.Details) != "{}" {
		if err := json.Unmarshal(m.Details, &e.Details); err != nil {
			return protocol.AuditEvent{}, fmt.Errorf("decoding audit details for %s: %w", m.ID, err)
		}
	}
	return e, nil
}

// isUniqueViolation reports a primary key or unique index conflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
