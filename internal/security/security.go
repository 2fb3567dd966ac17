// Package security implements the authorization gate, the user directory,
// and the audit sinks every emitted audit event is recorded to.
package security

import (
	"context"
	"errors"

	"github.com/jkaninda/warden/internal/protocol"
)

// Sentinel errors for security enforcement.
var (
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrUnknownUser         = errors.New("unknown user")
)

// AuditSink receives every audit event the orchestrator emits.
// Implementations must be safe for concurrent use and must never mutate the event.
type AuditSink interface {
	Record(ctx context.Context, event *protocol.AuditEvent) error
}

// AuditStore is the append-only persistence contract for audit events.
type AuditStore interface {
	Append(ctx context.Context, event *protocol.AuditEvent) error
	List(ctx context.Context, filter AuditFilter) ([]protocol.AuditEvent, error)
}

// AuditFilter narrows AuditStore.List. Zero fields match everything.
type AuditFilter struct {
	User  string
	Type  protocol.AuditType
	Limit int
}
