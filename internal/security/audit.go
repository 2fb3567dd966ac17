package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/jkaninda/warden/internal/protocol"
)

// AuditLogger writes audit events as append-only JSONL.
// Each event is a single JSON line followed by a newline.
type AuditLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

var _ AuditSink = (*AuditLogger)(nil)

// NewAuditLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &AuditLogger{file: f, logger: logger}, nil
}

// Record appends the event. Marshal happens outside the lock; only the
// file write is serialized.
func (a *AuditLogger) Record(ctx context.Context, event *protocol.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("id", event.ID),
		slog.String("type", string(event.Type)),
		slog.String("user", event.User),
	)
	return nil
}

// Close closes the underlying file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// MultiSink fans an event out to several sinks. Every sink is attempted;
// failures are joined.
type MultiSink []AuditSink

var _ AuditSink = MultiSink(nil)

func (m MultiSink) Record(ctx context.Context, event *protocol.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreSink records events into an AuditStore.
type StoreSink struct {
	store  AuditStore
	logger *slog.Logger
}

var _ AuditSink = (*StoreSink)(nil)

// NewStoreSink wraps an AuditStore as a sink.
func NewStoreSink(store AuditStore, logger *slog.Logger) *StoreSink {
	return &StoreSink{store: store, logger: logger}
}

func (s *StoreSink) Record(ctx context.Context, event *protocol.AuditEvent) error {
	if err := s.store.Append(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "audit store append failed",
			slog.String("id", event.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// MemorySink keeps events in memory. Used by the REPL's /audit command and tests.
type MemorySink struct {
	mu     sync.Mutex
	events []protocol.AuditEvent
	limit  int
}

var _ AuditSink = (*MemorySink)(nil)

// NewMemorySink keeps at most limit events (oldest dropped). limit <= 0 keeps all.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

func (m *MemorySink) Record(_ context.Context, event *protocol.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
	return nil
}

// Events returns a copy of the recorded events, oldest first.
func (m *MemorySink) Events() []protocol.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// MemorySink doubles as an AuditStore so the audit endpoint works without
// a database.
var _ AuditStore = (*MemorySink)(nil)

// Append records event.
func (m *MemorySink) Append(ctx context.Context, event *protocol.AuditEvent) error {
	return m.Record(ctx, event)
}

// List returns the most recent matching events, oldest first.
func (m *MemorySink) List(_ context.Context, filter AuditFilter) ([]protocol.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []protocol.AuditEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if filter.User != "" && e.User != filter.User {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	slices.Reverse(out)
	return out, nil
}
