package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/jkaninda/warden/internal/protocol"
)

// DefaultSubjectPrefix is the NATS subject prefix for audit events.
// Events publish to "<prefix>.<type>", e.g. "warden.audit.security_alert".
const DefaultSubjectPrefix = "warden.audit"

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes audit events to NATS for downstream compliance consumers.
type NATSSink struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

var _ AuditSink = (*NATSSink)(nil)

// NewNATSSink creates a sink over an existing publisher.
func NewNATSSink(pub Publisher, prefix string, logger *slog.Logger) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: prefix, logger: logger}
}

// ConnectNATS dials the server and returns a sink plus a close function
// that drains the connection.
func ConnectNATS(url, prefix string, logger *slog.Logger) (*NATSSink, func() error, error) {
	nc, err := nats.Connect(url,
		nats.Name("warden-audit"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	return NewNATSSink(nc, prefix, logger), nc.Drain, nil
}

// Subject returns the subject an event type publishes to.
func (s *NATSSink) Subject(typ protocol.AuditType) string {
	return s.prefix + "." + strings.ToLower(string(typ))
}

func (s *NATSSink) Record(ctx context.Context, event *protocol.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	if err := s.pub.Publish(s.Subject(event.Type), data); err != nil {
		s.logger.WarnContext(ctx, "audit publish failed",
			slog.String("id", event.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("publishing audit event: %w", err)
	}
	return nil
}

// Ping round-trips to the server when the publisher supports it. The
// context must carry a deadline.
func (s *NATSSink) Ping(ctx context.Context) error {
	if f, ok := s.pub.(interface {
		FlushWithContext(ctx context.Context) error
	}); ok {
		return f.FlushWithContext(ctx)
	}
	return nil
}
