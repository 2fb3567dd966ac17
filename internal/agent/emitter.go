package agent

import (
	"context"
	"iter"
	"log/slog"
	"sync/atomic"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/security"
)

// emitter forwards chunks of one turn to the consumer. Once the consumer
// stops iterating, every further emit is dropped and reports false so the
// turn can unwind without running more side effects.
type emitter struct {
	ctx     context.Context
	yield   func(protocol.Chunk) bool
	sink    security.AuditSink
	logger  *slog.Logger
	user    domain.User
	stopped bool
}

func (e *emitter) emit(c protocol.Chunk) bool {
	if e.stopped {
		return false
	}
	if c.AuditEvent != nil && e.sink != nil {
		if err := e.sink.Record(e.ctx, c.AuditEvent); err != nil {
			e.logger.WarnContext(e.ctx, "audit sink rejected event",
				slog.String("type", string(c.AuditEvent.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
	if !e.yield(c) {
		e.stopped = true
		return false
	}
	return true
}

// message emits a message alone.
func (e *emitter) message(m *protocol.Message) bool {
	return e.emit(protocol.Chunk{Message: m})
}

// audit emits an audit event attributed to the turn's user.
func (e *emitter) audit(typ protocol.AuditType, details map[string]any) bool {
	return e.emit(protocol.Chunk{AuditEvent: protocol.NewAuditEvent(typ, e.user, details)})
}

// both emits a message together with the audit event it caused.
func (e *emitter) both(m *protocol.Message, typ protocol.AuditType, details map[string]any) bool {
	return e.emit(protocol.Chunk{Message: m, AuditEvent: protocol.NewAuditEvent(typ, e.user, details)})
}

// stream wraps a turn body as a single-pass sequence: the body runs on the
// first iteration only and later iterations yield nothing.
func stream(ctx context.Context, sink security.AuditSink, logger *slog.Logger, user domain.User, body func(*emitter)) iter.Seq[protocol.Chunk] {
	var used atomic.Bool
	return func(yield func(protocol.Chunk) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}
		body(&emitter{ctx: ctx, yield: yield, sink: sink, logger: logger, user: user})
	}
}

// Collect drains a stream into a slice.
func Collect(seq iter.Seq[protocol.Chunk]) []protocol.Chunk {
	var out []protocol.Chunk
	for c := range seq {
		out = append(out, c)
	}
	return out
}
