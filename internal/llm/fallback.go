package llm

import (
	"context"
	"iter"
	"sync/atomic"

	"github.com/jkaninda/warden/internal/agent"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
)

// Fallback prefers the live backend and hands a new turn to a local
// Responder when the backend is down. Denials such as 401 or 403 are not
// outages and end the turn. Decisions always go to the backend, since the
// local approval queue never saw its requests. Once the backend has
// accepted a request, its stream is relayed as is, failures included.
type Fallback struct {
	primary *Client
	local   agent.Responder
}

var _ agent.Responder = (*Fallback)(nil)

// NewFallback creates a Responder that tries primary, then local.
func NewFallback(primary *Client, local agent.Responder) *Fallback {
	return &Fallback{primary: primary, local: local}
}

func (f *Fallback) Respond(ctx context.Context, req protocol.Request) iter.Seq[protocol.Chunk] {
	return f.try(ctx, respondPath, req.User, req, f.local.Respond(ctx, req))
}

func (f *Fallback) Continue(ctx context.Context, req protocol.ContinueRequest) iter.Seq[protocol.Chunk] {
	return f.primary.Continue(ctx, req)
}

func (f *Fallback) try(ctx context.Context, path string, user domain.User, body any, local iter.Seq[protocol.Chunk]) iter.Seq[protocol.Chunk] {
	var used atomic.Bool
	return func(yield func(protocol.Chunk) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}
		f.primary.exchange(ctx, path, user, body, yield, local)
	}
}
