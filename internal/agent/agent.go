// Package agent is the orchestration core. A turn routes user input to a
// tool, authorizes it, parks it for approval or runs it through the cached
// executor, and streams every message and audit event as it happens.
package agent

import (
	"context"
	"fmt"
	"iter"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
)

// Responder is the request boundary shared by the local orchestrator and
// the live backend client. Both streams are lazy and single-pass.
type Responder interface {
	// Respond handles one user input.
	Respond(ctx context.Context, req protocol.Request) iter.Seq[protocol.Chunk]

	// Continue resumes a conversation after an approval decision.
	Continue(ctx context.Context, req protocol.ContinueRequest) iter.Seq[protocol.Chunk]
}

// Preamble is the first message of every conversation. Pruning never
// discards it.
func Preamble(user domain.User) protocol.Message {
	return *protocol.NewMessage(protocol.AuthorSystem, fmt.Sprintf(
		"Session started for %s. Ask about the time, sales data, financial reports, "+
			"transfers, secrets or documents. Actions that need sign-off wait for approval.", user))
}
