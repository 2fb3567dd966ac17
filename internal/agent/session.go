package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
)

// Session errors.
var (
	ErrInputLocked       = errors.New("input locked: an approval is pending")
	ErrNoPendingApproval = errors.New("no approval is pending")
	ErrTurnInProgress    = errors.New("a turn is already in progress")
	ErrSessionNotFound   = errors.New("session not found")
)

// Session is one conversation driven through a Responder. It owns the
// message log and applies every chunk as the caller consumes the stream.
// While a Pending approval is outstanding, new input is rejected.
//
// The sequences returned by Send and Decide must be ranged over to the
// end (or abandoned with break); the session stays busy until then.
type Session struct {
	ID string

	responder Responder
	now       func() time.Time
	busy      atomic.Bool

	mu         sync.Mutex
	user       domain.User
	history    []protocol.Message
	awaiting   string // pending approval id, "" when unlocked
	secrets    []protocol.Secret
	model      domain.ModelRef
	lastActive time.Time
	gen        uint64             // bumped by Reset and SwitchUser
	cancel     context.CancelFunc // cancels the in-flight turn
}

// NewSession starts a conversation for user, seeded with the preamble.
func NewSession(id string, user domain.User, responder Responder) *Session {
	s := &Session{ID: id, responder: responder, now: time.Now, user: user}
	s.history = []protocol.Message{Preamble(user)}
	s.lastActive = s.now()
	return s
}

// Send submits user input. It fails with ErrInputLocked while an approval
// is pending and with ErrTurnInProgress while another turn streams.
func (s *Session) Send(ctx context.Context, input string) (iter.Seq[protocol.Chunk], error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrTurnInProgress
	}

	s.mu.Lock()
	if s.awaiting != "" {
		id := s.awaiting
		s.mu.Unlock()
		s.busy.Store(false)
		return nil, fmt.Errorf("%w (request %s)", ErrInputLocked, id)
	}
	req := protocol.Request{
		Input:   input,
		User:    s.user,
		History: slices.Clone(s.history),
		Secrets: s.secrets,
		Model:   s.model,
	}
	ctx, gen := s.beginTurn(ctx)
	s.mu.Unlock()

	return s.drive(s.responder.Respond(ctx, req), gen, nil), nil
}

// Decide delivers an approval decision made by the given user, who need not
// own the session. An empty RequestID targets the pending request. The input lock is released once the stream ends, even
// when the decision turned out to be a no-op, but not when it was refused.
func (s *Session) Decide(ctx context.Context, by domain.User, d protocol.Decision) (iter.Seq[protocol.Chunk], error) {
	if !d.Status.Terminal() {
		return nil, fmt.Errorf("%w: got %q", approval.ErrInvalidDecision, d.Status)
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrTurnInProgress
	}

	s.mu.Lock()
	if d.RequestID == "" {
		d.RequestID = s.awaiting
	}
	if d.RequestID == "" {
		s.mu.Unlock()
		s.busy.Store(false)
		return nil, ErrNoPendingApproval
	}
	d.DecidedBy = by.String()
	req := protocol.ContinueRequest{
		Decision: d,
		User:     by,
		History:  slices.Clone(s.history),
		Secrets:  s.secrets,
		Model:    s.model,
	}
	ctx, gen := s.beginTurn(ctx)
	s.mu.Unlock()

	id := d.RequestID
	refused := false
	seq := func(yield func(protocol.Chunk) bool) {
		for c := range s.responder.Continue(ctx, req) {
			if c.AuditEvent != nil && c.AuditEvent.Type == protocol.AuditSecurityAlert {
				refused = true
			}
			if !yield(c) {
				return
			}
		}
	}
	return s.drive(seq, gen, func() {
		// A refused decision leaves the request, and the lock, pending.
		if s.awaiting == id && !refused {
			s.awaiting = ""
		}
	}), nil
}

// beginTurn must be called with mu held.
func (s *Session) beginTurn(ctx context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.lastActive = s.now()
	return ctx, s.gen
}

// drive applies each chunk to the session before handing it on. Chunks
// from a turn that was superseded by Reset or SwitchUser are still yielded
// but no longer change the log.
func (s *Session) drive(seq iter.Seq[protocol.Chunk], gen uint64, done func()) iter.Seq[protocol.Chunk] {
	var used atomic.Bool
	return func(yield func(protocol.Chunk) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}
		defer func() {
			s.mu.Lock()
			if s.gen == gen {
				if done != nil {
					done()
				}
				if s.cancel != nil {
					s.cancel()
					s.cancel = nil
				}
			}
			s.lastActive = s.now()
			s.mu.Unlock()
			s.busy.Store(false)
		}()
		for c := range seq {
			s.apply(c, gen)
			if !yield(c) {
				return
			}
		}
	}
}

func (s *Session) apply(c protocol.Chunk, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if c.HistoryRewrite != nil {
		s.history = slices.Clone(c.HistoryRewrite)
	}
	if m := c.Message; m != nil {
		s.history = append(s.history, *m)
		switch {
		case m.PendingApproval():
			s.awaiting = m.Approval.RequestID
		case m.Approval != nil && m.Approval.RequestID == s.awaiting:
			s.awaiting = ""
		}
	}
}

// SwitchUser replaces the acting user and clears all conversation state.
// The process-wide cache is unaffected.
func (s *Session) SwitchUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
	s.resetLocked()
}

// Reset clears the conversation for the current user.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Session) resetLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.history = []protocol.Message{Preamble(s.user)}
	s.awaiting = ""
	s.lastActive = s.now()
}

// SetSecrets replaces the secrets forwarded with every turn.
func (s *Session) SetSecrets(secrets []protocol.Secret) {
	s.mu.Lock()
	s.secrets = slices.Clone(secrets)
	s.mu.Unlock()
}

// SetModel records the model forwarded with every turn.
func (s *Session) SetModel(m domain.ModelRef) {
	s.mu.Lock()
	s.model = m
	s.mu.Unlock()
}

// History returns a copy of the message log.
func (s *Session) History() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Awaiting returns the pending approval id, or "".
func (s *Session) Awaiting() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaiting
}

// User returns the acting user.
func (s *Session) User() domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// LastActive returns when the session last started or finished a turn.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Busy reports whether a turn is streaming.
func (s *Session) Busy() bool { return s.busy.Load() }
