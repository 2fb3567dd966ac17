package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/observability"
)

// SessionStore keeps live sessions in memory. Sessions are lost on restart.
type SessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	responder Responder
	metrics   *observability.MetricsCollector // nil = no metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewSessionStore creates a store whose sessions talk to responder.
func NewSessionStore(responder Responder, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		sessions:  make(map[string]*Session),
		responder: responder,
		now:       time.Now,
		logger:    logger,
	}
}

// WithMetrics tracks the live session gauge.
func (st *SessionStore) WithMetrics(m *observability.MetricsCollector) *SessionStore {
	st.metrics = m
	return st
}

// WithClock replaces the time source used for idle tracking.
func (st *SessionStore) WithClock(now func() time.Time) *SessionStore {
	st.now = now
	return st
}

// Create opens a session for user.
func (st *SessionStore) Create(user domain.User) *Session {
	s := NewSession(uuid.New().String(), user, st.responder)
	s.now = st.now
	s.lastActive = st.now()

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()

	st.metrics.SessionOpened()
	st.logger.Info("session opened",
		slog.String("session_id", s.ID),
		slog.String("user", user.String()),
	)
	return s
}

// Get returns a session by id, or ErrSessionNotFound.
func (st *SessionStore) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Delete closes a session. It reports whether the session existed.
func (st *SessionStore) Delete(id string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if !ok {
		return false
	}
	s.Reset()
	st.metrics.SessionClosed()
	return true
}

// Reap closes sessions idle for longer than idle. Sessions with a turn in
// progress are kept. It returns the number closed.
func (st *SessionStore) Reap(idle time.Duration) int {
	cutoff := st.now().Add(-idle)

	st.mu.Lock()
	var reaped []string
	for id, s := range st.sessions {
		if !s.Busy() && s.LastActive().Before(cutoff) {
			delete(st.sessions, id)
			reaped = append(reaped, id)
		}
	}
	st.mu.Unlock()

	for _, id := range reaped {
		st.metrics.SessionClosed()
		st.logger.Info("session reaped", slog.String("session_id", id))
	}
	return len(reaped)
}

// Len returns the number of live sessions.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
