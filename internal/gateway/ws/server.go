// Package ws implements the WebSocket gateway. Each connection owns one
// conversation session; client frames drive turns and every chunk of the
// resulting stream is written back as its own frame.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/warden/internal/agent"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/gateway"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/ratelimit"
)

// ErrForbidden is reported when a frame needs a role the user lacks.
var ErrForbidden = errors.New("forbidden")

const defaultPingInterval = 30 * time.Second

// Server serves sessions over WebSocket.
type Server struct {
	sessions     *agent.SessionStore
	auth         *gateway.Authenticator
	limiter      *ratelimit.Limiter
	pingInterval time.Duration
	logger       *slog.Logger
}

// NewServer creates a WebSocket server. Sessions are created in sessions and
// closed when the connection drops.
func NewServer(sessions *agent.SessionStore, auth *gateway.Authenticator, rl *ratelimit.Limiter, logger *slog.Logger) *Server {
	return &Server{
		sessions:     sessions,
		auth:         auth,
		limiter:      rl,
		pingInterval: defaultPingInterval,
		logger:       logger,
	}
}

// WithPingInterval sets how often keepalive frames are sent. 0 disables them.
func (s *Server) WithPingInterval(d time.Duration) *Server {
	s.pingInterval = d
	return s
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, user)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, user domain.User) {
	session := s.sessions.Create(user)
	defer func() {
		s.sessions.Delete(session.ID)
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	if err := s.write(ctx, conn, ServerFrame{Type: FrameSession, SessionID: session.ID}); err != nil {
		return
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	if s.pingInterval > 0 {
		go s.pingLoop(pingCtx, conn, session.ID)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("websocket client disconnected", slog.String("session_id", session.ID))
			} else {
				s.logger.Warn("websocket connection error",
					slog.String("session_id", session.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if s.write(ctx, conn, ServerFrame{Type: FrameError, Error: "invalid frame: " + err.Error()}) != nil {
				return
			}
			continue
		}
		if err := s.handleFrame(ctx, conn, session, &frame); err != nil {
			s.logger.Debug("websocket write failed",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// handleFrame applies one client frame. Refused frames are answered with an
// error frame; only write failures are returned.
func (s *Server) handleFrame(ctx context.Context, conn *websocket.Conn, session *agent.Session, frame *ClientFrame) error {
	user := session.User()
	if frame.Secrets != nil {
		session.SetSecrets(frame.Secrets)
	}

	var (
		seq iter.Seq[protocol.Chunk]
		err error
	)
	switch frame.Type {
	case FrameReset:
		session.Reset()
		return s.write(ctx, conn, ServerFrame{Type: FrameDone})

	case FrameInput:
		if err = s.limiter.Allow(user.ID); err == nil {
			seq, err = session.Send(ctx, frame.Input)
		}

	case FrameDecision:
		d := protocol.Decision{}
		if frame.Decision != nil {
			d = *frame.Decision
		}
		if user.Role != domain.RoleManager {
			err = fmt.Errorf("%w: only a %s may decide approvals", ErrForbidden, domain.RoleManager)
			break
		}
		seq, err = session.Decide(ctx, user, d)

	default:
		err = fmt.Errorf("unknown frame type %q", frame.Type)
	}
	if err != nil {
		return s.write(ctx, conn, ServerFrame{Type: FrameError, Error: err.Error()})
	}

	for c := range seq {
		if err := s.write(ctx, conn, ServerFrame{Type: FrameChunk, Chunk: &c}); err != nil {
			return err
		}
	}
	return s.write(ctx, conn, ServerFrame{Type: FrameDone, Awaiting: session.Awaiting()})
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn, sessionID string) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(ctx, conn, ServerFrame{Type: FramePing}); err != nil {
				s.logger.Debug("websocket ping failed",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, frame ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
