package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
)

// --- Streaming handlers ---

// SessionMessageRequest is the JSON body for POST /v1/sessions/{id}/messages.
type SessionMessageRequest struct {
	Input   string            `json:"input"`
	Secrets []protocol.Secret `json:"secrets,omitempty"`
}

func (g *Gateway) handleRespond(w http.ResponseWriter, r *http.Request, u domain.User) {
	var req protocol.Request
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.User = u

	g.logger.InfoContext(r.Context(), "respond",
		slog.String("user", u.String()),
		slog.Int("history", len(req.History)),
	)
	g.stream(w, r, g.responder.Respond(r.Context(), req))
}

func (g *Gateway) handleContinue(w http.ResponseWriter, r *http.Request, u domain.User) {
	var req protocol.ContinueRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Decision.RequestID == "" {
		writeError(w, http.StatusBadRequest, "decision.requestId is required")
		return
	}
	if !req.Decision.Status.Terminal() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decision.status must be Approved or Rejected, got %q", req.Decision.Status))
		return
	}
	if err := canDecide(u); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	req.User = u
	// The decision is credited to the caller, whatever the body claims.
	req.Decision.DecidedBy = u.String()

	g.logger.InfoContext(r.Context(), "continue",
		slog.String("user", u.String()),
		slog.String("request_id", req.Decision.RequestID),
		slog.String("status", string(req.Decision.Status)),
	)
	g.stream(w, r, g.responder.Continue(r.Context(), req))
}

func (g *Gateway) handleSessionMessage(w http.ResponseWriter, r *http.Request, u domain.User) {
	id, ok := sessionIDFromPath(r.URL.Path, "messages")
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	var req SessionMessageRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := g.sessionFor(u, id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if req.Secrets != nil {
		s.SetSecrets(req.Secrets)
	}
	seq, err := s.Send(r.Context(), req.Input)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	g.stream(w, r, seq)
}

func (g *Gateway) handleSessionDecision(w http.ResponseWriter, r *http.Request, u domain.User) {
	id, ok := sessionIDFromPath(r.URL.Path, "decisions")
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	var d protocol.Decision
	if err := decodeStrict(r.Body, &d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := canDecide(u); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	s, err := g.sessionFor(u, id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	seq, err := s.Decide(r.Context(), u, d)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	g.stream(w, r, seq)
}

// canDecide reports whether u may deliver approval decisions.
func canDecide(u domain.User) error {
	if u.Role != domain.RoleManager {
		return fmt.Errorf("%w: only a %s may decide approvals", errForbidden, domain.RoleManager)
	}
	return nil
}

// stream writes every chunk of seq as it is yielded: NDJSON by default,
// server-sent events with ?format=sse. A failed write abandons the stream.
func (g *Gateway) stream(w http.ResponseWriter, r *http.Request, seq iter.Seq[protocol.Chunk]) {
	sse := r.URL.Query().Get("format") == "sse"
	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	} else {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := protocol.NewEncoder(w)
	chunks := 0
	for c := range seq {
		var err error
		if sse {
			err = writeEvent(w, c)
		} else {
			err = enc.Encode(c)
		}
		if err != nil {
			g.logger.WarnContext(r.Context(), "stream write failed",
				slog.Int("chunks", chunks),
				slog.String("error", err.Error()),
			)
			return
		}
		chunks++
	}
	g.logger.DebugContext(r.Context(), "stream complete", slog.Int("chunks", chunks))
}

// writeEvent writes c as one server-sent event named after its payload.
func writeEvent(w io.Writer, c protocol.Chunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName(c), data); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func eventName(c protocol.Chunk) string {
	switch {
	case c.HistoryRewrite != nil:
		return "rewrite"
	case c.Message != nil:
		return "message"
	default:
		return "audit"
	}
}

// sessionIDFromPath extracts {id} from /v1/sessions/{id}/<action>.
func sessionIDFromPath(path, action string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/v1/sessions/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(strings.TrimSuffix(rest, "/"), "/"+action)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// decodeStrict decodes a single JSON object and rejects unknown fields.
// An empty body decodes to the zero value.
func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
