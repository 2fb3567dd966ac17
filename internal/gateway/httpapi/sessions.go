package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/warden/internal/agent"
	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/security"
	"github.com/jkaninda/warden/internal/tools"
)

// --- Session handlers ---

// CreateSessionRequest is the optional JSON body for POST /v1/sessions.
type CreateSessionRequest struct {
	Secrets []protocol.Secret `json:"secrets,omitempty"`
	Model   domain.ModelRef   `json:"activeModel"`
}

// SwitchUserRequest is the JSON body for POST /v1/sessions/{id}/user.
type SwitchUserRequest struct {
	User string `json:"user"` // user ID or name
}

// SessionResponse describes a session and its current message log.
type SessionResponse struct {
	ID       string             `json:"id"`
	User     domain.User        `json:"user"`
	Awaiting string             `json:"awaiting,omitempty"`
	Busy     bool               `json:"busy"`
	History  []protocol.Message `json:"history"`
}

func newSessionResponse(s *agent.Session) SessionResponse {
	return SessionResponse{
		ID:       s.ID,
		User:     s.User(),
		Awaiting: s.Awaiting(),
		Busy:     s.Busy(),
		History:  s.History(),
	}
}

// sessionFor returns the session id when u may drive it. Analysts only see
// sessions acting as themselves; Managers see every session.
func (g *Gateway) sessionFor(u domain.User, id string) (*agent.Session, error) {
	s, err := g.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if u.Role != domain.RoleManager && s.User().ID != u.ID {
		return nil, agent.ErrSessionNotFound
	}
	return s, nil
}

func (g *Gateway) handleSessionCreate(c *okapi.Context) error {
	u, err := g.currentUser(c)
	if err != nil {
		return c.AbortUnauthorized(err.Error())
	}
	var req CreateSessionRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.AbortBadRequest("invalid request body")
		}
	}

	s := g.sessions.Create(u)
	if req.Secrets != nil {
		s.SetSecrets(req.Secrets)
	}
	s.SetModel(req.Model)
	return c.JSON(http.StatusCreated, newSessionResponse(s))
}

func (g *Gateway) handleSessionGet(c *okapi.Context) error {
	u, err := g.currentUser(c)
	if err != nil {
		return c.AbortUnauthorized(err.Error())
	}
	s, err := g.sessionFor(u, c.Param("id"))
	if err != nil {
		return abort(c, err)
	}
	return c.OK(newSessionResponse(s))
}

func (g *Gateway) handleSessionDelete(c *okapi.Context) error {
	u, err := g.currentUser(c)
	if err != nil {
		return c.AbortUnauthorized(err.Error())
	}
	s, err := g.sessionFor(u, c.Param("id"))
	if err != nil {
		return abort(c, err)
	}
	g.sessions.Delete(s.ID)
	return c.OK(okapi.M{"status": "closed"})
}

func (g *Gateway) handleSessionSwitchUser(c *okapi.Context) error {
	u, err := g.currentUser(c)
	if err != nil {
		return c.AbortUnauthorized(err.Error())
	}
	var req SwitchUserRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	s, err := g.switchUser(u, c.Param("id"), req.User)
	if err != nil {
		return abort(c, err)
	}
	return c.OK(newSessionResponse(s))
}

// switchUser swaps the acting user of a session. Only Managers may switch.
func (g *Gateway) switchUser(u domain.User, id, target string) (*agent.Session, error) {
	if u.Role != domain.RoleManager {
		return nil, fmt.Errorf("%w: only a %s may switch users", errForbidden, domain.RoleManager)
	}
	s, err := g.sessionFor(u, id)
	if err != nil {
		return nil, err
	}
	next, err := g.auth.Resolve(target)
	if err != nil {
		return nil, err
	}
	s.SwitchUser(next)
	return s, nil
}

func (g *Gateway) handleSessionReset(c *okapi.Context) error {
	u, err := g.currentUser(c)
	if err != nil {
		return c.AbortUnauthorized(err.Error())
	}
	s, err := g.sessionFor(u, c.Param("id"))
	if err != nil {
		return abort(c, err)
	}
	s.Reset()
	return c.OK(newSessionResponse(s))
}

// --- Catalog and audit handlers ---

func (g *Gateway) handleApprovalsList(c *okapi.Context) error {
	u, err := g.currentUser(c)
	if err != nil {
		return c.AbortUnauthorized(err.Error())
	}
	pending, err := g.pendingFor(c.Context(), u)
	if err != nil {
		return abort(c, err)
	}
	return c.OK(pending)
}

// pendingFor lists the approvals u may see: all for Managers, their own
// requests for everyone else.
func (g *Gateway) pendingFor(ctx context.Context, u domain.User) ([]*approval.Request, error) {
	all, err := g.approvals.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	if u.Role == domain.RoleManager {
		return all, nil
	}
	own := make([]*approval.Request, 0, len(all))
	for _, r := range all {
		if r.Requester.ID == u.ID {
			own = append(own, r)
		}
	}
	return own, nil
}

// ToolResponse describes one registered tool.
type ToolResponse struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	RequiredRole     domain.Role    `json:"requiredRole,omitempty"`
	RequiresApproval bool           `json:"requiresApproval"`
	Cacheable        bool           `json:"cacheable"`
	InputSchema      map[string]any `json:"inputSchema"`
}

func toolCatalog(r *tools.Registry) []ToolResponse {
	all := r.All()
	out := make([]ToolResponse, 0, len(all))
	for _, t := range all {
		out = append(out, ToolResponse{
			Name:             t.Name(),
			Description:      t.Description(),
			RequiredRole:     t.RequiredRole(),
			RequiresApproval: t.RequiresApproval(),
			Cacheable:        tools.Cacheable(t),
			InputSchema:      t.InputSchema(),
		})
	}
	return out
}

func (g *Gateway) handleToolsList(c *okapi.Context) error {
	return c.OK(toolCatalog(g.registry))
}

// AuditEventResponse documents the audit event shape for OpenAPI.
type AuditEventResponse = protocol.AuditEvent

func (g *Gateway) handleAuditList(c *okapi.Context) error {
	u, err := g.currentUser(c)
	if err != nil {
		return c.AbortUnauthorized(err.Error())
	}
	q := c.Request().URL.Query()
	filter, err := auditFilter(u, q.Get("user"), q.Get("type"), q.Get("limit"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	events, err := g.audit.List(c.Context(), filter)
	if err != nil {
		g.logger.ErrorContext(c.Context(), "audit query failed", "error", err)
		return c.AbortInternalServerError("audit query failed")
	}
	return c.OK(events)
}

// auditFilter builds the filter for an audit query. Non-Managers only ever
// see their own events, whatever user they ask for.
func auditFilter(u domain.User, user, typ, limit string) (security.AuditFilter, error) {
	f := security.AuditFilter{User: user, Type: protocol.AuditType(typ)}
	if u.Role != domain.RoleManager {
		f.User = u.String()
	}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", limit)
		}
		f.Limit = n
	}
	return f, nil
}
