// Package httpapi implements the HTTP API gateway for Warden.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting on turn endpoints via token bucket
//   - Strict JSON validation on streaming endpoints (disallow unknown fields)
//   - The authenticated user always overrides any user named in a request body
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/warden/internal/agent"
	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/gateway"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/ratelimit"
	"github.com/jkaninda/warden/internal/security"
	"github.com/jkaninda/warden/internal/tools"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// errForbidden marks an authenticated caller acting outside their role.
var errForbidden = errors.New("forbidden")

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	responder agent.Responder
	sessions  *agent.SessionStore
	auth      *gateway.Authenticator
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	approvals approval.Workflow   // nil = approval listing disabled.
	registry  *tools.Registry     // nil = tool listing disabled.
	audit     security.AuditStore // nil = audit queries disabled.

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. Stateless turns go to responder;
// session turns go through sessions.
func NewGateway(cfg Config, responder agent.Responder, sessions *agent.SessionStore, auth *gateway.Authenticator, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:    cfg,
		responder: responder,
		sessions:  sessions,
		auth:      auth,
		limiter:   rl,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithApprovals exposes the pending approval queue.
func (g *Gateway) WithApprovals(w approval.Workflow) *Gateway {
	g.approvals = w
	return g
}

// WithTools exposes the tool catalog.
func (g *Gateway) WithTools(r *tools.Registry) *Gateway {
	g.registry = r
	return g
}

// WithAudit exposes audit queries.
func (g *Gateway) WithAudit(store security.AuditStore) *Gateway {
	g.audit = store
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Warden",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional GET handler on the HTTP mux at the given
// pattern. Used for the WebSocket endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.routes()

	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // streams stay open for a whole turn
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) routes() {
	// Streaming endpoints. Registered as plain handlers so each chunk can be
	// flushed as soon as the orchestrator yields it.
	g.okapi.HandleStd("POST", "/v1/respond", g.authenticateStream(g.handleRespond))
	g.okapi.HandleStd("POST", "/v1/continue", g.authenticateStream(g.handleContinue))
	g.okapi.HandleStd("POST", "/v1/sessions/{id}/messages", g.authenticateStream(g.handleSessionMessage))
	g.okapi.HandleStd("POST", "/v1/sessions/{id}/decisions", g.authenticateStream(g.handleSessionDecision))

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/sessions", g.handleSessionCreate,
		okapi.DocSummary("Open a conversation session"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(CreateSessionRequest{}),
		okapi.DocResponse(http.StatusCreated, SessionResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}", g.handleSessionGet,
		okapi.DocSummary("Get a session and its message log"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}", g.handleSessionDelete,
		okapi.DocSummary("Close a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/user", g.handleSessionSwitchUser,
		okapi.DocSummary("Switch the acting user of a session (Manager only)"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocRequestBody(SwitchUserRequest{}),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/reset", g.handleSessionReset,
		okapi.DocSummary("Clear a session back to its preamble"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	if g.approvals != nil {
		g.group.Get("/approvals", g.handleApprovalsList,
			okapi.DocSummary("List pending approval requests"),
			okapi.DocTags("Approvals"),
			okapi.DocResponse([]approval.Request{}),
		)
	}
	if g.registry != nil {
		g.group.Get("/tools", g.handleToolsList,
			okapi.DocSummary("List registered tools"),
			okapi.DocTags("Tools"),
			okapi.DocResponse([]ToolResponse{}),
		)
	}
	if g.audit != nil {
		g.group.Get("/audit", g.handleAuditList,
			okapi.DocSummary("Query the audit trail"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]AuditEventResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: observability.StatusOK})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: observability.StatusOK})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key for okapi routes and stores the
// resolved user ID on the context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		u, err := g.auth.Authenticate(c.Request())
		if err != nil {
			return c.AbortUnauthorized(err.Error())
		}
		c.Set("userID", u.ID)
		return next(c)
	}
}

// currentUser resolves the user stored by authenticate.
func (g *Gateway) currentUser(c *okapi.Context) (domain.User, error) {
	return g.auth.Resolve(c.GetString("userID"))
}

type streamHandler func(w http.ResponseWriter, r *http.Request, u domain.User)

// authenticateStream authenticates, rate limits and caps the body of a
// streaming endpoint.
func (g *Gateway) authenticateStream(next streamHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := g.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if err := g.limiter.Allow(u.ID); err != nil {
			if d := g.limiter.RetryAfter(u.ID); d > 0 {
				w.Header().Set("Retry-After", retryAfterSeconds(d))
			}
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, g.maxRequestSize())
		next(w, r.WithContext(gateway.ContextWithUser(r.Context(), u)), u)
	}
}

func (g *Gateway) maxRequestSize() int64 {
	if g.config.MaxRequestSize > 0 {
		return g.config.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// --- Helpers ---

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrSessionNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, security.ErrUnknownUser):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrInputLocked):
		return http.StatusLocked
	case errors.Is(err, agent.ErrTurnInProgress),
		errors.Is(err, agent.ErrNoPendingApproval):
		return http.StatusConflict
	case errors.Is(err, approval.ErrInvalidDecision):
		return http.StatusBadRequest
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// abort writes err as a JSON error with the status statusFor picks.
func abort(c *okapi.Context, err error) error {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	return c.JSON(code, ErrorBody{Error: msg})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: msg})
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
