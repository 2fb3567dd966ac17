// Package llm connects the core's request boundary to a live backend that
// speaks the NDJSON chunk protocol. The backend performs model-based tool
// selection; the client only forwards requests and relays the stream.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/jkaninda/warden/internal/agent"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/security"
)

const (
	respondPath  = "/v1/respond"
	continuePath = "/v1/continue"

	// maxErrorBody caps how much of a failed response is kept for logs.
	maxErrorBody = 512
)

// ErrBackendUnavailable is wrapped by every TransportError.
var ErrBackendUnavailable = errors.New("live backend unavailable")

// TransportError reports a failed exchange with the backend.
type TransportError struct {
	Endpoint string
	Status   int // 0 when no response arrived
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s returned status %d: %v", ErrBackendUnavailable, e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrBackendUnavailable, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrBackendUnavailable, e.Err} }

// Client streams turns from a live backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	sink       security.AuditSink              // nil = remote audit events only reach the stream
	metrics    *observability.MetricsCollector // nil = no metrics
	logger     *slog.Logger
}

var _ agent.Responder = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAuditSink records audit events relayed from the backend.
func WithAuditSink(sink security.AuditSink) Option {
	return func(c *Client) { c.sink = sink }
}

// WithMetrics records request counts and stream durations.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Respond forwards one user input.
func (c *Client) Respond(ctx context.Context, req protocol.Request) iter.Seq[protocol.Chunk] {
	return c.relay(ctx, respondPath, req.User, req)
}

// Continue forwards an approval decision.
func (c *Client) Continue(ctx context.Context, req protocol.ContinueRequest) iter.Seq[protocol.Chunk] {
	return c.relay(ctx, continuePath, req.User, req)
}

// relay opens the stream on first iteration and yields each chunk as it is
// decoded. A transport failure ends the stream with a single chunk carrying
// an error message and a SECURITY_ALERT.
func (c *Client) relay(ctx context.Context, path string, user domain.User, body any) iter.Seq[protocol.Chunk] {
	var used atomic.Bool
	return func(yield func(protocol.Chunk) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}
		c.exchange(ctx, path, user, body, yield, nil)
	}
}

// exchange runs one request against the backend. When the backend is down
// (no response or a 5xx) and local is non-nil, the outage is alerted and
// local answers the turn instead. Any other failure ends the turn.
func (c *Client) exchange(ctx context.Context, path string, user domain.User, body any, yield func(protocol.Chunk) bool, local iter.Seq[protocol.Chunk]) {
	start := time.Now()
	resp, err := c.open(ctx, path, body)
	if err != nil {
		c.metrics.RecordBackendRequest(path, err, time.Since(start))
		if local != nil && IsOutage(err) {
			c.logger.WarnContext(ctx, "live backend unreachable, answering locally",
				slog.String("endpoint", path),
				slog.String("error", err.Error()),
			)
			alert := FailureChunk(user, err)
			alert.Message = nil
			alert.AuditEvent.Details["fallback"] = "local"
			c.record(ctx, alert.AuditEvent)
			if !yield(alert) {
				return
			}
			for chunk := range local {
				if !yield(chunk) {
					return
				}
			}
			return
		}
		c.fail(ctx, yield, user, err)
		return
	}
	defer resp.Body.Close()

	var streamErr error
	defer func() { c.metrics.RecordBackendRequest(path, streamErr, time.Since(start)) }()

	for chunk, err := range protocol.ReadChunks(ctx, resp.Body, c.logger) {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			streamErr = &TransportError{Endpoint: path, Status: resp.StatusCode, Err: err}
			c.fail(ctx, yield, user, streamErr)
			return
		}
		c.record(ctx, chunk.AuditEvent)
		if !yield(chunk) {
			return
		}
	}
}

// open posts body and returns the response once a 200 arrives.
func (c *Client) open(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, &TransportError{Endpoint: path, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", protocol.ContentType)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	observability.Propagator.Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Endpoint: path, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{
			Endpoint: path,
			Status:   resp.StatusCode,
			Err:      errors.New(strings.TrimSpace(string(msg))),
		}
	}
	return resp, nil
}

// IsOutage reports whether err means the backend is down rather than
// refusing the request: no response arrived or the server failed.
func IsOutage(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.Status == 0 || te.Status >= http.StatusInternalServerError
}

func (c *Client) fail(ctx context.Context, yield func(protocol.Chunk) bool, user domain.User, err error) {
	c.logger.WarnContext(ctx, "live backend request failed",
		slog.String("base_url", c.baseURL),
		slog.String("error", err.Error()),
	)
	chunk := FailureChunk(user, err)
	c.record(ctx, chunk.AuditEvent)
	yield(chunk)
}

func (c *Client) record(ctx context.Context, ev *protocol.AuditEvent) {
	if ev == nil || c.sink == nil {
		return
	}
	if err := c.sink.Record(ctx, ev); err != nil {
		c.logger.WarnContext(ctx, "audit sink rejected relayed event",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// FailureChunk renders a backend failure for the consumer.
func FailureChunk(user domain.User, err error) protocol.Chunk {
	details := map[string]any{
		"reason": "transport_error",
		"error":  err.Error(),
	}
	var te *TransportError
	if errors.As(err, &te) {
		details["endpoint"] = te.Endpoint
		if te.Status != 0 {
			details["status"] = te.Status
		}
	}
	return protocol.Chunk{
		Message:    protocol.ErrorMessage(protocol.AuthorSystem, "The assistant backend is unavailable right now. Please try again shortly."),
		AuditEvent: protocol.NewAuditEvent(protocol.AuditSecurityAlert, user, details),
	}
}
