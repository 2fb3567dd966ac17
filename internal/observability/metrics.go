package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Warden.
// Uses a custom registry, no global state. Record methods are nil-safe.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Turn metrics.
	TurnsTotal *prometheus.CounterVec

	// Tool execution metrics.
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Cache metrics.
	CacheLookupsTotal *prometheus.CounterVec
	CacheExpiredTotal prometheus.Counter

	// Authorization and approval metrics.
	AuthorizationsTotal *prometheus.CounterVec
	ApprovalsTotal      *prometheus.CounterVec
	SecurityAlertsTotal *prometheus.CounterVec

	// Audit metrics.
	AuditEventsTotal *prometheus.CounterVec

	// Context window metrics.
	ContextPrunesTotal    prometheus.Counter
	ContextPrunedMessages prometheus.Counter

	// Live backend metrics.
	BackendRequestsTotal   *prometheus.CounterVec
	BackendRequestDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
	ActiveSessions prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "agent",
			Name:      "turns_total",
			Help:      "Total orchestrator turns by entry point.",
		}, []string{"kind"}),

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total tool executions.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Tool result cache lookups.",
		}, []string{"result"}),

		CacheExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "cache",
			Name:      "expired_total",
			Help:      "Cache entries purged by the maintenance sweep.",
		}),

		AuthorizationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "security",
			Name:      "authorizations_total",
			Help:      "Authorization gate verdicts.",
		}, []string{"tool", "verdict"}),

		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "approval",
			Name:      "transitions_total",
			Help:      "Approval requests created and decided.",
		}, []string{"status"}),

		SecurityAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "security",
			Name:      "alerts_total",
			Help:      "Security alerts raised.",
		}, []string{"reason"}),

		AuditEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Audit events recorded.",
		}, []string{"type", "status"}),

		ContextPrunesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "context",
			Name:      "prunes_total",
			Help:      "Context window rewrites.",
		}),

		ContextPrunedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "context",
			Name:      "pruned_messages_total",
			Help:      "Messages discarded by context window rewrites.",
		}),

		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Requests to the live backend.",
		}, []string{"endpoint", "status"}),

		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Live backend stream duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"endpoint"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "active_sessions",
			Help:      "Number of live conversation sessions.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.TurnsTotal,
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.CacheLookupsTotal,
		m.CacheExpiredTotal,
		m.AuthorizationsTotal,
		m.ApprovalsTotal,
		m.SecurityAlertsTotal,
		m.AuditEventsTotal,
		m.ContextPrunesTotal,
		m.ContextPrunedMessages,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.ActiveSessions,
	)

	return m
}

// RecordTurn counts one respond or continue turn.
func (m *MetricsCollector) RecordTurn(kind string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(kind).Inc()
}

// RecordToolExecution records a tool run. status is "success", "error" or "cached".
func (m *MetricsCollector) RecordToolExecution(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
	if status != "cached" {
		m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}

// RecordCacheLookup counts a cache hit or miss.
func (m *MetricsCollector) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordCacheExpired counts entries purged by a sweep.
func (m *MetricsCollector) RecordCacheExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheExpiredTotal.Add(float64(n))
}

// RecordAuthorization counts an authorization gate verdict.
func (m *MetricsCollector) RecordAuthorization(tool, verdict string) {
	if m == nil {
		return
	}
	m.AuthorizationsTotal.WithLabelValues(tool, verdict).Inc()
}

// RecordApproval counts an approval request transition.
func (m *MetricsCollector) RecordApproval(status string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(status).Inc()
}

// RecordSecurityAlert counts a security alert.
func (m *MetricsCollector) RecordSecurityAlert(reason string) {
	if m == nil {
		return
	}
	m.SecurityAlertsTotal.WithLabelValues(reason).Inc()
}

// RecordPrune counts a context window rewrite.
func (m *MetricsCollector) RecordPrune(discarded int) {
	if m == nil {
		return
	}
	m.ContextPrunesTotal.Inc()
	m.ContextPrunedMessages.Add(float64(discarded))
}

// RecordBackendRequest records a live backend call.
func (m *MetricsCollector) RecordBackendRequest(endpoint string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.BackendRequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.BackendRequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// SessionOpened and SessionClosed track the live session gauge.
func (m *MetricsCollector) SessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *MetricsCollector) SessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
