package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warden/internal/cache"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/security"
)

// --- InstrumentedCache ---

// InstrumentedCache wraps a cache.Service with hit/miss and sweep metrics.
type InstrumentedCache struct {
	inner   cache.Service
	metrics *MetricsCollector
}

// NewInstrumentedCache wraps a cache with metrics. A nil collector returns
// the inner service unchanged.
func NewInstrumentedCache(inner cache.Service, metrics *MetricsCollector) cache.Service {
	if metrics == nil {
		return inner
	}
	return &InstrumentedCache{inner: inner, metrics: metrics}
}

func (c *InstrumentedCache) Get(key string) (cache.Entry, bool) {
	e, ok := c.inner.Get(key)
	c.metrics.RecordCacheLookup(ok)
	return e, ok
}

func (c *InstrumentedCache) Put(key string, e cache.Entry) {
	c.inner.Put(key, e)
}

func (c *InstrumentedCache) Expire() int {
	n := c.inner.Expire()
	c.metrics.RecordCacheExpired(n)
	return n
}

// --- InstrumentedAuditSink ---

// InstrumentedAuditSink wraps a security.AuditSink with per-type counters and
// a span per recorded event.
type InstrumentedAuditSink struct {
	inner   security.AuditSink
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedAuditSink wraps an audit sink with observability.
func NewInstrumentedAuditSink(inner security.AuditSink, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedAuditSink {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedAuditSink{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (s *InstrumentedAuditSink) Record(ctx context.Context, event *protocol.AuditEvent) error {
	ctx, end := StartSpan(ctx, s.tracer, "audit.record",
		attribute.String("audit.type", string(event.Type)),
		attribute.String("audit.user", event.User),
	)

	var err error
	if s.inner != nil {
		err = s.inner.Record(ctx, event)
	}
	end(err)

	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.AuditEventsTotal.WithLabelValues(string(event.Type), status).Inc()
		if event.Type == protocol.AuditSecurityAlert {
			s.metrics.RecordSecurityAlert(detailString(event.Details, "reason"))
		}
	}
	return err
}

func detailString(details map[string]any, key string) string {
	v, ok := details[key]
	if !ok || v == nil {
		return "unknown"
	}
	return fmt.Sprint(v)
}

// --- Compile-time interface checks ---

var (
	_ cache.Service      = (*InstrumentedCache)(nil)
	_ security.AuditSink = (*InstrumentedAuditSink)(nil)
)
