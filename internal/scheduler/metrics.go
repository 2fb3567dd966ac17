package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the maintenance scheduler.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	RemovedTotal *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Total maintenance job runs by job and status.",
		}, []string{"job", "status"}),
		RemovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "scheduler",
			Name:      "removed_total",
			Help:      "Total items removed by maintenance jobs.",
		}, []string{"job"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Duration of each maintenance job run.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"job"}),
	}

	reg.MustRegister(m.RunsTotal, m.RemovedTotal, m.RunDuration)
	return m
}

func (m *Metrics) observe(job string, removed int, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RunsTotal.WithLabelValues(job, status).Inc()
	m.RemovedTotal.WithLabelValues(job).Add(float64(removed))
	m.RunDuration.WithLabelValues(job).Observe(d.Seconds())
}
