// Package metrics exposes Prometheus metrics for code executions and the
// file version store. A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records execution and snapshot metrics
type Collector struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	fallbacksTotal    *prometheus.CounterVec
	deniedTotal       *prometheus.CounterVec
	truncatedTotal    *prometheus.CounterVec
	rejectedTotal     prometheus.Counter
	inFlight          prometheus.Gauge

	snapshotsTotal *prometheus.CounterVec
	rollbacksTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the metrics on reg. A nil reg uses the default
// registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of code executions by backend, language and status",
		},
		[]string{"backend", "language", "status"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Code execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"backend"},
	)

	c.fallbacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_fallbacks_total",
			Help:      "Total number of times a backend was skipped as unavailable",
		},
		[]string{"backend"},
	)

	c.deniedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_denials_total",
			Help:      "Total number of code blocks denied by the security policy",
		},
		[]string{"level"},
	)

	c.truncatedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_truncations_total",
			Help:      "Total number of truncated output streams",
		},
		[]string{"stream"},
	)

	c.rejectedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_rejected_total",
			Help:      "Total number of executions rejected at the concurrency ceiling",
		},
	)

	c.inFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_in_flight",
			Help:      "Number of executions currently running",
		},
	)

	c.snapshotsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Total number of file snapshots taken",
		},
		[]string{"existed"},
	)

	c.rollbacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Total number of rollback attempts by outcome",
		},
		[]string{"outcome"},
	)

	c.logger.Debug("metrics collector registered", zap.String("namespace", namespace))
	return c
}

// RecordExecution records a finished execution
func (c *Collector) RecordExecution(backend, language, status string, duration time.Duration) {
	if c == nil {
		return
	}
	if backend == "" {
		backend = "none"
	}
	c.executionsTotal.WithLabelValues(backend, language, status).Inc()
	c.executionDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordFallback records a backend skipped as unavailable
func (c *Collector) RecordFallback(backend string) {
	if c == nil {
		return
	}
	c.fallbacksTotal.WithLabelValues(backend).Inc()
}

// RecordDenied records a policy denial
func (c *Collector) RecordDenied(level string) {
	if c == nil {
		return
	}
	c.deniedTotal.WithLabelValues(level).Inc()
}

// RecordTruncation records a truncated stdout or stderr stream
func (c *Collector) RecordTruncation(stream string) {
	if c == nil {
		return
	}
	c.truncatedTotal.WithLabelValues(stream).Inc()
}

// RecordRejected records an execution turned away at the ceiling
func (c *Collector) RecordRejected() {
	if c == nil {
		return
	}
	c.rejectedTotal.Inc()
}

// ExecutionStarted increments the in-flight gauge. Call the returned
// function when the execution is done.
func (c *Collector) ExecutionStarted() func() {
	if c == nil {
		return func() {}
	}
	c.inFlight.Inc()
	return c.inFlight.Dec
}

// RecordSnapshot records a file snapshot
func (c *Collector) RecordSnapshot(existed bool) {
	if c == nil {
		return
	}
	label := "false"
	if existed {
		label = "true"
	}
	c.snapshotsTotal.WithLabelValues(label).Inc()
}

// RecordRollback records a rollback attempt
func (c *Collector) RecordRollback(restored bool) {
	if c == nil {
		return
	}
	outcome := "none"
	if restored {
		outcome = "restored"
	}
	c.rollbacksTotal.WithLabelValues(outcome).Inc()
}
