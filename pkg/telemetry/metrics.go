package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for webfleet.
type Metrics struct {
	config MetricsConfig

	// Apply run metrics
	appliesStarted   *prometheus.CounterVec
	appliesCompleted *prometheus.CounterVec
	applyDuration    *prometheus.HistogramVec

	// Per-site metrics
	siteApplies  *prometheus.CounterVec
	siteDuration *prometheus.HistogramVec

	// Generator metrics
	artifactsGenerated *prometheus.CounterVec

	// Drift metrics
	driftChecks *prometheus.CounterVec

	// Backend engine metrics
	backendCalls       *prometheus.CounterVec
	backendDuration    *prometheus.HistogramVec
	validationFailures *prometheus.CounterVec
	rollbacks          *prometheus.CounterVec

	// Propagation metrics
	propagations  *prometheus.CounterVec
	reloads       *prometheus.CounterVec
	orphansPruned prometheus.Counter

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// System metrics
	activeApplies  prometheus.Gauge
	pendingReloads prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		appliesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "applies_started_total",
				Help:      "Total number of batch applies started",
			},
			[]string{"selector"},
		),
		appliesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "applies_completed_total",
				Help:      "Total number of batch applies completed",
			},
			[]string{"status"},
		),
		applyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "apply_duration_seconds",
				Help:      "Duration of batch apply runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		siteApplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "site_applies_total",
				Help:      "Total number of per-site reconciliations",
			},
			[]string{"backend", "status"},
		),
		siteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "site_apply_duration_seconds",
				Help:      "Duration of per-site reconciliations in seconds",
				Buckets:   buckets,
			},
			[]string{"backend", "status"},
		),

		artifactsGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_generated_total",
				Help:      "Total number of artifacts rendered",
			},
			[]string{"backend"},
		),

		driftChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_checks_total",
				Help:      "Total number of drift comparisons by verdict",
			},
			[]string{"backend", "status"},
		),

		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of backend engine invocations",
			},
			[]string{"backend", "operation"},
		),
		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Duration of backend engine invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"backend", "operation"},
		),
		validationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Total number of backend validation rejections",
			},
			[]string{"backend"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of automatic rollbacks",
			},
			[]string{"backend"},
		),

		propagations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "propagations_total",
				Help:      "Total number of staging to live propagations",
			},
			[]string{"status"},
		),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reloads_total",
				Help:      "Total number of backend reloads",
			},
			[]string{"backend", "status"},
		),
		orphansPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphans_pruned_total",
				Help:      "Total number of orphaned live artifacts removed",
			},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of errors by classification",
			},
			[]string{"kind"},
		),

		activeApplies: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_applies",
				Help:      "Current number of in-flight batch applies",
			},
		),
		pendingReloads: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_reloads",
				Help:      "Current number of backends awaiting a quiet-period reload",
			},
		),
	}

	registry.MustRegister(
		m.appliesStarted,
		m.appliesCompleted,
		m.applyDuration,
		m.siteApplies,
		m.siteDuration,
		m.artifactsGenerated,
		m.driftChecks,
		m.backendCalls,
		m.backendDuration,
		m.validationFailures,
		m.rollbacks,
		m.propagations,
		m.reloads,
		m.orphansPruned,
		m.errorsByKind,
		m.activeApplies,
		m.pendingReloads,
	)

	return m, nil
}

// Apply Metrics

// RecordApplyStarted increments the counter for started batch applies.
func (m *Metrics) RecordApplyStarted(selector string) {
	if m.appliesStarted == nil {
		return
	}
	m.appliesStarted.WithLabelValues(selector).Inc()
	m.activeApplies.Inc()
}

// RecordApplyCompleted records a completed batch apply with its status and duration.
func (m *Metrics) RecordApplyCompleted(status string, duration time.Duration) {
	if m.appliesCompleted == nil {
		return
	}
	m.appliesCompleted.WithLabelValues(status).Inc()
	m.applyDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeApplies.Dec()
}

// RecordSiteApply records one per-site reconciliation outcome.
func (m *Metrics) RecordSiteApply(backend, status string, duration time.Duration) {
	if m.siteApplies == nil {
		return
	}
	m.siteApplies.WithLabelValues(backend, status).Inc()
	m.siteDuration.WithLabelValues(backend, status).Observe(duration.Seconds())
}

// Generator Metrics

// RecordArtifactGenerated increments the rendered-artifact counter.
func (m *Metrics) RecordArtifactGenerated(backend string) {
	if m.artifactsGenerated == nil {
		return
	}
	m.artifactsGenerated.WithLabelValues(backend).Inc()
}

// Drift Metrics

// RecordDriftCheck records one drift comparison verdict.
func (m *Metrics) RecordDriftCheck(backend, status string) {
	if m.driftChecks == nil {
		return
	}
	m.driftChecks.WithLabelValues(backend, status).Inc()
}

// Backend Metrics

// RecordBackendCall records a backend engine invocation with its duration.
func (m *Metrics) RecordBackendCall(backend, operation string, duration time.Duration) {
	if m.backendCalls == nil {
		return
	}
	m.backendCalls.WithLabelValues(backend, operation).Inc()
	m.backendDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordValidationFailure records a backend validation rejection.
func (m *Metrics) RecordValidationFailure(backend string) {
	if m.validationFailures == nil {
		return
	}
	m.validationFailures.WithLabelValues(backend).Inc()
}

// RecordRollback records an automatic rollback.
func (m *Metrics) RecordRollback(backend string) {
	if m.rollbacks == nil {
		return
	}
	m.rollbacks.WithLabelValues(backend).Inc()
}

// Propagation Metrics

// RecordPropagation records one staging to live copy attempt.
func (m *Metrics) RecordPropagation(status string) {
	if m.propagations == nil {
		return
	}
	m.propagations.WithLabelValues(status).Inc()
}

// RecordReload records a backend reload outcome.
func (m *Metrics) RecordReload(backend, status string) {
	if m.reloads == nil {
		return
	}
	m.reloads.WithLabelValues(backend, status).Inc()
}

// RecordOrphanPruned increments the orphan cleanup counter.
func (m *Metrics) RecordOrphanPruned() {
	if m.orphansPruned == nil {
		return
	}
	m.orphansPruned.Inc()
}

// Error Metrics

// RecordError records an error by kind.
func (m *Metrics) RecordError(kind string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// System Metrics

// SetPendingReloads sets the current number of backends awaiting reload.
func (m *Metrics) SetPendingReloads(count float64) {
	if m.pendingReloads == nil {
		return
	}
	m.pendingReloads.Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
