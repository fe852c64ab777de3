package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stackrun/stackrun/pkg/engine"
)

// Metrics provides Prometheus metrics for stackrun. It implements
// engine.MetricsRecorder; every method is a no-op when metrics are disabled.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Unit metrics
	unitResults       *prometheus.CounterVec
	unitPhaseDuration *prometheus.HistogramVec

	// Policy gate metrics
	policyDecisions *prometheus.CounterVec

	// State lock metrics
	lockRetries prometheus.Counter

	// Drift detection metrics
	driftDetections *prometheus.CounterVec

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

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Unit metrics
		unitResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_results_total",
				Help:      "Total number of units reaching a terminal status",
			},
			[]string{"status"},
		),
		unitPhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_phase_duration_seconds",
				Help:      "Duration of unit phases (plan, gate, apply) in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),

		// Policy gate metrics
		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Total number of policy gate decisions",
			},
			[]string{"decision"},
		),

		// State lock metrics
		lockRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_retries_total",
				Help:      "Total number of state lock acquisition retries",
			},
		),

		// Drift detection metrics
		driftDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detections_total",
				Help:      "Total number of drift detections",
			},
			[]string{"result"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.unitResults,
		m.unitPhaseDuration,
		m.policyDecisions,
		m.lockRetries,
		m.driftDetections,
	)

	return m, nil
}

// RecordRun implements engine.MetricsRecorder.
func (m *Metrics) RecordRun(status engine.RunStatus, d time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(string(status)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// RecordUnitResult implements engine.MetricsRecorder.
func (m *Metrics) RecordUnitResult(status engine.UnitStatus) {
	if m.unitResults == nil {
		return
	}
	m.unitResults.WithLabelValues(string(status)).Inc()
}

// RecordUnitPhase implements engine.MetricsRecorder.
func (m *Metrics) RecordUnitPhase(phase string, d time.Duration) {
	if m.unitPhaseDuration == nil {
		return
	}
	m.unitPhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordPolicyDecision implements engine.MetricsRecorder.
func (m *Metrics) RecordPolicyDecision(allowed bool) {
	if m.policyDecisions == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	m.policyDecisions.WithLabelValues(decision).Inc()
}

// RecordLockRetry implements engine.MetricsRecorder.
func (m *Metrics) RecordLockRetry() {
	if m.lockRetries == nil {
		return
	}
	m.lockRetries.Inc()
}

// RecordDriftDetection records the outcome of one drift detection.
func (m *Metrics) RecordDriftDetection(drifted bool) {
	if m.driftDetections == nil {
		return
	}
	result := "clean"
	if drifted {
		result = "drifted"
	}
	m.driftDetections.WithLabelValues(result).Inc()
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
