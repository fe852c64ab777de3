// Package telemetry provides observability instrumentation for stackrun.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), and metrics (Prometheus) into a unified system for
// monitoring and debugging runs.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger = logger.WithRunID("run-123").WithUnitID("database")
//	logger.Info("starting unit")
//	logger.WithError(err).Error("unit failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into run flow and performance:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, dryRun)
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), stdout (development), none
// (testing).
//
// # Metrics
//
// The Metrics type implements engine.MetricsRecorder, so it plugs straight
// into the orchestrator:
//
//	orch, err := engine.NewOrchestrator(engine.OrchestratorConfig{
//	    ...
//	    Metrics: tel.Metrics,
//	})
//
// Key metrics exposed:
//
//	stackrun_runs_completed_total{status}
//	stackrun_run_duration_seconds{status}
//	stackrun_unit_results_total{status}
//	stackrun_unit_phase_duration_seconds{phase}
//	stackrun_policy_decisions_total{decision}
//	stackrun_lock_retries_total
//	stackrun_drift_detections_total{result}
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics). When
// metrics are disabled every recording method is a no-op, so callers never
// need to nil-check.
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
package telemetry
