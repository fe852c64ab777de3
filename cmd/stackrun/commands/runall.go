package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/statebackend"
	"github.com/stackrun/stackrun/pkg/telemetry"
)

func newRunAllCommand() *cobra.Command {
	var (
		concurrency   int
		dryRun        bool
		targets       []string
		policyDirs    []string
		auditDB       string
		metricsListen string
		traceExporter string
		traceEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "run-all [paths...]",
		Short: "Plan, gate, and apply every unit in dependency order",
		Long: `Execute the full run-all: build the unit graph, then move every unit
through plan, policy gate, and apply. Units within a topological level run
concurrently up to the concurrency limit; a unit starts only after all of
its dependencies completed.

A policy deny blocks the unit and everything depending on it. Per-unit
failures never abort sibling units. Exit code is 0 when everything
applied, 2 when anything was blocked, 1 on any failure.`,
		Example: `  # Apply all units declared under deploy/
  stackrun run-all deploy/

  # Plan and gate only, never write state
  stackrun run-all deploy/ --dry-run

  # Restrict to one unit and its dependencies
  stackrun run-all deploy/ --target prod-database

  # Record the audit trail and serve Prometheus metrics
  stackrun run-all deploy/ --audit-db audit.db --metrics-listen :9090

  # Export a span per run and per unit to an OTLP collector
  stackrun run-all deploy/ --trace otlp --trace-endpoint localhost:4317`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			units, err := loadUnits(ctx, args)
			if err != nil {
				return err
			}

			gate, err := newPolicyEngine(ctx, policyDirs)
			if err != nil {
				return err
			}

			audit, closeAudit, err := newAuditSink(ctx, auditDB)
			if err != nil {
				return err
			}
			defer closeAudit()

			cfg := telemetry.DefaultConfig()
			cfg.ServiceVersion = cliVersion
			if verbose {
				cfg.Logging.Level = "debug"
			}
			if traceExporter != "" {
				cfg.Tracing.Enabled = true
				cfg.Tracing.Exporter = traceExporter
			}
			if traceEndpoint != "" {
				cfg.Tracing.Endpoint = traceEndpoint
			}
			cfg.Metrics.Enabled = metricsListen != ""
			cfg.Metrics.ListenAddress = metricsListen

			tel, err := telemetry.NewTelemetry(cfg)
			if err != nil {
				return err
			}
			// Flush pending spans even when the run was cancelled.
			defer func() {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(sctx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry")
				}
			}()
			if err := tel.StartMetricsServer(); err != nil {
				return err
			}

			orch := engine.NewOrchestrator(engine.OrchestratorConfig{
				Provider: engine.NewStateOnlyProvider(),
				Gate:     gate.Snapshot(),
				Backends: statebackend.NewFactory(),
				Audit:    audit,
				Logger:   tel.Logger.Zerolog(),
				Metrics:  tel.Metrics,
				Tracer:   tel.Tracer.Tracer(),
			})

			result, err := orch.RunAll(ctx, units, engine.RunOptions{
				Concurrency: concurrency,
				DryRun:      dryRun,
				Targets:     targets,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(result); err != nil {
					return err
				}
			} else {
				printRunSummary(result)
			}

			if code := result.ExitCode(); code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "maximum units applied simultaneously")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and gate but never apply or write state")
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "restrict the run to these units and their dependencies")
	cmd.Flags().StringSliceVar(&policyDirs, "policy-dir", nil, "directories or files with additional policies")
	cmd.Flags().StringVar(&auditDB, "audit-db", "", "SQLite file for the audit trail")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "address for the Prometheus /metrics endpoint")
	cmd.Flags().StringVar(&traceExporter, "trace", "", "export traces with this exporter (otlp or stdout)")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP collector endpoint (host:port)")

	return cmd
}
