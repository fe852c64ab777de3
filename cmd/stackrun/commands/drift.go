package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/policy"
	"github.com/stackrun/stackrun/pkg/statebackend"
	"github.com/stackrun/stackrun/pkg/telemetry"
)

// unitDrift is one unit's drift report and gate decision, for output.
type unitDrift struct {
	UnitID   string                 `json:"unit_id"`
	Report   *engine.DriftReport    `json:"report"`
	Decision *engine.PolicyDecision `json:"decision"`
}

func newDriftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Detect drift between recorded state and current declarations",
	}

	cmd.AddCommand(newDriftDetectCommand())

	return cmd
}

func newDriftDetectCommand() *cobra.Command {
	var (
		interval      time.Duration
		watch         bool
		policyDirs    []string
		auditDB       string
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "detect [paths...]",
		Short: "Run read-only drift detection across all units",
		Long: `Diff every unit's recorded state against its current declarations and
feed each report through the policy gate. Detection never writes state.

Runs once by default. With --interval the detection repeats on a
schedule; with --watch the declaration paths are additionally watched
and a change re-triggers detection. In one-shot mode the exit code is 0
when every report passed the gate and 2 when any was denied; the
recurring modes run until interrupted.`,
		Example: `  # One-shot detection
  stackrun drift detect deploy/

  # Recurring detection every five minutes, recorded to the audit trail
  stackrun drift detect deploy/ --interval 5m --audit-db audit.db

  # Re-detect whenever a declaration file changes
  stackrun drift detect deploy/ --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			gate, err := newPolicyEngine(ctx, policyDirs)
			if err != nil {
				return err
			}

			audit, closeAudit, err := newAuditSink(ctx, auditDB)
			if err != nil {
				return err
			}
			defer closeAudit()

			backends := statebackend.NewFactory()
			defer backends.Close()

			metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:       metricsListen != "",
				ListenAddress: metricsListen,
				Path:          "/metrics",
				Namespace:     "stackrun",
			})
			if err != nil {
				return err
			}
			if err := metrics.StartMetricsServer(); err != nil {
				return err
			}

			denied, err := detectAll(ctx, args, gate.Snapshot(), audit, backends, metrics)
			if err != nil {
				return err
			}

			if interval <= 0 && !watch {
				if denied {
					return &ExitError{Code: 2}
				}
				return nil
			}

			// Long-running modes pick up policy edits: the loop snapshots the
			// gate per pass, so a reinstall lands on the next detection.
			if len(policyDirs) > 0 {
				stopWatch, err := gate.WatchPaths(ctx, policyDirs)
				if err != nil {
					return err
				}
				defer func() { _ = stopWatch() }()
			}

			return detectLoop(ctx, args, gate, audit, backends, metrics, interval, watch)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat detection on this schedule (0 runs once)")
	cmd.Flags().BoolVar(&watch, "watch", false, "watch the declaration paths and re-detect on change")
	cmd.Flags().StringSliceVar(&policyDirs, "policy-dir", nil, "directories or files with additional policies")
	cmd.Flags().StringVar(&auditDB, "audit-db", "", "SQLite file for the audit trail")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "address for the Prometheus /metrics endpoint")

	return cmd
}

// detectAll parses the units, diffs each against its recorded state, and
// gates every report. The current declarations stand in for the live view:
// the provider is seeded from each unit's declared resources, so a delta
// means the declaration diverged from what was last applied.
func detectAll(ctx context.Context, paths []string, gate engine.PolicyGate, audit engine.AuditSink, backends *statebackend.Factory, metrics *telemetry.Metrics) (bool, error) {
	units, err := loadUnits(ctx, paths)
	if err != nil {
		return false, err
	}

	provider := engine.NewStateOnlyProvider()
	for i := range units {
		for resID, spec := range units[i].Resources {
			provider.Seed(units[i].ID, resID, spec.Config)
		}
	}
	detector := engine.NewDriftDetector(provider, cliLogger())

	reports := make([]unitDrift, 0, len(units))
	denied := false
	for i := range units {
		unit := &units[i]

		backend, err := backends.Get(ctx, unit.Backend)
		if err != nil {
			return false, fmt.Errorf("unit %s: %w", unit.ID, err)
		}

		report, err := detector.DetectUnit(ctx, backend, unit)
		if err != nil {
			return false, err
		}
		metrics.RecordDriftDetection(report.HasDrift())
		if err := audit.RecordDriftReport(ctx, report); err != nil {
			log.Warn().Err(err).Str("unit", unit.ID).Msg("Failed to record drift report")
		}

		decision, err := gate.EvaluateDrift(ctx, unit, report)
		if err != nil {
			return false, fmt.Errorf("unit %s: policy evaluation failed: %w", unit.ID, err)
		}
		if !decision.Allowed {
			denied = true
		}
		reports = append(reports, unitDrift{UnitID: unit.ID, Report: report, Decision: decision})
	}

	if jsonOutput {
		if err := printJSON(reports); err != nil {
			return false, err
		}
	} else {
		printDriftReports(reports)
	}
	return denied, nil
}

// detectLoop repeats detection on the ticker and, when watching, whenever a
// declaration file changes. Filesystem events are debounced so an editor
// save burst triggers one detection. Loop errors are logged, not fatal: a
// transient parse error must not kill a long-running monitor.
func detectLoop(ctx context.Context, paths []string, gate *policy.Engine, audit engine.AuditSink, backends *statebackend.Factory, metrics *telemetry.Metrics, interval time.Duration, watch bool) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var events <-chan fsnotify.Event
	if watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		defer watcher.Close()

		watchPaths := paths
		if len(watchPaths) == 0 {
			watchPaths = []string{"."}
		}
		for _, p := range watchPaths {
			if err := watcher.Add(p); err != nil {
				return fmt.Errorf("failed to watch %s: %w", p, err)
			}
		}
		events = watcher.Events
	}

	const debounce = 500 * time.Millisecond
	var pending *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			if _, err := detectAll(ctx, paths, gate.Snapshot(), audit, backends, metrics); err != nil {
				log.Error().Err(err).Msg("Drift detection failed")
			}
		case ev := <-events:
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(debounce)
				fire = pending.C
			} else {
				pending.Reset(debounce)
			}
		case <-fire:
			pending = nil
			fire = nil
			if _, err := detectAll(ctx, paths, gate.Snapshot(), audit, backends, metrics); err != nil {
				log.Error().Err(err).Msg("Drift detection failed")
			}
		}
	}
}

func printDriftReports(reports []unitDrift) {
	for _, ud := range reports {
		if !ud.Report.HasDrift() {
			fmt.Printf("%-24s clean\n", ud.UnitID)
			continue
		}
		verdict := "allowed"
		if !ud.Decision.Allowed {
			verdict = "denied"
		}
		fmt.Printf("%-24s %d delta(s)  gate: %s\n", ud.UnitID, len(ud.Report.Deltas), verdict)
		for _, delta := range ud.Report.Deltas {
			fmt.Printf("  %-10s %s\n", delta.Kind, delta.ResourceID)
		}
		for _, v := range ud.Decision.Violations {
			fmt.Printf("  - %s: %s\n", v.Policy, v.Message)
		}
	}
}
