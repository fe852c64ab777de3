package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stackrun/stackrun/pkg/statebackend"
)

// MetricsRecorder receives orchestration measurements. pkg/telemetry provides
// the Prometheus-backed implementation.
type MetricsRecorder interface {
	// RecordUnitPhase records the duration of one unit phase (plan, gate, apply).
	RecordUnitPhase(phase string, d time.Duration)

	// RecordUnitResult counts a unit reaching a terminal status.
	RecordUnitResult(status UnitStatus)

	// RecordRun records a completed run and its duration.
	RecordRun(status RunStatus, d time.Duration)

	// RecordPolicyDecision counts a gate decision.
	RecordPolicyDecision(allowed bool)

	// RecordLockRetry counts one lock acquisition retry.
	RecordLockRetry()
}

type nopMetrics struct{}

func (nopMetrics) RecordUnitPhase(string, time.Duration) {}
func (nopMetrics) RecordUnitResult(UnitStatus)           {}
func (nopMetrics) RecordRun(RunStatus, time.Duration)    {}
func (nopMetrics) RecordPolicyDecision(bool)             {}
func (nopMetrics) RecordLockRetry()                      {}

// Orchestrator drives a run-all: it walks the dependency graph level by
// level, runs a bounded worker pool within each level, and moves every unit
// through the Pending -> Planning -> Gating -> Applying -> Done machine, or
// into Blocked or Failed.
type Orchestrator struct {
	planner  *Planner
	applier  *Applier
	gate     PolicyGate
	backends *statebackend.Factory
	audit    AuditSink
	logger   zerolog.Logger
	metrics  MetricsRecorder
	tracer   trace.Tracer

	// lockAttempts bounds lock acquisition retries per unit.
	lockAttempts int

	// conflictRetries bounds re-plan cycles after a state write conflict.
	conflictRetries int
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	// Provider executes planned actions and reads live state.
	Provider CloudProvider

	// Gate evaluates plans before apply. Required.
	Gate PolicyGate

	// Backends opens state backends per unit config. Required.
	Backends *statebackend.Factory

	// Audit persists run outcomes. Defaults to NopAuditSink.
	Audit AuditSink

	// Logger is the parent logger.
	Logger zerolog.Logger

	// Metrics receives measurements. Optional.
	Metrics MetricsRecorder

	// Tracer creates run and unit spans. Optional.
	Tracer trace.Tracer
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Audit == nil {
		cfg.Audit = NopAuditSink{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("stackrun.engine")
	}
	return &Orchestrator{
		planner:         NewPlanner(),
		applier:         NewApplier(cfg.Provider, cfg.Logger),
		gate:            cfg.Gate,
		backends:        cfg.Backends,
		audit:           cfg.Audit,
		logger:          cfg.Logger.With().Str("component", "orchestrator").Logger(),
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
		lockAttempts:    5,
		conflictRetries: 2,
	}
}

// RunAll builds the graph over units and executes it. Graph errors are fatal
// and returned before any unit starts. Per-unit errors never abort siblings:
// they surface through each unit's terminal status in the result.
//
// Cancelling ctx stops scheduling immediately; units already applying finish
// on a detached context so no lock is left held mid-apply, and everything not
// yet started ends Blocked with the cancelled reason.
func (o *Orchestrator) RunAll(ctx context.Context, units []Unit, opts RunOptions) (*RunResult, error) {
	graph, err := NewDAGBuilder().BuildGraph(units)
	if err != nil {
		return nil, err
	}
	if graph, err = graph.Subgraph(opts.Targets); err != nil {
		return nil, err
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Holder == "" {
		opts.Holder = "stackrun"
	}

	result := &RunResult{
		RunID:     uuid.New().String(),
		Status:    RunStatusRunning,
		DryRun:    opts.DryRun,
		StartedAt: time.Now().UTC(),
		Units:     make(map[string]*UnitResult, len(graph.Order)),
	}
	for _, id := range graph.Order {
		result.Units[id] = &UnitResult{UnitID: id, Status: UnitStatusPending}
	}

	ctx, span := o.tracer.Start(ctx, "run-all", trace.WithAttributes(
		attribute.String("run.id", result.RunID),
		attribute.Int("run.units", len(graph.Order)),
		attribute.Bool("run.dry_run", opts.DryRun),
	))
	defer span.End()

	o.logger.Info().
		Str("run_id", result.RunID).
		Int("units", len(graph.Order)).
		Int("concurrency", opts.Concurrency).
		Bool("dry_run", opts.DryRun).
		Msg("run started")

	run := &runState{graph: graph, result: result, opts: opts}

	for _, level := range graph.Levels {
		if ctx.Err() != nil {
			break
		}
		o.executeLevel(ctx, run, level)
	}

	// Everything still pending was never scheduled: the run was cancelled.
	now := time.Now().UTC()
	run.mu.Lock()
	for _, ur := range result.Units {
		if ur.Status == UnitStatusPending {
			ur.Status = UnitStatusBlocked
			ur.BlockReason = BlockReasonCancelled
			ur.CompletedAt = now
			o.metrics.RecordUnitResult(UnitStatusBlocked)
		}
	}
	run.mu.Unlock()

	result.CompletedAt = time.Now().UTC()
	result.Status = aggregateStatus(result)
	span.SetAttributes(attribute.String("run.status", string(result.Status)))
	if result.Status == RunStatusFailed {
		span.SetStatus(codes.Error, "run failed")
	}

	o.persistResult(ctx, result)
	o.metrics.RecordRun(result.Status, result.CompletedAt.Sub(result.StartedAt))

	o.logger.Info().
		Str("run_id", result.RunID).
		Str("status", string(result.Status)).
		Msg("run completed")

	return result, nil
}

// runState is the shared mutable state of one run.
type runState struct {
	graph  *Graph
	result *RunResult
	opts   RunOptions
	mu     sync.Mutex
}

// executeLevel runs all units of one level through a bounded worker pool.
func (o *Orchestrator) executeLevel(ctx context.Context, run *runState, level []string) {
	workers := run.opts.Concurrency
	if len(level) < workers {
		workers = len(level)
	}

	queue := make(chan string, len(level))
	for _, id := range level {
		queue <- id
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range queue {
				o.processUnit(ctx, run, id)
			}
		}()
	}
	wg.Wait()
}

// processUnit moves one unit to a terminal status.
func (o *Orchestrator) processUnit(ctx context.Context, run *runState, unitID string) {
	unit := run.graph.Units[unitID]

	// Cancellation before start blocks the unit without planning it.
	if ctx.Err() != nil {
		o.finishUnit(ctx, run, &UnitResult{
			UnitID:      unitID,
			Status:      UnitStatusBlocked,
			BlockReason: BlockReasonCancelled,
			CompletedAt: time.Now().UTC(),
		})
		return
	}

	// A dependency that did not reach Done blocks the unit, also without
	// planning it.
	if blockedOn := o.checkDependencies(run, unit); blockedOn != "" {
		o.finishUnit(ctx, run, &UnitResult{
			UnitID:      unitID,
			Status:      UnitStatusBlocked,
			BlockReason: BlockReasonDependency,
			Error:       fmt.Sprintf("dependency %q did not complete", blockedOn),
			CompletedAt: time.Now().UTC(),
		})
		return
	}

	o.finishUnit(ctx, run, o.executeUnit(ctx, run, unit))
}

// checkDependencies returns the first dependency that did not reach Done, or
// an empty string.
func (o *Orchestrator) checkDependencies(run *runState, unit *Unit) string {
	run.mu.Lock()
	defer run.mu.Unlock()

	for _, dep := range unit.DependsOn {
		if ur, ok := run.result.Units[dep]; !ok || ur.Status != UnitStatusDone {
			return dep
		}
	}
	return ""
}

// finishUnit records the unit's terminal result.
func (o *Orchestrator) finishUnit(ctx context.Context, run *runState, result *UnitResult) {
	run.mu.Lock()
	*run.result.Units[result.UnitID] = *result
	run.mu.Unlock()

	o.metrics.RecordUnitResult(result.Status)

	evt := o.logger.Info()
	if result.Status == UnitStatusFailed {
		evt = o.logger.Error()
	}
	evt.Str("unit", result.UnitID).
		Str("status", string(result.Status)).
		Str("block_reason", string(result.BlockReason)).
		Msg("unit finished")

	if err := o.audit.RecordUnitResult(context.WithoutCancel(ctx), run.result.RunID, result); err != nil {
		o.logger.Warn().Err(err).Str("unit", result.UnitID).Msg("failed to record unit result")
	}
}

// executeUnit runs plan, gate, and apply for one unit and returns its
// terminal result.
func (o *Orchestrator) executeUnit(ctx context.Context, run *runState, unit *Unit) *UnitResult {
	result := &UnitResult{
		UnitID:    unit.ID,
		StartedAt: time.Now().UTC(),
	}
	defer func() { result.CompletedAt = time.Now().UTC() }()

	ctx, span := o.tracer.Start(ctx, "unit", trace.WithAttributes(
		attribute.String("unit.id", unit.ID),
	))
	defer span.End()
	defer func() {
		span.SetAttributes(attribute.String("unit.status", string(result.Status)))
		if result.Status == UnitStatusFailed {
			span.SetStatus(codes.Error, result.Error)
		}
	}()

	o.setStatus(run, unit.ID, UnitStatusPlanning)

	backend, err := o.backends.Get(ctx, unit.Backend)
	if err != nil {
		return failUnit(result, fmt.Errorf("failed to open backend: %w", err))
	}

	lock, err := o.acquireLockWithRetry(ctx, backend, unit.ID, run.opts.Holder)
	if err != nil {
		if ctx.Err() != nil {
			return blockCancelled(result)
		}
		return failUnit(result, err)
	}
	// The release runs on a detached context: a cancelled run must still
	// return its locks.
	defer func() {
		if err := backend.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
			o.logger.Error().Err(err).Str("unit", unit.ID).Msg("failed to release lock")
		}
	}()

	snap, err := backend.ReadState(ctx, unit.ID)
	if err != nil && !errors.Is(err, statebackend.ErrStateNotFound) {
		return failUnit(result, fmt.Errorf("failed to read state: %w", err))
	}

	for attempt := 0; ; attempt++ {
		planStart := time.Now()
		plan := o.planner.Plan(unit, snap)
		o.metrics.RecordUnitPhase("plan", time.Since(planStart))
		result.Summary = &plan.Summary

		o.setStatus(run, unit.ID, UnitStatusGating)
		gateStart := time.Now()
		decision, err := o.gate.EvaluatePlan(ctx, unit, plan)
		o.metrics.RecordUnitPhase("gate", time.Since(gateStart))
		if err != nil {
			// The gate could not run. That is a unit failure, not a deny.
			return failUnit(result, fmt.Errorf("policy evaluation failed: %w", err))
		}
		o.metrics.RecordPolicyDecision(decision.Allowed)
		if !decision.Allowed {
			result.Status = UnitStatusBlocked
			result.BlockReason = BlockReasonPolicy
			result.Violations = decision.Violations
			return result
		}

		if run.opts.DryRun {
			result.Status = UnitStatusDone
			result.ApplySkipped = true
			return result
		}

		if ctx.Err() != nil {
			return blockCancelled(result)
		}

		o.setStatus(run, unit.ID, UnitStatusApplying)

		// In-flight applies run to completion even when the run is
		// cancelled, so state and locks stay consistent.
		applyCtx := context.WithoutCancel(ctx)

		applyStart := time.Now()
		next, applyErr := o.applier.Apply(applyCtx, unit, plan, lock, snap)
		o.metrics.RecordUnitPhase("apply", time.Since(applyStart))
		if applyErr != nil {
			var ae *ApplyError
			if errors.As(applyErr, &ae) && len(ae.Completed) > 0 && next != nil {
				// Record the partially applied state so remediation starts
				// from what actually happened.
				if werr := backend.WriteState(applyCtx, next); werr != nil {
					o.logger.Error().Err(werr).Str("unit", unit.ID).Msg("failed to record partial state")
				}
			}
			return failUnit(result, applyErr)
		}

		err = backend.WriteState(applyCtx, next)
		if err == nil {
			result.Status = UnitStatusDone
			return result
		}

		conflict, ok := statebackend.IsConflictError(err)
		if !ok || attempt >= o.conflictRetries {
			return failUnit(result, fmt.Errorf("failed to write state: %w", err))
		}

		// Someone advanced the state despite the lock. Re-read, re-plan,
		// and re-gate before trying again.
		o.logger.Warn().
			Str("unit", unit.ID).
			Uint64("expected_serial", conflict.ExpectedSerial).
			Uint64("actual_serial", conflict.ActualSerial).
			Msg("state write conflict, re-planning")

		o.setStatus(run, unit.ID, UnitStatusPlanning)
		snap, err = backend.ReadState(ctx, unit.ID)
		if err != nil && !errors.Is(err, statebackend.ErrStateNotFound) {
			return failUnit(result, fmt.Errorf("failed to re-read state: %w", err))
		}
	}
}

// acquireLockWithRetry retries contended locks with exponential backoff.
func (o *Orchestrator) acquireLockWithRetry(ctx context.Context, backend statebackend.Backend, unitID, holder string) (*statebackend.Lock, error) {
	var lastErr error
	for attempt := 0; attempt < o.lockAttempts; attempt++ {
		lock, err := backend.AcquireLock(ctx, unitID, holder)
		if err == nil {
			return lock, nil
		}
		lastErr = err

		lockErr, ok := statebackend.IsLockError(err)
		if !ok {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if attempt == o.lockAttempts-1 {
			break
		}

		o.metrics.RecordLockRetry()
		backoff := calculateBackoff(attempt, NewTransientError("lock contended", err))
		o.logger.Debug().
			Str("unit", unitID).
			Str("held_by", lockErr.Holder.Holder).
			Dur("backoff", backoff).
			Msg("lock contended, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// setStatus publishes an intermediate (non-terminal) unit status.
func (o *Orchestrator) setStatus(run *runState, unitID string, status UnitStatus) {
	run.mu.Lock()
	run.result.Units[unitID].Status = status
	run.mu.Unlock()
}

func failUnit(result *UnitResult, err error) *UnitResult {
	result.Status = UnitStatusFailed
	result.Error = err.Error()
	return result
}

func blockCancelled(result *UnitResult) *UnitResult {
	result.Status = UnitStatusBlocked
	result.BlockReason = BlockReasonCancelled
	return result
}

// aggregateStatus folds unit results into the run status.
func aggregateStatus(result *RunResult) RunStatus {
	status := RunStatusSucceeded
	for _, ur := range result.Units {
		switch ur.Status {
		case UnitStatusFailed:
			return RunStatusFailed
		case UnitStatusBlocked:
			status = RunStatusBlocked
		}
	}
	return status
}

// persistResult writes the run and its events to the audit sink.
func (o *Orchestrator) persistResult(ctx context.Context, result *RunResult) {
	ctx = context.WithoutCancel(ctx)

	if err := o.audit.RecordRun(ctx, result); err != nil {
		o.logger.Warn().Err(err).Str("run_id", result.RunID).Msg("failed to record run")
	}

	for _, ur := range result.Units {
		if ur.Status == UnitStatusBlocked && ur.BlockReason == BlockReasonPolicy {
			for _, v := range ur.Violations {
				msg := fmt.Sprintf("policy %s: %s", v.Policy, v.Message)
				if err := o.audit.RecordEvent(ctx, result.RunID, ur.UnitID, "warn", msg); err != nil {
					o.logger.Warn().Err(err).Msg("failed to record event")
					break
				}
			}
		}
	}
}
