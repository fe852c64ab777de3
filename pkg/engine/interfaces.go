package engine

import (
	"context"
)

// PolicyGate evaluates plans and drift reports against the loaded policy set.
// pkg/policy provides the Rego-backed implementation; tests substitute fakes.
//
// A denied decision and an evaluation error are distinct outcomes: a deny is
// the gate working as intended (the unit ends Blocked), while an error means
// the gate could not run at all (the unit ends Failed).
type PolicyGate interface {
	// EvaluatePlan gates a unit's plan before apply.
	EvaluatePlan(ctx context.Context, unit *Unit, plan *Plan) (*PolicyDecision, error)

	// EvaluateDrift gates a unit's drift report.
	EvaluateDrift(ctx context.Context, unit *Unit, report *DriftReport) (*PolicyDecision, error)
}

// AuditSink persists run outcomes, unit results, drift reports, and events.
// pkg/stores provides the SQLite implementation. Sink failures are logged,
// never propagated: the audit trail is best-effort relative to the run.
type AuditSink interface {
	// RecordRun persists the aggregate run outcome.
	RecordRun(ctx context.Context, result *RunResult) error

	// RecordUnitResult persists one unit's terminal result.
	RecordUnitResult(ctx context.Context, runID string, result *UnitResult) error

	// RecordDriftReport appends a drift report. Reports are never overwritten.
	RecordDriftReport(ctx context.Context, report *DriftReport) error

	// RecordEvent appends a timeline event. Safe for concurrent use.
	RecordEvent(ctx context.Context, runID, unitID, level, message string) error
}

// NopAuditSink discards everything. Used when no audit store is configured.
type NopAuditSink struct{}

// RecordRun implements AuditSink.
func (NopAuditSink) RecordRun(context.Context, *RunResult) error { return nil }

// RecordUnitResult implements AuditSink.
func (NopAuditSink) RecordUnitResult(context.Context, string, *UnitResult) error { return nil }

// RecordDriftReport implements AuditSink.
func (NopAuditSink) RecordDriftReport(context.Context, *DriftReport) error { return nil }

// RecordEvent implements AuditSink.
func (NopAuditSink) RecordEvent(context.Context, string, string, string, string) error { return nil }
