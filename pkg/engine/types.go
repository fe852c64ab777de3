package engine

import (
	"encoding/json"
	"time"

	"github.com/stackrun/stackrun/pkg/statebackend"
)

// Unit is one independently applied infrastructure configuration: a set of
// declared resources, its own state backend location, and dependencies on
// other units.
type Unit struct {
	// ID uniquely identifies the unit across the working set.
	ID string `json:"id"`

	// Source is the filesystem location of the unit's declaration.
	Source string `json:"source"`

	// Environment tags the unit (e.g. "staging", "production").
	Environment string `json:"environment"`

	// DependsOn lists unit IDs that must reach Done before this unit starts.
	DependsOn []string `json:"depends_on,omitempty"`

	// Backend describes where the unit's state lives.
	Backend statebackend.Config `json:"backend"`

	// Tags are free-form labels carried into policy evaluation.
	Tags map[string]string `json:"tags,omitempty"`

	// Resources are the declared resources, keyed by resource ID.
	Resources map[string]ResourceSpec `json:"resources"`
}

// ResourceSpec is the declared configuration of a single resource.
type ResourceSpec struct {
	// Type names the resource kind (e.g. "aws.vpc").
	Type string `json:"type"`

	// Config is the desired configuration document.
	Config json.RawMessage `json:"config"`
}

// Action is one planned change to a single resource.
type Action struct {
	// ResourceID identifies the resource within the unit.
	ResourceID string `json:"resource_id"`

	// Type classifies the change.
	Type ActionType `json:"type"`

	// ResourceType names the resource kind being changed.
	ResourceType string `json:"resource_type,omitempty"`

	// Before is the recorded configuration, nil for creates.
	Before json.RawMessage `json:"before,omitempty"`

	// After is the desired configuration, nil for destroys.
	After json.RawMessage `json:"after,omitempty"`
}

// PlanSummary counts planned actions by type.
type PlanSummary struct {
	// Create is the number of resources to create.
	Create int `json:"create"`

	// Update is the number of resources to update.
	Update int `json:"update"`

	// Destroy is the number of resources to destroy.
	Destroy int `json:"destroy"`

	// Noop is the number of resources already in the desired state.
	Noop int `json:"noop"`
}

// Total returns the number of planned actions, no-ops included.
func (s PlanSummary) Total() int {
	return s.Create + s.Update + s.Destroy + s.Noop
}

// HasChanges returns true if any action mutates state.
func (s PlanSummary) HasChanges() bool {
	return s.Create > 0 || s.Update > 0 || s.Destroy > 0
}

// Plan is the deterministic diff between a unit's declaration and a state
// snapshot. Planning has no side effects: the same unit and snapshot always
// produce an identical plan.
type Plan struct {
	// UnitID is the unit the plan belongs to.
	UnitID string `json:"unit_id"`

	// BaseSerial is the serial of the snapshot the plan was computed against.
	BaseSerial uint64 `json:"base_serial"`

	// Actions are the planned changes, ordered by resource ID.
	Actions []Action `json:"actions"`

	// Summary counts the actions by type.
	Summary PlanSummary `json:"summary"`
}

// PolicyViolation is one rule failure from the policy gate.
type PolicyViolation struct {
	// Policy names the policy whose rule fired.
	Policy string `json:"policy"`

	// Message is the human-readable violation text.
	Message string `json:"message"`

	// Severity is the policy's declared severity.
	Severity string `json:"severity,omitempty"`

	// ResourceID is the offending resource, when the rule names one.
	ResourceID string `json:"resource_id,omitempty"`
}

// PolicyDecision is the aggregate outcome of evaluating every policy against
// one input. Allowed is the AND of the individual policy results.
type PolicyDecision struct {
	// Allowed is true only when no policy denied the input.
	Allowed bool `json:"allowed"`

	// Violations holds every rule failure, in policy declaration order.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// EvaluatedAt is when the decision was made.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// DeltaKind classifies a drift delta.
type DeltaKind string

const (
	// DeltaMissing indicates a recorded resource no longer exists live.
	DeltaMissing DeltaKind = "missing"

	// DeltaUnexpected indicates a live resource is not recorded.
	DeltaUnexpected DeltaKind = "unexpected"

	// DeltaChanged indicates the live configuration differs from the recorded one.
	DeltaChanged DeltaKind = "changed"
)

// Delta is one detected difference between recorded and live state.
type Delta struct {
	// ResourceID identifies the drifted resource.
	ResourceID string `json:"resource_id"`

	// Kind classifies the drift.
	Kind DeltaKind `json:"kind"`

	// Recorded is the last applied configuration, nil for unexpected resources.
	Recorded json.RawMessage `json:"recorded,omitempty"`

	// Live is the observed configuration, nil for missing resources.
	Live json.RawMessage `json:"live,omitempty"`
}

// DriftReport is the read-only diff between a unit's last applied state and
// the live infrastructure.
type DriftReport struct {
	// UnitID is the unit the report covers.
	UnitID string `json:"unit_id"`

	// StateSerial is the serial of the snapshot the report was computed against.
	StateSerial uint64 `json:"state_serial"`

	// DetectedAt is when detection ran.
	DetectedAt time.Time `json:"detected_at"`

	// Deltas are the detected differences, ordered by resource ID.
	Deltas []Delta `json:"deltas"`
}

// HasDrift returns true if any delta was detected.
func (r *DriftReport) HasDrift() bool {
	return r != nil && len(r.Deltas) > 0
}

// UnitResult is the terminal record of one unit within a run.
type UnitResult struct {
	// UnitID is the unit this result describes.
	UnitID string `json:"unit_id"`

	// Status is the unit's terminal status.
	Status UnitStatus `json:"status"`

	// BlockReason is set when Status is Blocked.
	BlockReason BlockReason `json:"block_reason,omitempty"`

	// Violations are the policy violations behind a policy block.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Summary is the plan summary, when planning succeeded.
	Summary *PlanSummary `json:"summary,omitempty"`

	// Error is the failure message when Status is Failed.
	Error string `json:"error,omitempty"`

	// ApplySkipped is true for dry runs: the plan was gated but never applied.
	ApplySkipped bool `json:"apply_skipped,omitempty"`

	// StartedAt is when the unit left Pending. Zero for units never started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the unit reached a terminal status.
	CompletedAt time.Time `json:"completed_at"`
}

// RunResult is the aggregate outcome of a run-all invocation.
type RunResult struct {
	// RunID uniquely identifies the run.
	RunID string `json:"run_id"`

	// Status is the aggregate run status.
	Status RunStatus `json:"status"`

	// DryRun is true when applies were skipped.
	DryRun bool `json:"dry_run"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the last unit reached a terminal status.
	CompletedAt time.Time `json:"completed_at"`

	// Units holds the terminal result of every unit, keyed by unit ID.
	Units map[string]*UnitResult `json:"units"`
}

// ExitCode returns the process exit code for the run.
func (r *RunResult) ExitCode() int {
	return r.Status.ExitCode()
}

// RunOptions configures a run-all invocation.
type RunOptions struct {
	// Concurrency bounds the number of units worked on simultaneously.
	Concurrency int `json:"concurrency"`

	// DryRun plans and gates but never applies or writes state.
	DryRun bool `json:"dry_run"`

	// Targets restricts the run to the named units and their transitive
	// dependencies. Empty means every unit.
	Targets []string `json:"targets,omitempty"`

	// Holder identifies this process in lock metadata.
	Holder string `json:"holder,omitempty"`
}
