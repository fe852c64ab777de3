package engine

import (
	"encoding/json"
	"fmt"
)

// UnitStatus represents the state of a unit inside a run. The machine is
// Pending -> Planning -> Gating -> Applying -> Done, with Blocked and Failed
// as the terminal off-ramps. Blocked and Failed are never re-entered or left.
type UnitStatus string

const (
	// UnitStatusPending indicates the unit has not started.
	UnitStatusPending UnitStatus = "pending"

	// UnitStatusPlanning indicates the unit is reading state and computing a plan.
	UnitStatusPlanning UnitStatus = "planning"

	// UnitStatusGating indicates the unit's plan is under policy evaluation.
	UnitStatusGating UnitStatus = "gating"

	// UnitStatusApplying indicates the unit's plan is being applied.
	UnitStatusApplying UnitStatus = "applying"

	// UnitStatusDone indicates the unit completed successfully.
	UnitStatusDone UnitStatus = "done"

	// UnitStatusBlocked indicates the unit was denied by policy, had a
	// blocked or failed dependency, or was cancelled before starting.
	UnitStatusBlocked UnitStatus = "blocked"

	// UnitStatusFailed indicates a plan, lock, policy-engine, or apply error.
	UnitStatusFailed UnitStatus = "failed"
)

// IsTerminal returns true if the status represents a final state.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusDone || s == UnitStatusBlocked || s == UnitStatusFailed
}

// IsActive returns true if the unit is currently being worked on.
func (s UnitStatus) IsActive() bool {
	return s == UnitStatusPlanning || s == UnitStatusGating || s == UnitStatusApplying
}

// Validate checks if the unit status is valid.
func (s UnitStatus) Validate() error {
	switch s {
	case UnitStatusPending, UnitStatusPlanning, UnitStatusGating,
		UnitStatusApplying, UnitStatusDone, UnitStatusBlocked, UnitStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid unit status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s UnitStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *UnitStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = UnitStatus(str)
	return s.Validate()
}

// BlockReason explains why a unit ended Blocked.
type BlockReason string

const (
	// BlockReasonPolicy indicates the policy gate denied the unit's plan.
	BlockReasonPolicy BlockReason = "policy-denied"

	// BlockReasonDependency indicates a dependency ended Blocked or Failed.
	BlockReasonDependency BlockReason = "dependency-blocked"

	// BlockReasonCancelled indicates the run was cancelled before the unit started.
	BlockReasonCancelled BlockReason = "cancelled"
)

// Validate checks if the block reason is valid.
func (r BlockReason) Validate() error {
	switch r {
	case BlockReasonPolicy, BlockReasonDependency, BlockReasonCancelled:
		return nil
	default:
		return fmt.Errorf("invalid block reason: %s", r)
	}
}

// RunStatus represents the aggregate outcome of a run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is still executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every unit ended Done.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusBlocked indicates at least one unit ended Blocked and none Failed.
	RunStatusBlocked RunStatus = "blocked"

	// RunStatusFailed indicates at least one unit ended Failed.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusBlocked || s == RunStatusFailed
}

// ExitCode maps the run status to the process exit code: 0 when everything
// applied, 2 when something was blocked, 1 on failure.
func (s RunStatus) ExitCode() int {
	switch s {
	case RunStatusSucceeded:
		return 0
	case RunStatusBlocked:
		return 2
	default:
		return 1
	}
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusBlocked, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// ActionType classifies a planned change to a single resource.
type ActionType string

const (
	// ActionCreate indicates the resource is declared but not recorded.
	ActionCreate ActionType = "create"

	// ActionUpdate indicates the declared configuration differs from the recorded one.
	ActionUpdate ActionType = "update"

	// ActionDestroy indicates the resource is recorded but no longer declared.
	ActionDestroy ActionType = "destroy"

	// ActionNoop indicates the declared and recorded configurations match.
	ActionNoop ActionType = "noop"
)

// IsMutating returns true if the action changes recorded state.
func (a ActionType) IsMutating() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDestroy
}

// Validate checks if the action type is valid.
func (a ActionType) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDestroy, ActionNoop:
		return nil
	default:
		return fmt.Errorf("invalid action type: %s", a)
	}
}
