package stores

import (
	"time"
)

// EventLevel represents the severity level of an audit event.
type EventLevel string

const (
	EventLevelDebug EventLevel = "debug"
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// RunRecord is one persisted run-all.
type RunRecord struct {
	// ID is the run identifier.
	ID string `json:"id"`

	// Status is the terminal run status.
	Status string `json:"status"`

	// DryRun marks runs that planned and gated but never applied.
	DryRun bool `json:"dry_run"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached its terminal status.
	CompletedAt time.Time `json:"completed_at"`

	// CreatedAt is when the record was written.
	CreatedAt time.Time `json:"created_at"`
}

// UnitResultRecord is the persisted terminal outcome of one unit in a run.
type UnitResultRecord struct {
	// ID is the auto-generated record identifier.
	ID int64 `json:"id"`

	// RunID is the run this result belongs to.
	RunID string `json:"run_id"`

	// UnitID is the unit.
	UnitID string `json:"unit_id"`

	// Status is the unit's terminal status.
	Status string `json:"status"`

	// BlockReason is set for blocked units.
	BlockReason string `json:"block_reason,omitempty"`

	// Summary is the plan summary as a JSON blob, empty if never planned.
	Summary string `json:"summary,omitempty"`

	// Violations is the policy violations as a JSON blob, empty if none.
	Violations string `json:"violations,omitempty"`

	// Error is the failure message for failed units.
	Error string `json:"error,omitempty"`

	// StartedAt is when the unit started, zero if never scheduled.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the unit reached its terminal status.
	CompletedAt time.Time `json:"completed_at"`
}

// DriftRecord is one persisted drift report. Reports are append-only: every
// detection adds a record, none is ever overwritten.
type DriftRecord struct {
	// ID is the auto-generated record identifier.
	ID int64 `json:"id"`

	// UnitID is the unit the report covers.
	UnitID string `json:"unit_id"`

	// StateSerial is the snapshot serial the live view was diffed against.
	StateSerial uint64 `json:"state_serial"`

	// Deltas is the drift deltas as a JSON blob.
	Deltas string `json:"deltas"`

	// DeltaCount is the number of deltas, denormalized for listing.
	DeltaCount int `json:"delta_count"`

	// DetectedAt is when the detection ran.
	DetectedAt time.Time `json:"detected_at"`
}

// Event is one append-only audit log line.
type Event struct {
	// ID is the auto-generated event identifier.
	ID int64 `json:"id"`

	// RunID is the run the event belongs to.
	RunID string `json:"run_id"`

	// UnitID is the unit the event belongs to, empty for run-level events.
	UnitID string `json:"unit_id,omitempty"`

	// Level is the event severity.
	Level EventLevel `json:"level"`

	// Message is the event message.
	Message string `json:"message"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}
