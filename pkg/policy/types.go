package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stackrun/stackrun/pkg/engine"
)

// Severity represents the severity level of a policy violation. Violations at
// SeverityError or SeverityCritical deny the gated operation; lower severities
// are reported but do not block.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the operation.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must never be overridden.
	SeverityCritical Severity = "critical"
)

// Policy is one gate rule with its Rego source.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy source.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy participates in gate decisions.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for builtins.
	Source string `json:"source,omitempty" yaml:"-"`

	// LoadedAt is when the policy was compiled into the engine.
	LoadedAt time.Time `json:"loaded_at" yaml:"-"`
}

// PolicyEngineError reports that the policy engine itself could not run: a
// compile failure, a runtime evaluation error, an unreadable bundle. It is
// deliberately distinct from a deny decision; callers must fail the gated
// operation, not block it.
type PolicyEngineError struct {
	// Policy names the policy being evaluated when the engine failed.
	Policy string

	// Err is the underlying engine failure.
	Err error
}

func (e *PolicyEngineError) Error() string {
	if e.Policy == "" {
		return fmt.Sprintf("policy engine failure: %v", e.Err)
	}
	return fmt.Sprintf("policy engine failure in %q: %v", e.Policy, e.Err)
}

func (e *PolicyEngineError) Unwrap() error {
	return e.Err
}

// gateInput is the document policies evaluate against. Every field is
// JSON-shaped exactly as the Rego sees it.
type gateInput struct {
	Unit    unitInput    `json:"unit"`
	Plan    *planInput   `json:"plan,omitempty"`
	Drift   *driftInput  `json:"drift,omitempty"`
	Context contextInput `json:"context"`
}

type unitInput struct {
	ID          string            `json:"id"`
	Environment string            `json:"environment"`
	Tags        map[string]string `json:"tags"`
}

type planInput struct {
	BaseSerial uint64             `json:"base_serial"`
	Actions    []actionInput      `json:"actions"`
	Summary    engine.PlanSummary `json:"summary"`
}

type actionInput struct {
	ResourceID   string          `json:"resource_id"`
	Type         string          `json:"type"`
	ResourceType string          `json:"resource_type"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
}

type driftInput struct {
	StateSerial uint64       `json:"state_serial"`
	Deltas      []deltaInput `json:"deltas"`
}

type deltaInput struct {
	ResourceID string `json:"resource_id"`
	Kind       string `json:"kind"`
}

type contextInput struct {
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}
