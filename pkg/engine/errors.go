package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, permission denied.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Unit is the unit being processed when the error occurred.
	Unit string `json:"unit,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	if e.Unit != "" {
		fmt.Fprintf(&sb, " (unit=%s", e.Unit)
		if e.Operation != "" {
			fmt.Fprintf(&sb, ", operation=%s", e.Operation)
		}
		sb.WriteString(")")
	} else if e.Operation != "" {
		fmt.Fprintf(&sb, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %s", e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithUnit adds unit context to an error.
func (e *EngineError) WithUnit(unitID string) *EngineError {
	e.Unit = unitID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// CycleError is returned when the declared dependencies form a cycle.
// Members holds every unit in the cycle, in path order.
type CycleError struct {
	// Members are the unit identifiers participating in the cycle.
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Members, " -> "))
}

// UnresolvedDependencyError is returned when a unit declares a dependency on
// an identifier no unit carries.
type UnresolvedDependencyError struct {
	// UnitID is the unit with the bad declaration.
	UnitID string

	// DependencyID is the identifier that resolves to nothing.
	DependencyID string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("unit %q depends on unknown unit %q", e.UnitID, e.DependencyID)
}

// DuplicateUnitError is returned when two unit declarations share an identifier.
type DuplicateUnitError struct {
	// UnitID is the duplicated identifier.
	UnitID string
}

func (e *DuplicateUnitError) Error() string {
	return fmt.Sprintf("duplicate unit identifier %q", e.UnitID)
}

// ApplyError reports a partially applied plan. Actions before FailedResource
// completed and their state was recorded; actions after it never ran. There
// is no rollback: remediation is re-planning from the recorded state.
type ApplyError struct {
	// UnitID is the unit whose apply failed.
	UnitID string

	// Completed lists resource IDs whose actions were applied.
	Completed []string

	// FailedResource is the resource whose action failed.
	FailedResource string

	// Remaining lists resource IDs whose actions never ran.
	Remaining []string

	// Err is the per-resource failure.
	Err error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply failed for unit %q at resource %q (%d applied, %d not attempted): %v",
		e.UnitID, e.FailedResource, len(e.Completed), len(e.Remaining), e.Err)
}

// Unwrap returns the per-resource failure.
func (e *ApplyError) Unwrap() error {
	return e.Err
}
