package statebackend

import (
	"errors"
	"fmt"
)

// ErrStateNotFound is returned by ReadState when no snapshot has ever been
// written for the unit. Callers treat it as an empty state.
var ErrStateNotFound = errors.New("state not found")

// LockError is returned when a lock cannot be acquired because another holder
// has it. It carries the current holder's identity so operators can see who is
// blocking. Callers retry with bounded backoff; the error itself is not fatal.
type LockError struct {
	// UnitID is the unit whose lock was contended.
	UnitID string

	// Holder describes the current lock holder.
	Holder LockInfo
}

func (e *LockError) Error() string {
	return fmt.Sprintf("state for unit %q is locked by %s (lock %s, acquired %s)",
		e.UnitID, e.Holder.Holder, e.Holder.ID, e.Holder.AcquiredAt.Format("2006-01-02T15:04:05Z07:00"))
}

// ConflictError is returned when WriteState loses a compare-and-swap: the
// stored serial does not match the serial the write expected to supersede.
// The caller must re-read state and re-plan before retrying.
type ConflictError struct {
	// UnitID is the unit whose write conflicted.
	UnitID string

	// ExpectedSerial is the serial the writer believed was current.
	ExpectedSerial uint64

	// ActualSerial is the serial actually stored.
	ActualSerial uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("state write conflict for unit %q: expected serial %d, found %d",
		e.UnitID, e.ExpectedSerial, e.ActualSerial)
}

// IsLockError reports whether err is a LockError and returns it.
func IsLockError(err error) (*LockError, bool) {
	var le *LockError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// IsConflictError reports whether err is a ConflictError and returns it.
func IsConflictError(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
