package statebackend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend keeps state and locks in process memory. It honors the same
// locking and compare-and-swap semantics as the durable backends and exists
// for tests and ephemeral dry runs.
type MemoryBackend struct {
	mu     sync.Mutex
	states map[string]*StateSnapshot
	locks  map[string]LockInfo
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		states: make(map[string]*StateSnapshot),
		locks:  make(map[string]LockInfo),
	}
}

// AcquireLock takes the unit's lock or fails with LockError.
func (b *MemoryBackend) AcquireLock(_ context.Context, unitID, holder string) (*Lock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.locks[unitID]; ok {
		return nil, &LockError{UnitID: unitID, Holder: existing}
	}

	info := LockInfo{
		ID:         uuid.New().String(),
		UnitID:     unitID,
		Holder:     holder,
		AcquiredAt: time.Now().UTC(),
	}
	b.locks[unitID] = info
	return &Lock{Info: info}, nil
}

// ReleaseLock releases the unit's lock if the handle still owns it.
func (b *MemoryBackend) ReleaseLock(_ context.Context, lock *Lock) error {
	if lock == nil {
		return fmt.Errorf("nil lock")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.locks[lock.Info.UnitID]
	if !ok || existing.ID != lock.Info.ID {
		return fmt.Errorf("lock %s for unit %s not held", lock.Info.ID, lock.Info.UnitID)
	}
	delete(b.locks, lock.Info.UnitID)
	return nil
}

// ReadState returns a copy of the unit's snapshot.
func (b *MemoryBackend) ReadState(_ context.Context, unitID string) (*StateSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap, ok := b.states[unitID]
	if !ok {
		return nil, ErrStateNotFound
	}
	return snap.Clone(), nil
}

// WriteState stores a copy of the snapshot after the serial check.
func (b *MemoryBackend) WriteState(_ context.Context, snapshot *StateSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("nil snapshot")
	}
	if snapshot.Serial == 0 {
		return fmt.Errorf("snapshot serial must be at least 1")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var stored uint64
	if current, ok := b.states[snapshot.UnitID]; ok {
		stored = current.Serial
	}
	if stored != snapshot.Serial-1 {
		return &ConflictError{
			UnitID:         snapshot.UnitID,
			ExpectedSerial: snapshot.Serial - 1,
			ActualSerial:   stored,
		}
	}

	snap := snapshot.Clone()
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	b.states[snapshot.UnitID] = snap
	return nil
}

// Close is a no-op.
func (b *MemoryBackend) Close() error {
	return nil
}
