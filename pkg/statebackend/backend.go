package statebackend

import (
	"context"
	"fmt"
	"sync"
)

// Backend is the contract every state backend implements. All operations are
// scoped to a single unit; distinct units never share a backend location
// unless their configs intentionally point at the same place.
type Backend interface {
	// AcquireLock takes the advisory lock for the unit. At most one holder
	// exists per location at any time; if another holder has the lock the
	// call fails fast with a *LockError carrying the holder's identity.
	AcquireLock(ctx context.Context, unitID, holder string) (*Lock, error)

	// ReleaseLock releases a lock previously returned by AcquireLock.
	// Releasing an already-released lock is an error.
	ReleaseLock(ctx context.Context, lock *Lock) error

	// ReadState returns the latest snapshot for the unit, or ErrStateNotFound
	// if nothing has been written yet. Reads never observe a torn write.
	ReadState(ctx context.Context, unitID string) (*StateSnapshot, error)

	// WriteState atomically replaces the unit's snapshot. The snapshot's
	// Serial must be exactly one greater than the stored serial (or 1 for the
	// first write); otherwise the write fails with a *ConflictError.
	WriteState(ctx context.Context, snapshot *StateSnapshot) error

	// Close releases backend resources.
	Close() error
}

// WithLock acquires the unit's lock, runs fn, and releases the lock on every
// exit path, including panics and fn errors. The release error is surfaced
// only when fn itself succeeded.
func WithLock(ctx context.Context, b Backend, unitID, holder string, fn func(lock *Lock) error) error {
	lock, err := b.AcquireLock(ctx, unitID, holder)
	if err != nil {
		return err
	}

	var fnErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				_ = b.ReleaseLock(ctx, lock)
				panic(r)
			}
		}()
		fnErr = fn(lock)
	}()

	releaseErr := b.ReleaseLock(ctx, lock)
	if fnErr != nil {
		return fnErr
	}
	if releaseErr != nil {
		return fmt.Errorf("failed to release lock for unit %s: %w", unitID, releaseErr)
	}
	return nil
}

// Factory opens backends on demand and caches them by location so units
// sharing a database file or bucket share one connection pool.
type Factory struct {
	mu    sync.Mutex
	open  map[string]Backend
	build func(ctx context.Context, cfg Config) (Backend, error)
}

// NewFactory creates a backend factory using the default constructors.
func NewFactory() *Factory {
	return &Factory{
		open:  make(map[string]Backend),
		build: openBackend,
	}
}

// Get returns a backend for the config, opening it on first use.
func (f *Factory) Get(ctx context.Context, cfg Config) (Backend, error) {
	key := cacheKey(cfg)

	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.open[key]; ok {
		return b, nil
	}

	b, err := f.build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	f.open[key] = b
	return b, nil
}

// Close closes every backend the factory opened.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for key, b := range f.open {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close backend %s: %w", key, err)
		}
		delete(f.open, key)
	}
	return firstErr
}

func cacheKey(cfg Config) string {
	switch cfg.Kind {
	case KindSQLite:
		return string(cfg.Kind) + ":" + cfg.Path
	case KindS3:
		return fmt.Sprintf("%s:%s/%s@%s", cfg.Kind, cfg.Bucket, cfg.Prefix, cfg.Region)
	default:
		return string(cfg.Kind)
	}
}

func openBackend(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Kind {
	case KindSQLite:
		return NewSQLiteBackend(cfg.Path)
	case KindS3:
		return NewS3Backend(ctx, cfg)
	case KindMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend kind: %q", cfg.Kind)
	}
}
