package statebackend

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteBackend stores unit state and locks in a local SQLite database.
// Suitable for a single workstation or CI runner; concurrent stackrun
// processes against the same file coordinate through the locks table.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteBackend opens (creating if needed) the database at path and runs
// schema migrations.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	b := &SQLiteBackend{db: db, path: path}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(b.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// AcquireLock inserts a lock row for the unit. The primary key on unit_id
// makes the insert fail when a holder exists, which maps to LockError.
func (b *SQLiteBackend) AcquireLock(ctx context.Context, unitID, holder string) (*Lock, error) {
	info := LockInfo{
		ID:         uuid.New().String(),
		UnitID:     unitID,
		Holder:     holder,
		AcquiredAt: time.Now().UTC(),
	}

	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing LockInfo
	err = tx.QueryRowContext(ctx,
		`SELECT lock_id, holder, acquired_at FROM locks WHERE unit_id = ?`, unitID,
	).Scan(&existing.ID, &existing.Holder, &existing.AcquiredAt)
	switch {
	case err == nil:
		existing.UnitID = unitID
		return nil, &LockError{UnitID: unitID, Holder: existing}
	case errors.Is(err, sql.ErrNoRows):
		// Lock is free.
	default:
		return nil, fmt.Errorf("failed to check lock: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO locks (unit_id, lock_id, holder, acquired_at) VALUES (?, ?, ?, ?)`,
		unitID, info.ID, info.Holder, info.AcquiredAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lock: %w", err)
	}

	return &Lock{Info: info}, nil
}

// ReleaseLock deletes the lock row, verifying the lock id so a stale handle
// cannot release a lock it no longer owns.
func (b *SQLiteBackend) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return fmt.Errorf("nil lock")
	}

	res, err := b.db.ExecContext(ctx,
		`DELETE FROM locks WHERE unit_id = ? AND lock_id = ?`,
		lock.Info.UnitID, lock.Info.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check release: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lock %s for unit %s not held", lock.Info.ID, lock.Info.UnitID)
	}

	return nil
}

// ReadState returns the latest snapshot for the unit.
func (b *SQLiteBackend) ReadState(ctx context.Context, unitID string) (*StateSnapshot, error) {
	var (
		serial    uint64
		data      []byte
		updatedAt time.Time
	)

	err := b.db.QueryRowContext(ctx,
		`SELECT serial, data, updated_at FROM states WHERE unit_id = ?`, unitID,
	).Scan(&serial, &data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var resources map[string]json.RawMessage
	if err := json.Unmarshal(data, &resources); err != nil {
		return nil, fmt.Errorf("failed to decode state for unit %s: %w", unitID, err)
	}

	return &StateSnapshot{
		UnitID:    unitID,
		Serial:    serial,
		Resources: resources,
		UpdatedAt: updatedAt,
	}, nil
}

// WriteState upserts the snapshot inside a serializable transaction. The
// stored serial must be exactly snapshot.Serial-1 or the write conflicts.
func (b *SQLiteBackend) WriteState(ctx context.Context, snapshot *StateSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("nil snapshot")
	}
	if snapshot.Serial == 0 {
		return fmt.Errorf("snapshot serial must be at least 1")
	}

	data, err := json.Marshal(snapshot.Resources)
	if err != nil {
		return fmt.Errorf("failed to encode state for unit %s: %w", snapshot.UnitID, err)
	}

	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stored uint64
	err = tx.QueryRowContext(ctx,
		`SELECT serial FROM states WHERE unit_id = ?`, snapshot.UnitID,
	).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		stored = 0
	case err != nil:
		return fmt.Errorf("failed to read current serial: %w", err)
	}

	if stored != snapshot.Serial-1 {
		return &ConflictError{
			UnitID:         snapshot.UnitID,
			ExpectedSerial: snapshot.Serial - 1,
			ActualSerial:   stored,
		}
	}

	updatedAt := snapshot.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO states (unit_id, serial, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(unit_id) DO UPDATE SET
			serial = excluded.serial,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, snapshot.UnitID, snapshot.Serial, data, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state write: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
