package stores

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

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/stackrun/stackrun/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// AuditStore persists run outcomes, unit results, drift reports, and events
// to SQLite. It implements engine.AuditSink. All tables are append-oriented:
// the only update is the run row reaching its terminal status.
type AuditStore struct {
	db   *sql.DB
	path string
}

// Config holds audit store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewAuditStore creates an audit store instance. Call Init before use.
func NewAuditStore(cfg Config) (*AuditStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &AuditStore{path: cfg.Path}, nil
}

// Init opens the database connection, enables WAL mode, and runs migrations.
func (s *AuditStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db

	if err := s.migrate(); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Close closes the database connection.
func (s *AuditStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate runs database migrations from the embedded source.
func (s *AuditStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
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

// RecordRun implements engine.AuditSink. Re-recording the same run replaces
// its status and completion time so retried persistence stays idempotent.
func (s *AuditStore) RecordRun(ctx context.Context, result *engine.RunResult) error {
	query := `
		INSERT INTO runs (id, status, dry_run, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		result.RunID,
		string(result.Status),
		result.DryRun,
		result.StartedAt,
		result.CompletedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// RecordUnitResult implements engine.AuditSink.
func (s *AuditStore) RecordUnitResult(ctx context.Context, runID string, result *engine.UnitResult) error {
	var summary string
	if result.Summary != nil {
		data, err := json.Marshal(result.Summary)
		if err != nil {
			return fmt.Errorf("failed to marshal plan summary: %w", err)
		}
		summary = string(data)
	}

	var violations string
	if len(result.Violations) > 0 {
		data, err := json.Marshal(result.Violations)
		if err != nil {
			return fmt.Errorf("failed to marshal violations: %w", err)
		}
		violations = string(data)
	}

	query := `
		INSERT INTO unit_results (
			run_id, unit_id, status, block_reason, summary, violations,
			error, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		runID,
		result.UnitID,
		string(result.Status),
		string(result.BlockReason),
		summary,
		violations,
		result.Error,
		result.StartedAt,
		result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record unit result: %w", err)
	}
	return nil
}

// RecordDriftReport implements engine.AuditSink. Reports only ever append.
func (s *AuditStore) RecordDriftReport(ctx context.Context, report *engine.DriftReport) error {
	deltas, err := json.Marshal(report.Deltas)
	if err != nil {
		return fmt.Errorf("failed to marshal deltas: %w", err)
	}

	query := `
		INSERT INTO drift_reports (unit_id, state_serial, deltas, delta_count, detected_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		report.UnitID,
		report.StateSerial,
		string(deltas),
		len(report.Deltas),
		report.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record drift report: %w", err)
	}
	return nil
}

// RecordEvent implements engine.AuditSink.
func (s *AuditStore) RecordEvent(ctx context.Context, runID, unitID, level, message string) error {
	query := `
		INSERT INTO events (run_id, unit_id, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, runID, unitID, level, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// GetRun retrieves a run record by ID.
func (s *AuditStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, status, dry_run, started_at, completed_at, created_at
		FROM runs
		WHERE id = ?
	`

	run := &RunRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Status,
		&run.DryRun,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists run records, most recent first.
func (s *AuditStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT id, status, dry_run, started_at, completed_at, created_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run := &RunRecord{}
		err := rows.Scan(
			&run.ID,
			&run.Status,
			&run.DryRun,
			&run.StartedAt,
			&run.CompletedAt,
			&run.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ListUnitResults lists the unit results of a run in record order.
func (s *AuditStore) ListUnitResults(ctx context.Context, runID string) ([]*UnitResultRecord, error) {
	query := `
		SELECT id, run_id, unit_id, status, block_reason, summary, violations,
			   error, started_at, completed_at
		FROM unit_results
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unit results: %w", err)
	}
	defer rows.Close()

	results := []*UnitResultRecord{}
	for rows.Next() {
		r := &UnitResultRecord{}
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.UnitID,
			&r.Status,
			&r.BlockReason,
			&r.Summary,
			&r.Violations,
			&r.Error,
			&r.StartedAt,
			&r.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unit results: %w", err)
	}
	return results, nil
}

// ListDriftReports lists a unit's drift records, most recent first.
func (s *AuditStore) ListDriftReports(ctx context.Context, unitID string, limit, offset int) ([]*DriftRecord, error) {
	query := `
		SELECT id, unit_id, state_serial, deltas, delta_count, detected_at
		FROM drift_reports
		WHERE unit_id = ?
		ORDER BY detected_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, unitID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift reports: %w", err)
	}
	defer rows.Close()

	records := []*DriftRecord{}
	for rows.Next() {
		r := &DriftRecord{}
		err := rows.Scan(
			&r.ID,
			&r.UnitID,
			&r.StateSerial,
			&r.Deltas,
			&r.DeltaCount,
			&r.DetectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan drift report: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating drift reports: %w", err)
	}
	return records, nil
}

// GetEvents retrieves events with optional filters, most recent first.
func (s *AuditStore) GetEvents(ctx context.Context, runID, unitID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, run_id, unit_id, level, message, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR unit_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, unitID, unitID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.UnitID,
			&event.Level,
			&event.Message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *AuditStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
