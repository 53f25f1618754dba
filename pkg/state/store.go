package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
	"github.com/phoenix-hypervisor/phoenix/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is the durable state tracker and run journal, backed by SQLite.
// It implements engine.StateStore and engine.Journal.
type Store struct {
	db   *sql.DB
	path string
	cfg  Config
}

// New creates a store instance. Call Init before use.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &Store{path: cfg.Path, cfg: cfg}, nil
}

// Open is a convenience that creates, initializes, and migrates a store.
func Open(ctx context.Context, path string) (*Store, error) {
	s, err := New(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *Store) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

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

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the record for id, or nil when none exists.
func (s *Store) Get(ctx context.Context, id int) (*engine.Record, error) {
	query := `
		SELECT id, kind, stage, last_error, updated_at
		FROM resources
		WHERE id = ?
	`

	rec := &engine.Record{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.Kind,
		&rec.Stage,
		&rec.LastError,
		&rec.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	return rec, nil
}

// SaveStage records that a resource reached stage, clearing any previous
// failure.
func (s *Store) SaveStage(ctx context.Context, id int, kind config.Kind, stage engine.Stage) error {
	query := `
		INSERT INTO resources (id, kind, stage, last_error, updated_at)
		VALUES (?, ?, ?, '', ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			stage = excluded.stage,
			last_error = '',
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query, id, string(kind), string(stage), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save stage: %w", err)
	}
	return nil
}

// MarkFailed records a failed convergence with its cause.
func (s *Store) MarkFailed(ctx context.Context, id int, kind config.Kind, cause string) error {
	query := `
		INSERT INTO resources (id, kind, stage, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			stage = excluded.stage,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query, id, string(kind), string(engine.StageFailed), cause, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark failure: %w", err)
	}
	return nil
}

// Delete removes the record for id. Deleting a missing record is not an
// error.
func (s *Store) Delete(ctx context.Context, id int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// List returns every record ordered by resource identifier.
func (s *Store) List(ctx context.Context) ([]*engine.Record, error) {
	query := `
		SELECT id, kind, stage, last_error, updated_at
		FROM resources
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*engine.Record{}
	for rows.Next() {
		rec := &engine.Record{}
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Stage, &rec.LastError, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// BeginRun opens a run journal entry.
func (s *Store) BeginRun(ctx context.Context, run *engine.Run) error {
	query := `
		INSERT INTO runs (id, requested, dry_run, status, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Requested,
		run.DryRun,
		string(run.Status),
		run.StartedAt.UTC(),
		run.CompletedAt,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun closes a run journal entry.
func (s *Store) FinishRun(ctx context.Context, runID string, status engine.RunStatus, errMsg string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, string(status), errMsg, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// AppendEvent adds an event to a run.
func (s *Store) AppendEvent(ctx context.Context, event *engine.Event) error {
	query := `
		INSERT INTO events (run_id, resource_id, stage, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.ResourceID,
		event.Stage,
		event.Message,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*engine.Run, error) {
	query := `
		SELECT id, requested, dry_run, status, started_at, completed_at, error
		FROM runs
		WHERE id = ?
	`

	run := &engine.Run{}
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID,
		&run.Requested,
		&run.DryRun,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error) {
	query := `
		SELECT id, requested, dry_run, status, started_at, completed_at, error
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run := &engine.Run{}
		if err := rows.Scan(&run.ID, &run.Requested, &run.DryRun, &run.Status, &run.StartedAt, &run.CompletedAt, &run.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// EventsForRun returns a run's events in append order.
func (s *Store) EventsForRun(ctx context.Context, runID string) ([]*engine.Event, error) {
	query := `
		SELECT id, run_id, resource_id, stage, message, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		if err := rows.Scan(&event.ID, &event.RunID, &event.ResourceID, &event.Stage, &event.Message, &event.Timestamp); err != nil {
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
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
