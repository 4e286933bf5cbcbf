package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteLog is a SQLite-backed AuditLog.
//
// It stores stage records in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments requiring persistence across restarts
//
// SQLiteLog uses WAL mode for concurrent reads. Use ":memory:" as the path
// for an in-memory database (data lost on close).
type SQLiteLog struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteLog opens (creating if necessary) a SQLite audit log at path.
//
// The log automatically creates its schema, enables WAL mode, and sets a
// busy timeout so concurrent writers wait instead of failing.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	log := &SQLiteLog{db: db}
	if err := log.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return log, nil
}

func (s *SQLiteLog) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS stage_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			mode TEXT NOT NULL,
			artifact TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create stage_records table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_records_run_id ON stage_records(run_id)"); err != nil {
		return fmt.Errorf("failed to create idx_records_run_id: %w", err)
	}
	return nil
}

// Append inserts one stage record.
func (s *SQLiteLog) Append(ctx context.Context, rec StageRecord) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrLogClosed
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO stage_records (run_id, stage, mode, artifact, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		rec.RunID, rec.Stage, rec.Mode, rec.Artifact, rec.DurationMS, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert stage record: %w", err)
	}
	return nil
}

// Records returns the run's records in insertion order.
func (s *SQLiteLog) Records(ctx context.Context, runID string) ([]StageRecord, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrLogClosed
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, stage, mode, artifact, duration_ms, created_at FROM stage_records WHERE run_id = ? ORDER BY id",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StageRecord
	for rows.Next() {
		var rec StageRecord
		if err := rows.Scan(&rec.RunID, &rec.Stage, &rec.Mode, &rec.Artifact, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage records: %w", err)
	}
	return out, nil
}

// Close closes the database. Safe to call multiple times.
func (s *SQLiteLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
