package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLLog is a MySQL-backed AuditLog for multi-process deployments where
// several pipeline servers share one audit history.
//
// The DSN must include parseTime=true so created_at scans into time.Time:
//
//	user:pass@tcp(localhost:3306)/deepthink?parseTime=true
type MySQLLog struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewMySQLLog opens a MySQL audit log and creates its schema if needed.
func NewMySQLLog(dsn string) (*MySQLLog, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	log := &MySQLLog{db: db}
	if err := log.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return log, nil
}

func (m *MySQLLog) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS stage_records (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			stage VARCHAR(64) NOT NULL,
			mode VARCHAR(32) NOT NULL,
			artifact MEDIUMTEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			INDEX idx_records_run_id (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create stage_records table: %w", err)
	}
	return nil
}

// Append inserts one stage record.
func (m *MySQLLog) Append(ctx context.Context, rec StageRecord) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrLogClosed
	}

	_, err := m.db.ExecContext(ctx,
		"INSERT INTO stage_records (run_id, stage, mode, artifact, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		rec.RunID, rec.Stage, rec.Mode, rec.Artifact, rec.DurationMS, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert stage record: %w", err)
	}
	return nil
}

// Records returns the run's records in insertion order.
func (m *MySQLLog) Records(ctx context.Context, runID string) ([]StageRecord, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrLogClosed
	}

	rows, err := m.db.QueryContext(ctx,
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
func (m *MySQLLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
