// Package store provides best-effort audit persistence for pipeline runs.
//
// The audit log records one row per completed stage so that finished and
// interrupted runs can be inspected after the fact. Persistence is advisory:
// the pipeline never blocks on, and never fails because of, the audit log.
//
// Backends:
//   - MemLog: in-memory, for tests and single-process development
//   - SQLiteLog: single-file database, zero-setup local persistence
//   - MySQLLog: shared database for multi-process deployments
package store

import (
	"context"
	"errors"
	"time"
)

// ErrLogClosed is returned by operations on a closed audit log.
var ErrLogClosed = errors.New("audit log is closed")

// StageRecord is one audit row describing a completed pipeline stage.
type StageRecord struct {
	// RunID identifies the pipeline run.
	RunID string

	// Stage names the stage that completed (e.g. "classify", "solver").
	Stage string

	// Mode is the pipeline mode the run executed under.
	Mode string

	// Artifact is the stage's output text, possibly truncated by the caller.
	Artifact string

	// DurationMS is the stage's wall-clock duration in milliseconds.
	DurationMS int64

	// CreatedAt records when the stage finished.
	CreatedAt time.Time
}

// AuditLog persists stage records.
//
// Implementations must be safe for concurrent use. Append is best-effort
// from the pipeline's perspective: callers log returned errors but do not
// propagate them.
type AuditLog interface {
	// Append persists one stage record.
	Append(ctx context.Context, rec StageRecord) error

	// Records returns the stored records for a run in append order.
	Records(ctx context.Context, runID string) ([]StageRecord, error)

	// Close releases backend resources.
	Close() error
}
