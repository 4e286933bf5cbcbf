package store

import (
	"context"
	"sync"
)

// MemLog is an in-memory AuditLog.
//
// Designed for tests and development; records are lost when the process
// exits. Safe for concurrent use.
type MemLog struct {
	mu      sync.RWMutex
	records map[string][]StageRecord // runID -> records in append order
	closed  bool
}

// NewMemLog creates an empty in-memory audit log.
func NewMemLog() *MemLog {
	return &MemLog{records: make(map[string][]StageRecord)}
}

// Append stores a record. Returns ErrLogClosed after Close.
func (m *MemLog) Append(_ context.Context, rec StageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrLogClosed
	}
	m.records[rec.RunID] = append(m.records[rec.RunID], rec)
	return nil
}

// Records returns a copy of the run's records in append order.
func (m *MemLog) Records(_ context.Context, runID string) ([]StageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrLogClosed
	}
	records := m.records[runID]
	out := make([]StageRecord, len(records))
	copy(out, records)
	return out, nil
}

// Close marks the log closed. Subsequent calls are no-ops.
func (m *MemLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
