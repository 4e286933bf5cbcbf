package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/deepthink-go/pipeline/store"
)

func testRecords(runID string) []store.StageRecord {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []store.StageRecord{
		{RunID: runID, Stage: "decompose", Mode: "deep", Artifact: `{"subproblems":["a"]}`, DurationMS: 420, CreatedAt: base},
		{RunID: runID, Stage: "solver", Mode: "deep", Artifact: "solution text", DurationMS: 2100, CreatedAt: base.Add(3 * time.Second)},
	}
}

// auditLogContract exercises the behavior every backend shares.
func auditLogContract(t *testing.T, log store.AuditLog) {
	t.Helper()
	ctx := context.Background()

	for _, rec := range testRecords("run-1") {
		require.NoError(t, log.Append(ctx, rec))
	}
	require.NoError(t, log.Append(ctx, store.StageRecord{
		RunID: "run-2", Stage: "classify", Mode: "instant", CreatedAt: time.Now().UTC(),
	}))

	got, err := log.Records(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "decompose", got[0].Stage)
	assert.Equal(t, "solver", got[1].Stage)
	assert.Equal(t, int64(2100), got[1].DurationMS)
	assert.Equal(t, "solution text", got[1].Artifact)

	other, err := log.Records(ctx, "run-2")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	empty, err := log.Records(ctx, "missing-run")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, log.Close())
	require.NoError(t, log.Close(), "double close must be a no-op")
	assert.Error(t, log.Append(ctx, store.StageRecord{RunID: "late"}))
}

func TestMemLog(t *testing.T) {
	auditLogContract(t, store.NewMemLog())
}

func TestSQLiteLog(t *testing.T) {
	log, err := store.NewSQLiteLog(":memory:")
	require.NoError(t, err)
	auditLogContract(t, log)
}

func TestMemLogRecordsAreCopies(t *testing.T) {
	log := store.NewMemLog()
	ctx := context.Background()
	require.NoError(t, log.Append(ctx, store.StageRecord{RunID: "r", Stage: "a"}))

	got, err := log.Records(ctx, "r")
	require.NoError(t, err)
	got[0].Stage = "mutated"

	again, err := log.Records(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].Stage)
}
