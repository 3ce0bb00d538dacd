package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/ballast/pkg/api"
)

func TestStoreRecordsAndListsRuns(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(filepath.Join(t.TempDir(), "nested", "runs.db"))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	older := NewRun("bench", 2)
	older.StartedAt = time.Now().Add(-time.Hour).UTC()
	require.NoError(t, s.RecordRun(ctx, older))

	r := NewRun("bench", 4)
	require.NoError(t, s.RecordRun(ctx, r))

	r.Status = api.RunSucceeded
	r.SchedulerIP = "10.0.0.9"
	r.FinishedAt = r.StartedAt.Add(90 * time.Second)
	r.Duration = 90 * time.Second
	require.NoError(t, s.RecordRun(ctx, r))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, r.ID, runs[0].ID)
	assert.Equal(t, api.RunSucceeded, runs[0].Status)
	assert.Equal(t, "10.0.0.9", runs[0].SchedulerIP)
	assert.Equal(t, 4, runs[0].Executors)
	assert.Equal(t, 90*time.Second, runs[0].Duration)
	assert.False(t, runs[0].FinishedAt.IsZero())

	assert.Equal(t, older.ID, runs[1].ID)
	assert.Equal(t, api.RunPending, runs[1].Status)
	assert.True(t, runs[1].FinishedAt.IsZero())
}

func TestNewRunHasUniqueIDs(t *testing.T) {
	assert.NotEqual(t, NewRun("a", 1).ID, NewRun("a", 1).ID)
}
