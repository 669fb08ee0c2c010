package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryouol/agent-diagnostics/pkg/models"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func openTestArchive(t *testing.T, retention time.Duration) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"), retention)
	require.NoError(t, err)
	a.SetClock(func() time.Time { return base })
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSaveAndReadBack(t *testing.T) {
	a := openTestArchive(t, 0)
	ctx := context.Background()

	events := []models.LogEvent{
		{ID: "b", Timestamp: base.Add(-time.Minute), Level: models.Error, Message: "render failed", Agent: "render", CorrelationID: "job-1",
			Details: map[string]interface{}{"duration": 1200.0, "userId": "u-7"}},
		{ID: "a", Timestamp: base.Add(-2 * time.Minute), Level: models.Info, Message: "job started", Agent: "render", Tool: "ffmpeg"},
	}
	require.NoError(t, a.Save(ctx, events))
	// Re-saving the same ids is a no-op.
	require.NoError(t, a.Save(ctx, events))

	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := a.Events(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "ffmpeg", got[0].Tool)
	assert.Nil(t, got[0].Details)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, base.Add(-time.Minute), got[1].Timestamp)
	assert.Equal(t, models.Error, got[1].Level)
	assert.Equal(t, "job-1", got[1].CorrelationID)
	d, ok := got[1].Duration()
	assert.True(t, ok)
	assert.Equal(t, 1200.0, d)
	assert.Equal(t, "u-7", got[1].UserID())
}

func TestSaveRejectsMissingID(t *testing.T) {
	a := openTestArchive(t, 0)
	err := a.Save(context.Background(), []models.LogEvent{{Timestamp: base, Level: models.Info, Message: "x"}})
	assert.Error(t, err)
}

func TestRetentionAndPrune(t *testing.T) {
	a := openTestArchive(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, []models.LogEvent{
		{ID: "old", Timestamp: base.Add(-2 * time.Hour), Level: models.Info, Message: "old"},
		{ID: "edge", Timestamp: base.Add(-time.Hour), Level: models.Info, Message: "edge"},
		{ID: "new", Timestamp: base, Level: models.Info, Message: "new"},
	}))

	got, err := a.Events(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "edge", got[0].ID)

	removed, err := a.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestName(t *testing.T) {
	a := openTestArchive(t, 0)
	assert.Contains(t, a.Name(), "sqlite:")
	assert.Contains(t, a.Name(), "archive.db")
}
