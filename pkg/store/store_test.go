package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryouol/agent-diagnostics/pkg/logging"
	"github.com/ryouol/agent-diagnostics/pkg/models"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, cfg Config) (*EventStore, *time.Time) {
	t.Helper()
	now := base
	cfg.Now = func() time.Time { return now }
	return NewEventStore(cfg, logging.Discard(), nil), &now
}

type staticSource struct {
	events []models.LogEvent
	err    error
}

func (s staticSource) Name() string { return "static" }

func (s staticSource) Events(context.Context) ([]models.LogEvent, error) {
	return s.events, s.err
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	stored := s.Append(models.LogEvent{Level: models.Info, Message: "render started", CorrelationID: "run-1"})

	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, base, stored.Timestamp)

	events, err := s.Snapshot(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, stored, events[0])
}

func TestAppendWithoutCorrelationGoesToUnkeyedPool(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	s.Append(models.LogEvent{Level: models.Warn, Message: "no trace"})

	stats := s.Stats()
	assert.Equal(t, 0, stats.Traces)
	assert.Equal(t, 1, stats.UnkeyedEvents)

	all, err := s.Snapshot(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCapDropsOldestFirst(t *testing.T) {
	s, _ := newTestStore(t, Config{MaxEventsPerTrace: 5})

	for i := 0; i < 12; i++ {
		s.Append(models.LogEvent{
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			Level:         models.Info,
			Message:       fmt.Sprintf("step %d", i),
			CorrelationID: "run-cap",
		})
		events, err := s.Snapshot(context.Background(), "run-cap")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(events), 5)
	}

	events, err := s.Snapshot(context.Background(), "run-cap")
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, fmt.Sprintf("step %d", i+7), e.Message)
	}
	assert.Equal(t, int64(7), s.Stats().Dropped)
}

func TestSnapshotUnknownTrace(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	_, err := s.Snapshot(context.Background(), "missing")
	assert.True(t, models.IsNotFound(err))
}

func TestSnapshotIsACopy(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	s.Append(models.LogEvent{Message: "a", CorrelationID: "run", Details: map[string]interface{}{"k": "v"}})

	events, err := s.Snapshot(context.Background(), "run")
	require.NoError(t, err)
	events[0].Message = "mutated"

	again, err := s.Snapshot(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].Message)
}

func TestPruneRetainsBoundary(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	maxAge := time.Hour

	s.Append(models.LogEvent{Timestamp: base.Add(-maxAge - time.Nanosecond), Message: "stale", CorrelationID: "a"})
	s.Append(models.LogEvent{Timestamp: base.Add(-maxAge), Message: "boundary", CorrelationID: "a"})
	s.Append(models.LogEvent{Timestamp: base.Add(-time.Minute), Message: "fresh", CorrelationID: "a"})
	s.Append(models.LogEvent{Timestamp: base.Add(-2 * time.Hour), Message: "old only", CorrelationID: "b"})
	s.Append(models.LogEvent{Timestamp: base.Add(-3 * time.Hour), Message: "old unkeyed"})

	removed := s.Prune(maxAge)
	assert.Equal(t, 3, removed)

	events, err := s.Snapshot(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "boundary", events[0].Message)
	for _, e := range events {
		assert.LessOrEqual(t, base.Sub(e.Timestamp), maxAge)
	}

	_, err = s.Snapshot(context.Background(), "b")
	assert.True(t, models.IsNotFound(err), "empty bucket should be deleted")
	assert.Equal(t, 0, s.Stats().UnkeyedEvents)
}

func TestPruneIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	s.Append(models.LogEvent{Timestamp: base.Add(-2 * time.Hour), Message: "old", CorrelationID: "a"})

	assert.Equal(t, 1, s.Prune(time.Hour))
	assert.Equal(t, 0, s.Prune(time.Hour))
}

func TestSnapshotMergesAndDedupsSources(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	s.Append(models.LogEvent{Timestamp: base, Message: "shared", CorrelationID: "run"})
	s.Append(models.LogEvent{Timestamp: base.Add(-time.Minute), Message: "earlier", CorrelationID: "other"})

	s.AddSource(staticSource{events: []models.LogEvent{
		{Timestamp: base, Message: "shared"},
		{Timestamp: base.Add(time.Minute), Message: "from file"},
		{Timestamp: base.Add(time.Minute), Message: "from file"},
	}})
	s.AddSource(staticSource{err: errors.New("disk gone")})

	all, err := s.Snapshot(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "earlier", all[0].Message)
	assert.Equal(t, "shared", all[1].Message)
	assert.Equal(t, "from file", all[2].Message)
}

func TestTracesListing(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	s.Append(models.LogEvent{Timestamp: base, Message: "1", CorrelationID: "zeta"})
	s.Append(models.LogEvent{Timestamp: base, Message: "2", CorrelationID: "alpha"})
	s.Append(models.LogEvent{Timestamp: base.Add(time.Second), Message: "3", CorrelationID: "alpha"})

	traces := s.Traces()
	require.Len(t, traces, 2)
	assert.Equal(t, "alpha", traces[0].CorrelationID)
	assert.Equal(t, 2, traces[0].Events)
	assert.Equal(t, base.Add(time.Second), traces[0].LastSeen)
}

func TestConcurrentAppendSnapshotPrune(t *testing.T) {
	s := NewEventStore(Config{MaxEventsPerTrace: 50}, logging.Discard(), nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Append(models.LogEvent{Message: "tick", CorrelationID: fmt.Sprintf("run-%d", w%3)})
				if i%20 == 0 {
					_, _ = s.Snapshot(context.Background(), "")
					s.Prune(time.Hour)
				}
			}
		}(w)
	}
	wg.Wait()

	for _, tr := range s.Traces() {
		assert.LessOrEqual(t, tr.Events, 50)
	}
}

func TestStartPruningStopsOnCancel(t *testing.T) {
	s := NewEventStore(Config{PruneInterval: 5 * time.Millisecond, Retention: time.Millisecond}, logging.Discard(), nil)
	s.Append(models.LogEvent{Timestamp: time.Now().Add(-time.Hour), Message: "old", CorrelationID: "r"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.StartPruning(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return s.Stats().KeyedEvents == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pruning loop did not stop")
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.log")
	content := `{"timestamp":"2026-03-10T12:00:00Z","level":"WARNING","message":"disk slow","agent":"delivery"}
not json
{"timestamp":"2026-03-10T12:01:00Z","level":"error","message":"upload failed","details":{"duration":1200}}
{"timestamp":"2026-03-10T12:02:00Z","level":"info"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	events, err := NewFileSource(path).Events(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.Warn, events[0].Level)
	assert.Equal(t, "delivery", events[0].Agent)
	d, ok := events[1].Duration()
	assert.True(t, ok)
	assert.Equal(t, 1200.0, d)

	missing, err := NewFileSource(filepath.Join(dir, "nope.log")).Events(context.Background())
	require.NoError(t, err)
	assert.Empty(t, missing)
}
