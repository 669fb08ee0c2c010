package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryouol/agent-diagnostics/pkg/logging"
	"github.com/ryouol/agent-diagnostics/pkg/models"
)

// mockSink records every packet it is handed.
type mockSink struct {
	mutex   sync.Mutex
	packets []*models.LogPacket
	block   chan struct{}
}

func (m *mockSink) IngestPacket(_ context.Context, p *models.LogPacket) []models.LogEvent {
	if m.block != nil {
		<-m.block
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.packets = append(m.packets, p)
	out := make([]models.LogEvent, len(p.Events))
	for i, e := range p.Events {
		e.ID = p.PacketID + "-" + string(rune('a'+i))
		out[i] = e
	}
	return out
}

func (m *mockSink) count() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.packets)
}

// flakyArchive fails the first failures calls.
type flakyArchive struct {
	failures int32
	calls    int32
	saved    int32
}

func (a *flakyArchive) Save(_ context.Context, events []models.LogEvent) error {
	n := atomic.AddInt32(&a.calls, 1)
	if n <= atomic.LoadInt32(&a.failures) {
		return errors.New("disk full")
	}
	atomic.AddInt32(&a.saved, int32(len(events)))
	return nil
}

func testPacket(id string, n int) *models.LogPacket {
	p := &models.LogPacket{PacketID: id, AgentID: "render"}
	for i := 0; i < n; i++ {
		p.Events = append(p.Events, models.LogEvent{Level: models.Info, Message: "frame encoded"})
	}
	return p
}

func TestEnqueueAndProcess(t *testing.T) {
	sink := &mockSink{}
	archive := &flakyArchive{}
	p := NewPipeline(Config{Workers: 2}, sink, archive, logging.Discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	for _, id := range []string{"p1", "p2", "p3"} {
		require.True(t, p.EnqueuePacket(testPacket(id, 2)))
	}

	require.Eventually(t, func() bool {
		return p.GetMetrics().PacketsArchived == 3
	}, 2*time.Second, 5*time.Millisecond)

	m := p.GetMetrics()
	assert.Equal(t, int64(3), m.PacketsReceived)
	assert.Equal(t, int64(3), m.PacketsProcessed)
	assert.Equal(t, int64(6), m.EventsIngested)
	assert.Equal(t, int64(0), m.PacketsDropped)
	assert.Equal(t, int32(6), atomic.LoadInt32(&archive.saved))
	assert.Equal(t, 3, sink.count())
}

func TestEnqueueAssignsPacketIDAndReceivedAt(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	p := NewPipeline(Config{Now: func() time.Time { return now }}, &mockSink{}, nil, logging.Discard(), nil)

	packet := testPacket("", 1)
	require.True(t, p.EnqueuePacket(packet))
	assert.NotEmpty(t, packet.PacketID)
	assert.Equal(t, now, packet.ReceivedAt)
	assert.False(t, p.EnqueuePacket(nil))
}

func TestQueueFullDrops(t *testing.T) {
	sink := &mockSink{}
	p := NewPipeline(Config{QueueSize: 2, Workers: 1}, sink, nil, logging.Discard(), nil)

	// Not started: nothing drains the queue.
	assert.True(t, p.EnqueuePacket(testPacket("p1", 1)))
	assert.True(t, p.EnqueuePacket(testPacket("p2", 1)))
	assert.False(t, p.EnqueuePacket(testPacket("p3", 1)))

	m := p.GetMetrics()
	assert.Equal(t, int64(2), m.PacketsReceived)
	assert.Equal(t, int64(1), m.PacketsDropped)
}

func TestArchiveRetrySucceeds(t *testing.T) {
	archive := &flakyArchive{failures: 2}
	p := NewPipeline(Config{Workers: 1, MaxRetries: 3, RetryInterval: 5 * time.Millisecond}, &mockSink{}, archive, logging.Discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	require.True(t, p.EnqueuePacket(testPacket("p1", 3)))
	require.Eventually(t, func() bool {
		return p.GetMetrics().PacketsArchived == 1
	}, 2*time.Second, 5*time.Millisecond)

	m := p.GetMetrics()
	assert.Equal(t, int64(2), m.ArchiveRetries)
	assert.Equal(t, int64(0), m.ArchiveFailures)
	assert.Equal(t, int32(3), atomic.LoadInt32(&archive.calls))
}

func TestArchiveRetriesExhausted(t *testing.T) {
	archive := &flakyArchive{failures: 100}
	sink := &mockSink{}
	p := NewPipeline(Config{Workers: 1, MaxRetries: 2, RetryInterval: 5 * time.Millisecond}, sink, archive, logging.Discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	require.True(t, p.EnqueuePacket(testPacket("p1", 1)))
	require.Eventually(t, func() bool {
		return p.GetMetrics().ArchiveFailures == 1
	}, 2*time.Second, 5*time.Millisecond)

	m := p.GetMetrics()
	assert.Equal(t, int64(2), m.ArchiveRetries)
	assert.Equal(t, int32(3), atomic.LoadInt32(&archive.calls))
	// The sink saw the packet exactly once; only the archive write is retried.
	assert.Equal(t, 1, sink.count())
}

func TestStopRejectsNewPackets(t *testing.T) {
	p := NewPipeline(Config{}, &mockSink{}, nil, logging.Discard(), nil)
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	assert.False(t, p.EnqueuePacket(testPacket("late", 1)))
	assert.Equal(t, int64(1), p.GetMetrics().PacketsDropped)
}

func TestRunStopsOnCancel(t *testing.T) {
	sink := &mockSink{}
	p := NewPipeline(Config{}, sink, nil, logging.Discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		p.EnqueuePacket(testPacket("p", 1))
		return sink.count() > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdownDrainsAcceptedPackets(t *testing.T) {
	sink := &mockSink{}
	archive := &flakyArchive{}
	p := NewPipeline(Config{QueueSize: 100, Workers: 3}, sink, archive, logging.Discard(), nil)

	for i := 0; i < 50; i++ {
		require.True(t, p.EnqueuePacket(testPacket("", 2)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	m := p.GetMetrics()
	assert.Equal(t, int64(50), m.PacketsReceived)
	assert.Equal(t, int64(50), m.PacketsProcessed)
	assert.Equal(t, int64(50), m.PacketsArchived)
	assert.Equal(t, int64(0), m.PacketsDropped)
	assert.Equal(t, 50, sink.count())
	assert.Equal(t, int32(100), atomic.LoadInt32(&archive.saved))
}

func TestShutdownGivesPendingRetriesAFinalAttempt(t *testing.T) {
	archive := &flakyArchive{failures: 1}
	p := NewPipeline(Config{Workers: 1, MaxRetries: 3, RetryInterval: time.Hour}, &mockSink{}, archive, logging.Discard(), nil)
	p.Start(context.Background())

	require.True(t, p.EnqueuePacket(testPacket("p1", 1)))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&archive.calls) == 1
	}, 2*time.Second, 5*time.Millisecond)

	p.Stop()

	m := p.GetMetrics()
	assert.Equal(t, int64(1), m.PacketsArchived)
	assert.Equal(t, int64(1), m.ArchiveRetries)
	assert.Equal(t, int64(0), m.ArchiveFailures)
}

func TestStopWithoutStartCountsQueuedAsDropped(t *testing.T) {
	p := NewPipeline(Config{}, &mockSink{}, nil, logging.Discard(), nil)
	require.True(t, p.EnqueuePacket(testPacket("p1", 1)))
	require.True(t, p.EnqueuePacket(testPacket("p2", 1)))

	p.Stop()

	m := p.GetMetrics()
	assert.Equal(t, int64(2), m.PacketsReceived)
	assert.Equal(t, int64(2), m.PacketsDropped)
	assert.Equal(t, int64(0), m.PacketsProcessed)
}
