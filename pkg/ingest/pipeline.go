// Package ingest runs batched log packets through a bounded queue and a pool
// of workers. Each packet is applied to a Sink (the diagnostics engine) and
// the stored events are then written to an optional Archive, retrying failed
// archive writes.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryouol/agent-diagnostics/pkg/logging"
	"github.com/ryouol/agent-diagnostics/pkg/metrics"
	"github.com/ryouol/agent-diagnostics/pkg/models"
)

// Sink applies a packet's events and returns them as stored.
type Sink interface {
	IngestPacket(ctx context.Context, packet *models.LogPacket) []models.LogEvent
}

// Archive persists stored events.
type Archive interface {
	Save(ctx context.Context, events []models.LogEvent) error
}

// Config sizes the pipeline
type Config struct {
	QueueSize     int
	Workers       int
	MaxRetries    int
	RetryInterval time.Duration

	Now func() time.Time
}

// DefaultConfig returns a 1000 packet queue, 4 workers and 3 archive retries
// one second apart.
func DefaultConfig() Config {
	return Config{
		QueueSize:     1000,
		Workers:       4,
		MaxRetries:    3,
		RetryInterval: time.Second,
	}
}

// PipelineMetrics tracks pipeline counters
type PipelineMetrics struct {
	PacketsReceived  int64 `json:"packetsReceived"`
	PacketsProcessed int64 `json:"packetsProcessed"`
	PacketsDropped   int64 `json:"packetsDropped"`
	EventsIngested   int64 `json:"eventsIngested"`
	PacketsArchived  int64 `json:"packetsArchived"`
	ArchiveRetries   int64 `json:"archiveRetries"`
	ArchiveFailures  int64 `json:"archiveFailures"`
}

type queuedPacket struct {
	packet   *models.LogPacket
	stored   []models.LogEvent
	attempts int
}

// Pipeline is the asynchronous ingest path.
type Pipeline struct {
	sink    Sink
	archive Archive

	workQueue  chan *queuedPacket
	retryQueue chan *queuedPacket
	shutdownCh chan struct{}
	retryStop  chan struct{}
	stopOnce   sync.Once
	workerWg   sync.WaitGroup
	retryWg    sync.WaitGroup
	// enqueueMutex orders EnqueuePacket against shutdown so no packet lands
	// in the queue after the workers have drained it.
	enqueueMutex sync.RWMutex

	stats PipelineMetrics
	mutex sync.RWMutex

	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPipeline creates a pipeline. archive may be nil. Zero config fields fall
// back to DefaultConfig; a negative MaxRetries disables retries.
func NewPipeline(config Config, sink Sink, archive Archive, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	def := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = def.RetryInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Pipeline{
		sink:       sink,
		archive:    archive,
		workQueue:  make(chan *queuedPacket, config.QueueSize),
		retryQueue: make(chan *queuedPacket, config.QueueSize),
		shutdownCh: make(chan struct{}),
		retryStop:  make(chan struct{}),
		config:     config,
		logger:     logging.OrDefault(logger).With("component", "ingest"),
		metrics:    m,
	}
}

// Start launches the workers and the retry worker. They run until Stop.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.workerWg.Add(1)
		go p.worker(ctx)
	}

	p.retryWg.Add(1)
	go p.retryWorker(ctx)
}

// Stop rejects new packets, lets the workers finish every queued packet and
// gives pending archive retries one final attempt. Packets left in a queue
// that was never started are counted as dropped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.enqueueMutex.Lock()
		close(p.shutdownCh)
		p.enqueueMutex.Unlock()

		p.workerWg.Wait()
		close(p.retryStop)
		p.retryWg.Wait()

		p.discardQueued()
	})
}

// Run starts the pipeline, blocks until ctx is done and then drains it.
func (p *Pipeline) Run(ctx context.Context) error {
	p.Start(ctx)
	<-ctx.Done()
	p.Stop()
	return nil
}

// EnqueuePacket queues a packet without blocking. It returns false when the
// queue is full or the pipeline is stopped; the packet is then dropped.
func (p *Pipeline) EnqueuePacket(packet *models.LogPacket) bool {
	if packet == nil {
		return false
	}
	if packet.PacketID == "" {
		packet.PacketID = uuid.New().String()
	}
	if packet.ReceivedAt.IsZero() {
		packet.ReceivedAt = p.config.Now()
	}

	p.enqueueMutex.RLock()
	defer p.enqueueMutex.RUnlock()

	select {
	case <-p.shutdownCh:
		p.count(func(s *PipelineMetrics) { s.PacketsDropped++ })
		p.metrics.PacketSeen("dropped")
		return false
	default:
	}

	select {
	case p.workQueue <- &queuedPacket{packet: packet}:
		p.count(func(s *PipelineMetrics) { s.PacketsReceived++ })
		p.metrics.PacketSeen("received")
		return true
	default:
		p.count(func(s *PipelineMetrics) { s.PacketsDropped++ })
		p.metrics.PacketSeen("dropped")
		p.logger.Warn("Ingest queue full, packet dropped", "packet_id", packet.PacketID, "agent", packet.AgentID)
		return false
	}
}

// GetMetrics returns a copy of the counters.
func (p *Pipeline) GetMetrics() PipelineMetrics {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.stats
}

func (p *Pipeline) count(fn func(*PipelineMetrics)) {
	p.mutex.Lock()
	fn(&p.stats)
	p.mutex.Unlock()
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.workerWg.Done()

	for {
		select {
		case <-p.shutdownCh:
			p.drain(context.WithoutCancel(ctx))
			return
		case job := <-p.workQueue:
			p.process(ctx, job)
		}
	}
}

// drain processes whatever is still queued. No new packets arrive once the
// shutdown channel is closed.
func (p *Pipeline) drain(ctx context.Context) {
	drained := 0
	for {
		select {
		case job := <-p.workQueue:
			p.process(ctx, job)
			drained++
		default:
			if drained > 0 {
				p.logger.Info("Drained queued packets on shutdown", "packets", drained)
			}
			return
		}
	}
}

func (p *Pipeline) retryWorker(ctx context.Context) {
	defer p.retryWg.Done()

	ticker := time.NewTicker(p.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.retryStop:
			p.finalRetries(context.WithoutCancel(ctx))
			return
		case job := <-p.retryQueue:
			select {
			case <-p.retryStop:
				p.retry(context.WithoutCancel(ctx), job, false)
				p.finalRetries(context.WithoutCancel(ctx))
				return
			case <-ticker.C:
			}
			p.retry(ctx, job, true)
		}
	}
}

// finalRetries gives every pending archive write one last attempt.
func (p *Pipeline) finalRetries(ctx context.Context) {
	for {
		select {
		case job := <-p.retryQueue:
			p.retry(ctx, job, false)
		default:
			return
		}
	}
}

func (p *Pipeline) retry(ctx context.Context, job *queuedPacket, requeue bool) {
	p.count(func(s *PipelineMetrics) { s.ArchiveRetries++ })
	p.archiveStored(ctx, job, requeue)
}

// discardQueued counts packets still queued after Stop, which only happens
// when the pipeline was never started.
func (p *Pipeline) discardQueued() {
	for {
		select {
		case job := <-p.workQueue:
			p.count(func(s *PipelineMetrics) { s.PacketsDropped++ })
			p.metrics.PacketSeen("dropped")
			p.logger.Warn("Queued packet discarded, pipeline never started", "packet_id", job.packet.PacketID)
		default:
			return
		}
	}
}

func (p *Pipeline) process(ctx context.Context, job *queuedPacket) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Ingest worker panic recovered", "packet_id", job.packet.PacketID, "panic", r)
			p.count(func(s *PipelineMetrics) { s.PacketsDropped++ })
			p.metrics.PacketSeen("dropped")
		}
	}()

	job.stored = p.sink.IngestPacket(ctx, job.packet)
	p.count(func(s *PipelineMetrics) {
		s.PacketsProcessed++
		s.EventsIngested += int64(len(job.stored))
	})
	p.metrics.PacketSeen("processed")

	p.archiveStored(ctx, job, true)
}

// archiveStored writes the stored events. On failure a retry is queued until
// MaxRetries is exhausted, unless requeue is false.
func (p *Pipeline) archiveStored(ctx context.Context, job *queuedPacket, requeue bool) {
	if p.archive == nil || len(job.stored) == 0 {
		return
	}

	err := p.archive.Save(ctx, job.stored)
	if err == nil {
		p.count(func(s *PipelineMetrics) { s.PacketsArchived++ })
		p.metrics.PacketSeen("archived")
		return
	}

	if requeue && job.attempts < p.config.MaxRetries {
		job.attempts++
		select {
		case p.retryQueue <- job:
			p.logger.Warn("Archive write failed, retrying", "packet_id", job.packet.PacketID, "attempt", job.attempts, "error", err)
			return
		default:
		}
	}

	p.count(func(s *PipelineMetrics) { s.ArchiveFailures++ })
	p.metrics.PacketSeen("archive_failed")
	p.logger.Error("Archive write abandoned", "packet_id", job.packet.PacketID, "attempts", job.attempts, "error", err)
}
