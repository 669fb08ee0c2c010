// Package profiling runs bounded sampling sessions against pipeline agents
// and derives bottlenecks from what they collected.
package profiling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryouol/agent-diagnostics/pkg/logging"
	"github.com/ryouol/agent-diagnostics/pkg/metrics"
	"github.com/ryouol/agent-diagnostics/pkg/models"
)

const sessionKind = "profiling session"

// Config tunes sampling and detection. Zero values fall back to DefaultConfig.
type Config struct {
	DefaultSampleInterval time.Duration
	// MaxConsecutiveFailures moves a session to the error state.
	MaxConsecutiveFailures int
	// MaxSamplesPerSeries caps each sample series; oldest readings are dropped.
	MaxSamplesPerSeries int
	// MaxFinishedSessions caps the completed and failed sessions kept for
	// queries; the oldest finished sessions are evicted first.
	MaxFinishedSessions int
	// FinishedRetention evicts finished sessions that ended longer ago.
	FinishedRetention time.Duration

	// Detection thresholds
	SlowFactor        float64
	MemoryThresholdMB float64
	LeakRatio         float64
	TimeoutRatio      float64
	HighCPUPercent    float64

	// Now overrides the clock (tests).
	Now func() time.Time
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		DefaultSampleInterval:  time.Second,
		MaxConsecutiveFailures: 3,
		MaxSamplesPerSeries:    3600,
		MaxFinishedSessions:    100,
		FinishedRetention:      24 * time.Hour,
		SlowFactor:             3,
		MemoryThresholdMB:      1024,
		LeakRatio:              1.5,
		TimeoutRatio:           0.10,
		HighCPUPercent:         85,
	}
}

type session struct {
	data     models.ProfilingSession
	cancel   context.CancelFunc
	failures int
	// stopping is set by the StopProfiling call that won the race; the
	// session stays active to readers but takes no more samples.
	stopping bool
}

func (s *session) collecting() bool {
	return s.data.Status == models.SessionActive && !s.stopping
}

// Manager owns the session table and one sampler goroutine per active session.
type Manager struct {
	sessions map[string]*session
	mutex    sync.RWMutex

	sampler Sampler
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager that samples through sampler.
func NewManager(config Config, sampler Sampler, logger *slog.Logger, m *metrics.Metrics) *Manager {
	d := DefaultConfig()
	if config.DefaultSampleInterval <= 0 {
		config.DefaultSampleInterval = d.DefaultSampleInterval
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if config.MaxSamplesPerSeries <= 0 {
		config.MaxSamplesPerSeries = d.MaxSamplesPerSeries
	}
	if config.MaxFinishedSessions <= 0 {
		config.MaxFinishedSessions = d.MaxFinishedSessions
	}
	if config.FinishedRetention <= 0 {
		config.FinishedRetention = d.FinishedRetention
	}
	if config.SlowFactor <= 0 {
		config.SlowFactor = d.SlowFactor
	}
	if config.MemoryThresholdMB <= 0 {
		config.MemoryThresholdMB = d.MemoryThresholdMB
	}
	if config.LeakRatio <= 0 {
		config.LeakRatio = d.LeakRatio
	}
	if config.TimeoutRatio <= 0 {
		config.TimeoutRatio = d.TimeoutRatio
	}
	if config.HighCPUPercent <= 0 {
		config.HighCPUPercent = d.HighCPUPercent
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if sampler == nil {
		sampler = NewRuntimeSampler()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions: make(map[string]*session),
		sampler:  sampler,
		config:   config,
		logger:   logging.OrDefault(logger).With("component", "profiling"),
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartProfiling validates cfg, registers an active session and starts its
// sampler. It returns the session id without waiting for the first tick.
func (m *Manager) StartProfiling(cfg models.ProfilingConfig) (string, error) {
	if err := models.Validate(cfg); err != nil {
		return "", err
	}
	if m.ctx.Err() != nil {
		return "", &models.InvalidStateError{Kind: "profiling", ID: "manager", State: "closed"}
	}

	interval := m.config.DefaultSampleInterval
	if cfg.SampleIntervalMs > 0 {
		interval = time.Duration(cfg.SampleIntervalMs) * time.Millisecond
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(m.ctx)
	s := &session{
		data: models.ProfilingSession{
			ID:          id,
			AgentID:     cfg.AgentID,
			StartTime:   m.config.Now(),
			Status:      models.SessionActive,
			Config:      cfg,
			Bottlenecks: []models.Bottleneck{},
		},
		cancel: cancel,
	}

	m.mutex.Lock()
	m.sessions[id] = s
	m.mutex.Unlock()

	m.metrics.SessionStarted()
	m.logger.Info("Profiling session started",
		"session_id", id,
		"agent", cfg.AgentID,
		"interval", interval,
		"duration_ms", cfg.DurationMs)

	m.wg.Add(1)
	go m.run(ctx, id, cfg, interval, time.Duration(cfg.DurationMs)*time.Millisecond)
	return id, nil
}

func (m *Manager) run(ctx context.Context, id string, cfg models.ProfilingConfig, interval, duration time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			if _, err := m.StopProfiling(id); err != nil && !models.IsInvalidState(err) && !models.IsNotFound(err) {
				m.logger.Error("Automatic stop failed", "session_id", id, "error", err)
			}
			return
		case <-ticker.C:
			m.tick(ctx, id, cfg)
		}
	}
}

type tickResult struct {
	execution *models.ExecutionTiming
	memory    *models.MemorySnapshot
	resources models.ResourceUsage
	frames    []string
}

// tick samples without the lock, then appends only if the session is still active.
func (m *Manager) tick(ctx context.Context, id string, cfg models.ProfilingConfig) {
	defer func() {
		if r := recover(); r != nil {
			m.recordFailure(id, fmt.Errorf("sampler panic: %v", r))
		}
	}()

	res, err := m.collect(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.recordFailure(id, err)
		return
	}
	now := m.config.Now()

	m.mutex.Lock()
	s, ok := m.sessions[id]
	if !ok || !s.collecting() {
		m.mutex.Unlock()
		return
	}
	s.failures = 0
	limit := m.config.MaxSamplesPerSeries
	samples := &s.data.Samples
	if res.execution != nil {
		res.execution.Timestamp = now
		res.execution.AgentID = cfg.AgentID
		samples.ExecutionTimings = capSeries(append(samples.ExecutionTimings, *res.execution), limit)
	}
	if res.memory != nil {
		res.memory.Timestamp = now
		samples.MemorySnapshots = capSeries(append(samples.MemorySnapshots, *res.memory), limit)
	}
	res.resources.Timestamp = now
	samples.ResourceUsages = capSeries(append(samples.ResourceUsages, res.resources), limit)
	if res.frames != nil {
		samples.CallStacks = capSeries(append(samples.CallStacks, models.CallStackSample{Timestamp: now, Frames: res.frames}), limit)
	}
	m.mutex.Unlock()

	if res.execution != nil {
		m.metrics.SampleCollected("execution")
	}
	if res.memory != nil {
		m.metrics.SampleCollected("memory")
	}
	m.metrics.SampleCollected("resource")
	if res.frames != nil {
		m.metrics.SampleCollected("callstack")
	}
}

func (m *Manager) collect(ctx context.Context, cfg models.ProfilingConfig) (tickResult, error) {
	var res tickResult

	exec, err := m.sampler.Execution(ctx, cfg.AgentID)
	if err != nil {
		return res, fmt.Errorf("sample execution: %w", err)
	}
	res.execution = exec

	if cfg.IncludeMemory {
		mem, err := m.sampler.Memory(ctx, cfg.AgentID)
		if err != nil {
			return res, fmt.Errorf("sample memory: %w", err)
		}
		res.memory = &mem
	}

	usage, err := m.sampler.Resources(ctx, cfg.AgentID)
	if err != nil {
		return res, fmt.Errorf("sample resources: %w", err)
	}
	if !cfg.IncludeCPU {
		usage.CPUPercent = 0
	}
	if !cfg.IncludeNetwork {
		usage.NetworkIO = models.NetworkIO{}
	}
	res.resources = usage

	if cfg.IncludeCallStack {
		frames, err := m.sampler.CallStack(ctx, cfg.AgentID)
		if err != nil {
			return res, fmt.Errorf("sample call stack: %w", err)
		}
		if frames == nil {
			frames = []string{}
		}
		res.frames = frames
	}
	return res, nil
}

func (m *Manager) recordFailure(id string, err error) {
	m.mutex.Lock()
	s, ok := m.sessions[id]
	if !ok || !s.collecting() {
		m.mutex.Unlock()
		return
	}
	s.failures++
	failures := s.failures
	failed := failures >= m.config.MaxConsecutiveFailures
	var cancel context.CancelFunc
	if failed {
		end := m.config.Now()
		s.data.Status = models.SessionError
		s.data.EndTime = &end
		s.data.Failure = err.Error()
		cancel = s.cancel
		m.evictFinishedLocked(end)
	}
	m.mutex.Unlock()

	m.logger.Warn("Profiling tick failed", "session_id", id, "failures", failures, "error", err)
	if failed {
		cancel()
		m.metrics.SessionFinished(string(models.SessionError))
		m.logger.Error("Profiling session failed", "session_id", id, "error", err)
	}
}

// StopProfiling completes an active session, runs bottleneck detection and
// returns the finished session. Status, end time and bottlenecks become
// visible together. Of two racing calls exactly one succeeds; the other gets
// an InvalidStateError.
func (m *Manager) StopProfiling(id string) (models.ProfilingSession, error) {
	m.mutex.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mutex.Unlock()
		return models.ProfilingSession{}, &models.NotFoundError{Kind: sessionKind, ID: id}
	}
	if !s.collecting() {
		state := string(s.data.Status)
		if s.stopping {
			state = "stopping"
		}
		m.mutex.Unlock()
		return models.ProfilingSession{}, &models.InvalidStateError{Kind: sessionKind, ID: id, State: state}
	}
	s.stopping = true
	end := m.config.Now()
	snapshot := s.data.Clone()
	cancel := s.cancel
	m.mutex.Unlock()

	cancel()

	snapshot.Status = models.SessionCompleted
	snapshot.EndTime = &end
	bottlenecks := detectBottlenecks(snapshot, m.config, end)

	m.mutex.Lock()
	s.data.Status = models.SessionCompleted
	s.data.EndTime = &end
	s.data.Bottlenecks = bottlenecks
	s.stopping = false
	out := s.data.Clone()
	m.evictFinishedLocked(end)
	m.mutex.Unlock()

	m.metrics.SessionFinished(string(models.SessionCompleted))
	m.logger.Info("Profiling session completed",
		"session_id", id,
		"agent", out.AgentID,
		"executions", len(out.Samples.ExecutionTimings),
		"bottlenecks", len(out.Bottlenecks))
	return out, nil
}

// evictFinishedLocked drops finished sessions older than FinishedRetention,
// then the oldest ones beyond MaxFinishedSessions. Active sessions are never
// evicted. The caller holds m.mutex.
func (m *Manager) evictFinishedLocked(now time.Time) {
	cutoff := now.Add(-m.config.FinishedRetention)
	finished := make([]*session, 0)
	for id, s := range m.sessions {
		if s.data.Status == models.SessionActive || s.data.EndTime == nil {
			continue
		}
		if s.data.EndTime.Before(cutoff) {
			delete(m.sessions, id)
			continue
		}
		finished = append(finished, s)
	}

	excess := len(finished) - m.config.MaxFinishedSessions
	if excess <= 0 {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		if !finished[i].data.EndTime.Equal(*finished[j].data.EndTime) {
			return finished[i].data.EndTime.Before(*finished[j].data.EndTime)
		}
		return finished[i].data.ID < finished[j].data.ID
	})
	for _, s := range finished[:excess] {
		delete(m.sessions, s.data.ID)
	}
	m.logger.Debug("Evicted finished profiling sessions", "count", excess)
}

// GetProfilingData returns a copy of the session, which may still be active.
func (m *Manager) GetProfilingData(id string) (models.ProfilingSession, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return models.ProfilingSession{}, &models.NotFoundError{Kind: sessionKind, ID: id}
	}
	return s.data.Clone(), nil
}

// RecordExecution appends a timing observed outside the sampler to every
// active session of timing.AgentID and returns how many sessions took it.
func (m *Manager) RecordExecution(timing models.ExecutionTiming) int {
	if timing.AgentID == "" {
		return 0
	}
	if timing.Timestamp.IsZero() {
		timing.Timestamp = m.config.Now()
	}
	if timing.Status == "" {
		timing.Status = models.ExecSuccess
	}

	m.mutex.Lock()
	fed := 0
	for _, s := range m.sessions {
		if s.data.AgentID != timing.AgentID || !s.collecting() {
			continue
		}
		s.data.Samples.ExecutionTimings = capSeries(append(s.data.Samples.ExecutionTimings, timing), m.config.MaxSamplesPerSeries)
		fed++
	}
	m.mutex.Unlock()

	for i := 0; i < fed; i++ {
		m.metrics.SampleCollected("execution")
	}
	return fed
}

// Sessions returns copies of the sessions of agentID (all agents when empty),
// ordered by start time then id.
func (m *Manager) Sessions(agentID string) []models.ProfilingSession {
	m.mutex.RLock()
	out := make([]models.ProfilingSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if agentID != "" && s.data.AgentID != agentID {
			continue
		}
		out = append(out, s.data.Clone())
	}
	m.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close cancels every sampler and waits for the goroutines to exit. Active
// sessions keep their status; no further samples are appended.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func capSeries[T any](series []T, limit int) []T {
	if limit <= 0 || len(series) <= limit {
		return series
	}
	return append(series[:0:0], series[len(series)-limit:]...)
}
