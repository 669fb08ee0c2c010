package profiling

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ryouol/agent-diagnostics/pkg/models"
	"github.com/ryouol/agent-diagnostics/pkg/patterns"
)

// MaxMonitorDuration bounds MonitorResources.
const MaxMonitorDuration = 5 * time.Minute

const trendBand = 0.10

// TimeRange selects sessions by start time. Zero bounds are open.
type TimeRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

func (r TimeRange) contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// PerformanceMetrics aggregates the samples of the selected sessions
type PerformanceMetrics struct {
	AvgResponseTimeMs   float64 `json:"avgResponseTimeMs"`
	P95ResponseTimeMs   float64 `json:"p95ResponseTimeMs"`
	ErrorRate           float64 `json:"errorRate"`
	ThroughputPerSecond float64 `json:"throughputPerSecond"`
	AvgCPUPercent       float64 `json:"avgCpuPercent"`
	AvgMemoryPercent    float64 `json:"avgMemoryPercent"`
	PeakHeapMB          float64 `json:"peakHeapMb"`
}

// PerformanceTrends label each series improving, degrading, stable or unknown
type PerformanceTrends struct {
	ResponseTime string `json:"responseTime"`
	CPU          string `json:"cpu"`
	Memory       string `json:"memory"`
}

// PerformanceReport is the result of AnalyzePerformance
type PerformanceReport struct {
	AgentID         string              `json:"agentId,omitempty"`
	SessionCount    int                 `json:"sessionCount"`
	OverallScore    float64             `json:"overallScore"`
	Metrics         PerformanceMetrics  `json:"metrics"`
	Trends          PerformanceTrends   `json:"trends"`
	Recommendations []string            `json:"recommendations"`
	Bottlenecks     []models.Bottleneck `json:"bottlenecks"`
	GeneratedAt     time.Time           `json:"generatedAt"`
}

// AnalyzePerformance scores the sessions of agentID (every agent when empty)
// started inside tr. With no matching sessions the score is 0 and every trend
// is unknown.
func (m *Manager) AnalyzePerformance(agentID string, tr TimeRange) PerformanceReport {
	now := m.config.Now()
	report := PerformanceReport{
		AgentID:         agentID,
		Recommendations: []string{},
		Bottlenecks:     []models.Bottleneck{},
		Trends:          PerformanceTrends{ResponseTime: patterns.TrendUnknown, CPU: patterns.TrendUnknown, Memory: patterns.TrendUnknown},
		GeneratedAt:     now,
	}

	var sessions []models.ProfilingSession
	for _, s := range m.Sessions(agentID) {
		if tr.contains(s.StartTime) {
			sessions = append(sessions, s)
		}
	}
	report.SessionCount = len(sessions)
	if len(sessions) == 0 {
		report.Recommendations = append(report.Recommendations, "No profiling data in range; start a profiling session for this agent")
		return report
	}

	var (
		timings  []models.ExecutionTiming
		usages   []models.ResourceUsage
		memory   []models.MemorySnapshot
		elapsed  float64
		failures int
	)
	for _, s := range sessions {
		timings = append(timings, s.Samples.ExecutionTimings...)
		usages = append(usages, s.Samples.ResourceUsages...)
		memory = append(memory, s.Samples.MemorySnapshots...)
		end := now
		if s.EndTime != nil {
			end = *s.EndTime
		}
		elapsed += end.Sub(s.StartTime).Seconds()
		report.Bottlenecks = append(report.Bottlenecks, s.Bottlenecks...)
	}
	sort.SliceStable(timings, func(i, j int) bool { return timings[i].Timestamp.Before(timings[j].Timestamp) })
	sort.SliceStable(usages, func(i, j int) bool { return usages[i].Timestamp.Before(usages[j].Timestamp) })
	sort.SliceStable(memory, func(i, j int) bool { return memory[i].Timestamp.Before(memory[j].Timestamp) })
	sortBottlenecks(report.Bottlenecks)

	durations := make([]float64, len(timings))
	for i, t := range timings {
		durations[i] = t.DurationMs
		if t.Status != models.ExecSuccess {
			failures++
		}
	}
	cpu := make([]float64, len(usages))
	mem := make([]float64, len(usages))
	for i, u := range usages {
		cpu[i] = u.CPUPercent
		mem[i] = u.MemoryPercent
	}
	heap := make([]float64, len(memory))
	for i, s := range memory {
		heap[i] = s.HeapUsedMB
		report.Metrics.PeakHeapMB = math.Max(report.Metrics.PeakHeapMB, s.HeapUsedMB)
	}

	report.Metrics.AvgResponseTimeMs = patterns.Mean(durations)
	report.Metrics.P95ResponseTimeMs = patterns.NearestRank(patterns.Sorted(durations), 0.95)
	if len(timings) > 0 {
		report.Metrics.ErrorRate = float64(failures) / float64(len(timings))
	}
	if elapsed > 0 {
		report.Metrics.ThroughputPerSecond = float64(len(timings)) / elapsed
	}
	report.Metrics.AvgCPUPercent = patterns.Mean(cpu)
	report.Metrics.AvgMemoryPercent = patterns.Mean(mem)

	report.Trends = PerformanceTrends{
		ResponseTime: patterns.Trend(durations, trendBand, true),
		CPU:          patterns.Trend(cpu, trendBand, true),
		Memory:       patterns.Trend(heap, trendBand, true),
	}

	report.OverallScore = score(report.Metrics, report.Bottlenecks)
	report.Recommendations = recommend(report)
	return report
}

// score starts at 100 and subtracts capped penalties for latency, errors,
// CPU, memory and bottlenecks.
func score(pm PerformanceMetrics, bottlenecks []models.Bottleneck) float64 {
	s := 100.0
	if pm.P95ResponseTimeMs > 1000 {
		s -= math.Min(30, (pm.P95ResponseTimeMs-1000)/100)
	}
	s -= math.Min(30, pm.ErrorRate*100)
	if pm.AvgCPUPercent > 70 {
		s -= math.Min(20, pm.AvgCPUPercent-70)
	}
	if pm.AvgMemoryPercent > 80 {
		s -= math.Min(10, pm.AvgMemoryPercent-80)
	}
	penalty := 0.0
	for _, b := range bottlenecks {
		switch b.Severity {
		case models.SeverityCritical:
			penalty += 10
		case models.SeverityHigh:
			penalty += 7
		case models.SeverityMedium:
			penalty += 4
		default:
			penalty++
		}
	}
	s -= math.Min(30, penalty)
	return clampScore(s)
}

func recommend(r PerformanceReport) []string {
	seen := make(map[string]bool)
	out := []string{}
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	if r.Metrics.P95ResponseTimeMs > 1000 {
		add(fmt.Sprintf("P95 response time is %.0fms; investigate the slowest operations", r.Metrics.P95ResponseTimeMs))
	}
	if r.Metrics.ErrorRate > 0.05 {
		add(fmt.Sprintf("%.1f%% of executions failed; review error handling and upstream dependencies", r.Metrics.ErrorRate*100))
	}
	if r.Trends.ResponseTime == patterns.TrendDegrading {
		add("Response time is degrading across the analyzed window")
	}
	if r.Trends.Memory == patterns.TrendDegrading {
		add("Heap usage is growing; check for leaks")
	}
	for _, b := range r.Bottlenecks {
		for _, rec := range b.Recommendations {
			add(rec)
		}
	}
	return out
}

// DetectBottlenecks lists the bottlenecks of finished sessions at or above
// minSeverity (empty means low), sorted by severity, impact, then id.
func (m *Manager) DetectBottlenecks(agentID string, minSeverity models.Severity) ([]models.Bottleneck, error) {
	if minSeverity == "" {
		minSeverity = models.SeverityLow
	}
	if minSeverity.Rank() < 0 {
		return nil, &models.InvalidArgumentError{Field: "minSeverity", Reason: "must be one of: low medium high critical"}
	}

	out := []models.Bottleneck{}
	for _, s := range m.Sessions(agentID) {
		for _, b := range s.Bottlenecks {
			if b.Severity.Rank() >= minSeverity.Rank() {
				out = append(out, b)
			}
		}
	}
	sortBottlenecks(out)
	return out, nil
}

// MonitorConfig configures MonitorResources
type MonitorConfig struct {
	AgentID        string `json:"agentId" validate:"required"`
	DurationMs     int64  `json:"durationMs" validate:"gt=0,lte=300000"`
	IntervalMs     int64  `json:"intervalMs,omitempty" validate:"gte=0"`
	IncludeCPU     bool   `json:"includeCpu"`
	IncludeNetwork bool   `json:"includeNetwork"`
}

// ResourceSummary is the average and peak of a monitored series
type ResourceSummary struct {
	AvgCPUPercent      float64 `json:"avgCpuPercent"`
	PeakCPUPercent     float64 `json:"peakCpuPercent"`
	AvgMemoryPercent   float64 `json:"avgMemoryPercent"`
	PeakMemoryPercent  float64 `json:"peakMemoryPercent"`
	TotalBytesSent     int64   `json:"totalBytesSent"`
	TotalBytesReceived int64   `json:"totalBytesReceived"`
	TotalRequests      int64   `json:"totalRequests"`
}

// ResourceReport is the result of MonitorResources
type ResourceReport struct {
	AgentID   string                 `json:"agentId"`
	StartedAt time.Time              `json:"startedAt"`
	EndedAt   time.Time              `json:"endedAt"`
	Samples   []models.ResourceUsage `json:"samples"`
	Summary   ResourceSummary        `json:"summary"`
}

// MonitorResources samples resources every IntervalMs until DurationMs has
// elapsed, then returns the series. It blocks; cancelling ctx returns the
// samples gathered so far together with the context error.
func (m *Manager) MonitorResources(ctx context.Context, cfg MonitorConfig) (ResourceReport, error) {
	if err := models.Validate(cfg); err != nil {
		return ResourceReport{}, err
	}

	duration := time.Duration(cfg.DurationMs) * time.Millisecond
	interval := m.config.DefaultSampleInterval
	if cfg.IntervalMs > 0 {
		interval = time.Duration(cfg.IntervalMs) * time.Millisecond
	}
	if interval > duration {
		interval = duration
	}

	report := ResourceReport{AgentID: cfg.AgentID, StartedAt: m.config.Now(), Samples: []models.ResourceUsage{}}
	sample := func() {
		usage, err := m.sampler.Resources(ctx, cfg.AgentID)
		if err != nil {
			m.logger.Warn("Resource sample failed", "agent", cfg.AgentID, "error", err)
			return
		}
		usage.Timestamp = m.config.Now()
		if !cfg.IncludeCPU {
			usage.CPUPercent = 0
		}
		if !cfg.IncludeNetwork {
			usage.NetworkIO = models.NetworkIO{}
		}
		report.Samples = append(report.Samples, usage)
		m.metrics.SampleCollected("resource")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	timer := time.NewTimer(duration)
	defer timer.Stop()

	sample()
	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case <-timer.C:
			break loop
		case <-ticker.C:
			sample()
		}
	}

	report.EndedAt = m.config.Now()
	report.Summary = summarize(report.Samples)
	return report, err
}

func summarize(samples []models.ResourceUsage) ResourceSummary {
	var s ResourceSummary
	if len(samples) == 0 {
		return s
	}
	var cpu, mem float64
	for _, u := range samples {
		cpu += u.CPUPercent
		mem += u.MemoryPercent
		s.PeakCPUPercent = math.Max(s.PeakCPUPercent, u.CPUPercent)
		s.PeakMemoryPercent = math.Max(s.PeakMemoryPercent, u.MemoryPercent)
		s.TotalBytesSent += u.NetworkIO.BytesSent
		s.TotalBytesReceived += u.NetworkIO.BytesReceived
		s.TotalRequests += u.NetworkIO.RequestCount
	}
	s.AvgCPUPercent = cpu / float64(len(samples))
	s.AvgMemoryPercent = mem / float64(len(samples))
	return s
}
