package profiling

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ryouol/agent-diagnostics/pkg/models"
	"github.com/ryouol/agent-diagnostics/pkg/patterns"
)

// detectBottlenecks runs every detector over a finished session.
func detectBottlenecks(s models.ProfilingSession, cfg Config, now time.Time) []models.Bottleneck {
	out := []models.Bottleneck{}
	for _, detect := range []func(models.ProfilingSession, Config) *models.Bottleneck{
		detectSlowExecutions,
		detectMemoryPressure,
		detectTimeouts,
		detectHighCPU,
	} {
		b := detect(s, cfg)
		if b == nil {
			continue
		}
		b.ID = uuid.New().String()
		b.SessionID = s.ID
		b.AgentID = s.AgentID
		b.DetectedAt = now
		b.ImpactScore = clampScore(b.ImpactScore)
		out = append(out, *b)
	}
	return out
}

// detectSlowExecutions flags any timing longer than SlowFactor times the session mean.
func detectSlowExecutions(s models.ProfilingSession, cfg Config) *models.Bottleneck {
	timings := s.Samples.ExecutionTimings
	if len(timings) == 0 {
		return nil
	}
	durations := make([]float64, len(timings))
	for i, t := range timings {
		durations[i] = t.DurationMs
	}
	mean := patterns.Mean(durations)
	if mean <= 0 {
		return nil
	}

	limit := cfg.SlowFactor * mean
	var slowest float64
	ops := make(map[string]bool)
	slow := 0
	for _, t := range timings {
		if t.DurationMs > limit {
			slow++
			ops[t.Operation] = true
			if t.DurationMs > slowest {
				slowest = t.DurationMs
			}
		}
	}
	if slow == 0 {
		return nil
	}

	return &models.Bottleneck{
		Type:     models.BottleneckCPU,
		Severity: models.SeverityHigh,
		Description: fmt.Sprintf("%d of %d executions exceeded %.0fx the mean duration of %.1fms (slowest %.1fms)",
			slow, len(timings), cfg.SlowFactor, mean, slowest),
		AffectedOperations: sortedKeys(ops),
		ImpactScore:        slowest / mean / (cfg.SlowFactor * 2) * 100,
		Recommendations: []string{
			"Profile the affected operations for CPU-bound hot paths",
			"Cache or memoize repeated computations in the slow operations",
			"Move long-running work off the request path",
		},
	}
}

// detectMemoryPressure flags a heap peak over the absolute threshold or a
// second-half average heap more than LeakRatio times the first half.
func detectMemoryPressure(s models.ProfilingSession, cfg Config) *models.Bottleneck {
	snaps := s.Samples.MemorySnapshots
	if len(snaps) == 0 {
		return nil
	}

	heap := make([]float64, len(snaps))
	peak := 0.0
	for i, m := range snaps {
		heap[i] = m.HeapUsedMB
		if m.HeapUsedMB > peak {
			peak = m.HeapUsedMB
		}
	}

	overPeak := peak > cfg.MemoryThresholdMB
	var growth float64
	leaking := false
	if len(heap) >= 2 {
		mid := len(heap) / 2
		first, second := patterns.Mean(heap[:mid]), patterns.Mean(heap[mid:])
		if first > 0 {
			growth = second / first
			leaking = growth > cfg.LeakRatio
		}
	}
	if !overPeak && !leaking {
		return nil
	}

	b := &models.Bottleneck{
		Type:               models.BottleneckMemory,
		Severity:           models.SeverityMedium,
		AffectedOperations: operations(s.Samples.ExecutionTimings),
	}
	switch {
	case overPeak && leaking:
		b.Description = fmt.Sprintf("peak heap %.0fMB exceeds %.0fMB and heap grew %.2fx over the session", peak, cfg.MemoryThresholdMB, growth)
	case overPeak:
		b.Description = fmt.Sprintf("peak heap %.0fMB exceeds %.0fMB", peak, cfg.MemoryThresholdMB)
	default:
		b.Description = fmt.Sprintf("heap grew %.2fx between the first and second half of the session", growth)
	}
	b.ImpactScore = math.Max(peak/cfg.MemoryThresholdMB*50, (growth-1)*100)
	if leaking {
		b.Recommendations = append(b.Recommendations,
			"Check for caches or buffers that grow without bound",
			"Take heap profiles at the start and end of a run and diff them")
	}
	if overPeak {
		b.Recommendations = append(b.Recommendations,
			"Stream large payloads instead of loading them into memory",
			"Lower batch sizes for memory-heavy stages")
	}
	return b
}

// detectTimeouts flags sessions where at least TimeoutRatio of executions timed out.
func detectTimeouts(s models.ProfilingSession, cfg Config) *models.Bottleneck {
	timings := s.Samples.ExecutionTimings
	if len(timings) == 0 {
		return nil
	}
	ops := make(map[string]bool)
	timeouts := 0
	for _, t := range timings {
		if t.Status == models.ExecTimeout {
			timeouts++
			ops[t.Operation] = true
		}
	}
	ratio := float64(timeouts) / float64(len(timings))
	if timeouts == 0 || ratio < cfg.TimeoutRatio {
		return nil
	}
	return &models.Bottleneck{
		Type:               models.BottleneckExternalAPI,
		Severity:           models.SeverityMedium,
		Description:        fmt.Sprintf("%d of %d executions timed out (%.0f%%)", timeouts, len(timings), ratio*100),
		AffectedOperations: sortedKeys(ops),
		ImpactScore:        ratio * 200,
		Recommendations: []string{
			"Add retries with backoff around the external calls",
			"Review upstream timeouts and circuit breaking",
		},
	}
}

// detectHighCPU flags a mean CPU reading above HighCPUPercent.
func detectHighCPU(s models.ProfilingSession, cfg Config) *models.Bottleneck {
	usages := s.Samples.ResourceUsages
	if len(usages) == 0 || !s.Config.IncludeCPU {
		return nil
	}
	cpu := make([]float64, len(usages))
	for i, u := range usages {
		cpu[i] = u.CPUPercent
	}
	mean := patterns.Mean(cpu)
	if mean <= cfg.HighCPUPercent {
		return nil
	}
	return &models.Bottleneck{
		Type:               models.BottleneckCPU,
		Severity:           models.SeverityMedium,
		Description:        fmt.Sprintf("average CPU %.1f%% exceeds %.0f%%", mean, cfg.HighCPUPercent),
		AffectedOperations: operations(s.Samples.ExecutionTimings),
		ImpactScore:        mean,
		Recommendations: []string{
			"Scale the agent horizontally or raise its CPU allocation",
		},
	}
}

func operations(timings []models.ExecutionTiming) []string {
	ops := make(map[string]bool)
	for _, t := range timings {
		if t.Operation != "" {
			ops[t.Operation] = true
		}
	}
	return sortedKeys(ops)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return math.Round(v*10) / 10
}

// sortBottlenecks orders by severity desc, impact desc, id.
func sortBottlenecks(bs []models.Bottleneck) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Severity.Rank() != bs[j].Severity.Rank() {
			return bs[i].Severity.Rank() > bs[j].Severity.Rank()
		}
		if bs[i].ImpactScore != bs[j].ImpactScore {
			return bs[i].ImpactScore > bs[j].ImpactScore
		}
		return bs[i].ID < bs[j].ID
	})
}
