package patterns

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryouol/agent-diagnostics/pkg/models"
)

var now = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func newTestAnalyzer() *Analyzer {
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return now }
	return NewAnalyzer(cfg)
}

func TestNearestRank(t *testing.T) {
	seq := func(n int) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = float64(i + 1)
		}
		return out
	}

	tests := []struct {
		n    int
		want float64
	}{
		{1, 1},   // ceil(0.95)-1 = 0
		{2, 2},   // ceil(1.9)-1 = 1
		{10, 10}, // ceil(9.5)-1 = 9
		{100, 95},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d", tt.n), func(t *testing.T) {
			assert.Equal(t, tt.want, NearestRank(seq(tt.n), 0.95))
		})
	}
	assert.Equal(t, 0.0, NearestRank(nil, 0.95))
}

func TestMedianAndMean(t *testing.T) {
	assert.Equal(t, 2.0, Median([]float64{1, 2, 3}))
	assert.Equal(t, 2.5, Median([]float64{1, 2, 3, 4}))
	assert.Equal(t, 2.5, Mean([]float64{1, 2, 3, 4}))
	assert.Equal(t, 0.0, Median(nil))
}

func TestTrend(t *testing.T) {
	assert.Equal(t, TrendDegrading, Trend([]float64{100, 100, 150, 150}, 0.1, true))
	assert.Equal(t, TrendImproving, Trend([]float64{100, 100, 50, 50}, 0.1, true))
	assert.Equal(t, TrendStable, Trend([]float64{100, 100, 105, 105}, 0.1, true))
	assert.Equal(t, TrendUnknown, Trend([]float64{1}, 0.1, true))
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"upload 42 failed after 3.5s":                      "upload <n> failed after <n>s",
		"job 1b4e28ba-2fa1-11d2-883f-0016d3cca427 crashed": "job <uuid> crashed",
		"deadline 2026-03-10T12:00:00Z exceeded":           "deadline <ts> exceeded",
		"retry at 2026-03-10 12:00:00.123+01:00 for id 7":  "retry at <ts> for id <n>",
		"no numbers here":                                  "no numbers here",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestClustersGroupShapes(t *testing.T) {
	events := []models.LogEvent{
		{Timestamp: now, Level: models.Error, Message: "render 1 failed", Agent: "render", Tool: "ffmpeg"},
		{Timestamp: now, Level: models.Error, Message: "render 22 failed", Agent: "render", Tool: "ffmpeg"},
		{Timestamp: now, Level: models.Error, Message: "render 333 failed", Agent: "delivery"},
		{Timestamp: now, Level: models.Error, Message: "bucket missing", Agent: "delivery", Tool: "s3"},
		{Timestamp: now, Level: models.Warn, Message: "render 4 failed", Agent: "render"},
	}

	report := newTestAnalyzer().Analyze(events)

	assert.Equal(t, 4, report.ErrorCount)
	assert.Equal(t, map[string]int{"render": 2, "delivery": 2}, report.Errors.ByAgent)
	assert.Equal(t, map[string]int{"ffmpeg": 2, "s3": 1}, report.Errors.ByTool)
	require.Len(t, report.Errors.TopShapes, 2)
	assert.Equal(t, "render <n> failed", report.Errors.TopShapes[0].Shape)
	assert.Equal(t, 3, report.Errors.TopShapes[0].Count)
	assert.Equal(t, []string{"delivery", "render"}, report.Errors.TopShapes[0].Agents)
	assert.Equal(t, "bucket missing", report.Errors.TopShapes[1].Shape)
}

func TestTemporalPeakHours(t *testing.T) {
	var events []models.LogEvent
	add := func(hour, n int) {
		for i := 0; i < n; i++ {
			events = append(events, models.LogEvent{
				Timestamp: time.Date(2026, 3, 10, hour, i, 0, 0, time.UTC),
				Level:     models.Info,
				Message:   "tick",
			})
		}
	}
	add(9, 4)
	add(10, 2)
	add(11, 2)
	add(13, 1)
	add(8, 2)

	report := newTestAnalyzer().Analyze(events)

	assert.Equal(t, []HourCount{{Hour: 9, Count: 4}, {Hour: 8, Count: 2}, {Hour: 10, Count: 2}}, report.Temporal.PeakHours)
	assert.Equal(t, map[string]int{"2026-03-10": 11}, report.Temporal.ByDay)
}

func TestLatency(t *testing.T) {
	var events []models.LogEvent
	for i := 1; i <= 10; i++ {
		events = append(events, models.LogEvent{
			Timestamp: now,
			Level:     models.Info,
			Message:   "step",
			Details:   map[string]interface{}{"duration": float64(i * 100)},
		})
	}
	events = append(events, models.LogEvent{Timestamp: now, Level: models.Info, Message: "untimed"})

	lat := newTestAnalyzer().Analyze(events).Latency

	require.NotNil(t, lat)
	assert.Equal(t, 10, lat.Count)
	assert.Equal(t, 550.0, lat.MeanMs)
	assert.Equal(t, 550.0, lat.MedianMs)
	assert.Equal(t, 1000.0, lat.P95Ms)
	assert.Equal(t, 100.0, lat.MinMs)
	assert.Equal(t, 1000.0, lat.MaxMs)
	require.Len(t, lat.Slowest, 5)
	assert.Equal(t, 1000.0, lat.Slowest[0].DurationMs)
	assert.Equal(t, 600.0, lat.Slowest[4].DurationMs)
}

func TestNoLatencyWithoutDurations(t *testing.T) {
	report := newTestAnalyzer().Analyze([]models.LogEvent{{Timestamp: now, Level: models.Info, Message: "x"}})
	assert.Nil(t, report.Latency)
}

// 100 events for "design" spread over two hours, the 8 errors all in the
// most recent hour: 8% overall and about 15.7% recent, under twice the
// overall ratio, so no spike.
func TestEndToEndNoSpike(t *testing.T) {
	var events []models.LogEvent
	for i := 0; i < 100; i++ {
		level := models.Info
		if i >= 92 {
			level = models.Error
		}
		events = append(events, models.LogEvent{
			Timestamp: now.Add(-time.Duration(99-i) * 72 * time.Second),
			Level:     level,
			Message:   fmt.Sprintf("design step %d", i),
			Agent:     "design",
		})
	}

	report := newTestAnalyzer().Analyze(events)

	assert.Equal(t, 100, report.TotalEvents)
	assert.InDelta(t, 0.08, report.ErrorRate, 1e-9)
	for _, a := range report.Anomalies {
		assert.NotEqual(t, AnomalyErrorSpike, a.Type)
	}
}

func TestErrorSpike(t *testing.T) {
	var events []models.LogEvent
	for i := 0; i < 20; i++ {
		events = append(events, models.LogEvent{
			Timestamp: now.Add(-2*time.Hour + time.Duration(i)*time.Minute),
			Level:     models.Info,
			Message:   "ok",
		})
	}
	for i := 0; i < 5; i++ {
		events = append(events, models.LogEvent{
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
			Level:     models.Error,
			Message:   "boom",
		})
	}

	report := newTestAnalyzer().Analyze(events)

	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, AnomalyErrorSpike, report.Anomalies[0].Type)
	assert.Equal(t, models.SeverityHigh, report.Anomalies[0].Severity)
}

func TestSilence(t *testing.T) {
	events := []models.LogEvent{{Timestamp: now.Add(-45 * time.Minute), Level: models.Info, Message: "last word"}}

	report := newTestAnalyzer().Analyze(events)

	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, AnomalySilence, report.Anomalies[0].Type)
	assert.Equal(t, models.SeverityMedium, report.Anomalies[0].Severity)

	assert.Empty(t, newTestAnalyzer().Analyze(nil).Anomalies)
}

func TestThresholdsAreConfigurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return now }
	cfg.SpikeMultiplier = 1.5
	a := NewAnalyzer(cfg)

	var events []models.LogEvent
	for i := 0; i < 100; i++ {
		level := models.Info
		if i >= 92 {
			level = models.Error
		}
		events = append(events, models.LogEvent{
			Timestamp: now.Add(-time.Duration(99-i) * 72 * time.Second),
			Level:     level,
			Message:   "step",
		})
	}

	report := a.Analyze(events)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, AnomalyErrorSpike, report.Anomalies[0].Type)
}
