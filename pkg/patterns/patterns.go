// Package patterns derives statistics from a slice of log events: temporal
// distribution, error clusters, latency percentiles and anomalies.
package patterns

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/ryouol/agent-diagnostics/pkg/models"
)

// Config holds the analysis thresholds. Zero values fall back to DefaultConfig.
type Config struct {
	// SpikeWindow is the recent window compared against the whole slice.
	SpikeWindow time.Duration
	// SpikeMultiplier: recent error ratio must exceed overall ratio times this.
	SpikeMultiplier float64
	// SpikeMinRatio: recent error ratio must also exceed this absolute fraction.
	SpikeMinRatio float64
	// SilenceThreshold flags a slice whose newest event is older than this.
	SilenceThreshold time.Duration

	TopHours  int
	TopShapes int
	Slowest   int

	// Location buckets hours and days. Defaults to UTC.
	Location *time.Location
	Now      func() time.Time
}

// DefaultConfig returns the reference thresholds.
func DefaultConfig() Config {
	return Config{
		SpikeWindow:      60 * time.Minute,
		SpikeMultiplier:  2.0,
		SpikeMinRatio:    0.10,
		SilenceThreshold: 30 * time.Minute,
		TopHours:         3,
		TopShapes:        10,
		Slowest:          5,
		Location:         time.UTC,
	}
}

// HourCount is the number of events in one hour of the day
type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// Temporal is the event distribution over time
type Temporal struct {
	ByHour    map[int]int    `json:"byHour"`
	ByDay     map[string]int `json:"byDay"`
	PeakHours []HourCount    `json:"peakHours"`
}

// MessageShape is a normalized error message and its occurrences
type MessageShape struct {
	Shape   string   `json:"shape"`
	Count   int      `json:"count"`
	Example string   `json:"example"`
	Agents  []string `json:"agents"`
}

// ErrorClusters groups error-level events
type ErrorClusters struct {
	ByAgent   map[string]int `json:"byAgent"`
	ByTool    map[string]int `json:"byTool"`
	TopShapes []MessageShape `json:"topShapes"`
}

// SlowEvent is an event with its parsed duration
type SlowEvent struct {
	Event      models.LogEvent `json:"event"`
	DurationMs float64         `json:"durationMs"`
}

// Latency summarizes details.duration across the slice
type Latency struct {
	Count    int         `json:"count"`
	MeanMs   float64     `json:"meanMs"`
	MedianMs float64     `json:"medianMs"`
	P95Ms    float64     `json:"p95Ms"`
	MinMs    float64     `json:"minMs"`
	MaxMs    float64     `json:"maxMs"`
	Slowest  []SlowEvent `json:"slowest"`
}

// Anomaly is a flagged condition of the slice
type Anomaly struct {
	Type        string          `json:"type"`
	Severity    models.Severity `json:"severity"`
	Description string          `json:"description"`
	Value       float64         `json:"value"`
	Threshold   float64         `json:"threshold"`
}

// Anomaly types
const (
	AnomalyErrorSpike = "error_spike"
	AnomalySilence    = "silence"
)

// Report is the result of Analyze
type Report struct {
	TotalEvents int                     `json:"totalEvents"`
	LevelCounts map[models.LogLevel]int `json:"levelCounts"`
	ErrorCount  int                     `json:"errorCount"`
	ErrorRate   float64                 `json:"errorRate"`
	Temporal    Temporal                `json:"temporal"`
	Errors      ErrorClusters           `json:"errors"`
	Latency     *Latency                `json:"latency,omitempty"`
	Anomalies   []Anomaly               `json:"anomalies"`
	GeneratedAt time.Time               `json:"generatedAt"`
}

// Analyzer is stateless apart from its configuration.
type Analyzer struct {
	config Config
}

// NewAnalyzer creates an analyzer, filling unset thresholds from DefaultConfig.
func NewAnalyzer(config Config) *Analyzer {
	d := DefaultConfig()
	if config.SpikeWindow <= 0 {
		config.SpikeWindow = d.SpikeWindow
	}
	if config.SpikeMultiplier <= 0 {
		config.SpikeMultiplier = d.SpikeMultiplier
	}
	if config.SpikeMinRatio <= 0 {
		config.SpikeMinRatio = d.SpikeMinRatio
	}
	if config.SilenceThreshold <= 0 {
		config.SilenceThreshold = d.SilenceThreshold
	}
	if config.TopHours <= 0 {
		config.TopHours = d.TopHours
	}
	if config.TopShapes <= 0 {
		config.TopShapes = d.TopShapes
	}
	if config.Slowest <= 0 {
		config.Slowest = d.Slowest
	}
	if config.Location == nil {
		config.Location = d.Location
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Analyzer{config: config}
}

// Analyze builds a report over events. An empty slice gives a zero report
// with no anomalies.
func (a *Analyzer) Analyze(events []models.LogEvent) Report {
	now := a.config.Now()
	report := Report{
		TotalEvents: len(events),
		LevelCounts: make(map[models.LogLevel]int),
		Anomalies:   []Anomaly{},
		GeneratedAt: now,
	}

	for _, e := range events {
		report.LevelCounts[e.Level]++
	}
	report.ErrorCount = report.LevelCounts[models.Error]
	if len(events) > 0 {
		report.ErrorRate = float64(report.ErrorCount) / float64(len(events))
	}

	report.Temporal = a.temporal(events)
	report.Errors = a.clusters(events)
	report.Latency = a.latency(events)
	report.Anomalies = append(report.Anomalies, a.anomalies(events, report.ErrorRate, now)...)
	return report
}

func (a *Analyzer) temporal(events []models.LogEvent) Temporal {
	t := Temporal{ByHour: make(map[int]int), ByDay: make(map[string]int)}
	for _, e := range events {
		local := e.Timestamp.In(a.config.Location)
		t.ByHour[local.Hour()]++
		t.ByDay[local.Format("2006-01-02")]++
	}

	hours := make([]HourCount, 0, len(t.ByHour))
	for h, c := range t.ByHour {
		hours = append(hours, HourCount{Hour: h, Count: c})
	}
	sort.Slice(hours, func(i, j int) bool {
		if hours[i].Count != hours[j].Count {
			return hours[i].Count > hours[j].Count
		}
		return hours[i].Hour < hours[j].Hour
	})
	if len(hours) > a.config.TopHours {
		hours = hours[:a.config.TopHours]
	}
	t.PeakHours = hours
	return t
}

var (
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:?\d{2})?`)
	uuidPattern      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	numberPattern    = regexp.MustCompile(`\d+(\.\d+)?`)
)

// Normalize replaces timestamps, UUIDs and numeric runs with placeholders so
// near-identical messages share one shape.
func Normalize(message string) string {
	s := timestampPattern.ReplaceAllString(message, "<ts>")
	s = uuidPattern.ReplaceAllString(s, "<uuid>")
	return numberPattern.ReplaceAllString(s, "<n>")
}

func (a *Analyzer) clusters(events []models.LogEvent) ErrorClusters {
	c := ErrorClusters{ByAgent: make(map[string]int), ByTool: make(map[string]int)}

	type shapeAcc struct {
		count   int
		example string
		agents  map[string]bool
	}
	shapes := make(map[string]*shapeAcc)

	for _, e := range events {
		if e.Level != models.Error {
			continue
		}
		if e.Agent != "" {
			c.ByAgent[e.Agent]++
		}
		if e.Tool != "" {
			c.ByTool[e.Tool]++
		}
		shape := Normalize(e.Message)
		acc, ok := shapes[shape]
		if !ok {
			acc = &shapeAcc{example: e.Message, agents: make(map[string]bool)}
			shapes[shape] = acc
		}
		acc.count++
		if e.Agent != "" {
			acc.agents[e.Agent] = true
		}
	}

	top := make([]MessageShape, 0, len(shapes))
	for shape, acc := range shapes {
		agents := make([]string, 0, len(acc.agents))
		for agent := range acc.agents {
			agents = append(agents, agent)
		}
		sort.Strings(agents)
		top = append(top, MessageShape{Shape: shape, Count: acc.count, Example: acc.example, Agents: agents})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Shape < top[j].Shape
	})
	if len(top) > a.config.TopShapes {
		top = top[:a.config.TopShapes]
	}
	c.TopShapes = top
	return c
}

func (a *Analyzer) latency(events []models.LogEvent) *Latency {
	var timed []SlowEvent
	for _, e := range events {
		if d, ok := e.Duration(); ok {
			timed = append(timed, SlowEvent{Event: e, DurationMs: d})
		}
	}
	if len(timed) == 0 {
		return nil
	}

	values := make([]float64, len(timed))
	for i, t := range timed {
		values[i] = t.DurationMs
	}
	sorted := Sorted(values)

	sort.SliceStable(timed, func(i, j int) bool { return timed[i].DurationMs > timed[j].DurationMs })
	if len(timed) > a.config.Slowest {
		timed = timed[:a.config.Slowest]
	}

	return &Latency{
		Count:    len(sorted),
		MeanMs:   Mean(sorted),
		MedianMs: Median(sorted),
		P95Ms:    NearestRank(sorted, 0.95),
		MinMs:    sorted[0],
		MaxMs:    sorted[len(sorted)-1],
		Slowest:  timed,
	}
}

func (a *Analyzer) anomalies(events []models.LogEvent, overall float64, now time.Time) []Anomaly {
	if len(events) == 0 {
		return nil
	}
	var out []Anomaly

	cutoff := now.Add(-a.config.SpikeWindow)
	recent, recentErrors := 0, 0
	newest := events[0].Timestamp
	for _, e := range events {
		if e.Timestamp.After(newest) {
			newest = e.Timestamp
		}
		if e.Timestamp.Before(cutoff) {
			continue
		}
		recent++
		if e.Level == models.Error {
			recentErrors++
		}
	}

	if recent > 0 {
		ratio := float64(recentErrors) / float64(recent)
		if ratio > a.config.SpikeMultiplier*overall && ratio > a.config.SpikeMinRatio {
			out = append(out, Anomaly{
				Type:     AnomalyErrorSpike,
				Severity: models.SeverityHigh,
				Description: fmt.Sprintf("error ratio over the last %s is %.1f%% against %.1f%% overall",
					a.config.SpikeWindow, ratio*100, overall*100),
				Value:     ratio,
				Threshold: a.config.SpikeMultiplier * overall,
			})
		}
	}

	if gap := now.Sub(newest); gap > a.config.SilenceThreshold {
		out = append(out, Anomaly{
			Type:        AnomalySilence,
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("no events for %s", gap.Round(time.Second)),
			Value:       gap.Minutes(),
			Threshold:   a.config.SilenceThreshold.Minutes(),
		})
	}
	return out
}
