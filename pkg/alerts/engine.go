// Package alerts tracks error occurrences per agent and evaluates alert rules
// against every tracked error.
package alerts

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryouol/agent-diagnostics/pkg/logging"
	"github.com/ryouol/agent-diagnostics/pkg/metrics"
	"github.com/ryouol/agent-diagnostics/pkg/models"
)

const alertKind = "alert"

// UnknownAgent is used for errors reported without an agent.
const UnknownAgent = "unknown"

// Config tunes deduplication and retention. Zero values fall back to DefaultConfig.
type Config struct {
	DedupWindow        time.Duration
	MaxRecordsPerAgent int
	// DefaultRateWindowMinutes applies to errorRateThreshold rules without timeWindowMinutes.
	DefaultRateWindowMinutes int
	MaxTriggersPerAlert      int

	// Now overrides the clock (tests).
	Now func() time.Time
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		DedupWindow:              5 * time.Minute,
		MaxRecordsPerAgent:       100,
		DefaultRateWindowMinutes: 60,
		MaxTriggersPerAlert:      50,
	}
}

// ErrorEvent is one reported error
type ErrorEvent struct {
	Message    string                 `json:"message"`
	Level      models.ErrorLevel      `json:"level"`
	Agent      string                 `json:"agent"`
	Tool       string                 `json:"tool,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	StackTrace string                 `json:"stackTrace,omitempty"`
	// Timestamp defaults to the engine clock.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Dispatcher delivers the actions of a triggered alert. It is called
// without any engine lock held and returns one error per failed channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert models.Alert, trigger models.TriggerRecord, record models.ErrorRecord) []error
}

// Engine owns the alert table, the per-agent error records and the trigger
// history. It is safe for concurrent use.
type Engine struct {
	alerts   map[string]*models.Alert
	records  map[string][]models.ErrorRecord
	triggers map[string][]models.TriggerRecord
	mutex    sync.RWMutex

	dispatcher Dispatcher
	config     Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewEngine creates an empty engine. A nil dispatcher drops every action.
func NewEngine(config Config, dispatcher Dispatcher, logger *slog.Logger, m *metrics.Metrics) *Engine {
	d := DefaultConfig()
	if config.DedupWindow <= 0 {
		config.DedupWindow = d.DedupWindow
	}
	if config.MaxRecordsPerAgent <= 0 {
		config.MaxRecordsPerAgent = d.MaxRecordsPerAgent
	}
	if config.DefaultRateWindowMinutes <= 0 {
		config.DefaultRateWindowMinutes = d.DefaultRateWindowMinutes
	}
	if config.MaxTriggersPerAlert <= 0 {
		config.MaxTriggersPerAlert = d.MaxTriggersPerAlert
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Engine{
		alerts:     make(map[string]*models.Alert),
		records:    make(map[string][]models.ErrorRecord),
		triggers:   make(map[string][]models.TriggerRecord),
		dispatcher: dispatcher,
		config:     config,
		logger:     logging.OrDefault(logger).With("component", "alerts"),
		metrics:    m,
	}
}

type pendingDispatch struct {
	alert   models.Alert
	trigger models.TriggerRecord
}

// TrackError records ev, merging it into the agent's newest record with the
// same message when that record is within the dedup window, then evaluates
// every enabled alert. Actions run synchronously after the locks are released;
// their failures are attached to the returned trigger records.
func (e *Engine) TrackError(ctx context.Context, ev ErrorEvent) (models.ErrorRecord, []models.TriggerRecord) {
	ev = e.normalize(ev)

	e.mutex.Lock()
	record, outcome := e.upsertRecord(ev)
	now := e.config.Now()
	var pending []pendingDispatch
	for _, a := range e.alerts {
		if !e.evaluable(a, now) || !e.matches(a, record) {
			continue
		}
		a.Status = models.AlertTriggered
		a.TriggerCount++
		ts := now
		a.LastTriggered = &ts
		pending = append(pending, pendingDispatch{
			alert: cloneAlert(*a),
			trigger: models.TriggerRecord{
				AlertID:     a.ID,
				AlertName:   a.Name,
				ErrorID:     record.ErrorID,
				Agent:       record.Agent,
				Message:     record.Message,
				TriggeredAt: now,
			},
		})
	}
	e.mutex.Unlock()

	e.metrics.ErrorTracked(string(record.Level), outcome)

	// Deterministic dispatch order for callers and tests.
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].alert.CreatedAt.Equal(pending[j].alert.CreatedAt) {
			return pending[i].alert.CreatedAt.Before(pending[j].alert.CreatedAt)
		}
		return pending[i].alert.ID < pending[j].alert.ID
	})

	triggers := make([]models.TriggerRecord, 0, len(pending))
	for _, p := range pending {
		e.metrics.AlertTriggered(p.alert.Name)
		e.logger.Info("Alert triggered",
			"alert_id", p.alert.ID,
			"alert", p.alert.Name,
			"agent", record.Agent,
			"error_id", record.ErrorID,
			"frequency", record.Frequency,
			"trigger_count", p.alert.TriggerCount)

		trigger := p.trigger
		if e.dispatcher != nil {
			for _, err := range e.dispatcher.Dispatch(ctx, p.alert, trigger, record) {
				trigger.DeliveryErrors = append(trigger.DeliveryErrors, err.Error())
				e.logger.Warn("Alert action delivery failed", "alert_id", p.alert.ID, "error", err)
			}
		}
		triggers = append(triggers, trigger)
	}

	if len(triggers) > 0 {
		e.mutex.Lock()
		for _, t := range triggers {
			if _, ok := e.alerts[t.AlertID]; !ok {
				continue
			}
			history := append(e.triggers[t.AlertID], t)
			if over := len(history) - e.config.MaxTriggersPerAlert; over > 0 {
				history = append(history[:0:0], history[over:]...)
			}
			e.triggers[t.AlertID] = history
		}
		e.mutex.Unlock()
	}

	return record, triggers
}

func (e *Engine) normalize(ev ErrorEvent) ErrorEvent {
	switch ev.Level {
	case models.ErrorLevelWarn, models.ErrorLevelError, models.ErrorLevelCritical:
	default:
		ev.Level = models.ErrorLevelError
	}
	if ev.Agent == "" {
		ev.Agent = UnknownAgent
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.config.Now()
	}
	return ev
}

// upsertRecord must be called with the lock held. It returns a copy of the
// resulting record and "new" or "deduplicated".
func (e *Engine) upsertRecord(ev ErrorEvent) (models.ErrorRecord, string) {
	records := e.records[ev.Agent]
	for i := len(records) - 1; i >= 0; i-- {
		r := &records[i]
		if r.Message != ev.Message {
			continue
		}
		gap := ev.Timestamp.Sub(r.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap > e.config.DedupWindow {
			break
		}
		r.Frequency++
		if ev.Timestamp.After(r.Timestamp) {
			r.Timestamp = ev.Timestamp
		}
		if levelRank(ev.Level) > levelRank(r.Level) {
			r.Level = ev.Level
		}
		return cloneRecord(*r), "deduplicated"
	}

	record := models.ErrorRecord{
		ErrorID:    uuid.New().String(),
		Message:    ev.Message,
		Level:      ev.Level,
		Agent:      ev.Agent,
		Tool:       ev.Tool,
		Context:    copyMap(ev.Context),
		StackTrace: ev.StackTrace,
		FirstSeen:  ev.Timestamp,
		Timestamp:  ev.Timestamp,
		Frequency:  1,
	}
	records = append(records, record)
	if over := len(records) - e.config.MaxRecordsPerAgent; over > 0 {
		records = append(records[:0:0], records[over:]...)
	}
	e.records[ev.Agent] = records
	return cloneRecord(record), "new"
}

// evaluable reports whether a is enabled and not snoozed at now. A snooze
// without an expiry lasts until the operator changes the status.
func (e *Engine) evaluable(a *models.Alert, now time.Time) bool {
	if !a.Enabled {
		return false
	}
	if a.Status == models.AlertSnoozed {
		if a.SnoozedUntil == nil || a.SnoozedUntil.After(now) {
			return false
		}
	}
	return true
}

// matches must be called with the lock held.
func (e *Engine) matches(a *models.Alert, r models.ErrorRecord) bool {
	c := a.Conditions
	if len(c.Level) > 0 && !containsLevel(c.Level, r.Level) {
		return false
	}
	if len(c.Agent) > 0 && !containsString(c.Agent, r.Agent) {
		return false
	}
	if c.FrequencyThreshold != nil && r.Frequency < *c.FrequencyThreshold {
		return false
	}
	if c.ErrorRateThreshold != nil {
		window := e.config.DefaultRateWindowMinutes
		if c.TimeWindowMinutes != nil {
			window = *c.TimeWindowMinutes
		}
		if e.errorRate(r.Agent, c.Level, r.Timestamp, window) < *c.ErrorRateThreshold {
			return false
		}
	}
	return true
}

// errorRate counts the agent's records inside the window ending at `at` that
// satisfy the level condition, per minute of window.
func (e *Engine) errorRate(agent string, levels []models.ErrorLevel, at time.Time, windowMinutes int) float64 {
	if windowMinutes <= 0 {
		return 0
	}
	start := at.Add(-time.Duration(windowMinutes) * time.Minute)
	count := 0
	for _, r := range e.records[agent] {
		if r.Timestamp.Before(start) || r.Timestamp.After(at) {
			continue
		}
		if len(levels) > 0 && !containsLevel(levels, r.Level) {
			continue
		}
		count++
	}
	return float64(count) / float64(windowMinutes)
}

// Errors returns copies of the tracked records of agent (every agent when
// empty), oldest first.
func (e *Engine) Errors(agent string) []models.ErrorRecord {
	e.mutex.RLock()
	out := []models.ErrorRecord{}
	for a, records := range e.records {
		if agent != "" && a != agent {
			continue
		}
		for _, r := range records {
			out = append(out, cloneRecord(r))
		}
	}
	e.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ErrorID < out[j].ErrorID
	})
	return out
}

// Triggers returns the retained trigger history of an alert, oldest first.
func (e *Engine) Triggers(id string) ([]models.TriggerRecord, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if _, ok := e.alerts[id]; !ok {
		return nil, &models.NotFoundError{Kind: alertKind, ID: id}
	}
	out := make([]models.TriggerRecord, len(e.triggers[id]))
	for i, t := range e.triggers[id] {
		t.DeliveryErrors = append([]string(nil), t.DeliveryErrors...)
		out[i] = t
	}
	return out, nil
}

func levelRank(l models.ErrorLevel) int {
	switch l {
	case models.ErrorLevelWarn:
		return 0
	case models.ErrorLevelError:
		return 1
	case models.ErrorLevelCritical:
		return 2
	default:
		return -1
	}
}

func containsLevel(levels []models.ErrorLevel, l models.ErrorLevel) bool {
	for _, v := range levels {
		if v == l {
			return true
		}
	}
	return false
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRecord(r models.ErrorRecord) models.ErrorRecord {
	r.Context = copyMap(r.Context)
	return r
}
