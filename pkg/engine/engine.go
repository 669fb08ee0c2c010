// Package engine wires the event store, query engine, pattern analyzer,
// profiler, alert engine and debug sessions into one diagnostics service.
// The API layer and the ingest pipeline talk only to *Engine.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ryouol/agent-diagnostics/pkg/alerts"
	"github.com/ryouol/agent-diagnostics/pkg/debug"
	"github.com/ryouol/agent-diagnostics/pkg/logging"
	"github.com/ryouol/agent-diagnostics/pkg/metrics"
	"github.com/ryouol/agent-diagnostics/pkg/models"
	"github.com/ryouol/agent-diagnostics/pkg/patterns"
	"github.com/ryouol/agent-diagnostics/pkg/profiling"
	"github.com/ryouol/agent-diagnostics/pkg/store"
)

// Config carries each component's settings. Zero values use the component defaults.
type Config struct {
	Store       store.Config
	Patterns    patterns.Config
	Profiling   profiling.Config
	Alerts      alerts.Config
	Notifier    alerts.NotifierConfig
	DebugMaxLog int

	// Now overrides every component's clock (tests).
	Now func() time.Time
}

// Archive persists stored events beyond the in-memory retention.
type Archive interface {
	Save(ctx context.Context, events []models.LogEvent) error
}

// Deps are the pluggable collaborators. All fields are optional.
type Deps struct {
	// Sampler defaults to profiling.NewRuntimeSampler().
	Sampler profiling.Sampler
	// Dispatcher defaults to an alerts.Notifier using Mailer.
	Dispatcher alerts.Dispatcher
	Mailer     alerts.Mailer
	// Archive receives every event appended through AppendLog and TrackError.
	Archive Archive
	Logger  *slog.Logger
	Metrics    *metrics.Metrics
}

// Engine is the diagnostics facade. It is safe for concurrent use.
type Engine struct {
	store    *store.EventStore
	patterns *patterns.Analyzer
	profiler *profiling.Manager
	alerts   *alerts.Engine
	debug    *debug.Manager
	archive  Archive

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New builds an engine and its components.
func New(config Config, deps Deps) *Engine {
	logger := logging.OrDefault(deps.Logger)
	if config.Now != nil {
		config.Store.Now = config.Now
		config.Patterns.Now = config.Now
		config.Profiling.Now = config.Now
		config.Alerts.Now = config.Now
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = alerts.NewNotifier(config.Notifier, deps.Mailer, logger, deps.Metrics)
	}

	return &Engine{
		store:    store.NewEventStore(config.Store, logger.With("component", "store"), deps.Metrics),
		patterns: patterns.NewAnalyzer(config.Patterns),
		profiler: profiling.NewManager(config.Profiling, deps.Sampler, logger, deps.Metrics),
		alerts:   alerts.NewEngine(config.Alerts, dispatcher, logger, deps.Metrics),
		debug:    debug.NewManager(config.DebugMaxLog, config.Now, logger),
		archive:  deps.Archive,
		logger:   logger.With("component", "engine"),
		metrics:  deps.Metrics,
	}
}

// Store exposes the event store for source registration and stats.
func (e *Engine) Store() *store.EventStore {
	return e.store
}

// Alerts exposes the alert engine for rule synchronization.
func (e *Engine) Alerts() *alerts.Engine {
	return e.alerts
}

// RunPruning sweeps the event store until ctx is done.
func (e *Engine) RunPruning(ctx context.Context) error {
	e.store.StartPruning(ctx)
	return nil
}

// Close stops every profiling session.
func (e *Engine) Close() {
	e.profiler.Close()
}

// AppendLog stores and archives event. Error-level events are also tracked
// by the alert engine, and events carrying details.duration feed the agent's
// active profiling sessions. It never fails; archive errors are logged.
func (e *Engine) AppendLog(ctx context.Context, event models.LogEvent) models.LogEvent {
	stored := e.appendEvent(ctx, event)
	e.persist(ctx, []models.LogEvent{stored})
	return stored
}

func (e *Engine) appendEvent(ctx context.Context, event models.LogEvent) models.LogEvent {
	if lvl, ok := models.ParseLevel(string(event.Level)); ok {
		event.Level = lvl
	} else {
		event.Level = models.Info
	}

	stored := e.store.Append(event)

	if stored.Level == models.Error {
		e.alerts.TrackError(ctx, alerts.ErrorEvent{
			Message:   stored.Message,
			Level:     errorLevelOf(stored),
			Agent:     stored.Agent,
			Tool:      stored.Tool,
			Context:   stored.Details,
			Timestamp: stored.Timestamp,
		})
	}

	if d, ok := stored.Duration(); ok && stored.Agent != "" {
		e.profiler.RecordExecution(models.ExecutionTiming{
			Timestamp:  stored.Timestamp,
			Operation:  operationOf(stored),
			DurationMs: d,
			AgentID:    stored.Agent,
			Status:     executionStatusOf(stored),
		})
	}
	return stored
}

// IngestPacket appends every event of a packet, defaulting the agent to the
// packet's agent. The stored events are not archived here; the caller passes
// them to Save, which lets the ingest pipeline retry failed writes.
func (e *Engine) IngestPacket(ctx context.Context, packet *models.LogPacket) []models.LogEvent {
	out := make([]models.LogEvent, 0, len(packet.Events))
	for _, ev := range packet.Events {
		if ev.Agent == "" {
			ev.Agent = packet.AgentID
		}
		out = append(out, e.appendEvent(ctx, ev))
	}
	return out
}

// Save writes events to the archive. Without an archive it does nothing.
func (e *Engine) Save(ctx context.Context, events []models.LogEvent) error {
	if e.archive == nil || len(events) == 0 {
		return nil
	}
	return e.archive.Save(ctx, events)
}

// Archived reports whether the engine was built with an archive.
func (e *Engine) Archived() bool {
	return e.archive != nil
}

func (e *Engine) persist(ctx context.Context, events []models.LogEvent) {
	if err := e.Save(ctx, events); err != nil {
		e.logger.Warn("Archive write failed", "events", len(events), "error", err)
	}
}

// TrackResult is the outcome of TrackError
type TrackResult struct {
	Record   models.ErrorRecord     `json:"record"`
	Triggers []models.TriggerRecord `json:"triggers"`
}

// TrackError records an error with the alert engine and mirrors it into the
// event store as a log event referencing the error id.
func (e *Engine) TrackError(ctx context.Context, ev alerts.ErrorEvent) TrackResult {
	record, triggers := e.alerts.TrackError(ctx, ev)

	details := map[string]interface{}{
		"errorId":    record.ErrorID,
		"errorLevel": string(record.Level),
		"frequency":  record.Frequency,
	}
	if len(record.Context) > 0 {
		details["context"] = record.Context
	}
	if record.StackTrace != "" {
		details["stackTrace"] = record.StackTrace
	}
	for _, key := range []string{"correlationId", "userId", "duration"} {
		if v, ok := record.Context[key]; ok {
			details[key] = v
		}
	}

	level := models.Error
	if record.Level == models.ErrorLevelWarn {
		level = models.Warn
	}
	correlationID, _ := record.Context["correlationId"].(string)
	mirrored := e.store.Append(models.LogEvent{
		Timestamp:     record.Timestamp,
		Level:         level,
		Message:       record.Message,
		Agent:         record.Agent,
		Tool:          record.Tool,
		CorrelationID: correlationID,
		Details:       details,
	})
	e.persist(ctx, []models.LogEvent{mirrored})

	if triggers == nil {
		triggers = []models.TriggerRecord{}
	}
	return TrackResult{Record: record, Triggers: triggers}
}

func errorLevelOf(e models.LogEvent) models.ErrorLevel {
	if s, ok := e.Details["errorLevel"].(string); ok && strings.EqualFold(s, string(models.ErrorLevelCritical)) {
		return models.ErrorLevelCritical
	}
	return models.ErrorLevelError
}

func operationOf(e models.LogEvent) string {
	if op, ok := e.Details["operation"].(string); ok && op != "" {
		return op
	}
	if e.Tool != "" {
		return e.Tool
	}
	return e.Message
}

func executionStatusOf(e models.LogEvent) models.ExecutionStatus {
	if s, ok := e.Details["status"].(string); ok {
		switch models.ExecutionStatus(strings.ToLower(s)) {
		case models.ExecTimeout:
			return models.ExecTimeout
		case models.ExecError:
			return models.ExecError
		case models.ExecSuccess:
			return models.ExecSuccess
		}
	}
	if e.Level == models.Error {
		return models.ExecError
	}
	return models.ExecSuccess
}
