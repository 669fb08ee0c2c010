package engine

import (
	"context"
	"time"

	"github.com/ryouol/agent-diagnostics/pkg/alerts"
	"github.com/ryouol/agent-diagnostics/pkg/debug"
	"github.com/ryouol/agent-diagnostics/pkg/models"
	"github.com/ryouol/agent-diagnostics/pkg/patterns"
	"github.com/ryouol/agent-diagnostics/pkg/profiling"
	"github.com/ryouol/agent-diagnostics/pkg/query"
	"github.com/ryouol/agent-diagnostics/pkg/store"
)

// LogsResult is the response of GetLogs
type LogsResult struct {
	Events        []models.LogEvent `json:"events"`
	TotalCount    int               `json:"totalCount"`
	FilteredCount int               `json:"filteredCount"`
}

// SearchRequest is a free-text search narrowed by an optional filter
type SearchRequest struct {
	query.Search
	Filter query.Filter `json:"filter"`
}

// GetLogs filters every known event. A search inside the filter is ignored;
// use Search for that.
func (e *Engine) GetLogs(ctx context.Context, f query.Filter) (LogsResult, error) {
	defer e.metrics.ObserveSince("get_logs", time.Now())

	events, err := e.store.Snapshot(ctx, "")
	if err != nil {
		return LogsResult{}, err
	}
	f.Search = nil
	res, err := query.Run(events, f)
	if err != nil {
		return LogsResult{}, err
	}
	return LogsResult{Events: res.Events, TotalCount: res.TotalCount, FilteredCount: res.FilteredCount}, nil
}

// Search runs a free-text search. An empty query is an InvalidArgumentError.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (query.Result, error) {
	defer e.metrics.ObserveSince("search", time.Now())

	if req.Query == "" {
		return query.Result{}, &models.InvalidArgumentError{Field: "query", Reason: "is required"}
	}
	events, err := e.store.Snapshot(ctx, "")
	if err != nil {
		return query.Result{}, err
	}
	f := req.Filter
	s := req.Search
	f.Search = &s
	return query.Run(events, f)
}

// Analyze derives patterns from the events matching f. Pagination in f is
// ignored so the report covers every match.
func (e *Engine) Analyze(ctx context.Context, f query.Filter) (patterns.Report, error) {
	defer e.metrics.ObserveSince("analyze", time.Now())

	matched, err := e.matchAll(ctx, f)
	if err != nil {
		return patterns.Report{}, err
	}
	return e.patterns.Analyze(matched), nil
}

// Export serializes the events matching f.
func (e *Engine) Export(ctx context.Context, f query.Filter, format query.Format) ([]byte, error) {
	defer e.metrics.ObserveSince("export", time.Now())

	events, err := e.store.Snapshot(ctx, "")
	if err != nil {
		return nil, err
	}
	res, err := query.Run(events, f)
	if err != nil {
		return nil, err
	}
	return query.Export(res.Events, format)
}

// GetTrace returns the events of one correlation id in arrival order.
func (e *Engine) GetTrace(ctx context.Context, correlationID string) ([]models.LogEvent, error) {
	if correlationID == "" {
		return nil, &models.InvalidArgumentError{Field: "correlationId", Reason: "is required"}
	}
	return e.store.Snapshot(ctx, correlationID)
}

// Traces lists the known correlation ids.
func (e *Engine) Traces() []store.TraceInfo {
	return e.store.Traces()
}

// Stats reports the store's counters.
func (e *Engine) Stats() store.Stats {
	return e.store.Stats()
}

func (e *Engine) matchAll(ctx context.Context, f query.Filter) ([]models.LogEvent, error) {
	events, err := e.store.Snapshot(ctx, "")
	if err != nil {
		return nil, err
	}
	f.Offset, f.Limit = 0, 0
	res, err := query.Run(events, f)
	if err != nil {
		return nil, err
	}
	return res.Events, nil
}

// Profiling

func (e *Engine) StartProfiling(cfg models.ProfilingConfig) (string, error) {
	return e.profiler.StartProfiling(cfg)
}

func (e *Engine) StopProfiling(id string) (models.ProfilingSession, error) {
	return e.profiler.StopProfiling(id)
}

func (e *Engine) GetProfilingData(id string) (models.ProfilingSession, error) {
	return e.profiler.GetProfilingData(id)
}

func (e *Engine) ProfilingSessions(agentID string) []models.ProfilingSession {
	return e.profiler.Sessions(agentID)
}

func (e *Engine) AnalyzePerformance(agentID string, tr profiling.TimeRange) profiling.PerformanceReport {
	return e.profiler.AnalyzePerformance(agentID, tr)
}

func (e *Engine) DetectBottlenecks(agentID string, minSeverity models.Severity) ([]models.Bottleneck, error) {
	return e.profiler.DetectBottlenecks(agentID, minSeverity)
}

func (e *Engine) MonitorResources(ctx context.Context, cfg profiling.MonitorConfig) (profiling.ResourceReport, error) {
	return e.profiler.MonitorResources(ctx, cfg)
}

// Alerts

func (e *Engine) CreateAlert(spec alerts.AlertSpec) (models.Alert, error) {
	return e.alerts.CreateAlert(spec)
}

func (e *Engine) UpdateAlert(id string, patch alerts.AlertPatch) (models.Alert, error) {
	return e.alerts.UpdateAlert(id, patch)
}

func (e *Engine) DeleteAlert(id string) error {
	return e.alerts.DeleteAlert(id)
}

func (e *Engine) GetAlert(id string) (models.Alert, error) {
	return e.alerts.GetAlert(id)
}

func (e *Engine) ListAlerts(f alerts.AlertFilter) []models.Alert {
	return e.alerts.ListAlerts(f)
}

func (e *Engine) AlertTriggers(id string) ([]models.TriggerRecord, error) {
	return e.alerts.Triggers(id)
}

// ListErrors returns tracked error records, all agents when agent is empty.
func (e *Engine) ListErrors(agent string) []models.ErrorRecord {
	return e.alerts.Errors(agent)
}

// Debug

func (e *Engine) StartDebug(agentID string, cfg debug.DebugConfig) (models.DebugSession, error) {
	return e.debug.StartDebug(agentID, cfg)
}

func (e *Engine) GetDebugSession(id string) (models.DebugSession, error) {
	return e.debug.GetDebugSession(id)
}

func (e *Engine) ListDebugSessions(agentID string) []models.DebugSession {
	return e.debug.ListDebugSessions(agentID)
}

func (e *Engine) PauseDebug(id string) (models.DebugSession, error) {
	return e.debug.Pause(id)
}

func (e *Engine) ResumeDebug(id string) (models.DebugSession, error) {
	return e.debug.Resume(id)
}

func (e *Engine) CloseDebug(id string) (models.DebugSession, error) {
	return e.debug.Close(id)
}

func (e *Engine) AddBreakpoint(id string, spec debug.BreakpointSpec) (models.Breakpoint, error) {
	return e.debug.AddBreakpoint(id, spec)
}

func (e *Engine) RecordDebugStep(id string, step debug.Step) (bool, error) {
	return e.debug.RecordExecution(id, step)
}
