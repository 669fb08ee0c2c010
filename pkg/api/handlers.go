package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ryouol/agent-diagnostics/pkg/alerts"
	"github.com/ryouol/agent-diagnostics/pkg/debug"
	"github.com/ryouol/agent-diagnostics/pkg/engine"
	"github.com/ryouol/agent-diagnostics/pkg/models"
	"github.com/ryouol/agent-diagnostics/pkg/profiling"
	"github.com/ryouol/agent-diagnostics/pkg/query"
)

// Logs

func (s *Server) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	var event models.LogEvent
	if err := decodeBody(r, &event); err != nil {
		s.writeError(w, r, err)
		return
	}
	if event.Message == "" {
		s.writeError(w, r, &models.InvalidArgumentError{Field: "message", Reason: "is required"})
		return
	}
	writeJSON(w, http.StatusCreated, s.engine.AppendLog(r.Context(), event))
}

// handleLogPacket handles incoming log packets
func (s *Server) handleLogPacket(w http.ResponseWriter, r *http.Request) {
	var packet models.LogPacket
	if err := decodeBody(r, &packet); err != nil {
		s.writeError(w, r, err)
		return
	}
	packet.ReceivedAt = time.Now()

	if s.pipeline == nil {
		stored := s.engine.IngestPacket(r.Context(), &packet)
		archived := s.engine.Archived()
		if err := s.engine.Save(r.Context(), stored); err != nil {
			s.logger.Warn("Archive write failed", "packet_id", packet.PacketID, "error", err)
			archived = false
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "ingested",
			"events":   len(stored),
			"archived": archived,
		})
		return
	}

	if !s.pipeline.EnqueuePacket(&packet) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "Server is at capacity, try again later",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"packetId": packet.PacketID,
		"message":  "Log packet queued for processing",
	})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.GetLogs(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	var f query.Filter
	if err := decodeBody(r, &f); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.GetLogs(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req engine.SearchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.Search(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.engine.Analyze(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	format := query.Format(r.URL.Query().Get("format"))
	data, err := s.engine.Export(r.Context(), f, format)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if format == query.FormatText {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Traces())
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.GetTrace(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"store": s.engine.Stats()}
	if s.pipeline != nil {
		body["ingest"] = s.pipeline.GetMetrics()
	}
	writeJSON(w, http.StatusOK, body)
}

// Errors

func (s *Server) handleTrackError(w http.ResponseWriter, r *http.Request) {
	var ev alerts.ErrorEvent
	if err := decodeBody(r, &ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	if ev.Message == "" {
		s.writeError(w, r, &models.InvalidArgumentError{Field: "message", Reason: "is required"})
		return
	}
	writeJSON(w, http.StatusCreated, s.engine.TrackError(r.Context(), ev))
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListErrors(r.URL.Query().Get("agent")))
}

// Profiling

func (s *Server) handleStartProfiling(w http.ResponseWriter, r *http.Request) {
	var cfg models.ProfilingConfig
	if err := decodeBody(r, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.engine.StartProfiling(cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id, "status": string(models.SessionActive)})
}

func (s *Server) handleListProfiling(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ProfilingSessions(r.URL.Query().Get("agent")))
}

func (s *Server) handleGetProfiling(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.GetProfilingData(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleStopProfiling(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.StopProfiling(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	since, err := timeParam(r.URL.Query(), "since")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	until, err := timeParam(r.URL.Query(), "until")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var tr profiling.TimeRange
	if since != nil {
		tr.Start = *since
	}
	if until != nil {
		tr.End = *until
	}
	writeJSON(w, http.StatusOK, s.engine.AnalyzePerformance(mux.Vars(r)["agent"], tr))
}

func (s *Server) handleBottlenecks(w http.ResponseWriter, r *http.Request) {
	minSeverity := models.Severity(r.URL.Query().Get("minSeverity"))
	bs, err := s.engine.DetectBottlenecks(mux.Vars(r)["agent"], minSeverity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bs)
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	var cfg profiling.MonitorConfig
	if err := decodeBody(r, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.engine.MonitorResources(r.Context(), cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Alerts

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var spec alerts.AlertSpec
	if err := decodeBody(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	alert, err := s.engine.CreateAlert(spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	f := alerts.AlertFilter{
		Status: models.AlertStatus(v.Get("status")),
		Type:   v.Get("type"),
		Agent:  v.Get("agent"),
	}
	if raw := v.Get("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, r, &models.InvalidArgumentError{Field: "enabled", Reason: "must be a boolean"})
			return
		}
		f.Enabled = &enabled
	}
	writeJSON(w, http.StatusOK, s.engine.ListAlerts(f))
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.GetAlert(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	var patch alerts.AlertPatch
	if err := decodeBody(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	alert, err := s.engine.UpdateAlert(mux.Vars(r)["id"], patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteAlert(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "deleted",
		"message": "Alert removed successfully",
	})
}

func (s *Server) handleAlertTriggers(w http.ResponseWriter, r *http.Request) {
	history, err := s.engine.AlertTriggers(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// Debug

type startDebugRequest struct {
	AgentID string `json:"agentId"`
	debug.DebugConfig
}

func (s *Server) handleStartDebug(w http.ResponseWriter, r *http.Request) {
	var req startDebugRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.engine.StartDebug(req.AgentID, req.DebugConfig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListDebug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListDebugSessions(r.URL.Query().Get("agent")))
}

func (s *Server) handleGetDebug(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.GetDebugSession(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDebugTransition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var (
		session models.DebugSession
		err     error
	)
	switch vars["action"] {
	case "pause":
		session, err = s.engine.PauseDebug(vars["id"])
	case "resume":
		session, err = s.engine.ResumeDebug(vars["id"])
	default:
		session, err = s.engine.CloseDebug(vars["id"])
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleAddBreakpoint(w http.ResponseWriter, r *http.Request) {
	var spec debug.BreakpointSpec
	if err := decodeBody(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	bp, err := s.engine.AddBreakpoint(mux.Vars(r)["id"], spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bp)
}

func (s *Server) handleDebugStep(w http.ResponseWriter, r *http.Request) {
	var step debug.Step
	if err := decodeBody(r, &step); err != nil {
		s.writeError(w, r, err)
		return
	}
	hit, err := s.engine.RecordDebugStep(mux.Vars(r)["id"], step)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"breakpointHit": hit})
}
