// Package debug keeps operator-driven debug sessions: breakpoints, variable
// watches and an execution log per agent. It evaluates nothing; agents and
// operators report into it.
package debug

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryouol/agent-diagnostics/pkg/logging"
	"github.com/ryouol/agent-diagnostics/pkg/models"
)

const sessionKind = "debug session"

// DefaultMaxLogEntries caps each session's execution log.
const DefaultMaxLogEntries = 1000

// BreakpointSpec describes a breakpoint to add
type BreakpointSpec struct {
	Location  string `json:"location" validate:"required"`
	Condition string `json:"condition,omitempty"`
	Disabled  bool   `json:"disabled,omitempty"`
}

// DebugConfig is the initial state of a session
type DebugConfig struct {
	Breakpoints []BreakpointSpec `json:"breakpoints,omitempty" validate:"dive"`
	Watches     []string         `json:"watches,omitempty" validate:"dive,required"`
}

// Step is one execution step reported by an agent
type Step struct {
	Step      string                 `json:"step" validate:"required"`
	Message   string                 `json:"message,omitempty"`
	Variables map[string]interface{} `json:"variables,omitempty"`
	// CallStack replaces the session's call stack when non-nil.
	CallStack []string `json:"callStack,omitempty"`
}

// Manager owns the debug session table.
type Manager struct {
	sessions map[string]*models.DebugSession
	mutex    sync.RWMutex

	maxLog int
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates an empty manager. maxLog <= 0 uses DefaultMaxLogEntries
// and a nil now uses time.Now.
func NewManager(maxLog int, now func() time.Time, logger *slog.Logger) *Manager {
	if maxLog <= 0 {
		maxLog = DefaultMaxLogEntries
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		sessions: make(map[string]*models.DebugSession),
		maxLog:   maxLog,
		now:      now,
		logger:   logging.OrDefault(logger).With("component", "debug"),
	}
}

// StartDebug creates an active session for agentID.
func (m *Manager) StartDebug(agentID string, cfg DebugConfig) (models.DebugSession, error) {
	if agentID == "" {
		return models.DebugSession{}, &models.InvalidArgumentError{Field: "agentId", Reason: "is required"}
	}
	if err := models.Validate(cfg); err != nil {
		return models.DebugSession{}, err
	}

	now := m.now()
	s := &models.DebugSession{
		ID:              uuid.New().String(),
		AgentID:         agentID,
		Status:          models.DebugActive,
		Breakpoints:     make([]models.Breakpoint, 0, len(cfg.Breakpoints)),
		VariableWatches: make([]models.VariableWatch, 0, len(cfg.Watches)),
		CallStack:       []string{},
		ExecutionLog:    []models.ExecutionLogEntry{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, bp := range cfg.Breakpoints {
		s.Breakpoints = append(s.Breakpoints, newBreakpoint(bp))
	}
	for _, w := range cfg.Watches {
		s.VariableWatches = append(s.VariableWatches, models.VariableWatch{Expression: w})
	}

	m.mutex.Lock()
	m.sessions[s.ID] = s
	out := s.Clone()
	m.mutex.Unlock()

	m.logger.Info("Debug session started", "session_id", out.ID, "agent", agentID, "breakpoints", len(out.Breakpoints))
	return out, nil
}

// GetDebugSession returns a copy of the session.
func (m *Manager) GetDebugSession(id string) (models.DebugSession, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return models.DebugSession{}, &models.NotFoundError{Kind: sessionKind, ID: id}
	}
	return s.Clone(), nil
}

// ListDebugSessions returns the sessions of agentID (all when empty) by creation time.
func (m *Manager) ListDebugSessions(agentID string) []models.DebugSession {
	m.mutex.RLock()
	out := make([]models.DebugSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if agentID == "" || s.AgentID == agentID {
			out = append(out, s.Clone())
		}
	}
	m.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pause moves an active session to paused.
func (m *Manager) Pause(id string) (models.DebugSession, error) {
	return m.transition(id, models.DebugActive, models.DebugPaused)
}

// Resume moves a paused session back to active.
func (m *Manager) Resume(id string) (models.DebugSession, error) {
	return m.transition(id, models.DebugPaused, models.DebugActive)
}

// Close completes a session. Completed sessions stay readable.
func (m *Manager) Close(id string) (models.DebugSession, error) {
	return m.update(id, func(s *models.DebugSession) error {
		if s.Status == models.DebugCompleted {
			return &models.InvalidStateError{Kind: sessionKind, ID: id, State: string(s.Status)}
		}
		s.Status = models.DebugCompleted
		return nil
	})
}

// AddBreakpoint appends a breakpoint to an open session.
func (m *Manager) AddBreakpoint(id string, spec BreakpointSpec) (models.Breakpoint, error) {
	if err := models.Validate(spec); err != nil {
		return models.Breakpoint{}, err
	}
	bp := newBreakpoint(spec)
	_, err := m.update(id, func(s *models.DebugSession) error {
		if s.Status == models.DebugCompleted {
			return &models.InvalidStateError{Kind: sessionKind, ID: id, State: string(s.Status)}
		}
		s.Breakpoints = append(s.Breakpoints, bp)
		return nil
	})
	if err != nil {
		return models.Breakpoint{}, err
	}
	return bp, nil
}

// RecordExecution appends a step to the execution log, counts hits on
// enabled breakpoints whose location equals the step, and refreshes watched
// variables present in step.Variables. It reports whether a breakpoint was hit.
func (m *Manager) RecordExecution(id string, step Step) (bool, error) {
	if err := models.Validate(step); err != nil {
		return false, err
	}
	hit := false
	_, err := m.update(id, func(s *models.DebugSession) error {
		if s.Status == models.DebugCompleted {
			return &models.InvalidStateError{Kind: sessionKind, ID: id, State: string(s.Status)}
		}
		now := m.now()
		s.ExecutionLog = append(s.ExecutionLog, models.ExecutionLogEntry{
			Timestamp: now,
			Step:      step.Step,
			Message:   step.Message,
			Variables: step.Variables,
		})
		if over := len(s.ExecutionLog) - m.maxLog; over > 0 {
			s.ExecutionLog = append(s.ExecutionLog[:0:0], s.ExecutionLog[over:]...)
		}
		for i := range s.Breakpoints {
			if s.Breakpoints[i].Enabled && s.Breakpoints[i].Location == step.Step {
				s.Breakpoints[i].HitCount++
				hit = true
			}
		}
		for i := range s.VariableWatches {
			if v, ok := step.Variables[s.VariableWatches[i].Expression]; ok {
				ts := now
				s.VariableWatches[i].Value = v
				s.VariableWatches[i].UpdatedAt = &ts
			}
		}
		if step.CallStack != nil {
			s.CallStack = append([]string(nil), step.CallStack...)
		}
		return nil
	})
	return hit, err
}

func (m *Manager) transition(id string, from, to models.DebugStatus) (models.DebugSession, error) {
	return m.update(id, func(s *models.DebugSession) error {
		if s.Status != from {
			return &models.InvalidStateError{Kind: sessionKind, ID: id, State: string(s.Status)}
		}
		s.Status = to
		return nil
	})
}

func (m *Manager) update(id string, fn func(*models.DebugSession) error) (models.DebugSession, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return models.DebugSession{}, &models.NotFoundError{Kind: sessionKind, ID: id}
	}
	if err := fn(s); err != nil {
		return models.DebugSession{}, err
	}
	s.UpdatedAt = m.now()
	return s.Clone(), nil
}

func newBreakpoint(spec BreakpointSpec) models.Breakpoint {
	return models.Breakpoint{
		ID:        uuid.New().String(),
		Location:  spec.Location,
		Condition: spec.Condition,
		Enabled:   !spec.Disabled,
	}
}
