package models

import "time"

// DebugStatus is the state of a debug session
type DebugStatus string

const (
	DebugActive    DebugStatus = "active"
	DebugPaused    DebugStatus = "paused"
	DebugCompleted DebugStatus = "completed"
)

// Breakpoint marks an operation (or tool) at which an agent should pause
type Breakpoint struct {
	ID        string `json:"id"`
	Location  string `json:"location"`
	Condition string `json:"condition,omitempty"`
	Enabled   bool   `json:"enabled"`
	HitCount  int    `json:"hitCount"`
}

// VariableWatch is an expression the operator wants reported
type VariableWatch struct {
	Expression string      `json:"expression"`
	Value      interface{} `json:"value,omitempty"`
	UpdatedAt  *time.Time  `json:"updatedAt,omitempty"`
}

// ExecutionLogEntry is one step reported to a debug session
type ExecutionLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Step      string                 `json:"step"`
	Message   string                 `json:"message,omitempty"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// DebugSession is operator-driven bookkeeping for one agent
type DebugSession struct {
	ID              string              `json:"id"`
	AgentID         string              `json:"agentId"`
	Status          DebugStatus         `json:"status"`
	Breakpoints     []Breakpoint        `json:"breakpoints"`
	VariableWatches []VariableWatch     `json:"variableWatches"`
	CallStack       []string            `json:"callStack"`
	ExecutionLog    []ExecutionLogEntry `json:"executionLog"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// Clone deep-copies the session's slices.
func (s DebugSession) Clone() DebugSession {
	out := s
	out.Breakpoints = append([]Breakpoint(nil), s.Breakpoints...)
	out.VariableWatches = append([]VariableWatch(nil), s.VariableWatches...)
	out.CallStack = append([]string(nil), s.CallStack...)
	out.ExecutionLog = append([]ExecutionLogEntry(nil), s.ExecutionLog...)
	return out
}
