package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// LogLevel represents the severity of a log event
type LogLevel string

// Log levels, ordered debug < info < warn < error
const (
	Debug LogLevel = "debug"
	Info  LogLevel = "info"
	Warn  LogLevel = "warn"
	Error LogLevel = "error"
)

// Rank returns the position of the level in the severity hierarchy, or -1
// for an unknown level.
func (l LogLevel) Rank() int {
	switch l {
	case Debug:
		return 0
	case Info:
		return 1
	case Warn:
		return 2
	case Error:
		return 3
	default:
		return -1
	}
}

// Valid reports whether l is one of the known levels.
func (l LogLevel) Valid() bool {
	return l.Rank() >= 0
}

// ParseLevel normalizes common spellings ("WARNING", "Err", "fatal") into a LogLevel.
func ParseLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return Debug, true
	case "info", "information":
		return Info, true
	case "warn", "warning":
		return Warn, true
	case "error", "err", "fatal", "critical":
		return Error, true
	default:
		return "", false
	}
}

// LogEvent represents a single execution log entry emitted by a pipeline agent
type LogEvent struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Level         LogLevel               `json:"level"`
	Message       string                 `json:"message"`
	Agent         string                 `json:"agent,omitempty"`
	Tool          string                 `json:"tool,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Duration returns details.duration in milliseconds when present and numeric.
func (e LogEvent) Duration() (float64, bool) {
	if e.Details == nil {
		return 0, false
	}
	return toFloat(e.Details["duration"])
}

// UserID returns details.userId (or details.user_id) as a string.
func (e LogEvent) UserID() string {
	if e.Details == nil {
		return ""
	}
	for _, key := range []string{"userId", "user_id"} {
		if v, ok := e.Details[key]; ok && v != nil {
			if s, ok := v.(string); ok {
				return s
			}
			return strings.TrimSpace(stringify(v))
		}
	}
	return ""
}

// DetailsString returns the details map serialized as JSON, or "" when empty.
func (e LogEvent) DetailsString() string {
	if len(e.Details) == 0 {
		return ""
	}
	return stringify(e.Details)
}

// Clone returns a copy whose details map can be modified without affecting e.
func (e LogEvent) Clone() LogEvent {
	if e.Details != nil {
		details := make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		e.Details = details
	}
	return e
}

// LogPacket represents a collection of log events sent in a single request
type LogPacket struct {
	PacketID   string                 `json:"packetId"`
	AgentID    string                 `json:"agentId"`
	SentAt     time.Time              `json:"sentAt"`
	ReceivedAt time.Time              `json:"receivedAt"`
	Events     []LogEvent             `json:"events"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(n), "ms"), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
