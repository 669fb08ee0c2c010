package models

import "time"

// SessionStatus is the lifecycle state of a profiling session
type SessionStatus string

// Profiling session states. completed and error are terminal.
const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// ExecutionStatus is the outcome of one sampled operation
type ExecutionStatus string

const (
	ExecSuccess ExecutionStatus = "success"
	ExecError   ExecutionStatus = "error"
	ExecTimeout ExecutionStatus = "timeout"
)

// BottleneckType classifies a detected bottleneck
type BottleneckType string

const (
	BottleneckCPU         BottleneckType = "cpu"
	BottleneckMemory      BottleneckType = "memory"
	BottleneckNetwork     BottleneckType = "network"
	BottleneckDatabase    BottleneckType = "database"
	BottleneckExternalAPI BottleneckType = "external_api"
)

// Severity is shared by bottlenecks and anomalies
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities low < medium < high < critical; unknown is -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// ProfilingConfig is the caller-supplied configuration of a profiling session
type ProfilingConfig struct {
	AgentID          string `json:"agentId" validate:"required"`
	DurationMs       int64  `json:"durationMs,omitempty" validate:"gte=0"`
	SampleIntervalMs int64  `json:"sampleIntervalMs,omitempty" validate:"gte=0"`
	IncludeMemory    bool   `json:"includeMemory"`
	IncludeCPU       bool   `json:"includeCpu"`
	IncludeNetwork   bool   `json:"includeNetwork"`
	IncludeCallStack bool   `json:"includeCallStack"`
}

// ExecutionTiming is one timed operation observed during a session
type ExecutionTiming struct {
	Timestamp  time.Time       `json:"timestamp"`
	Operation  string          `json:"operation"`
	DurationMs float64         `json:"durationMs"`
	AgentID    string          `json:"agentId"`
	Status     ExecutionStatus `json:"status"`
}

// MemorySnapshot is a heap reading in megabytes
type MemorySnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	HeapUsedMB  float64   `json:"heapUsedMb"`
	HeapTotalMB float64   `json:"heapTotalMb"`
	ExternalMB  float64   `json:"externalMb"`
}

// NetworkIO counts traffic since the previous sample
type NetworkIO struct {
	BytesSent     int64 `json:"bytesSent"`
	BytesReceived int64 `json:"bytesReceived"`
	RequestCount  int64 `json:"requestCount"`
}

// ResourceUsage is one CPU/memory/network reading
type ResourceUsage struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	NetworkIO     NetworkIO `json:"networkIo"`
}

// CallStackSample is a captured set of frames
type CallStackSample struct {
	Timestamp time.Time `json:"timestamp"`
	Frames    []string  `json:"frames"`
}

// ProfilingSamples groups the series collected by a session's sampler
type ProfilingSamples struct {
	ExecutionTimings []ExecutionTiming `json:"executionTimings"`
	MemorySnapshots  []MemorySnapshot  `json:"memorySnapshots"`
	ResourceUsages   []ResourceUsage   `json:"resourceUsages"`
	CallStacks       []CallStackSample `json:"callStacks,omitempty"`
}

// Bottleneck is a finding derived from a session's samples
type Bottleneck struct {
	ID                 string         `json:"id"`
	SessionID          string         `json:"sessionId"`
	AgentID            string         `json:"agentId"`
	Type               BottleneckType `json:"type"`
	Severity           Severity       `json:"severity"`
	Description        string         `json:"description"`
	AffectedOperations []string       `json:"affectedOperations"`
	ImpactScore        float64        `json:"impactScore"`
	Recommendations    []string       `json:"recommendations"`
	DetectedAt         time.Time      `json:"detectedAt"`
}

// ProfilingSession is a bounded sampling run attached to one agent
type ProfilingSession struct {
	ID          string           `json:"id"`
	AgentID     string           `json:"agentId"`
	StartTime   time.Time        `json:"startTime"`
	EndTime     *time.Time       `json:"endTime,omitempty"`
	Status      SessionStatus    `json:"status"`
	Config      ProfilingConfig  `json:"config"`
	Samples     ProfilingSamples `json:"samples"`
	Bottlenecks []Bottleneck     `json:"bottlenecks"`
	Failure     string           `json:"failure,omitempty"`
}

// Clone deep-copies the session so callers never share slices with the manager.
func (s ProfilingSession) Clone() ProfilingSession {
	out := s
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	out.Samples = ProfilingSamples{
		ExecutionTimings: cloneSlice(s.Samples.ExecutionTimings),
		MemorySnapshots:  cloneSlice(s.Samples.MemorySnapshots),
		ResourceUsages:   cloneSlice(s.Samples.ResourceUsages),
		CallStacks:       cloneSlice(s.Samples.CallStacks),
	}
	out.Bottlenecks = cloneSlice(s.Bottlenecks)
	return out
}

// cloneSlice copies s into a new slice. A nil input yields an empty slice so
// series always encode as JSON arrays.
func cloneSlice[T any](s []T) []T {
	out := make([]T, len(s))
	copy(out, s)
	return out
}
