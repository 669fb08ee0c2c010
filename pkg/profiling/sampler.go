package profiling

import (
	"context"
	"math/rand"
	"runtime"
	rtmetrics "runtime/metrics"
	"strings"
	"sync"
	"time"

	"github.com/ryouol/agent-diagnostics/pkg/models"
)

// Sampler produces the readings appended to a profiling session on every
// tick. Implementations must be safe for concurrent use; the manager calls
// them from one goroutine per active session and never holds its lock while
// doing so. The manager stamps timestamps and the agent id.
type Sampler interface {
	// Execution returns the operation observed since the previous call, or
	// nil when the agent was idle.
	Execution(ctx context.Context, agentID string) (*models.ExecutionTiming, error)
	Memory(ctx context.Context, agentID string) (models.MemorySnapshot, error)
	Resources(ctx context.Context, agentID string) (models.ResourceUsage, error)
	CallStack(ctx context.Context, agentID string) ([]string, error)
}

// SimulatedConfig shapes the synthetic workload
type SimulatedConfig struct {
	// ActivityRate is the probability that a tick observed an operation.
	ActivityRate  float64
	BaseLatencyMs float64
	// SpikeRate is the probability of a latency spike of SpikeFactor.
	SpikeRate   float64
	SpikeFactor float64
	ErrorRate   float64
	TimeoutRate float64
	BaseHeapMB  float64
	// HeapGrowthMB is added to the heap on every memory reading (leak simulation).
	HeapGrowthMB float64
	BaseCPU      float64
	Operations   []string
}

// DefaultSimulatedConfig is a healthy pipeline agent.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{
		ActivityRate:  0.8,
		BaseLatencyMs: 200,
		SpikeRate:     0.03,
		SpikeFactor:   8,
		ErrorRate:     0.03,
		TimeoutRate:   0.02,
		BaseHeapMB:    128,
		BaseCPU:       35,
		Operations:    []string{"generate_content", "render_asset", "validate_output", "publish_artifact"},
	}
}

// SimulatedSampler fabricates plausible readings from a seeded source, so a
// given seed always yields the same sequence for a single session.
type SimulatedSampler struct {
	config SimulatedConfig
	rnd    *rand.Rand
	heapMB map[string]float64
	mutex  sync.Mutex
}

// NewSimulatedSampler creates a sampler with DefaultSimulatedConfig.
func NewSimulatedSampler(seed int64) *SimulatedSampler {
	return NewSimulatedSamplerWithConfig(seed, DefaultSimulatedConfig())
}

// NewSimulatedSamplerWithConfig creates a sampler with an explicit workload.
func NewSimulatedSamplerWithConfig(seed int64, config SimulatedConfig) *SimulatedSampler {
	if len(config.Operations) == 0 {
		config.Operations = DefaultSimulatedConfig().Operations
	}
	return &SimulatedSampler{
		config: config,
		rnd:    rand.New(rand.NewSource(seed)),
		heapMB: make(map[string]float64),
	}
}

func (s *SimulatedSampler) Execution(_ context.Context, _ string) (*models.ExecutionTiming, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.rnd.Float64() >= s.config.ActivityRate {
		return nil, nil
	}

	duration := s.config.BaseLatencyMs * (0.5 + s.rnd.Float64())
	if s.rnd.Float64() < s.config.SpikeRate {
		duration *= s.config.SpikeFactor
	}

	status := models.ExecSuccess
	switch r := s.rnd.Float64(); {
	case r < s.config.TimeoutRate:
		status = models.ExecTimeout
	case r < s.config.TimeoutRate+s.config.ErrorRate:
		status = models.ExecError
	}

	return &models.ExecutionTiming{
		Operation:  s.config.Operations[s.rnd.Intn(len(s.config.Operations))],
		DurationMs: duration,
		Status:     status,
	}, nil
}

func (s *SimulatedSampler) Memory(_ context.Context, agentID string) (models.MemorySnapshot, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	heap, ok := s.heapMB[agentID]
	if !ok {
		heap = s.config.BaseHeapMB
	}
	heap += s.config.HeapGrowthMB + (s.rnd.Float64()-0.5)*4
	if heap < 1 {
		heap = 1
	}
	s.heapMB[agentID] = heap

	return models.MemorySnapshot{
		HeapUsedMB:  heap,
		HeapTotalMB: heap * 1.5,
		ExternalMB:  8 + s.rnd.Float64()*4,
	}, nil
}

func (s *SimulatedSampler) Resources(_ context.Context, _ string) (models.ResourceUsage, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cpu := s.config.BaseCPU + (s.rnd.Float64()-0.5)*20
	if cpu < 0 {
		cpu = 0
	}
	if cpu > 100 {
		cpu = 100
	}
	return models.ResourceUsage{
		CPUPercent:    cpu,
		MemoryPercent: 30 + s.rnd.Float64()*20,
		NetworkIO: models.NetworkIO{
			BytesSent:     int64(1024 + s.rnd.Intn(64*1024)),
			BytesReceived: int64(4096 + s.rnd.Intn(256*1024)),
			RequestCount:  int64(s.rnd.Intn(10)),
		},
	}, nil
}

func (s *SimulatedSampler) CallStack(_ context.Context, agentID string) ([]string, error) {
	s.mutex.Lock()
	op := s.config.Operations[s.rnd.Intn(len(s.config.Operations))]
	s.mutex.Unlock()
	return []string{"pipeline.Run", agentID + ".Handle", agentID + "." + op}, nil
}

const cpuSecondsMetric = "/cpu/classes/total:cpu-seconds"

// RuntimeSampler reads the Go runtime of the current process. It never
// reports executions; real timings arrive through Manager.RecordExecution.
// Network counters are not instrumented and stay zero.
type RuntimeSampler struct {
	mutex    sync.Mutex
	lastCPU  float64
	lastWall time.Time
}

// NewRuntimeSampler creates a sampler over runtime.ReadMemStats and runtime/metrics.
func NewRuntimeSampler() *RuntimeSampler {
	r := &RuntimeSampler{}
	r.lastCPU, _ = readCPUSeconds()
	r.lastWall = time.Now()
	return r
}

func (r *RuntimeSampler) Execution(context.Context, string) (*models.ExecutionTiming, error) {
	return nil, nil
}

func (r *RuntimeSampler) Memory(context.Context, string) (models.MemorySnapshot, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return models.MemorySnapshot{
		HeapUsedMB:  toMB(ms.HeapAlloc),
		HeapTotalMB: toMB(ms.HeapSys),
		ExternalMB:  toMB(ms.Sys - ms.HeapSys),
	}, nil
}

func (r *RuntimeSampler) Resources(context.Context, string) (models.ResourceUsage, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	usage := models.ResourceUsage{}
	if ms.Sys > 0 {
		usage.MemoryPercent = float64(ms.HeapAlloc) / float64(ms.Sys) * 100
	}

	cpu, ok := readCPUSeconds()
	now := time.Now()

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if ok {
		wall := now.Sub(r.lastWall).Seconds() * float64(runtime.GOMAXPROCS(0))
		if wall > 0 {
			usage.CPUPercent = clampPercent((cpu - r.lastCPU) / wall * 100)
		}
		r.lastCPU = cpu
	}
	r.lastWall = now
	return usage, nil
}

// CallStack returns the function names of every goroutine's frames, capped at 64.
func (r *RuntimeSampler) CallStack(context.Context, string) ([]string, error) {
	buf := make([]byte, 64*1024)
	n := runtime.Stack(buf, true)

	var frames []string
	for _, line := range strings.Split(string(buf[:n]), "\n") {
		if line == "" || strings.HasPrefix(line, "\t") || strings.HasPrefix(line, "goroutine ") {
			continue
		}
		if i := strings.LastIndex(line, "("); i > 0 {
			line = line[:i]
		}
		frames = append(frames, line)
		if len(frames) == 64 {
			break
		}
	}
	return frames, nil
}

func readCPUSeconds() (float64, bool) {
	samples := []rtmetrics.Sample{{Name: cpuSecondsMetric}}
	rtmetrics.Read(samples)
	if samples[0].Value.Kind() != rtmetrics.KindFloat64 {
		return 0, false
	}
	return samples[0].Value.Float64(), true
}

func toMB(b uint64) float64 {
	return float64(b) / (1024 * 1024)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
