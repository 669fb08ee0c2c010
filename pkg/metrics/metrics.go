// Package metrics holds the Prometheus instrumentation shared by the
// diagnostics components.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agentdiag"

// Metrics groups every collector exported by the engine.
type Metrics struct {
	EventsAppended     *prometheus.CounterVec
	EventsPruned       prometheus.Counter
	EventsDropped      *prometheus.CounterVec
	ErrorsTracked      *prometheus.CounterVec
	AlertTriggers      *prometheus.CounterVec
	DeliveryFailures   *prometheus.CounterVec
	ProfilingActive    prometheus.Gauge
	ProfilingSamples   *prometheus.CounterVec
	ProfilingSessions  *prometheus.CounterVec
	IngestPackets      *prometheus.CounterVec
	OperationDurations *prometheus.HistogramVec
}

// New registers the collectors on reg. Passing a fresh prometheus.NewRegistry()
// lets tests create independent instances.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "events_appended_total",
			Help:      "Log events appended to the event store by level",
		}, []string{"level"}),
		EventsPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "events_pruned_total",
			Help:      "Log events removed by retention pruning",
		}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "events_dropped_total",
			Help:      "Log events evicted because a bucket reached its cap",
		}, []string{"bucket"}),
		ErrorsTracked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "errors_tracked_total",
			Help:      "Errors tracked by the alert engine by level and outcome (new, deduplicated)",
		}, []string{"level", "outcome"}),
		AlertTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "triggers_total",
			Help:      "Alert rule firings by alert name",
		}, []string{"alert"}),
		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "delivery_failures_total",
			Help:      "Alert action delivery failures by channel",
		}, []string{"channel"}),
		ProfilingActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "profiling",
			Name:      "active_sessions",
			Help:      "Profiling sessions currently sampling",
		}),
		ProfilingSamples: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "profiling",
			Name:      "samples_total",
			Help:      "Samples collected by kind (execution, memory, resource, callstack)",
		}, []string{"kind"}),
		ProfilingSessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "profiling",
			Name:      "sessions_total",
			Help:      "Profiling sessions by final status",
		}, []string{"status"}),
		IngestPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "packets_total",
			Help:      "Log packets seen by the ingest pipeline by outcome",
		}, []string{"outcome"}),
		OperationDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Latency of query and analysis operations",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"operation"}),
	}
}

func (m *Metrics) EventAppended(level string) {
	if m == nil {
		return
	}
	m.EventsAppended.WithLabelValues(level).Inc()
}

func (m *Metrics) EventsRemoved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsPruned.Add(float64(n))
}

func (m *Metrics) EventEvicted(bucket string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(bucket).Inc()
}

func (m *Metrics) ErrorTracked(level, outcome string) {
	if m == nil {
		return
	}
	m.ErrorsTracked.WithLabelValues(level, outcome).Inc()
}

func (m *Metrics) AlertTriggered(name string) {
	if m == nil {
		return
	}
	m.AlertTriggers.WithLabelValues(name).Inc()
}

func (m *Metrics) DeliveryFailed(channel string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ProfilingActive.Inc()
}

func (m *Metrics) SessionFinished(status string) {
	if m == nil {
		return
	}
	m.ProfilingActive.Dec()
	m.ProfilingSessions.WithLabelValues(status).Inc()
}

func (m *Metrics) SampleCollected(kind string) {
	if m == nil {
		return
	}
	m.ProfilingSamples.WithLabelValues(kind).Inc()
}

func (m *Metrics) PacketSeen(outcome string) {
	if m == nil {
		return
	}
	m.IngestPackets.WithLabelValues(outcome).Inc()
}

// ObserveSince records the time elapsed since start for operation.
func (m *Metrics) ObserveSince(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDurations.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
