// Package store holds the in-memory event store: append-only log buckets
// keyed by correlation id, plus an unkeyed pool for events without one.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryouol/agent-diagnostics/pkg/logging"
	"github.com/ryouol/agent-diagnostics/pkg/metrics"
	"github.com/ryouol/agent-diagnostics/pkg/models"
)

// Source supplies events kept outside the store (log files, an archive).
// Snapshot merges them into the all-buckets view.
type Source interface {
	Name() string
	Events(ctx context.Context) ([]models.LogEvent, error)
}

// Config tunes caps and retention
type Config struct {
	MaxEventsPerTrace int
	MaxUnkeyedEvents  int
	Retention         time.Duration
	PruneInterval     time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

// DefaultConfig returns the reference limits: 1000 events per trace, 24h
// retention swept hourly.
func DefaultConfig() Config {
	return Config{
		MaxEventsPerTrace: 1000,
		MaxUnkeyedEvents:  10000,
		Retention:         24 * time.Hour,
		PruneInterval:     time.Hour,
	}
}

// TraceInfo summarizes one bucket
type TraceInfo struct {
	CorrelationID string    `json:"correlationId"`
	Events        int       `json:"events"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
}

// Stats is a point-in-time count of the store's contents
type Stats struct {
	Traces        int   `json:"traces"`
	KeyedEvents   int   `json:"keyedEvents"`
	UnkeyedEvents int   `json:"unkeyedEvents"`
	Dropped       int64 `json:"dropped"`
	Pruned        int64 `json:"pruned"`
}

// EventStore is safe for concurrent use.
type EventStore struct {
	traces  map[string][]models.LogEvent
	unkeyed []models.LogEvent
	sources []Source
	dropped int64
	pruned  int64
	mutex   sync.RWMutex

	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEventStore creates an empty store. Zero-valued config fields fall back
// to DefaultConfig.
func NewEventStore(config Config, logger *slog.Logger, m *metrics.Metrics) *EventStore {
	def := DefaultConfig()
	if config.MaxEventsPerTrace <= 0 {
		config.MaxEventsPerTrace = def.MaxEventsPerTrace
	}
	if config.MaxUnkeyedEvents <= 0 {
		config.MaxUnkeyedEvents = def.MaxUnkeyedEvents
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = def.PruneInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &EventStore{
		traces:  make(map[string][]models.LogEvent),
		config:  config,
		logger:  logging.OrDefault(logger),
		metrics: m,
	}
}

// AddSource registers an external source merged by Snapshot.
func (s *EventStore) AddSource(src Source) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sources = append(s.sources, src)
}

// Append stores the event and returns it as stored (with id and timestamp
// assigned). It never fails.
func (s *EventStore) Append(event models.LogEvent) models.LogEvent {
	event = event.Clone()
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.config.Now()
	}

	s.mutex.Lock()
	var evicted int
	if event.CorrelationID == "" {
		s.unkeyed, evicted = appendCapped(s.unkeyed, event, s.config.MaxUnkeyedEvents)
	} else {
		s.traces[event.CorrelationID], evicted = appendCapped(s.traces[event.CorrelationID], event, s.config.MaxEventsPerTrace)
	}
	s.dropped += int64(evicted)
	s.mutex.Unlock()

	s.metrics.EventAppended(string(event.Level))
	for i := 0; i < evicted; i++ {
		if event.CorrelationID == "" {
			s.metrics.EventEvicted("unkeyed")
		} else {
			s.metrics.EventEvicted("trace")
		}
	}

	return event
}

// appendCapped appends e and drops from the front until len <= limit.
func appendCapped(bucket []models.LogEvent, e models.LogEvent, limit int) ([]models.LogEvent, int) {
	bucket = append(bucket, e)
	over := len(bucket) - limit
	if over <= 0 {
		return bucket, 0
	}
	// Copy into a fresh slice so the evicted prefix can be collected.
	trimmed := make([]models.LogEvent, limit)
	copy(trimmed, bucket[over:])
	return trimmed, over
}

// Snapshot returns a copy of one bucket, or, for an empty correlationID, the
// union of every bucket, the unkeyed pool and all external sources sorted by
// timestamp. External events duplicating a stored (timestamp, message) pair
// are dropped.
func (s *EventStore) Snapshot(ctx context.Context, correlationID string) ([]models.LogEvent, error) {
	if correlationID != "" {
		s.mutex.RLock()
		bucket, ok := s.traces[correlationID]
		out := append([]models.LogEvent(nil), bucket...)
		s.mutex.RUnlock()
		if !ok {
			return nil, &models.NotFoundError{Kind: "trace", ID: correlationID}
		}
		return out, nil
	}

	s.mutex.RLock()
	keys := make([]string, 0, len(s.traces))
	total := len(s.unkeyed)
	for k, bucket := range s.traces {
		keys = append(keys, k)
		total += len(bucket)
	}
	sort.Strings(keys)

	out := make([]models.LogEvent, 0, total)
	for _, k := range keys {
		out = append(out, s.traces[k]...)
	}
	out = append(out, s.unkeyed...)
	sources := append([]Source(nil), s.sources...)
	s.mutex.RUnlock()

	if len(sources) > 0 {
		seen := make(map[dedupKey]struct{}, len(out))
		for _, e := range out {
			seen[keyOf(e)] = struct{}{}
		}
		for _, src := range sources {
			external, err := src.Events(ctx)
			if err != nil {
				// A broken source degrades the view, it does not fail the read.
				s.logger.Warn("External log source failed", "source", src.Name(), "error", err)
				continue
			}
			for _, e := range external {
				k := keyOf(e)
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				out = append(out, e)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

type dedupKey struct {
	ts      int64
	message string
}

func keyOf(e models.LogEvent) dedupKey {
	return dedupKey{ts: e.Timestamp.UnixNano(), message: e.Message}
}

// Prune removes events older than maxAge. An event exactly maxAge old is
// kept. Empty buckets are deleted. Returns the number of events removed.
func (s *EventStore) Prune(maxAge time.Duration) int {
	cutoff := s.config.Now().Add(-maxAge)

	s.mutex.Lock()
	removed := 0
	for id, bucket := range s.traces {
		kept, n := pruneBucket(bucket, cutoff)
		removed += n
		if len(kept) == 0 {
			delete(s.traces, id)
			continue
		}
		s.traces[id] = kept
	}
	var n int
	s.unkeyed, n = pruneBucket(s.unkeyed, cutoff)
	removed += n
	s.pruned += int64(removed)
	s.mutex.Unlock()

	s.metrics.EventsRemoved(removed)
	return removed
}

func pruneBucket(bucket []models.LogEvent, cutoff time.Time) ([]models.LogEvent, int) {
	if len(bucket) == 0 {
		return bucket, 0
	}
	kept := bucket[:0:0]
	for _, e := range bucket {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	return kept, len(bucket) - len(kept)
}

// StartPruning sweeps at the configured interval until ctx is cancelled.
func (s *EventStore) StartPruning(ctx context.Context) {
	ticker := time.NewTicker(s.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneTick()
		}
	}
}

func (s *EventStore) pruneTick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Retention sweep panicked", "panic", fmt.Sprint(r))
		}
	}()
	removed := s.Prune(s.config.Retention)
	if removed > 0 {
		s.logger.Info("Retention sweep", "removed", removed, "retention", s.config.Retention)
	}
}

// Traces lists every bucket ordered by correlation id.
func (s *EventStore) Traces() []TraceInfo {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	infos := make([]TraceInfo, 0, len(s.traces))
	for id, bucket := range s.traces {
		if len(bucket) == 0 {
			continue
		}
		infos = append(infos, TraceInfo{
			CorrelationID: id,
			Events:        len(bucket),
			FirstSeen:     bucket[0].Timestamp,
			LastSeen:      bucket[len(bucket)-1].Timestamp,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CorrelationID < infos[j].CorrelationID
	})
	return infos
}

// Stats returns current counts.
func (s *EventStore) Stats() Stats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	keyed := 0
	for _, bucket := range s.traces {
		keyed += len(bucket)
	}
	return Stats{
		Traces:        len(s.traces),
		KeyedEvents:   keyed,
		UnkeyedEvents: len(s.unkeyed),
		Dropped:       s.dropped,
		Pruned:        s.pruned,
	}
}

// Retention returns the configured retention horizon.
func (s *EventStore) Retention() time.Duration {
	return s.config.Retention
}
