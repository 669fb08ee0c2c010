// Package query filters, searches, sorts and paginates snapshots of the
// event store. Everything here is a pure function of its inputs.
package query

import (
	"sort"
	"strings"
	"time"

	"github.com/ryouol/agent-diagnostics/pkg/models"
)

// SortField selects the ordering key
type SortField string

const (
	SortByTimestamp SortField = "timestamp"
	SortByLevel     SortField = "level"
	SortByAgent     SortField = "agent"
	SortByDuration  SortField = "duration"
)

// SortOrder is asc or desc
type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

// Filter describes which events to return and how. The zero value returns
// everything, newest first.
type Filter struct {
	Level models.LogLevel `json:"level,omitempty"`
	// LevelAtLeast turns Level into a ">= Level" match.
	LevelAtLeast bool `json:"levelAtLeast,omitempty"`

	Agent string `json:"agent,omitempty"`
	Tool  string `json:"tool,omitempty"`

	// CorrelationID and UserID are substring matches.
	CorrelationID string `json:"correlationId,omitempty"`
	UserID        string `json:"userId,omitempty"`

	// Since and Until bound the timestamp, inclusive.
	Since *time.Time `json:"since,omitempty"`
	Until *time.Time `json:"until,omitempty"`

	// MinDuration and MaxDuration bound details.duration (ms), inclusive.
	MinDuration *float64 `json:"minDuration,omitempty"`
	MaxDuration *float64 `json:"maxDuration,omitempty"`

	Search *Search `json:"search,omitempty"`

	SortBy SortField `json:"sortBy,omitempty"`
	Order  SortOrder `json:"order,omitempty"`

	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"`
}

// Result is the outcome of Run
type Result struct {
	Events        []models.LogEvent `json:"events"`
	TotalCount    int               `json:"totalCount"`
	FilteredCount int               `json:"filteredCount"`
	Highlighted   []models.LogEvent `json:"highlighted,omitempty"`
	Search        *SearchMeta       `json:"search,omitempty"`
}

// Run applies f to events. The input slice is not modified. The only error is
// an InvalidArgumentError for a search pattern that does not compile.
func Run(events []models.LogEvent, f Filter) (Result, error) {
	var matcher *matcher
	if f.Search != nil && f.Search.Query != "" {
		m, err := newMatcher(*f.Search)
		if err != nil {
			return Result{}, err
		}
		matcher = m
	}

	matched := make([]models.LogEvent, 0, len(events))
	for _, e := range events {
		if !f.matches(e) {
			continue
		}
		if matcher != nil && !matcher.matchEvent(e) {
			continue
		}
		matched = append(matched, e)
	}

	sortEvents(matched, f.SortBy, f.Order)

	page := paginate(matched, f.Offset, f.Limit)
	result := Result{
		Events:        page,
		TotalCount:    len(events),
		FilteredCount: len(matched),
	}

	if matcher != nil {
		result.Search = &SearchMeta{
			Query:         f.Search.Query,
			Mode:          matcher.mode,
			CaseSensitive: f.Search.CaseSensitive,
			Matches:       len(matched),
		}
		if f.Search.Highlight {
			open, closing := f.Search.markers()
			result.Highlighted = make([]models.LogEvent, len(page))
			for i, e := range page {
				result.Highlighted[i] = matcher.highlight(e, open, closing)
			}
		}
	}

	return result, nil
}

func (f Filter) matches(e models.LogEvent) bool {
	if f.Level != "" {
		if f.LevelAtLeast {
			// Unknown filter levels rank -1 and would match everything.
			if f.Level.Rank() < 0 || e.Level.Rank() < f.Level.Rank() {
				return false
			}
		} else if e.Level != f.Level {
			return false
		}
	}
	if f.Agent != "" && e.Agent != f.Agent {
		return false
	}
	if f.Tool != "" && e.Tool != f.Tool {
		return false
	}
	if f.CorrelationID != "" && !strings.Contains(e.CorrelationID, f.CorrelationID) {
		return false
	}
	if f.UserID != "" && !strings.Contains(e.UserID(), f.UserID) {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	if f.MinDuration != nil || f.MaxDuration != nil {
		d, ok := e.Duration()
		if !ok {
			return false
		}
		if f.MinDuration != nil && d < *f.MinDuration {
			return false
		}
		if f.MaxDuration != nil && d > *f.MaxDuration {
			return false
		}
	}
	return true
}

func sortEvents(events []models.LogEvent, by SortField, order SortOrder) {
	if by == "" {
		by = SortByTimestamp
		if order == "" {
			order = Descending
		}
	}
	desc := order == Descending

	var less func(a, b models.LogEvent) bool
	switch by {
	case SortByLevel:
		less = func(a, b models.LogEvent) bool { return a.Level.Rank() < b.Level.Rank() }
	case SortByAgent:
		less = func(a, b models.LogEvent) bool { return a.Agent < b.Agent }
	case SortByDuration:
		less = func(a, b models.LogEvent) bool { return durationKey(a) < durationKey(b) }
	default:
		less = func(a, b models.LogEvent) bool { return a.Timestamp.Before(b.Timestamp) }
	}

	sort.SliceStable(events, func(i, j int) bool {
		if desc {
			return less(events[j], events[i])
		}
		return less(events[i], events[j])
	})
}

// durationKey sorts events without a duration before any that have one.
func durationKey(e models.LogEvent) float64 {
	if d, ok := e.Duration(); ok {
		return d
	}
	return -1
}

func paginate(events []models.LogEvent, offset, limit int) []models.LogEvent {
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}
	if offset >= len(events) {
		return []models.LogEvent{}
	}
	end := len(events)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return events[offset:end]
}
