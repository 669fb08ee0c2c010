package api

import (
	"net/url"
	"strconv"
	"time"

	"github.com/ryouol/agent-diagnostics/pkg/models"
	"github.com/ryouol/agent-diagnostics/pkg/query"
)

// parseFilter reads a query.Filter from URL parameters:
//
//	level, levelAtLeast, agent, tool, correlationId, userId,
//	since, until (RFC 3339), minDuration, maxDuration (ms),
//	q, mode, caseSensitive, highlight, sortBy, order, offset, limit
func parseFilter(v url.Values) (query.Filter, error) {
	f := query.Filter{
		Level:         models.LogLevel(v.Get("level")),
		Agent:         v.Get("agent"),
		Tool:          v.Get("tool"),
		CorrelationID: v.Get("correlationId"),
		UserID:        v.Get("userId"),
		SortBy:        query.SortField(v.Get("sortBy")),
		Order:         query.SortOrder(v.Get("order")),
	}

	var err error
	if f.LevelAtLeast, err = boolParam(v, "levelAtLeast"); err != nil {
		return f, err
	}
	if f.Since, err = timeParam(v, "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(v, "until"); err != nil {
		return f, err
	}
	if f.MinDuration, err = floatParam(v, "minDuration"); err != nil {
		return f, err
	}
	if f.MaxDuration, err = floatParam(v, "maxDuration"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(v, "offset"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(v, "limit"); err != nil {
		return f, err
	}

	if q := v.Get("q"); q != "" {
		s := &query.Search{Query: q, Mode: query.SearchMode(v.Get("mode"))}
		if s.CaseSensitive, err = boolParam(v, "caseSensitive"); err != nil {
			return f, err
		}
		if s.Highlight, err = boolParam(v, "highlight"); err != nil {
			return f, err
		}
		f.Search = s
	}
	return f, nil
}

func boolParam(v url.Values, key string) (bool, error) {
	raw := v.Get(key)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &models.InvalidArgumentError{Field: key, Reason: "must be a boolean"}
	}
	return b, nil
}

func intParam(v url.Values, key string) (int, error) {
	raw := v.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &models.InvalidArgumentError{Field: key, Reason: "must be an integer"}
	}
	return n, nil
}

func floatParam(v url.Values, key string) (*float64, error) {
	raw := v.Get(key)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, &models.InvalidArgumentError{Field: key, Reason: "must be a number"}
	}
	return &f, nil
}

func timeParam(v url.Values, key string) (*time.Time, error) {
	raw := v.Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, &models.InvalidArgumentError{Field: key, Reason: "must be an RFC 3339 timestamp"}
	}
	return &t, nil
}
