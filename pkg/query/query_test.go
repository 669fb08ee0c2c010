package query

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryouol/agent-diagnostics/pkg/models"
)

var base = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func fixture() []models.LogEvent {
	return []models.LogEvent{
		{ID: "1", Timestamp: base, Level: models.Info, Message: "Content draft ready", Agent: "content", Tool: "llm", CorrelationID: "run-100",
			Details: map[string]interface{}{"duration": 850.0, "userId": "user-42"}},
		{ID: "2", Timestamp: base.Add(time.Minute), Level: models.Error, Message: "Pricing Intelligence timeout", Agent: "pricing", Tool: "http", CorrelationID: "run-100",
			Details: map[string]interface{}{"duration": 30000.0}},
		{ID: "3", Timestamp: base.Add(2 * time.Minute), Level: models.Warn, Message: "Render queue slow", Agent: "render", CorrelationID: "run-101",
			Details: map[string]interface{}{"duration": "1200ms"}},
		{ID: "4", Timestamp: base.Add(3 * time.Minute), Level: models.Debug, Message: "cache hit", Agent: "render", CorrelationID: "run-101"},
		{ID: "5", Timestamp: base.Add(4 * time.Minute), Level: models.Info, Message: "Delivered to CDN", Agent: "delivery", Tool: "s3"},
	}
}

func ids(events []models.LogEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestDefaultSortIsNewestFirst(t *testing.T) {
	res, err := Run(fixture(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "4", "3", "2", "1"}, ids(res.Events))
	assert.Equal(t, 5, res.TotalCount)
	assert.Equal(t, 5, res.FilteredCount)
	assert.Nil(t, res.Search)
}

func TestFilters(t *testing.T) {
	since := base.Add(time.Minute)
	until := base.Add(3 * time.Minute)
	minDur := 1000.0
	maxDur := 2000.0

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"exact level", Filter{Level: models.Info, Order: Ascending, SortBy: SortByTimestamp}, []string{"1", "5"}},
		{"level at least warn", Filter{Level: models.Warn, LevelAtLeast: true, SortBy: SortByTimestamp, Order: Ascending}, []string{"2", "3"}},
		{"agent", Filter{Agent: "render"}, []string{"4", "3"}},
		{"tool", Filter{Tool: "s3"}, []string{"5"}},
		{"correlation substring", Filter{CorrelationID: "101"}, []string{"4", "3"}},
		{"user id substring", Filter{UserID: "42"}, []string{"1"}},
		{"inclusive time range", Filter{Since: &since, Until: &until}, []string{"4", "3", "2"}},
		{"duration range", Filter{MinDuration: &minDur, MaxDuration: &maxDur}, []string{"3"}},
		{"unknown level at least matches nothing", Filter{Level: "loud", LevelAtLeast: true}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Run(fixture(), tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(res.Events))
			assert.Equal(t, len(tt.want), res.FilteredCount)
		})
	}
}

func TestSearchModes(t *testing.T) {
	tests := []struct {
		name   string
		search Search
	}{
		{"exact", Search{Query: "timeout", Mode: ModeExact}},
		{"exact default mode case folded", Search{Query: "TIMEOUT"}},
		{"fuzzy", Search{Query: "tmot", Mode: ModeFuzzy}},
		{"regex", Search{Query: "^Pricing", Mode: ModeRegex}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.search
			res, err := Run(fixture(), Filter{Search: &s})
			require.NoError(t, err)
			require.NotEmpty(t, res.Events)
			assert.Contains(t, ids(res.Events), "2")
			require.NotNil(t, res.Search)
			assert.Equal(t, res.FilteredCount, res.Search.Matches)
		})
	}
}

func TestSearchCaseSensitive(t *testing.T) {
	res, err := Run(fixture(), Filter{Search: &Search{Query: "TIMEOUT", CaseSensitive: true}})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
}

func TestSearchCoversDetails(t *testing.T) {
	res, err := Run(fixture(), Filter{Search: &Search{Query: "user-42"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(res.Events))
}

func TestInvalidRegex(t *testing.T) {
	_, err := Run(fixture(), Filter{Search: &Search{Query: "([", Mode: ModeRegex}})
	require.Error(t, err)
	assert.True(t, models.IsInvalidArgument(err))
}

func TestHighlight(t *testing.T) {
	res, err := Run(fixture(), Filter{Search: &Search{Query: "timeout", Highlight: true}})
	require.NoError(t, err)
	require.Len(t, res.Highlighted, 1)
	assert.Equal(t, "Pricing Intelligence <mark>timeout</mark>", res.Highlighted[0].Message)
	assert.Equal(t, "Pricing Intelligence timeout", res.Events[0].Message, "original left untouched")

	res, err = Run(fixture(), Filter{Search: &Search{Query: "^pricing", Mode: ModeRegex, Highlight: true, MarkerOpen: "[", MarkerClose: "]"}})
	require.NoError(t, err)
	require.Len(t, res.Highlighted, 1)
	assert.Equal(t, "[Pricing] Intelligence timeout", res.Highlighted[0].Message)

	res, err = Run(fixture(), Filter{Search: &Search{Query: "cdn", Mode: ModeFuzzy, Highlight: true}})
	require.NoError(t, err)
	require.Len(t, res.Highlighted, 1)
	assert.True(t, strings.HasPrefix(res.Highlighted[0].Message, "Delivered to <mark>C</mark>"))
}

func TestSortFields(t *testing.T) {
	res, err := Run(fixture(), Filter{SortBy: SortByLevel, Order: Descending})
	require.NoError(t, err)
	assert.Equal(t, "2", res.Events[0].ID)
	assert.Equal(t, "4", res.Events[len(res.Events)-1].ID)

	res, err = Run(fixture(), Filter{SortBy: SortByDuration, Order: Descending})
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3", "1"}, ids(res.Events)[:3])

	res, err = Run(fixture(), Filter{SortBy: SortByAgent, Order: Ascending})
	require.NoError(t, err)
	assert.Equal(t, "content", res.Events[0].Agent)
}

func TestPagination(t *testing.T) {
	res, err := Run(fixture(), Filter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "3"}, ids(res.Events))
	assert.Equal(t, 5, res.FilteredCount)

	res, err = Run(fixture(), Filter{Offset: -3, Limit: -1})
	require.NoError(t, err)
	assert.Len(t, res.Events, 5)

	res, err = Run(fixture(), Filter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.NotNil(t, res.Events)
}

func TestRunDoesNotReorderInput(t *testing.T) {
	events := fixture()
	_, err := Run(events, Filter{SortBy: SortByAgent})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ids(events))
}

func TestExport(t *testing.T) {
	events := fixture()[:2]

	data, err := Export(events, FormatJSON)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "[\n"))
	assert.Contains(t, string(data), `"correlationId": "run-100"`)

	data, err = Export(events, FormatText)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `2026-03-10T09:01:00Z [ERROR] pricing/http (run-100) Pricing Intelligence timeout {"duration":30000}`, lines[1])

	data, err = Export(nil, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	_, err = Export(events, "csv")
	assert.True(t, models.IsInvalidArgument(err))
}
