package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryouol/agent-diagnostics/pkg/logging"
	"github.com/ryouol/agent-diagnostics/pkg/models"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type clock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *clock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mutex.Lock()
	c.now = c.now.Add(d)
	c.mutex.Unlock()
}

type recordingDispatcher struct {
	mutex sync.Mutex
	calls []models.TriggerRecord
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ models.Alert, trigger models.TriggerRecord, _ models.ErrorRecord) []error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.calls = append(d.calls, trigger)
	if d.err != nil {
		return []error{d.err}
	}
	return nil
}

func newTestEngine(t *testing.T, d Dispatcher) (*Engine, *clock) {
	t.Helper()
	c := &clock{now: base}
	return NewEngine(Config{Now: c.Now}, d, logging.Discard(), nil), c
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestDedupWithinWindow(t *testing.T) {
	e, c := newTestEngine(t, nil)
	ctx := context.Background()

	first, _ := e.TrackError(ctx, ErrorEvent{Message: "render failed", Agent: "render"})
	c.Advance(4 * time.Minute)
	second, _ := e.TrackError(ctx, ErrorEvent{Message: "render failed", Agent: "render"})

	assert.Equal(t, first.ErrorID, second.ErrorID)
	assert.Equal(t, 2, second.Frequency)
	assert.Equal(t, base.Add(4*time.Minute), second.Timestamp)
	assert.Equal(t, base, second.FirstSeen)
	assert.Len(t, e.Errors("render"), 1)
}

func TestNoDedupOutsideWindow(t *testing.T) {
	e, c := newTestEngine(t, nil)
	ctx := context.Background()

	first, _ := e.TrackError(ctx, ErrorEvent{Message: "render failed", Agent: "render"})
	c.Advance(6 * time.Minute)
	second, _ := e.TrackError(ctx, ErrorEvent{Message: "render failed", Agent: "render"})

	assert.NotEqual(t, first.ErrorID, second.ErrorID)
	assert.Equal(t, 1, second.Frequency)
	assert.Len(t, e.Errors("render"), 2)
}

func TestDedupIsPerAgentAndMessage(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	e.TrackError(ctx, ErrorEvent{Message: "timeout", Agent: "pricing"})
	e.TrackError(ctx, ErrorEvent{Message: "timeout", Agent: "design"})
	e.TrackError(ctx, ErrorEvent{Message: "other", Agent: "pricing"})

	assert.Len(t, e.Errors(""), 3)
}

func TestRecordCapPerAgent(t *testing.T) {
	e := NewEngine(Config{MaxRecordsPerAgent: 3, Now: func() time.Time { return base }}, nil, logging.Discard(), nil)
	for i := 0; i < 5; i++ {
		e.TrackError(context.Background(), ErrorEvent{Message: string(rune('a' + i)), Agent: "qa"})
	}
	records := e.Errors("qa")
	require.Len(t, records, 3)
	msgs := map[string]bool{}
	for _, r := range records {
		msgs[r.Message] = true
	}
	assert.Equal(t, map[string]bool{"c": true, "d": true, "e": true}, msgs)
}

func TestTrackErrorNormalizes(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	r, _ := e.TrackError(context.Background(), ErrorEvent{Message: "boom", Level: "loud"})
	assert.Equal(t, models.ErrorLevelError, r.Level)
	assert.Equal(t, UnknownAgent, r.Agent)
	assert.Equal(t, base, r.Timestamp)
}

func TestFrequencyThreshold(t *testing.T) {
	d := &recordingDispatcher{}
	e, _ := newTestEngine(t, d)
	ctx := context.Background()

	alert, err := e.CreateAlert(AlertSpec{
		Name:       "repeated render failures",
		Conditions: models.AlertConditions{FrequencyThreshold: intPtr(3)},
		Actions:    models.AlertActions{Notify: true},
	})
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		rec, triggers := e.TrackError(ctx, ErrorEvent{Message: "render failed", Agent: "render"})
		assert.Equal(t, i, rec.Frequency)
		assert.Empty(t, triggers)
	}
	got, err := e.GetAlert(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertActive, got.Status)
	assert.Equal(t, 0, got.TriggerCount)

	rec, triggers := e.TrackError(ctx, ErrorEvent{Message: "render failed", Agent: "render"})
	assert.Equal(t, 3, rec.Frequency)
	require.Len(t, triggers, 1)
	assert.Equal(t, alert.ID, triggers[0].AlertID)

	_, triggers = e.TrackError(ctx, ErrorEvent{Message: "render failed", Agent: "render"})
	require.Len(t, triggers, 1)

	got, err = e.GetAlert(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertTriggered, got.Status)
	assert.Equal(t, 2, got.TriggerCount)
	require.NotNil(t, got.LastTriggered)
	assert.Len(t, d.calls, 2)

	history, err := e.Triggers(alert.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestLevelAndAgentConditions(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.CreateAlert(AlertSpec{
		Name: "critical delivery",
		Conditions: models.AlertConditions{
			Level: []models.ErrorLevel{models.ErrorLevelCritical},
			Agent: []string{"delivery"},
		},
	})
	require.NoError(t, err)

	_, triggers := e.TrackError(ctx, ErrorEvent{Message: "a", Agent: "delivery", Level: models.ErrorLevelError})
	assert.Empty(t, triggers)
	_, triggers = e.TrackError(ctx, ErrorEvent{Message: "b", Agent: "render", Level: models.ErrorLevelCritical})
	assert.Empty(t, triggers)
	_, triggers = e.TrackError(ctx, ErrorEvent{Message: "c", Agent: "delivery", Level: models.ErrorLevelCritical})
	assert.Len(t, triggers, 1)
}

func TestErrorRateThreshold(t *testing.T) {
	e, c := newTestEngine(t, nil)
	ctx := context.Background()

	// 3 records in a 10 minute window = 0.3 per minute.
	_, err := e.CreateAlert(AlertSpec{
		Name: "pricing error rate",
		Conditions: models.AlertConditions{
			Agent:              []string{"pricing"},
			ErrorRateThreshold: floatPtr(0.3),
			TimeWindowMinutes:  intPtr(10),
		},
	})
	require.NoError(t, err)

	_, triggers := e.TrackError(ctx, ErrorEvent{Message: "quote 1 failed", Agent: "pricing"})
	assert.Empty(t, triggers)
	c.Advance(time.Minute)
	_, triggers = e.TrackError(ctx, ErrorEvent{Message: "quote 2 failed", Agent: "pricing"})
	assert.Empty(t, triggers)
	c.Advance(time.Minute)
	_, triggers = e.TrackError(ctx, ErrorEvent{Message: "quote 3 failed", Agent: "pricing"})
	assert.Len(t, triggers, 1)

	// The first two records fall out of the window.
	c.Advance(10 * time.Minute)
	_, triggers = e.TrackError(ctx, ErrorEvent{Message: "quote 4 failed", Agent: "pricing"})
	assert.Empty(t, triggers)
}

func TestDisabledAndSnoozedAlertsAreSkipped(t *testing.T) {
	e, c := newTestEngine(t, nil)
	ctx := context.Background()
	disabled := false

	_, err := e.CreateAlert(AlertSpec{Name: "off", Enabled: &disabled})
	require.NoError(t, err)
	snoozed, err := e.CreateAlert(AlertSpec{Name: "snoozed"})
	require.NoError(t, err)
	until := base.Add(10 * time.Minute)
	_, err = e.UpdateAlert(snoozed.ID, AlertPatch{SnoozedUntil: &until})
	require.NoError(t, err)

	_, triggers := e.TrackError(ctx, ErrorEvent{Message: "x", Agent: "qa"})
	assert.Empty(t, triggers)

	c.Advance(11 * time.Minute)
	_, triggers = e.TrackError(ctx, ErrorEvent{Message: "y", Agent: "qa"})
	require.Len(t, triggers, 1)
	assert.Equal(t, snoozed.ID, triggers[0].AlertID)
}

func TestDeliveryErrorsAttachToTrigger(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("smtp down")}
	e, _ := newTestEngine(t, d)

	alert, err := e.CreateAlert(AlertSpec{Name: "any", Actions: models.AlertActions{Email: []string{"ops@example.com"}}})
	require.NoError(t, err)

	rec, triggers := e.TrackError(context.Background(), ErrorEvent{Message: "boom", Agent: "qa"})
	assert.NotEmpty(t, rec.ErrorID)
	require.Len(t, triggers, 1)
	assert.Equal(t, []string{"smtp down"}, triggers[0].DeliveryErrors)

	history, err := e.Triggers(alert.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []string{"smtp down"}, history[0].DeliveryErrors)
}

func TestTriggerHistoryIsCapped(t *testing.T) {
	e := NewEngine(Config{MaxTriggersPerAlert: 2, Now: func() time.Time { return base }}, nil, logging.Discard(), nil)
	alert, err := e.CreateAlert(AlertSpec{Name: "all"})
	require.NoError(t, err)
	for _, msg := range []string{"a", "b", "c"} {
		e.TrackError(context.Background(), ErrorEvent{Message: msg, Agent: "qa"})
	}
	history, err := e.Triggers(alert.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[0].Message)

	_, err = e.Triggers("missing")
	assert.True(t, models.IsNotFound(err))
}

func TestConcurrentTrackError(t *testing.T) {
	e, _ := newTestEngine(t, &recordingDispatcher{})
	_, err := e.CreateAlert(AlertSpec{Name: "all"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				e.TrackError(context.Background(), ErrorEvent{Message: "same", Agent: "render"})
			}
		}()
	}
	wg.Wait()

	records := e.Errors("render")
	require.Len(t, records, 1)
	assert.Equal(t, 200, records[0].Frequency)
	assert.Equal(t, 200, e.ListAlerts(AlertFilter{})[0].TriggerCount)
}
