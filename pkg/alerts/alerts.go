package alerts

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ryouol/agent-diagnostics/pkg/models"
)

// DefaultAlertType is used when a spec leaves Type empty
const DefaultAlertType = "error"

// AlertSpec is the user-supplied definition of a rule
type AlertSpec struct {
	Name        string                 `json:"name" yaml:"name" validate:"required"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Type        string                 `json:"type,omitempty" yaml:"type,omitempty"`
	Enabled     *bool                  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Conditions  models.AlertConditions `json:"conditions" yaml:"conditions"`
	Actions     models.AlertActions    `json:"actions" yaml:"actions"`
}

// AlertPatch changes the non-nil fields of an alert
type AlertPatch struct {
	Name         *string                 `json:"name,omitempty"`
	Description  *string                 `json:"description,omitempty"`
	Type         *string                 `json:"type,omitempty"`
	Enabled      *bool                   `json:"enabled,omitempty"`
	Conditions   *models.AlertConditions `json:"conditions,omitempty"`
	Actions      *models.AlertActions    `json:"actions,omitempty"`
	Status       *models.AlertStatus     `json:"status,omitempty" validate:"omitempty,oneof=active triggered resolved snoozed"`
	SnoozedUntil *time.Time              `json:"snoozedUntil,omitempty"`
}

// AlertFilter narrows ListAlerts. Zero fields match everything.
type AlertFilter struct {
	Enabled *bool
	Status  models.AlertStatus
	Type    string
	// Agent matches rules that list the agent or have no agent condition.
	Agent string
}

// CreateAlert validates spec and stores a new active alert.
func (e *Engine) CreateAlert(spec AlertSpec) (models.Alert, error) {
	if err := models.Validate(spec); err != nil {
		return models.Alert{}, err
	}

	now := e.config.Now()
	a := &models.Alert{
		ID:          uuid.New().String(),
		Name:        spec.Name,
		Description: spec.Description,
		Type:        spec.Type,
		Enabled:     spec.Enabled == nil || *spec.Enabled,
		Conditions:  cloneConditions(spec.Conditions),
		Actions:     cloneActions(spec.Actions),
		Status:      models.AlertActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if a.Type == "" {
		a.Type = DefaultAlertType
	}

	e.mutex.Lock()
	e.alerts[a.ID] = a
	out := cloneAlert(*a)
	e.mutex.Unlock()

	e.logger.Info("Alert created", "alert_id", out.ID, "alert", out.Name)
	return out, nil
}

// UpdateAlert applies patch. The id and creation time never change.
func (e *Engine) UpdateAlert(id string, patch AlertPatch) (models.Alert, error) {
	if err := models.Validate(patch); err != nil {
		return models.Alert{}, err
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	current, ok := e.alerts[id]
	if !ok {
		return models.Alert{}, &models.NotFoundError{Kind: alertKind, ID: id}
	}

	next := cloneAlert(*current)
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Type != nil {
		next.Type = *patch.Type
		if next.Type == "" {
			next.Type = DefaultAlertType
		}
	}
	if patch.Enabled != nil {
		next.Enabled = *patch.Enabled
	}
	if patch.Conditions != nil {
		next.Conditions = cloneConditions(*patch.Conditions)
	}
	if patch.Actions != nil {
		next.Actions = cloneActions(*patch.Actions)
	}
	if patch.Status != nil {
		next.Status = *patch.Status
		if next.Status != models.AlertSnoozed {
			next.SnoozedUntil = nil
		}
	}
	if patch.SnoozedUntil != nil {
		until := *patch.SnoozedUntil
		next.SnoozedUntil = &until
		next.Status = models.AlertSnoozed
	}

	if err := models.Validate(specOf(next)); err != nil {
		return models.Alert{}, err
	}

	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = e.config.Now()
	*current = next
	return cloneAlert(next), nil
}

// DeleteAlert removes the alert and its trigger history.
func (e *Engine) DeleteAlert(id string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if _, ok := e.alerts[id]; !ok {
		return &models.NotFoundError{Kind: alertKind, ID: id}
	}
	delete(e.alerts, id)
	delete(e.triggers, id)
	return nil
}

// GetAlert returns a copy of one alert.
func (e *Engine) GetAlert(id string) (models.Alert, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	a, ok := e.alerts[id]
	if !ok {
		return models.Alert{}, &models.NotFoundError{Kind: alertKind, ID: id}
	}
	return cloneAlert(*a), nil
}

// ListAlerts returns the alerts matching f ordered by creation time, then id.
func (e *Engine) ListAlerts(f AlertFilter) []models.Alert {
	e.mutex.RLock()
	out := make([]models.Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		if f.Enabled != nil && a.Enabled != *f.Enabled {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.Agent != "" && len(a.Conditions.Agent) > 0 && !containsString(a.Conditions.Agent, f.Agent) {
			continue
		}
		out = append(out, cloneAlert(*a))
	}
	e.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SyncRules creates or updates alerts by name. Alerts whose names are not in
// specs are left untouched. Every spec is validated before anything changes.
func (e *Engine) SyncRules(specs []AlertSpec) (created, updated int, err error) {
	for _, spec := range specs {
		if err := models.Validate(spec); err != nil {
			return 0, 0, err
		}
	}

	for _, spec := range specs {
		id, exists := e.findByName(spec.Name)
		if !exists {
			if _, err := e.CreateAlert(spec); err != nil {
				return created, updated, err
			}
			created++
			continue
		}

		s := spec
		enabled := s.Enabled == nil || *s.Enabled
		patch := AlertPatch{
			Description: &s.Description,
			Type:        &s.Type,
			Enabled:     &enabled,
			Conditions:  &s.Conditions,
			Actions:     &s.Actions,
		}
		if _, err := e.UpdateAlert(id, patch); err != nil {
			return created, updated, err
		}
		updated++
	}

	e.logger.Info("Alert rules synced", "created", created, "updated", updated)
	return created, updated, nil
}

func (e *Engine) findByName(name string) (string, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	var match *models.Alert
	for _, a := range e.alerts {
		if a.Name != name {
			continue
		}
		if match == nil || a.CreatedAt.Before(match.CreatedAt) || (a.CreatedAt.Equal(match.CreatedAt) && a.ID < match.ID) {
			match = a
		}
	}
	if match == nil {
		return "", false
	}
	return match.ID, true
}

func specOf(a models.Alert) AlertSpec {
	enabled := a.Enabled
	return AlertSpec{
		Name:        a.Name,
		Description: a.Description,
		Type:        a.Type,
		Enabled:     &enabled,
		Conditions:  a.Conditions,
		Actions:     a.Actions,
	}
}

func cloneConditions(c models.AlertConditions) models.AlertConditions {
	out := models.AlertConditions{
		Level: append([]models.ErrorLevel(nil), c.Level...),
		Agent: append([]string(nil), c.Agent...),
	}
	if c.ErrorRateThreshold != nil {
		v := *c.ErrorRateThreshold
		out.ErrorRateThreshold = &v
	}
	if c.FrequencyThreshold != nil {
		v := *c.FrequencyThreshold
		out.FrequencyThreshold = &v
	}
	if c.TimeWindowMinutes != nil {
		v := *c.TimeWindowMinutes
		out.TimeWindowMinutes = &v
	}
	return out
}

func cloneActions(a models.AlertActions) models.AlertActions {
	a.Email = append([]string(nil), a.Email...)
	return a
}

func cloneAlert(a models.Alert) models.Alert {
	a.Conditions = cloneConditions(a.Conditions)
	a.Actions = cloneActions(a.Actions)
	if a.SnoozedUntil != nil {
		t := *a.SnoozedUntil
		a.SnoozedUntil = &t
	}
	if a.LastTriggered != nil {
		t := *a.LastTriggered
		a.LastTriggered = &t
	}
	return a
}
