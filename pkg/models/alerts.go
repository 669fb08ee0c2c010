package models

import "time"

// ErrorLevel is the severity attached to a tracked error
type ErrorLevel string

const (
	ErrorLevelWarn     ErrorLevel = "warn"
	ErrorLevelError    ErrorLevel = "error"
	ErrorLevelCritical ErrorLevel = "critical"
)

// ErrorRecord is a deduplicated error occurrence for one agent
type ErrorRecord struct {
	ErrorID    string                 `json:"errorId"`
	Message    string                 `json:"message"`
	Level      ErrorLevel             `json:"level"`
	Agent      string                 `json:"agent"`
	Tool       string                 `json:"tool,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	StackTrace string                 `json:"stackTrace,omitempty"`
	FirstSeen  time.Time              `json:"firstSeen"`
	Timestamp  time.Time              `json:"timestamp"`
	Frequency  int                    `json:"frequency"`
}

// AlertStatus is the lifecycle state of an alert rule
type AlertStatus string

const (
	AlertActive    AlertStatus = "active"
	AlertTriggered AlertStatus = "triggered"
	AlertResolved  AlertStatus = "resolved"
	AlertSnoozed   AlertStatus = "snoozed"
)

// AlertConditions holds the rule's predicates. Nil/empty fields are "don't care".
type AlertConditions struct {
	Level              []ErrorLevel `json:"level,omitempty" yaml:"level,omitempty" validate:"omitempty,dive,oneof=warn error critical"`
	Agent              []string     `json:"agent,omitempty" yaml:"agent,omitempty"`
	ErrorRateThreshold *float64     `json:"errorRateThreshold,omitempty" yaml:"errorRateThreshold,omitempty" validate:"omitempty,gte=0"`
	FrequencyThreshold *int         `json:"frequencyThreshold,omitempty" yaml:"frequencyThreshold,omitempty" validate:"omitempty,gte=0"`
	TimeWindowMinutes  *int         `json:"timeWindowMinutes,omitempty" yaml:"timeWindowMinutes,omitempty" validate:"omitempty,gt=0"`
}

// AlertActions configures what happens when a rule triggers
type AlertActions struct {
	Notify  bool     `json:"notify" yaml:"notify"`
	Email   []string `json:"email,omitempty" yaml:"email,omitempty" validate:"omitempty,dive,email"`
	Webhook string   `json:"webhook,omitempty" yaml:"webhook,omitempty" validate:"omitempty,url"`
}

// Alert is a stored rule evaluated against incoming error records
type Alert struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Type          string          `json:"type"`
	Enabled       bool            `json:"enabled"`
	Conditions    AlertConditions `json:"conditions"`
	Actions       AlertActions    `json:"actions"`
	Status        AlertStatus     `json:"status"`
	SnoozedUntil  *time.Time      `json:"snoozedUntil,omitempty"`
	TriggerCount  int             `json:"triggerCount"`
	LastTriggered *time.Time      `json:"lastTriggered,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// TriggerRecord captures one firing of an alert and the outcome of its actions
type TriggerRecord struct {
	AlertID        string    `json:"alertId"`
	AlertName      string    `json:"alertName"`
	ErrorID        string    `json:"errorId"`
	Agent          string    `json:"agent"`
	Message        string    `json:"message"`
	TriggeredAt    time.Time `json:"triggeredAt"`
	DeliveryErrors []string  `json:"deliveryErrors,omitempty"`
}
