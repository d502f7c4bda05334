package models

import "time"

// TriggerSource names what caused an execution to start.
type TriggerSource string

const (
	TriggeredBySchedule TriggerSource = "schedule"
	TriggeredByWebhook  TriggerSource = "webhook"
	TriggeredByAPI      TriggerSource = "api"
	TriggeredByEvent    TriggerSource = "event"
	TriggeredByManual   TriggerSource = "manual"
)

// Schedule is a cron trigger bound to a workflow root.
type Schedule struct {
	ID              string     `json:"id"`
	OrganizationID  string     `json:"organization_id"  validate:"required"`
	WorkflowRootID  string     `json:"workflow_root_id" validate:"required"`
	CronExpression  string     `json:"cron_expression"  validate:"required"`
	Timezone        string     `json:"timezone"`
	IsActive        bool       `json:"is_active"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Webhook is an HTTP entry point bound to a workflow root. Deliveries are addressed by Token.
type Webhook struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organization_id"  validate:"required"`
	WorkflowRootID  string         `json:"workflow_root_id" validate:"required"`
	Token           string         `json:"token"            validate:"required"`
	IsActive        bool           `json:"is_active"`
	PayloadSchema   map[string]any `json:"payload_schema,omitempty"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// APIKey authorizes programmatic triggers of a workflow root. Only the key hash is stored.
type APIKey struct {
	ID              string     `json:"id"`
	OrganizationID  string     `json:"organization_id"  validate:"required"`
	WorkflowRootID  string     `json:"workflow_root_id" validate:"required"`
	KeyHash         string     `json:"-"`
	Prefix          string     `json:"prefix"`
	IsActive        bool       `json:"is_active"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Expired reports whether the key can no longer be used at the given instant.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// EventSubscription starts a workflow root whenever an event of EventType is dispatched
// and every Filter entry equals the value at the same dotted path in the event data.
type EventSubscription struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organization_id"  validate:"required"`
	WorkflowRootID  string         `json:"workflow_root_id" validate:"required"`
	EventType       string         `json:"event_type"       validate:"required"`
	Filter          map[string]any `json:"filter,omitempty"`
	IsActive        bool           `json:"is_active"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TriggerLog is the append-only idempotency record of a trigger attempt,
// unique per (OrganizationID, IdempotencyKey).
type TriggerLog struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	WorkflowRootID string        `json:"workflow_root_id"`
	TriggerType    TriggerSource `json:"trigger_type"`
	IdempotencyKey string        `json:"idempotency_key"`
	CreatedAt      time.Time     `json:"created_at"`
}
