package web

import (
	"encoding/json"
	"time"

	"github.com/dukex/flowlane/pkg/models"
)

// TriggerRequest is the body of an API key or manual trigger.
type TriggerRequest struct {
	Input          map[string]any `json:"input,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
}

// EventRequest posts an external event.
type EventRequest struct {
	ID             string         `json:"id,omitempty"              validate:"omitempty,max=255"`
	OrganizationID string         `json:"organization_id"           validate:"required"`
	Name           string         `json:"name"                      validate:"required,max=255"`
	Data           map[string]any `json:"data,omitempty"`
}

// ResumeRequest carries the token the execution is waiting for.
type ResumeRequest struct {
	Token string `json:"token" validate:"required"`
}

// StatusRequest moves an execution to another status.
type StatusRequest struct {
	Status          string  `json:"status"                      validate:"required,oneof=pending running waiting completed failed"`
	CurrentStepSlug *string `json:"current_step_slug,omitempty"`
	WaitingFor      *string `json:"waiting_for,omitempty"`
	Error           *string `json:"error,omitempty"`
}

// CompleteRequest carries the final output and, optionally, the final variables.
type CompleteRequest struct {
	Output    any `json:"output"`
	Variables any `json:"variables,omitempty"`
}

// FailRequest carries the failure reason.
type FailRequest struct {
	Error string `json:"error" validate:"required"`
}

// VariablesRequest replaces the variables of a running execution.
type VariablesRequest struct {
	Variables any `json:"variables" validate:"required"`
}

// ProcessingRecordsRequest runs one processing records step inside an execution.
type ProcessingRecordsRequest struct {
	Params map[string]any `json:"params" validate:"required"`
}

// ExecutionResponse is an execution with its variables and output resolved from blob storage.
type ExecutionResponse struct {
	ID              string                 `json:"id"`
	OrganizationID  string                 `json:"organization_id"`
	WfDefinitionID  string                 `json:"wf_definition_id"`
	WorkflowRootID  string                 `json:"workflow_root_id"`
	Status          models.ExecutionStatus `json:"status"`
	CurrentStepSlug *string                `json:"current_step_slug,omitempty"`
	WaitingFor      *string                `json:"waiting_for,omitempty"`
	TriggeredBy     models.TriggerSource   `json:"triggered_by"`
	TriggerData     map[string]any         `json:"trigger_data,omitempty"`
	Input           map[string]any         `json:"input,omitempty"`
	Variables       json.RawMessage        `json:"variables,omitempty"`
	Output          json.RawMessage        `json:"output,omitempty"`
	Metadata        map[string]any         `json:"metadata,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// NewExecutionResponse builds the response of an execution whose payloads were already loaded.
func NewExecutionResponse(execution *models.Execution, variables, output json.RawMessage) ExecutionResponse {
	return ExecutionResponse{
		ID:              execution.ID,
		OrganizationID:  execution.OrganizationID,
		WfDefinitionID:  execution.WfDefinitionID,
		WorkflowRootID:  execution.WorkflowRootID,
		Status:          execution.Status,
		CurrentStepSlug: execution.CurrentStepSlug,
		WaitingFor:      execution.WaitingFor,
		TriggeredBy:     execution.TriggeredBy,
		TriggerData:     execution.TriggerData,
		Input:           execution.Input,
		Variables:       variables,
		Output:          output,
		Metadata:        execution.Metadata,
		StartedAt:       execution.StartedAt,
		CompletedAt:     execution.CompletedAt,
	}
}
