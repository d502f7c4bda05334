package models

import "time"

// ExecutionStatus represents the lifecycle state of a workflow run.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed out of the status.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusWaiting,
		ExecutionStatusCompleted, ExecutionStatusFailed:
		return true
	default:
		return false
	}
}

// NonTerminalStatuses lists every status an execution may still leave.
var NonTerminalStatuses = []ExecutionStatus{
	ExecutionStatusPending,
	ExecutionStatusRunning,
	ExecutionStatusWaiting,
}

// Execution is one run of a workflow definition.
//
// Variables and Output are each held either inline (a serialized JSON string) or in blob
// storage (the *StorageID field). At most one of the pair is set at any time.
type Execution struct {
	ID                 string          `json:"id"`
	OrganizationID     string          `json:"organization_id"`
	WfDefinitionID     string          `json:"wf_definition_id"`
	WorkflowRootID     string          `json:"workflow_root_id"`
	Status             ExecutionStatus `json:"status"`
	CurrentStepSlug    *string         `json:"current_step_slug,omitempty"`
	WaitingFor         *string         `json:"waiting_for,omitempty"`
	Input              map[string]any  `json:"input,omitempty"`
	TriggeredBy        TriggerSource   `json:"triggered_by"`
	TriggerData        map[string]any  `json:"trigger_data,omitempty"`
	Variables          *string         `json:"variables,omitempty"`
	VariablesStorageID *string         `json:"variables_storage_id,omitempty"`
	Output             *string         `json:"output,omitempty"`
	OutputStorageID    *string         `json:"output_storage_id,omitempty"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
	StartedAt          time.Time       `json:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ExecutionPatch lists the execution columns a single update writes. Unset fields are left untouched.
type ExecutionPatch struct {
	Status             *ExecutionStatus
	CurrentStepSlug    Nullable[string]
	WaitingFor         Nullable[string]
	Variables          Nullable[string]
	VariablesStorageID Nullable[string]
	Output             Nullable[string]
	OutputStorageID    Nullable[string]
	Metadata           Nullable[map[string]any]
	CompletedAt        *time.Time

	// FromStatuses, when non-empty, makes the patch conditional on the current status
	// being one of the listed values.
	FromStatuses []ExecutionStatus
}

// CleanupJob is a delayed, one-shot deletion of an execution's blobs. The captured storage ids
// fence the deletion: a blob is removed only if the execution still references it.
type CleanupJob struct {
	ID                 string     `json:"id"`
	ExecutionID        string     `json:"execution_id"`
	VariablesStorageID *string    `json:"variables_storage_id,omitempty"`
	OutputStorageID    *string    `json:"output_storage_id,omitempty"`
	RunAt              time.Time  `json:"run_at"`
	Attempts           int        `json:"attempts"`
	LastError          string     `json:"last_error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}
