// Package models defines the domain models for workflow scheduling, execution and incremental integration fetches.
package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow version.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"    // Editable, not executable
	WorkflowStatusActive   WorkflowStatus = "active"   // The single executable version of a root
	WorkflowStatusArchived WorkflowStatus = "archived" // Previously active, kept for executions that reference it
)

// WorkflowDefinition is one version of a workflow. All versions of the same workflow share a
// WorkflowRootID; at most one of them is active at a time.
type WorkflowDefinition struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"  validate:"required"`
	WorkflowRootID string         `json:"workflow_root_id" validate:"required"`
	Name           string         `json:"name"             validate:"required,min=3"`
	Version        int            `json:"version"`
	Status         WorkflowStatus `json:"status"           validate:"required,oneof=draft active archived"`
	Config         map[string]any `json:"config,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	PublishedAt    *time.Time     `json:"published_at,omitempty"`
}

// IsActive reports whether this version is the executable one.
func (w *WorkflowDefinition) IsActive() bool {
	return w.Status == WorkflowStatusActive
}
