package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/persistence"
)

type workflowRow struct {
	workflow models.WorkflowDefinition
}

func copyWorkflow(w models.WorkflowDefinition) *models.WorkflowDefinition {
	w.Config = cloneMap(w.Config)
	w.PublishedAt = clonePtr(w.PublishedAt)

	return &w
}

type workflowRepository struct {
	p *Persistence
}

func (r *workflowRepository) Save(_ context.Context, workflow *models.WorkflowDefinition) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()

	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}

	if workflow.WorkflowRootID == "" {
		workflow.WorkflowRootID = workflow.ID
	}

	if workflow.Status == "" {
		workflow.Status = models.WorkflowStatusDraft
	}

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	if workflow.Status == models.WorkflowStatusActive {
		for id, row := range r.p.workflows {
			if id != workflow.ID && row.workflow.OrganizationID == workflow.OrganizationID &&
				row.workflow.WorkflowRootID == workflow.WorkflowRootID && row.workflow.IsActive() {
				row.workflow.Status = models.WorkflowStatusArchived
				row.workflow.UpdatedAt = now
				r.p.workflows[id] = row
			}
		}
	}

	r.p.workflows[workflow.ID] = workflowRow{workflow: *copyWorkflow(*workflow)}

	return nil
}

func (r *workflowRepository) GetByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.workflows[id]
	if !ok {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	return copyWorkflow(row.workflow), nil
}

func (r *workflowRepository) ActiveVersion(_ context.Context, organizationID, workflowRootID string) (*models.WorkflowDefinition, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, row := range r.p.workflows {
		if row.workflow.OrganizationID == organizationID &&
			row.workflow.WorkflowRootID == workflowRootID && row.workflow.IsActive() {
			return copyWorkflow(row.workflow), nil
		}
	}

	return nil, persistence.NewWorkflowRootError("ActiveVersion", workflowRootID, persistence.ErrActiveWorkflowNotFound)
}

func (r *workflowRepository) Publish(_ context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	target, ok := r.p.workflows[id]
	if !ok {
		return persistence.NewWorkflowError("Publish", id, persistence.ErrWorkflowNotFound)
	}

	now := time.Now().UTC()

	for otherID, row := range r.p.workflows {
		if otherID != id && row.workflow.OrganizationID == target.workflow.OrganizationID &&
			row.workflow.WorkflowRootID == target.workflow.WorkflowRootID && row.workflow.IsActive() {
			row.workflow.Status = models.WorkflowStatusArchived
			row.workflow.UpdatedAt = now
			r.p.workflows[otherID] = row
		}
	}

	target.workflow.Status = models.WorkflowStatusActive
	target.workflow.PublishedAt = &now
	target.workflow.UpdatedAt = now
	r.p.workflows[id] = target

	return nil
}
