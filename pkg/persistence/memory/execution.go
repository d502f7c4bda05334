package memory

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/persistence"
)

type executionRow struct {
	execution models.Execution
}

func copyExecution(e models.Execution) *models.Execution {
	e.CurrentStepSlug = clonePtr(e.CurrentStepSlug)
	e.WaitingFor = clonePtr(e.WaitingFor)
	e.Input = cloneMap(e.Input)
	e.TriggerData = cloneMap(e.TriggerData)
	e.Variables = clonePtr(e.Variables)
	e.VariablesStorageID = clonePtr(e.VariablesStorageID)
	e.Output = clonePtr(e.Output)
	e.OutputStorageID = clonePtr(e.OutputStorageID)
	e.Metadata = cloneMap(e.Metadata)
	e.CompletedAt = clonePtr(e.CompletedAt)

	return &e
}

type executionRepository struct {
	p *Persistence
}

func (r *executionRepository) Create(_ context.Context, execution *models.Execution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if execution.ID == "" {
		execution.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if execution.StartedAt.IsZero() {
		execution.StartedAt = now
	}

	execution.UpdatedAt = now

	r.p.executions[execution.ID] = executionRow{execution: *copyExecution(*execution)}

	return nil
}

func (r *executionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
	}

	return copyExecution(row.execution), nil
}

func (r *executionRepository) Patch(_ context.Context, id string, patch models.ExecutionPatch) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.executions[id]
	if !ok {
		return persistence.NewExecutionError("Patch", id, persistence.ErrExecutionNotFound)
	}

	e := &row.execution

	if len(patch.FromStatuses) > 0 && !slices.Contains(patch.FromStatuses, e.Status) {
		return persistence.NewExecutionError("Patch", id, persistence.ErrExecutionStatusConflict)
	}

	if patch.Status != nil {
		e.Status = *patch.Status
	}

	applyNullable(&e.CurrentStepSlug, patch.CurrentStepSlug)
	applyNullable(&e.WaitingFor, patch.WaitingFor)
	applyNullable(&e.Variables, patch.Variables)
	applyNullable(&e.VariablesStorageID, patch.VariablesStorageID)
	applyNullable(&e.Output, patch.Output)
	applyNullable(&e.OutputStorageID, patch.OutputStorageID)

	if patch.Metadata.Set {
		if patch.Metadata.Value == nil {
			e.Metadata = nil
		} else {
			e.Metadata = cloneMap(*patch.Metadata.Value)
		}
	}

	if patch.CompletedAt != nil {
		e.CompletedAt = clonePtr(patch.CompletedAt)
	}

	e.UpdatedAt = time.Now().UTC()
	r.p.executions[id] = row

	return nil
}

func applyNullable[T any](field **T, value models.Nullable[T]) {
	if value.Set {
		*field = clonePtr(value.Value)
	}
}

func (r *executionRepository) LastStartTimes(_ context.Context, wfDefinitionIDs []string) (map[string]time.Time, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	result := make(map[string]time.Time)

	for _, row := range r.p.executions {
		id := row.execution.WfDefinitionID
		if !slices.Contains(wfDefinitionIDs, id) {
			continue
		}

		if latest, ok := result[id]; !ok || row.execution.StartedAt.After(latest) {
			result[id] = row.execution.StartedAt
		}
	}

	return result, nil
}
