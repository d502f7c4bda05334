package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/persistence"
)

const executionColumns = `
	id
  , organization_id
  , wf_definition_id
  , workflow_root_id
  , status
  , current_step_slug
  , waiting_for
  , input
  , triggered_by
  , trigger_data
  , variables
  , variables_storage_id
  , output
  , output_storage_id
  , metadata
  , started_at
  , completed_at
  , updated_at`

// ExecutionRepository handles workflow run database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

func (r *ExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	if execution.ID == "" {
		execution.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if execution.StartedAt.IsZero() {
		execution.StartedAt = now
	}

	execution.UpdatedAt = now

	inputJSON, err := jsonColumn(execution.Input)
	if err != nil {
		return err
	}

	triggerDataJSON, err := jsonColumn(execution.TriggerData)
	if err != nil {
		return err
	}

	metadataJSON, err := jsonColumn(execution.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.OrganizationID,
		execution.WfDefinitionID,
		execution.WorkflowRootID,
		execution.Status,
		execution.CurrentStepSlug,
		execution.WaitingFor,
		inputJSON,
		execution.TriggeredBy,
		triggerDataJSON,
		execution.Variables,
		execution.VariablesStorageID,
		execution.Output,
		execution.OutputStorageID,
		metadataJSON,
		execution.StartedAt,
		execution.CompletedAt,
		execution.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

type setClause struct {
	parts []string
	args  []any
}

func (s *setClause) add(column string, value any) {
	s.args = append(s.args, value)
	s.parts = append(s.parts, column+" = $"+strconv.Itoa(len(s.args)))
}

func addNullable[T any](s *setClause, column string, value models.Nullable[T]) {
	if value.Set {
		s.add(column, value.Value)
	}
}

// Patch writes the set fields of patch in one UPDATE, guarded by FromStatuses when present.
func (r *ExecutionRepository) Patch(ctx context.Context, id string, patch models.ExecutionPatch) error {
	set := &setClause{}

	if patch.Status != nil {
		set.add("status", *patch.Status)
	}

	addNullable(set, "current_step_slug", patch.CurrentStepSlug)
	addNullable(set, "waiting_for", patch.WaitingFor)
	addNullable(set, "variables", patch.Variables)
	addNullable(set, "variables_storage_id", patch.VariablesStorageID)
	addNullable(set, "output", patch.Output)
	addNullable(set, "output_storage_id", patch.OutputStorageID)

	if patch.Metadata.Set {
		var metadata map[string]any
		if patch.Metadata.Value != nil {
			metadata = *patch.Metadata.Value
		}

		metadataJSON, err := jsonColumn(metadata)
		if err != nil {
			return err
		}

		set.add("metadata", metadataJSON)
	}

	if patch.CompletedAt != nil {
		set.add("completed_at", *patch.CompletedAt)
	}

	set.add("updated_at", time.Now().UTC())

	set.args = append(set.args, id)
	query := "UPDATE executions SET " + strings.Join(set.parts, ", ") + " WHERE id = $" + strconv.Itoa(len(set.args))

	if len(patch.FromStatuses) > 0 {
		statuses := make([]string, 0, len(patch.FromStatuses))
		for _, status := range patch.FromStatuses {
			statuses = append(statuses, string(status))
		}

		set.args = append(set.args, pq.Array(statuses))
		query += " AND status = ANY($" + strconv.Itoa(len(set.args)) + ")"
	}

	result, err := r.db.ExecContext(ctx, query, set.args...)
	if err != nil {
		return fmt.Errorf("failed to patch execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected > 0 {
		return nil
	}

	var exists bool

	err = r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check execution: %w", err)
	}

	if !exists {
		return persistence.NewExecutionError("Patch", id, persistence.ErrExecutionNotFound)
	}

	return persistence.NewExecutionError("Patch", id, persistence.ErrExecutionStatusConflict)
}

func (r *ExecutionRepository) LastStartTimes(ctx context.Context, wfDefinitionIDs []string) (map[string]time.Time, error) {
	result := make(map[string]time.Time)

	if len(wfDefinitionIDs) == 0 {
		return result, nil
	}

	query := `
		SELECT wf_definition_id, MAX(started_at)
		FROM executions
		WHERE wf_definition_id = ANY($1)
		GROUP BY wf_definition_id
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(wfDefinitionIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query last start times: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	for rows.Next() {
		var (
			id        string
			startedAt time.Time
		)

		err := rows.Scan(&id, &startedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan last start time: %w", err)
		}

		result[id] = startedAt
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating last start times: %w", err)
	}

	return result, nil
}

func scanExecution(row scanner) (*models.Execution, error) {
	var (
		execution                                models.Execution
		inputJSON, triggerDataJSON, metadataJSON []byte
	)

	err := row.Scan(
		&execution.ID,
		&execution.OrganizationID,
		&execution.WfDefinitionID,
		&execution.WorkflowRootID,
		&execution.Status,
		&execution.CurrentStepSlug,
		&execution.WaitingFor,
		&inputJSON,
		&execution.TriggeredBy,
		&triggerDataJSON,
		&execution.Variables,
		&execution.VariablesStorageID,
		&execution.Output,
		&execution.OutputStorageID,
		&metadataJSON,
		&execution.StartedAt,
		&execution.CompletedAt,
		&execution.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if execution.Input, err = decodeJSONColumn(inputJSON); err != nil {
		return nil, err
	}

	if execution.TriggerData, err = decodeJSONColumn(triggerDataJSON); err != nil {
		return nil, err
	}

	if execution.Metadata, err = decodeJSONColumn(metadataJSON); err != nil {
		return nil, err
	}

	return &execution, nil
}
