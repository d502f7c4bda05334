package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/persistence"
)

const workflowColumns = `
	id
  , organization_id
  , workflow_root_id
  , name
  , version
  , status
  , config
  , created_at
  , updated_at
  , published_at`

// WorkflowRepository handles workflow definition database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

// Save inserts or updates a workflow version. Saving an active version archives the other
// active version of the same root in the same transaction.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.WorkflowDefinition) error {
	now := time.Now().UTC()

	if workflow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate workflow ID: %w", err)
		}

		workflow.ID = id.String()
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

	configJSON, err := jsonColumn(workflow.Config)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if workflow.IsActive() {
		err = archiveActive(ctx, tx, workflow.OrganizationID, workflow.WorkflowRootID, workflow.ID, now)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO workflow_definitions (` + workflowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			status = EXCLUDED.status,
			config = EXCLUDED.config,
			updated_at = EXCLUDED.updated_at,
			published_at = EXCLUDED.published_at
	`

	_, err = tx.ExecContext(ctx, query,
		workflow.ID,
		workflow.OrganizationID,
		workflow.WorkflowRootID,
		workflow.Name,
		workflow.Version,
		workflow.Status,
		configJSON,
		workflow.CreatedAt,
		workflow.UpdatedAt,
		workflow.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflow_definitions WHERE id = $1`

	workflow, err := scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	return workflow, nil
}

func (r *WorkflowRepository) ActiveVersion(ctx context.Context, organizationID, workflowRootID string) (*models.WorkflowDefinition, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflow_definitions
		WHERE organization_id = $1 AND workflow_root_id = $2 AND status = 'active'
	`

	workflow, err := scanWorkflow(r.db.QueryRowContext(ctx, query, organizationID, workflowRootID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowRootError("ActiveVersion", workflowRootID, persistence.ErrActiveWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	return workflow, nil
}

func (r *WorkflowRepository) Publish(ctx context.Context, id string) error {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var organizationID, rootID string

	err = tx.QueryRowContext(ctx,
		`SELECT organization_id, workflow_root_id FROM workflow_definitions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&organizationID, &rootID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewWorkflowError("Publish", id, persistence.ErrWorkflowNotFound)
		}

		return fmt.Errorf("failed to load workflow: %w", err)
	}

	err = archiveActive(ctx, tx, organizationID, rootID, id, now)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE workflow_definitions SET status = 'active', published_at = $2, updated_at = $2 WHERE id = $1`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("failed to publish workflow: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func archiveActive(ctx context.Context, tx *sql.Tx, organizationID, rootID, exceptID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE workflow_definitions SET status = 'archived', updated_at = $4
		WHERE organization_id = $1 AND workflow_root_id = $2 AND id <> $3 AND status = 'active'
	`, organizationID, rootID, exceptID, now)
	if err != nil {
		return fmt.Errorf("failed to archive active workflow: %w", err)
	}

	return nil
}

func scanWorkflow(row scanner) (*models.WorkflowDefinition, error) {
	var (
		workflow   models.WorkflowDefinition
		configJSON []byte
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.OrganizationID,
		&workflow.WorkflowRootID,
		&workflow.Name,
		&workflow.Version,
		&workflow.Status,
		&configJSON,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
		&workflow.PublishedAt,
	)
	if err != nil {
		return nil, err
	}

	workflow.Config, err = decodeJSONColumn(configJSON)
	if err != nil {
		return nil, err
	}

	return &workflow, nil
}
