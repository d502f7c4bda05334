package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/persistence"
)

// CleanupJobRepository is the durable queue of delayed blob deletions.
type CleanupJobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCleanupJobRepository creates a new cleanup job repository.
func NewCleanupJobRepository(db *sql.DB, logger *slog.Logger) *CleanupJobRepository {
	return &CleanupJobRepository{db: db, logger: logger}
}

func (r *CleanupJobRepository) Schedule(ctx context.Context, job *models.CleanupJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO execution_cleanup_jobs (id, execution_id, variables_storage_id, output_storage_id,
			run_at, attempts, last_error, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.ExecutionID,
		job.VariablesStorageID,
		job.OutputStorageID,
		job.RunAt,
		job.Attempts,
		job.LastError,
		job.CreatedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule cleanup job: %w", err)
	}

	return nil
}

// ClaimDue leases due jobs with FOR UPDATE SKIP LOCKED so concurrent workers never share a job.
func (r *CleanupJobRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.CleanupJob, error) {
	query := `
		UPDATE execution_cleanup_jobs
		SET leased_until = $2, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM execution_cleanup_jobs
			WHERE completed_at IS NULL
			  AND run_at <= $1
			  AND (leased_until IS NULL OR leased_until <= $1)
			ORDER BY run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, execution_id, variables_storage_id, output_storage_id,
			run_at, attempts, last_error, created_at, completed_at
	`

	rows, err := r.db.QueryContext(ctx, query, now, now.Add(lease), sql.NullInt64{Int64: int64(limit), Valid: limit > 0})
	if err != nil {
		return nil, fmt.Errorf("failed to claim cleanup jobs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	jobs := make([]*models.CleanupJob, 0)

	for rows.Next() {
		var job models.CleanupJob

		err := rows.Scan(
			&job.ID,
			&job.ExecutionID,
			&job.VariablesStorageID,
			&job.OutputStorageID,
			&job.RunAt,
			&job.Attempts,
			&job.LastError,
			&job.CreatedAt,
			&job.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cleanup job: %w", err)
		}

		jobs = append(jobs, &job)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating cleanup jobs: %w", err)
	}

	return jobs, nil
}

func (r *CleanupJobRepository) Complete(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, id, "UPDATE execution_cleanup_jobs SET completed_at = $2 WHERE id = $1", at)
}

func (r *CleanupJobRepository) Reschedule(ctx context.Context, id string, runAt time.Time, lastError string) error {
	return r.update(ctx, id,
		"UPDATE execution_cleanup_jobs SET run_at = $2, last_error = $3, leased_until = NULL WHERE id = $1",
		runAt, lastError)
}

func (r *CleanupJobRepository) update(ctx context.Context, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update cleanup job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrCleanupJobNotFound
	}

	return nil
}
