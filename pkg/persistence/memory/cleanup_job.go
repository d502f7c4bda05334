package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/persistence"
)

type cleanupJobRow struct {
	job         models.CleanupJob
	leasedUntil time.Time
}

type cleanupJobRepository struct {
	p *Persistence
}

func (r *cleanupJobRepository) Schedule(_ context.Context, job *models.CleanupJob) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	stored := *job
	stored.VariablesStorageID = clonePtr(job.VariablesStorageID)
	stored.OutputStorageID = clonePtr(job.OutputStorageID)
	stored.CompletedAt = clonePtr(job.CompletedAt)
	r.p.cleanupJobs[job.ID] = cleanupJobRow{job: stored}

	return nil
}

func (r *cleanupJobRepository) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*models.CleanupJob, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	due := make([]string, 0)

	for id, row := range r.p.cleanupJobs {
		if row.job.CompletedAt != nil || row.job.RunAt.After(now) || row.leasedUntil.After(now) {
			continue
		}

		due = append(due, id)
	}

	sort.Slice(due, func(i, j int) bool {
		return r.p.cleanupJobs[due[i]].job.RunAt.Before(r.p.cleanupJobs[due[j]].job.RunAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	jobs := make([]*models.CleanupJob, 0, len(due))

	for _, id := range due {
		row := r.p.cleanupJobs[id]
		row.leasedUntil = now.Add(lease)
		row.job.Attempts++
		r.p.cleanupJobs[id] = row

		job := row.job
		job.VariablesStorageID = clonePtr(row.job.VariablesStorageID)
		job.OutputStorageID = clonePtr(row.job.OutputStorageID)
		jobs = append(jobs, &job)
	}

	return jobs, nil
}

func (r *cleanupJobRepository) Complete(_ context.Context, id string, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.cleanupJobs[id]
	if !ok {
		return persistence.ErrCleanupJobNotFound
	}

	row.job.CompletedAt = &at
	r.p.cleanupJobs[id] = row

	return nil
}

func (r *cleanupJobRepository) Reschedule(_ context.Context, id string, runAt time.Time, lastError string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.cleanupJobs[id]
	if !ok {
		return persistence.ErrCleanupJobNotFound
	}

	row.job.RunAt = runAt
	row.job.LastError = lastError
	row.leasedUntil = time.Time{}
	r.p.cleanupJobs[id] = row

	return nil
}
