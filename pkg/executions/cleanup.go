package executions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/flowlane/pkg/blob"
	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/persistence"
)

// CleanupStorage deletes the blobs captured by job that the execution still references. A blob
// superseded since the job was scheduled is left alone. When the execution no longer exists the
// captured blobs are orphans and are deleted unconditionally.
func (s *Service) CleanupStorage(ctx context.Context, job models.CleanupJob) error {
	execution, err := s.executions.GetByID(ctx, job.ExecutionID)
	if errors.Is(err, persistence.ErrExecutionNotFound) {
		var deleteErr error

		for _, id := range []*string{job.VariablesStorageID, job.OutputStorageID} {
			if id != nil {
				deleteErr = errors.Join(deleteErr, s.deleteBlob(ctx, *id))
			}
		}

		return deleteErr
	}

	if err != nil {
		return err
	}

	var patch models.ExecutionPatch

	if fenced(job.VariablesStorageID, execution.VariablesStorageID) {
		err = s.deleteBlob(ctx, *job.VariablesStorageID)
		if err != nil {
			return err
		}

		patch.VariablesStorageID = models.Clear[string]()
	} else if job.VariablesStorageID != nil {
		s.logger.InfoContext(ctx, "Skipping superseded variables blob",
			"execution_id", job.ExecutionID, "storage_id", *job.VariablesStorageID)
	}

	if fenced(job.OutputStorageID, execution.OutputStorageID) {
		err = s.deleteBlob(ctx, *job.OutputStorageID)
		if err != nil {
			return err
		}

		patch.OutputStorageID = models.Clear[string]()
	} else if job.OutputStorageID != nil {
		s.logger.InfoContext(ctx, "Skipping superseded output blob",
			"execution_id", job.ExecutionID, "storage_id", *job.OutputStorageID)
	}

	if !patch.VariablesStorageID.Set && !patch.OutputStorageID.Set {
		return nil
	}

	err = s.executions.Patch(ctx, job.ExecutionID, patch)
	if err != nil && !errors.Is(err, persistence.ErrExecutionNotFound) {
		return fmt.Errorf("failed to clear storage ids: %w", err)
	}

	return nil
}

// fenced reports whether the captured id is still the one the execution references.
func fenced(captured, current *string) bool {
	return captured != nil && current != nil && *captured == *current
}

// deleteBlob deletes a blob, treating an already deleted blob as success.
func (s *Service) deleteBlob(ctx context.Context, id string) error {
	err := s.blobs.Delete(ctx, id)
	if errors.Is(err, blob.ErrNotFound) {
		s.logger.DebugContext(ctx, "Blob already deleted", "storage_id", id)

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", id, err)
	}

	return nil
}

// CleanupWorkerConfig tunes the polling of due cleanup jobs.
type CleanupWorkerConfig struct {
	Interval   time.Duration
	BatchSize  int
	Lease      time.Duration
	RetryDelay time.Duration
}

// DefaultCleanupWorkerConfig polls every minute.
func DefaultCleanupWorkerConfig() CleanupWorkerConfig {
	return CleanupWorkerConfig{
		Interval:   time.Minute,
		BatchSize:  50,
		Lease:      5 * time.Minute,
		RetryDelay: 10 * time.Minute,
	}
}

// CleanupWorker runs due cleanup jobs. Several workers may poll the same queue; a leased job is
// invisible to the others until its lease expires.
type CleanupWorker struct {
	service *Service
	jobs    persistence.CleanupJobRepository
	config  CleanupWorkerConfig
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	done    chan struct{}
	stopped chan struct{}
}

func NewCleanupWorker(service *Service, jobs persistence.CleanupJobRepository, config CleanupWorkerConfig, logger *slog.Logger) *CleanupWorker {
	defaults := DefaultCleanupWorkerConfig()

	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}

	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}

	if config.Lease <= 0 {
		config.Lease = defaults.Lease
	}

	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}

	return &CleanupWorker{
		service: service,
		jobs:    jobs,
		config:  config,
		logger:  logger.With("module", "cleanup_worker"),
	}
}

// Start polls in the background until Stop is called or ctx is done.
func (w *CleanupWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return
	}

	w.started = true
	w.done = make(chan struct{})
	w.stopped = make(chan struct{})

	w.logger.InfoContext(ctx, "Starting cleanup worker", "interval", w.config.Interval)

	go w.poll(ctx)
}

// Stop ends polling and waits for the running batch to finish.
func (w *CleanupWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return
	}

	close(w.done)
	<-w.stopped

	w.started = false
	w.logger.Info("Cleanup worker stopped")
}

func (w *CleanupWorker) poll(ctx context.Context) {
	defer close(w.stopped)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce processes one batch of due jobs and returns how many completed.
func (w *CleanupWorker) RunOnce(ctx context.Context) int {
	now := w.service.now().UTC()

	jobs, err := w.jobs.ClaimDue(ctx, now, w.config.Lease, w.config.BatchSize)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to claim cleanup jobs", "error", err)

		return 0
	}

	completed := 0

	for _, job := range jobs {
		logger := w.logger.With("job_id", job.ID, "execution_id", job.ExecutionID, "attempts", job.Attempts)

		err = w.service.CleanupStorage(ctx, *job)
		if err != nil {
			logger.WarnContext(ctx, "Cleanup job failed, rescheduling", "error", err)

			rescheduleErr := w.jobs.Reschedule(ctx, job.ID, now.Add(w.config.RetryDelay), err.Error())
			if rescheduleErr != nil {
				logger.ErrorContext(ctx, "Failed to reschedule cleanup job", "error", rescheduleErr)
			}

			continue
		}

		err = w.jobs.Complete(ctx, job.ID, now)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to complete cleanup job", "error", err)

			continue
		}

		logger.InfoContext(ctx, "Cleanup job completed")

		completed++
	}

	return completed
}
