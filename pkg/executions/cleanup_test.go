package executions_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowlane/pkg/blob"
	"github.com/dukex/flowlane/pkg/executions"
	"github.com/dukex/flowlane/pkg/mocks"
	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/persistence/memory"
)

func TestService_CleanupStorageIsFenced(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	variables := f.putBlob(t, `{"v":1}`)
	output := f.putBlob(t, `{"o":1}`)
	require.NoError(t, f.store.ExecutionRepository().Patch(f.ctx, id, models.ExecutionPatch{
		VariablesStorageID: models.SetTo(variables),
		OutputStorageID:    models.SetTo(output),
	}))

	// the output was superseded after the job captured its id
	replacement := f.putBlob(t, `{"o":2}`)
	require.NoError(t, f.store.ExecutionRepository().Patch(f.ctx, id, models.ExecutionPatch{OutputStorageID: models.SetTo(replacement)}))

	err := f.service.CleanupStorage(f.ctx, models.CleanupJob{
		ExecutionID:        id,
		VariablesStorageID: &variables,
		OutputStorageID:    &output,
	})
	require.NoError(t, err)

	assert.False(t, f.blobs.Exists(variables))
	assert.True(t, f.blobs.Exists(output), "superseded blob is not the job's to delete")
	assert.True(t, f.blobs.Exists(replacement))

	execution := f.get(t, id)
	assert.Nil(t, execution.VariablesStorageID)
	assert.Equal(t, replacement, models.Deref(execution.OutputStorageID))
}

func TestService_CleanupStorageOfMissingExecution(t *testing.T) {
	f := newFixture(t)

	orphan := f.putBlob(t, `{"v":1}`)

	err := f.service.CleanupStorage(f.ctx, models.CleanupJob{ExecutionID: "gone", VariablesStorageID: &orphan})
	require.NoError(t, err)
	assert.False(t, f.blobs.Exists(orphan))

	// running it again finds nothing to delete and still succeeds
	require.NoError(t, f.service.CleanupStorage(f.ctx, models.CleanupJob{ExecutionID: "gone", VariablesStorageID: &orphan}))
}

func TestCleanupWorker_RunsDueJobs(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	variables := f.putBlob(t, `{"v":1}`)
	require.NoError(t, f.service.UpdateVariables(f.ctx, id, nil, &variables))
	require.NoError(t, f.service.Fail(f.ctx, id, "boom"))

	worker := executions.NewCleanupWorker(f.service, f.store.CleanupJobRepository(), executions.CleanupWorkerConfig{}, testLogger())

	assert.Equal(t, 0, worker.RunOnce(f.ctx))
	assert.True(t, f.blobs.Exists(variables))

	f.now = baseTime.Add(executions.RetentionWindow + time.Minute)

	assert.Equal(t, 1, worker.RunOnce(f.ctx))
	assert.False(t, f.blobs.Exists(variables))
	assert.Nil(t, f.get(t, id).VariablesStorageID)

	assert.Equal(t, 0, worker.RunOnce(f.ctx), "completed jobs do not run twice")
}

func TestCleanupWorker_ReschedulesFailures(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	blobs := &mocks.MockBlobStore{}
	now := baseTime

	service := executions.NewService(store, blobs, testLogger(), executions.WithClock(func() time.Time { return now }))

	orphan := "blob-1"
	require.NoError(t, store.CleanupJobRepository().Schedule(ctx, &models.CleanupJob{
		ExecutionID:        "gone",
		VariablesStorageID: &orphan,
		RunAt:              baseTime,
	}))

	blobs.On("Delete", mock.Anything, orphan).Return(errors.New("connection refused")).Once()

	config := executions.CleanupWorkerConfig{RetryDelay: time.Hour}
	worker := executions.NewCleanupWorker(service, store.CleanupJobRepository(), config, testLogger())

	assert.Equal(t, 0, worker.RunOnce(ctx))

	now = baseTime.Add(30 * time.Minute)
	assert.Equal(t, 0, worker.RunOnce(ctx), "retry waits for the delay")

	blobs.On("Delete", mock.Anything, orphan).Return(blob.ErrNotFound).Once()

	now = baseTime.Add(time.Hour)
	assert.Equal(t, 1, worker.RunOnce(ctx))

	blobs.AssertExpectations(t)
}

func TestCleanupWorker_StartStop(t *testing.T) {
	f := newFixture(t)

	worker := executions.NewCleanupWorker(f.service, f.store.CleanupJobRepository(), executions.CleanupWorkerConfig{Interval: 10 * time.Millisecond}, testLogger())
	worker.Start(f.ctx)
	worker.Start(f.ctx)

	time.Sleep(30 * time.Millisecond)

	worker.Stop()
	worker.Stop()
}

func TestCleanupWorker_QueueErrors(t *testing.T) {
	f := newFixture(t)
	jobs := &mocks.MockCleanupJobRepository{}

	jobs.On("ClaimDue", mock.Anything, baseTime, 5*time.Minute, 50).Return(nil, errors.New("connection reset")).Once()

	worker := executions.NewCleanupWorker(f.service, jobs, executions.CleanupWorkerConfig{}, testLogger())
	assert.Equal(t, 0, worker.RunOnce(f.ctx))

	orphan := f.putBlob(t, `{"v":1}`)
	job := &models.CleanupJob{ID: "job-1", ExecutionID: "gone", VariablesStorageID: &orphan}

	jobs.On("ClaimDue", mock.Anything, baseTime, 5*time.Minute, 50).Return([]*models.CleanupJob{job}, nil).Once()
	jobs.On("Complete", mock.Anything, "job-1", baseTime).Return(errors.New("connection reset")).Once()

	assert.Equal(t, 0, worker.RunOnce(f.ctx), "a job whose completion was not recorded is not counted")
	assert.False(t, f.blobs.Exists(orphan))

	jobs.AssertExpectations(t)
}
