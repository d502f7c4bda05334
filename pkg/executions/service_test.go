package executions_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	blobmemory "github.com/dukex/flowlane/pkg/blob/memory"
	"github.com/dukex/flowlane/pkg/executions"
	"github.com/dukex/flowlane/pkg/mocks"
	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/persistence"
	"github.com/dukex/flowlane/pkg/persistence/memory"
)

var baseTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx     context.Context
	store   *memory.Persistence
	blobs   *blobmemory.Store
	bus     *mocks.MockEventBus
	service *executions.Service
	now     time.Time
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFixture(t *testing.T, opts ...executions.Option) *fixture {
	t.Helper()

	f := &fixture{
		ctx:   context.Background(),
		store: memory.NewPersistence(),
		blobs: blobmemory.NewStore(),
		bus:   &mocks.MockEventBus{},
		now:   baseTime,
	}

	f.bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	opts = append([]executions.Option{
		executions.WithClock(func() time.Time { return f.now }),
		executions.WithPublisher(f.bus),
	}, opts...)

	f.service = executions.NewService(f.store, f.blobs, testLogger(), opts...)

	return f
}

func (f *fixture) workflow(t *testing.T) *models.WorkflowDefinition {
	t.Helper()

	workflow := &models.WorkflowDefinition{
		OrganizationID: "org-1",
		Name:           "Sync contacts",
		Version:        1,
		Status:         models.WorkflowStatusActive,
	}
	require.NoError(t, f.store.WorkflowRepository().Save(f.ctx, workflow))

	return workflow
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()

	workflow := f.workflow(t)

	handle, err := f.service.Start(f.ctx, executions.StartRequest{
		OrganizationID: "org-1",
		WfDefinitionID: workflow.ID,
		TriggeredBy:    models.TriggeredByManual,
	})
	require.NoError(t, err)

	return handle.ExecutionID
}

func (f *fixture) putBlob(t *testing.T, content string) string {
	t.Helper()

	id, err := f.blobs.Put(f.ctx, []byte(content), "application/json")
	require.NoError(t, err)

	return id
}

func (f *fixture) get(t *testing.T, id string) *models.Execution {
	t.Helper()

	execution, err := f.service.Get(f.ctx, id)
	require.NoError(t, err)

	return execution
}

func TestService_Start(t *testing.T) {
	f := newFixture(t)
	workflow := f.workflow(t)

	handle, err := f.service.Start(f.ctx, executions.StartRequest{
		OrganizationID: "org-1",
		WfDefinitionID: workflow.ID,
		Input:          map[string]any{"contact": "c-1"},
		TriggeredBy:    models.TriggeredBySchedule,
		TriggerData:    map[string]any{"schedule_id": "s-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, handle.Status)
	assert.Equal(t, workflow.WorkflowRootID, handle.WorkflowRootID)
	assert.True(t, baseTime.Equal(handle.StartedAt))

	execution := f.get(t, handle.ExecutionID)
	assert.Equal(t, models.ExecutionStatusRunning, execution.Status)
	assert.Equal(t, models.TriggeredBySchedule, execution.TriggeredBy)
	assert.Equal(t, "c-1", execution.Input["contact"])
	assert.Nil(t, execution.CompletedAt)

	f.bus.AssertCalled(t, "Publish", mock.Anything, "org-1", mock.AnythingOfType("events.WorkflowExecutionStarted"))
}

func TestService_StartRejectsForeignOrUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	workflow := f.workflow(t)

	_, err := f.service.Start(f.ctx, executions.StartRequest{OrganizationID: "org-2", WfDefinitionID: workflow.ID})
	require.ErrorIs(t, err, executions.ErrWorkflowOrganizationMismatch)

	_, err = f.service.Start(f.ctx, executions.StartRequest{OrganizationID: "org-1", WfDefinitionID: "missing"})
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestService_UpdateStatus(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	err := f.service.UpdateStatus(f.ctx, id, executions.StatusUpdate{
		Status:          models.ExecutionStatusWaiting,
		CurrentStepSlug: models.Ptr("approve"),
		WaitingFor:      models.SetTo("approval-1"),
		Error:           models.Ptr("first"),
	})
	require.NoError(t, err)

	execution := f.get(t, id)
	assert.Equal(t, models.ExecutionStatusWaiting, execution.Status)
	assert.Equal(t, "approve", models.Deref(execution.CurrentStepSlug))
	assert.Equal(t, "approval-1", models.Deref(execution.WaitingFor))
	assert.Nil(t, execution.CompletedAt)

	// a later error replaces the metadata instead of merging into it
	err = f.service.UpdateStatus(f.ctx, id, executions.StatusUpdate{Status: models.ExecutionStatusRunning, Error: models.Ptr("second")})
	require.NoError(t, err)

	execution = f.get(t, id)
	assert.Equal(t, map[string]any{"error": "second"}, execution.Metadata)
	assert.Equal(t, "approve", models.Deref(execution.CurrentStepSlug), "unset fields are untouched")

	err = f.service.UpdateStatus(f.ctx, id, executions.StatusUpdate{Status: models.ExecutionStatusCompleted})
	require.NoError(t, err)

	execution = f.get(t, id)
	require.NotNil(t, execution.CompletedAt)
	assert.True(t, baseTime.Equal(*execution.CompletedAt))

	err = f.service.UpdateStatus(f.ctx, id, executions.StatusUpdate{Status: models.ExecutionStatusRunning})
	require.ErrorIs(t, err, persistence.ErrExecutionStatusConflict)

	err = f.service.UpdateStatus(f.ctx, id, executions.StatusUpdate{Status: "paused"})
	require.ErrorIs(t, err, executions.ErrInvalidStatus)
}

func TestService_UpdateStatusFailedLeavesCompletedAt(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	require.NoError(t, f.service.UpdateStatus(f.ctx, id, executions.StatusUpdate{Status: models.ExecutionStatusFailed}))
	assert.Nil(t, f.get(t, id).CompletedAt)
}

func TestService_CompleteDeletesReplacedBlobs(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	oldVariables := f.putBlob(t, `{"v":1}`)
	oldOutput := f.putBlob(t, `{"o":1}`)
	newVariables := f.putBlob(t, `{"v":2}`)

	require.NoError(t, f.service.UpdateVariables(f.ctx, id, nil, &oldVariables))
	require.NoError(t, f.store.ExecutionRepository().Patch(f.ctx, id, models.ExecutionPatch{OutputStorageID: models.SetTo(oldOutput)}))

	err := f.service.Complete(f.ctx, id, executions.Completion{
		Output:             models.Ptr(`{"done":true}`),
		Variables:          models.Ptr(`{"ignored":true}`),
		VariablesStorageID: &newVariables,
	})
	require.NoError(t, err)

	execution := f.get(t, id)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, `{"done":true}`, models.Deref(execution.Output))
	assert.Nil(t, execution.OutputStorageID)
	assert.Equal(t, newVariables, models.Deref(execution.VariablesStorageID))
	assert.Nil(t, execution.Variables, "the storage id wins over the inline value")
	require.NotNil(t, execution.CompletedAt)

	assert.Equal(t, 1, f.blobs.Deletes(oldVariables))
	assert.Equal(t, 1, f.blobs.Deletes(oldOutput))
	assert.True(t, f.blobs.Exists(newVariables))

	f.bus.AssertCalled(t, "Publish", mock.Anything, "org-1", mock.AnythingOfType("events.WorkflowExecutionCompleted"))

	err = f.service.Complete(f.ctx, id, executions.Completion{})
	require.ErrorIs(t, err, persistence.ErrExecutionStatusConflict)
}

func TestService_CompleteKeepsIdenticalBlob(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	output := f.putBlob(t, `{"o":1}`)
	variables := f.putBlob(t, `{"v":1}`)
	require.NoError(t, f.store.ExecutionRepository().Patch(f.ctx, id, models.ExecutionPatch{
		OutputStorageID:    models.SetTo(output),
		VariablesStorageID: models.SetTo(variables),
	}))

	require.NoError(t, f.service.Complete(f.ctx, id, executions.Completion{OutputStorageID: &output}))

	assert.True(t, f.blobs.Exists(output))
	assert.True(t, f.blobs.Exists(variables), "variables were not supplied and stay referenced")
	assert.Equal(t, variables, models.Deref(f.get(t, id).VariablesStorageID))
}

func TestService_CompleteToleratesAlreadyDeletedBlob(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	output := f.putBlob(t, `{"o":1}`)
	require.NoError(t, f.store.ExecutionRepository().Patch(f.ctx, id, models.ExecutionPatch{OutputStorageID: models.SetTo(output)}))
	require.NoError(t, f.blobs.Delete(f.ctx, output))

	require.NoError(t, f.service.Complete(f.ctx, id, executions.Completion{Output: models.Ptr(`null`)}))
	assert.Equal(t, models.ExecutionStatusCompleted, f.get(t, id).Status)
}

func TestService_FailSchedulesCleanup(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	variables := f.putBlob(t, `{"v":1}`)
	require.NoError(t, f.service.UpdateVariables(f.ctx, id, nil, &variables))

	require.NoError(t, f.service.Fail(f.ctx, id, "integration timeout"))

	execution := f.get(t, id)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, map[string]any{"error": "integration timeout"}, execution.Metadata)
	require.NotNil(t, execution.CompletedAt)
	assert.True(t, f.blobs.Exists(variables), "failure never deletes synchronously")

	jobs := f.store.CleanupJobRepository()

	due, err := jobs.ClaimDue(f.ctx, baseTime.Add(29*24*time.Hour), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = jobs.ClaimDue(f.ctx, baseTime.Add(executions.RetentionWindow), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ExecutionID)
	assert.Equal(t, variables, models.Deref(due[0].VariablesStorageID))
	assert.Nil(t, due[0].OutputStorageID)

	f.bus.AssertCalled(t, "Publish", mock.Anything, "org-1", mock.AnythingOfType("events.WorkflowExecutionFailed"))

	require.ErrorIs(t, f.service.Fail(f.ctx, id, "again"), persistence.ErrExecutionStatusConflict)
}

func TestService_FailWithoutBlobsSchedulesNothing(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	require.NoError(t, f.service.UpdateVariables(f.ctx, id, models.Ptr(`{"small":true}`), nil))
	require.NoError(t, f.service.Fail(f.ctx, id, "boom"))

	due, err := f.store.CleanupJobRepository().ClaimDue(f.ctx, baseTime.Add(365*24*time.Hour), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestService_UpdateVariables(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	require.NoError(t, f.service.UpdateVariables(f.ctx, "missing", models.Ptr(`{}`), nil))
	require.NoError(t, f.service.UpdateVariables(f.ctx, id, nil, nil))

	first := f.putBlob(t, `{"v":1}`)
	require.NoError(t, f.service.UpdateVariables(f.ctx, id, nil, &first))
	assert.Equal(t, first, models.Deref(f.get(t, id).VariablesStorageID))

	require.NoError(t, f.service.UpdateVariables(f.ctx, id, nil, &first))
	assert.True(t, f.blobs.Exists(first), "same id is not a replacement")

	require.NoError(t, f.service.UpdateVariables(f.ctx, id, models.Ptr(`{"v":2}`), nil))

	execution := f.get(t, id)
	assert.Equal(t, `{"v":2}`, models.Deref(execution.Variables))
	assert.Nil(t, execution.VariablesStorageID)
	assert.Equal(t, 1, f.blobs.Deletes(first))
}

func TestService_SaveVariablesOffloadsLargePayloads(t *testing.T) {
	f := newFixture(t, executions.WithInlineThreshold(32))
	id := f.start(t)

	require.NoError(t, f.service.SaveVariables(f.ctx, id, map[string]any{"a": 1}))

	execution := f.get(t, id)
	assert.JSONEq(t, `{"a":1}`, models.Deref(execution.Variables))
	assert.Nil(t, execution.VariablesStorageID)

	large := map[string]any{"payload": strings.Repeat("x", 100)}
	require.NoError(t, f.service.SaveVariables(f.ctx, id, large))

	execution = f.get(t, id)
	assert.Nil(t, execution.Variables)
	require.NotNil(t, execution.VariablesStorageID)

	loaded, err := f.service.Variables(f.ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"payload":"`+strings.Repeat("x", 100)+`"}`, string(loaded))
}

func TestService_Resume(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	err := f.service.Resume(f.ctx, id, "approval-1")
	require.ErrorIs(t, err, executions.ErrNotWaiting)

	require.NoError(t, f.service.UpdateStatus(f.ctx, id, executions.StatusUpdate{
		Status:     models.ExecutionStatusWaiting,
		WaitingFor: models.SetTo("approval-1"),
	}))

	err = f.service.Resume(f.ctx, id, "other")
	require.ErrorIs(t, err, executions.ErrResumeTokenMismatch)

	require.NoError(t, f.service.Resume(f.ctx, id, "approval-1"))

	execution := f.get(t, id)
	assert.Equal(t, models.ExecutionStatusRunning, execution.Status)
	assert.Nil(t, execution.WaitingFor)

	f.bus.AssertCalled(t, "Publish", mock.Anything, "org-1", mock.AnythingOfType("events.WorkflowExecutionResumed"))
}

func TestService_PublishFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	f.bus.ExpectedCalls = nil
	f.bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	id := f.start(t)
	assert.Equal(t, models.ExecutionStatusRunning, f.get(t, id).Status)
}

func TestService_CompleteValuesOffloadsLargePayloads(t *testing.T) {
	f := newFixture(t, executions.WithInlineThreshold(32))
	id := f.start(t)

	rows := strings.Repeat("x", 64)
	require.NoError(t, f.service.CompleteValues(f.ctx, id, map[string]any{"rows": rows}, map[string]any{"n": 1}))

	execution := f.get(t, id)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Nil(t, execution.Output)
	require.NotNil(t, execution.OutputStorageID)
	assert.True(t, f.blobs.Exists(*execution.OutputStorageID))
	assert.Nil(t, execution.VariablesStorageID)
	assert.JSONEq(t, `{"n":1}`, models.Deref(execution.Variables))

	output, err := f.service.Output(f.ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":"`+rows+`"}`, string(output))
}

func TestService_CompleteValuesOfTerminalExecutionDropsNewBlobs(t *testing.T) {
	f := newFixture(t, executions.WithInlineThreshold(8))
	id := f.start(t)
	require.NoError(t, f.service.Fail(f.ctx, id, "boom"))

	err := f.service.CompleteValues(f.ctx, id, map[string]any{"rows": "a long enough value"}, nil)
	require.ErrorIs(t, err, persistence.ErrExecutionStatusConflict)

	execution := f.get(t, id)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Nil(t, execution.OutputStorageID)
	assert.Equal(t, 0, f.blobs.Len())
}
