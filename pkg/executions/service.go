// Package executions drives the lifecycle of workflow runs and the storage of their variables and output.
package executions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/flowlane/pkg/blob"
	"github.com/dukex/flowlane/pkg/eventbus"
	"github.com/dukex/flowlane/pkg/events"
	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/otelhelper"
	"github.com/dukex/flowlane/pkg/persistence"
)

// RetentionWindow is how long the blobs of a failed execution are kept.
const RetentionWindow = 30 * 24 * time.Hour

var (
	// ErrInvalidStatus is returned for status values outside the state machine.
	ErrInvalidStatus = errors.New("invalid execution status")
	// ErrNotWaiting is returned when resuming an execution that is not waiting.
	ErrNotWaiting = errors.New("execution is not waiting")
	// ErrResumeTokenMismatch is returned when the resume token differs from waitingFor.
	ErrResumeTokenMismatch = errors.New("resume token does not match")
	// ErrWorkflowOrganizationMismatch is returned when starting a definition of another organization.
	ErrWorkflowOrganizationMismatch = errors.New("workflow belongs to another organization")
)

// StartRequest are the arguments of Start.
type StartRequest struct {
	OrganizationID string
	WfDefinitionID string
	Input          map[string]any
	TriggeredBy    models.TriggerSource
	TriggerData    map[string]any
}

// Handle identifies a started execution.
type Handle struct {
	ExecutionID    string                 `json:"executionId"`
	WfDefinitionID string                 `json:"wfDefinitionId"`
	WorkflowRootID string                 `json:"workflowRootId"`
	Status         models.ExecutionStatus `json:"status"`
	StartedAt      time.Time              `json:"startedAt"`
}

// StatusUpdate lists the fields UpdateStatus writes. Nil fields are left untouched.
type StatusUpdate struct {
	Status          models.ExecutionStatus
	CurrentStepSlug *string
	WaitingFor      models.Nullable[string]
	Error           *string
}

// Completion is the final state written by Complete. A storage id takes precedence over the
// inline value of the same pair.
type Completion struct {
	Output             *string
	OutputStorageID    *string
	Variables          *string
	VariablesStorageID *string
}

// Service implements the execution state machine.
type Service struct {
	workflows  persistence.WorkflowRepository
	executions persistence.ExecutionRepository
	cleanups   persistence.CleanupJobRepository
	blobs      blob.Store
	offloader  *blob.Offloader
	publisher  eventbus.EventPublisher
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher publishes lifecycle events on the given bus.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(s *Service) { s.publisher = publisher }
}

// WithInlineThreshold sets the payload size above which SaveVariables offloads to blob storage.
func WithInlineThreshold(threshold int) Option {
	return func(s *Service) { s.offloader = blob.NewOffloader(s.blobs, threshold) }
}

// NewService creates an execution service on top of p and blobs.
func NewService(p persistence.Persistence, blobs blob.Store, logger *slog.Logger, opts ...Option) *Service {
	service := &Service{
		workflows:  p.WorkflowRepository(),
		executions: p.ExecutionRepository(),
		cleanups:   p.CleanupJobRepository(),
		blobs:      blobs,
		offloader:  blob.NewOffloader(blobs, blob.DefaultInlineThreshold),
		logger:     logger.With("module", "executions"),
		tracer:     otelhelper.Tracer("executions"),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service
}

// Start creates a running execution of the given workflow definition.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "executions.start",
		attribute.String(otelhelper.OrganizationIDKey, req.OrganizationID),
		attribute.String(otelhelper.WorkflowIDKey, req.WfDefinitionID),
		attribute.String(otelhelper.TriggerTypeKey, string(req.TriggeredBy)),
	)
	defer span.End()

	handle, err := s.start(ctx, req)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, handle.ExecutionID))

	return handle, nil
}

func (s *Service) start(ctx context.Context, req StartRequest) (*Handle, error) {
	workflow, err := s.workflows.GetByID(ctx, req.WfDefinitionID)
	if err != nil {
		return nil, err
	}

	if workflow.OrganizationID != req.OrganizationID {
		return nil, persistence.NewWorkflowError("Start", req.WfDefinitionID, ErrWorkflowOrganizationMismatch)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution ID: %w", err)
	}

	now := s.now().UTC()

	execution := &models.Execution{
		ID:             id.String(),
		OrganizationID: req.OrganizationID,
		WfDefinitionID: workflow.ID,
		WorkflowRootID: workflow.WorkflowRootID,
		Status:         models.ExecutionStatusPending,
		Input:          req.Input,
		TriggeredBy:    req.TriggeredBy,
		TriggerData:    req.TriggerData,
		StartedAt:      now,
		UpdatedAt:      now,
	}

	err = s.executions.Create(ctx, execution)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	running := models.ExecutionStatusRunning

	err = s.executions.Patch(ctx, execution.ID, models.ExecutionPatch{
		Status:       &running,
		FromStatuses: []models.ExecutionStatus{models.ExecutionStatusPending},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start execution: %w", err)
	}

	execution.Status = running

	s.logger.InfoContext(ctx, "Started execution",
		"execution_id", execution.ID,
		"wf_definition_id", execution.WfDefinitionID,
		"organization_id", execution.OrganizationID,
		"triggered_by", execution.TriggeredBy)

	s.publish(ctx, execution.OrganizationID, events.WorkflowExecutionStarted{
		ExecutionEvent: events.NewExecutionEvent(events.WorkflowExecutionStartedEvent, execution),
	})

	return &Handle{
		ExecutionID:    execution.ID,
		WfDefinitionID: execution.WfDefinitionID,
		WorkflowRootID: execution.WorkflowRootID,
		Status:         execution.Status,
		StartedAt:      execution.StartedAt,
	}, nil
}

// Get returns an execution.
func (s *Service) Get(ctx context.Context, id string) (*models.Execution, error) {
	return s.executions.GetByID(ctx, id)
}

// UpdateStatus patches the provided fields. CompletedAt is set only when moving to completed, and
// an error replaces the whole metadata with {error}. Terminal executions reject the update
// with persistence.ErrExecutionStatusConflict.
func (s *Service) UpdateStatus(ctx context.Context, id string, update StatusUpdate) error {
	if !update.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, update.Status)
	}

	patch := models.ExecutionPatch{
		Status:       &update.Status,
		WaitingFor:   update.WaitingFor,
		FromStatuses: models.NonTerminalStatuses,
	}

	if update.CurrentStepSlug != nil {
		patch.CurrentStepSlug = models.SetPtr(update.CurrentStepSlug)
	}

	if update.Error != nil {
		patch.Metadata = models.SetTo(errorMetadata(*update.Error))
	}

	if update.Status == models.ExecutionStatusCompleted {
		completedAt := s.now().UTC()
		patch.CompletedAt = &completedAt
	}

	err := s.executions.Patch(ctx, id, patch)
	if err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "Updated execution status", "execution_id", id, "status", update.Status)

	return nil
}

// Complete moves the execution to completed and deletes the blobs the new state no longer references.
func (s *Service) Complete(ctx context.Context, id string, completion Completion) error {
	prior, err := s.executions.GetByID(ctx, id)
	if err != nil {
		return err
	}

	completed := models.ExecutionStatusCompleted
	completedAt := s.now().UTC()

	patch := models.ExecutionPatch{
		Status:       &completed,
		CompletedAt:  &completedAt,
		FromStatuses: models.NonTerminalStatuses,
	}

	newOutputID := setPair(&patch.Output, &patch.OutputStorageID, completion.Output, completion.OutputStorageID)

	variablesSupplied := completion.Variables != nil || completion.VariablesStorageID != nil

	var newVariablesID *string
	if variablesSupplied {
		newVariablesID = setPair(&patch.Variables, &patch.VariablesStorageID, completion.Variables, completion.VariablesStorageID)
	}

	err = s.executions.Patch(ctx, id, patch)
	if err != nil {
		return err
	}

	s.deleteReplaced(ctx, id, prior.OutputStorageID, newOutputID)

	if variablesSupplied {
		s.deleteReplaced(ctx, id, prior.VariablesStorageID, newVariablesID)
	}

	prior.Status = completed

	s.logger.InfoContext(ctx, "Completed execution", "execution_id", id)

	s.publish(ctx, prior.OrganizationID, events.WorkflowExecutionCompleted{
		ExecutionEvent: events.NewExecutionEvent(events.WorkflowExecutionCompletedEvent, prior),
	})

	return nil
}

// Fail moves the execution to failed. Its blobs are kept for the retention window and removed by
// a cleanup job fenced on the blob ids current at failure time.
func (s *Service) Fail(ctx context.Context, id string, reason string) error {
	prior, err := s.executions.GetByID(ctx, id)
	if err != nil {
		return err
	}

	failed := models.ExecutionStatusFailed
	now := s.now().UTC()

	err = s.executions.Patch(ctx, id, models.ExecutionPatch{
		Status:       &failed,
		Metadata:     models.SetTo(errorMetadata(reason)),
		CompletedAt:  &now,
		FromStatuses: models.NonTerminalStatuses,
	})
	if err != nil {
		return err
	}

	if prior.VariablesStorageID != nil || prior.OutputStorageID != nil {
		err = s.cleanups.Schedule(ctx, &models.CleanupJob{
			ExecutionID:        id,
			VariablesStorageID: prior.VariablesStorageID,
			OutputStorageID:    prior.OutputStorageID,
			RunAt:              now.Add(RetentionWindow),
		})
		if err != nil {
			return fmt.Errorf("failed to schedule storage cleanup: %w", err)
		}
	}

	s.logger.InfoContext(ctx, "Failed execution", "execution_id", id, "error", reason)

	s.publish(ctx, prior.OrganizationID, events.WorkflowExecutionFailed{
		ExecutionEvent: events.NewExecutionEvent(events.WorkflowExecutionFailedEvent, prior),
		Error:          reason,
	})

	return nil
}

// UpdateVariables replaces the variables of a running execution with a pre-serialized payload or
// a blob reference. Missing executions and empty calls are no-ops.
func (s *Service) UpdateVariables(ctx context.Context, id string, serialized, storageID *string) error {
	if serialized == nil && storageID == nil {
		return nil
	}

	prior, err := s.executions.GetByID(ctx, id)
	if errors.Is(err, persistence.ErrExecutionNotFound) {
		s.logger.DebugContext(ctx, "Skipping variables update of missing execution", "execution_id", id)

		return nil
	}

	if err != nil {
		return err
	}

	var patch models.ExecutionPatch

	newID := setPair(&patch.Variables, &patch.VariablesStorageID, serialized, storageID)

	err = s.executions.Patch(ctx, id, patch)
	if errors.Is(err, persistence.ErrExecutionNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	s.deleteReplaced(ctx, id, prior.VariablesStorageID, newID)

	return nil
}

// SaveVariables serializes value, offloads it when it is large and stores the result.
func (s *Service) SaveVariables(ctx context.Context, id string, value any) error {
	payload, err := s.offloader.Prepare(ctx, value)
	if err != nil {
		return err
	}

	err = s.UpdateVariables(ctx, id, payload.Inline, payload.StorageID)
	if err != nil && payload.StorageID != nil {
		blob.DeleteQuietly(ctx, s.blobs, s.logger, *payload.StorageID)
	}

	return err
}

// CompleteValues serializes output and, when not nil, variables, offloads the large ones and
// completes the execution with the result.
func (s *Service) CompleteValues(ctx context.Context, id string, output, variables any) error {
	outputPayload, err := s.offloader.Prepare(ctx, output)
	if err != nil {
		return err
	}

	completion := Completion{Output: outputPayload.Inline, OutputStorageID: outputPayload.StorageID}
	created := []*string{outputPayload.StorageID}

	if variables != nil {
		variablesPayload, err := s.offloader.Prepare(ctx, variables)
		if err != nil {
			s.deleteCreated(ctx, created)

			return err
		}

		completion.Variables = variablesPayload.Inline
		completion.VariablesStorageID = variablesPayload.StorageID
		created = append(created, variablesPayload.StorageID)
	}

	err = s.Complete(ctx, id, completion)
	if err != nil {
		s.deleteCreated(ctx, created)
	}

	return err
}

func (s *Service) deleteCreated(ctx context.Context, ids []*string) {
	for _, id := range ids {
		if id != nil {
			blob.DeleteQuietly(ctx, s.blobs, s.logger, *id)
		}
	}
}

// Output returns the serialized output of an execution from wherever it is stored.
func (s *Service) Output(ctx context.Context, id string) ([]byte, error) {
	execution, err := s.executions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.offloader.Load(ctx, execution.Output, execution.OutputStorageID)
}

// Variables returns the serialized variables of an execution from wherever they are stored.
func (s *Service) Variables(ctx context.Context, id string) ([]byte, error) {
	execution, err := s.executions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.offloader.Load(ctx, execution.Variables, execution.VariablesStorageID)
}

// Resume clears waitingFor of a waiting execution when token matches and sets it running again.
func (s *Service) Resume(ctx context.Context, id, token string) error {
	execution, err := s.executions.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if execution.Status != models.ExecutionStatusWaiting {
		return persistence.NewExecutionError("Resume", id, ErrNotWaiting)
	}

	if models.Deref(execution.WaitingFor) != token {
		return persistence.NewExecutionError("Resume", id, ErrResumeTokenMismatch)
	}

	running := models.ExecutionStatusRunning

	err = s.executions.Patch(ctx, id, models.ExecutionPatch{
		Status:       &running,
		WaitingFor:   models.Clear[string](),
		FromStatuses: []models.ExecutionStatus{models.ExecutionStatusWaiting},
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Resumed execution", "execution_id", id)

	s.publish(ctx, execution.OrganizationID, events.WorkflowExecutionResumed{
		ExecutionEvent: events.NewExecutionEvent(events.WorkflowExecutionResumedEvent, execution),
		WaitingFor:     token,
	})

	return nil
}

// setPair writes one inline/blob pair of patch, the storage id taking precedence, and returns
// the storage id the execution references afterwards.
func setPair(inline, storage *models.Nullable[string], value, storageID *string) *string {
	if storageID != nil {
		*storage = models.SetPtr(storageID)
		*inline = models.Clear[string]()

		return storageID
	}

	*inline = models.SetPtr(value)
	*storage = models.Clear[string]()

	return nil
}

func (s *Service) deleteReplaced(ctx context.Context, id string, oldID, newID *string) {
	if oldID == nil || (newID != nil && *oldID == *newID) {
		return
	}

	if blob.DeleteQuietly(ctx, s.blobs, s.logger, *oldID) {
		s.logger.DebugContext(ctx, "Deleted replaced blob", "execution_id", id, "storage_id", *oldID)
	}
}

func (s *Service) publish(ctx context.Context, key string, event events.Event) {
	if s.publisher == nil {
		return
	}

	err := s.publisher.Publish(ctx, key, event)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish execution event", "event_type", event.GetType(), "error", err)
	}
}

func errorMetadata(reason string) map[string]any {
	return map[string]any{"error": reason}
}
