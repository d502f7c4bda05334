// Package persistence provides the storage abstraction for workflows, triggers, executions and the processing ledger.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/flowlane/pkg/models"
)

// Persistence groups every repository of one storage backend.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	TriggerRepository() TriggerRepository
	ExecutionRepository() ExecutionRepository
	ProcessingRecordRepository() ProcessingRecordRepository
	CleanupJobRepository() CleanupJobRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow definitions and their versions.
type WorkflowRepository interface {
	Save(ctx context.Context, workflow *models.WorkflowDefinition) error
	GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	// ActiveVersion returns the active version of a workflow root or ErrActiveWorkflowNotFound.
	ActiveVersion(ctx context.Context, organizationID, workflowRootID string) (*models.WorkflowDefinition, error)
	// Publish makes the given version active and archives the previously active version of its root.
	Publish(ctx context.Context, id string) error
}

// TriggerRepository stores trigger entry points and the trigger idempotency log.
type TriggerRepository interface {
	SaveSchedule(ctx context.Context, schedule *models.Schedule) error
	// ActiveSchedules returns at most limit active schedules, oldest first.
	ActiveSchedules(ctx context.Context, limit int) ([]*models.Schedule, error)
	MarkScheduleTriggered(ctx context.Context, id string, at time.Time) error

	SaveWebhook(ctx context.Context, webhook *models.Webhook) error
	WebhookByToken(ctx context.Context, token string) (*models.Webhook, error)
	MarkWebhookTriggered(ctx context.Context, id string, at time.Time) error

	SaveAPIKey(ctx context.Context, key *models.APIKey) error
	APIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	MarkAPIKeyTriggered(ctx context.Context, id string, at time.Time) error

	SaveEventSubscription(ctx context.Context, subscription *models.EventSubscription) error
	ActiveEventSubscriptions(ctx context.Context, organizationID, eventType string) ([]*models.EventSubscription, error)
	MarkEventSubscriptionTriggered(ctx context.Context, id string, at time.Time) error

	// RecordTrigger appends to the idempotency log. It returns ErrDuplicateTrigger when an entry
	// with the same (OrganizationID, IdempotencyKey) already exists.
	RecordTrigger(ctx context.Context, entry *models.TriggerLog) error
	// DeleteTrigger removes the entry for (organizationID, idempotencyKey) so the key can be
	// recorded again. Deleting a missing entry is not an error.
	DeleteTrigger(ctx context.Context, organizationID, idempotencyKey string) error
}

// ExecutionRepository stores workflow runs.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.Execution) error
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	// Patch writes the set fields of patch. It returns ErrExecutionNotFound when the row does not
	// exist and ErrExecutionStatusConflict when patch.FromStatuses does not contain the current status.
	Patch(ctx context.Context, id string, patch models.ExecutionPatch) error
	// LastStartTimes returns the latest StartedAt per workflow definition id. Definitions without
	// executions are absent from the result.
	LastStartTimes(ctx context.Context, wfDefinitionIDs []string) (map[string]time.Time, error)
}

// ProcessingRecordRepository is the dedup ledger of integration records.
type ProcessingRecordRepository interface {
	// Get returns the ledger entry of a key or ErrProcessingRecordNotFound.
	Get(ctx context.Context, organizationID, tableName, recordID string) (*models.ProcessingRecord, error)
	// LatestWithResumePoint returns the most recently processed entry of a table claimed by the given
	// workflow definition that carries a resume point, or ErrProcessingRecordNotFound.
	LatestWithResumePoint(ctx context.Context, organizationID, tableName, wfDefinitionID string) (*models.ProcessingRecord, error)
	// Claim inserts record, or takes over an existing entry of the same key whose ProcessedAt is
	// before cutoff, in one atomic statement. Any other outcome returns ErrRecordAlreadyClaimed.
	Claim(ctx context.Context, record *models.ProcessingRecord, cutoff time.Time) error
	// MarkProcessed upserts the entry unconditionally.
	MarkProcessed(ctx context.Context, record *models.ProcessingRecord) error
}

// CleanupJobRepository is the durable queue of delayed blob deletions.
type CleanupJobRepository interface {
	Schedule(ctx context.Context, job *models.CleanupJob) error
	// ClaimDue leases up to limit jobs whose RunAt is not after now for the lease duration.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.CleanupJob, error)
	Complete(ctx context.Context, id string, at time.Time) error
	Reschedule(ctx context.Context, id string, runAt time.Time, lastError string) error
}
