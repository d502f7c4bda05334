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

// TriggerRepository handles schedules, webhooks, API keys, event subscriptions and the trigger log.
type TriggerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTriggerRepository creates a new trigger repository.
func NewTriggerRepository(db *sql.DB, logger *slog.Logger) *TriggerRepository {
	return &TriggerRepository{db: db, logger: logger}
}

func prepareTrigger(id *string, createdAt, updatedAt *time.Time) {
	now := time.Now().UTC()

	if *id == "" {
		*id = uuid.New().String()
	}

	if createdAt.IsZero() {
		*createdAt = now
	}

	*updatedAt = now
}

func (r *TriggerRepository) markTriggered(ctx context.Context, table, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE "+table+" SET last_triggered_at = $2, updated_at = NOW() WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("failed to mark %s triggered: %w", table, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrTriggerNotFound
	}

	return nil
}

func (r *TriggerRepository) SaveSchedule(ctx context.Context, schedule *models.Schedule) error {
	prepareTrigger(&schedule.ID, &schedule.CreatedAt, &schedule.UpdatedAt)

	query := `
		INSERT INTO schedules (id, organization_id, workflow_root_id, cron_expression, timezone,
			is_active, last_triggered_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone,
			is_active = EXCLUDED.is_active,
			last_triggered_at = EXCLUDED.last_triggered_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		schedule.ID,
		schedule.OrganizationID,
		schedule.WorkflowRootID,
		schedule.CronExpression,
		schedule.Timezone,
		schedule.IsActive,
		schedule.LastTriggeredAt,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}

	return nil
}

func (r *TriggerRepository) ActiveSchedules(ctx context.Context, limit int) ([]*models.Schedule, error) {
	query := `
		SELECT id, organization_id, workflow_root_id, cron_expression, timezone,
			is_active, last_triggered_at, created_at, updated_at
		FROM schedules
		WHERE is_active
		ORDER BY created_at, id
	`

	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"

		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	schedules := make([]*models.Schedule, 0)

	for rows.Next() {
		var schedule models.Schedule

		err := rows.Scan(
			&schedule.ID,
			&schedule.OrganizationID,
			&schedule.WorkflowRootID,
			&schedule.CronExpression,
			&schedule.Timezone,
			&schedule.IsActive,
			&schedule.LastTriggeredAt,
			&schedule.CreatedAt,
			&schedule.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, &schedule)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return schedules, nil
}

func (r *TriggerRepository) MarkScheduleTriggered(ctx context.Context, id string, at time.Time) error {
	return r.markTriggered(ctx, "schedules", id, at)
}

func (r *TriggerRepository) SaveWebhook(ctx context.Context, webhook *models.Webhook) error {
	prepareTrigger(&webhook.ID, &webhook.CreatedAt, &webhook.UpdatedAt)

	schemaJSON, err := jsonColumn(webhook.PayloadSchema)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO webhooks (id, organization_id, workflow_root_id, token, is_active,
			payload_schema, last_triggered_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			token = EXCLUDED.token,
			is_active = EXCLUDED.is_active,
			payload_schema = EXCLUDED.payload_schema,
			last_triggered_at = EXCLUDED.last_triggered_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		webhook.ID,
		webhook.OrganizationID,
		webhook.WorkflowRootID,
		webhook.Token,
		webhook.IsActive,
		schemaJSON,
		webhook.LastTriggeredAt,
		webhook.CreatedAt,
		webhook.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save webhook: %w", err)
	}

	return nil
}

func (r *TriggerRepository) WebhookByToken(ctx context.Context, token string) (*models.Webhook, error) {
	query := `
		SELECT id, organization_id, workflow_root_id, token, is_active,
			payload_schema, last_triggered_at, created_at, updated_at
		FROM webhooks
		WHERE token = $1
	`

	var (
		webhook    models.Webhook
		schemaJSON []byte
	)

	err := r.db.QueryRowContext(ctx, query, token).Scan(
		&webhook.ID,
		&webhook.OrganizationID,
		&webhook.WorkflowRootID,
		&webhook.Token,
		&webhook.IsActive,
		&schemaJSON,
		&webhook.LastTriggeredAt,
		&webhook.CreatedAt,
		&webhook.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTriggerNotFound
		}

		return nil, fmt.Errorf("failed to scan webhook: %w", err)
	}

	webhook.PayloadSchema, err = decodeJSONColumn(schemaJSON)
	if err != nil {
		return nil, err
	}

	return &webhook, nil
}

func (r *TriggerRepository) MarkWebhookTriggered(ctx context.Context, id string, at time.Time) error {
	return r.markTriggered(ctx, "webhooks", id, at)
}

func (r *TriggerRepository) SaveAPIKey(ctx context.Context, key *models.APIKey) error {
	prepareTrigger(&key.ID, &key.CreatedAt, &key.UpdatedAt)

	query := `
		INSERT INTO api_keys (id, organization_id, workflow_root_id, key_hash, prefix, is_active,
			expires_at, last_triggered_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			expires_at = EXCLUDED.expires_at,
			last_triggered_at = EXCLUDED.last_triggered_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		key.ID,
		key.OrganizationID,
		key.WorkflowRootID,
		key.KeyHash,
		key.Prefix,
		key.IsActive,
		key.ExpiresAt,
		key.LastTriggeredAt,
		key.CreatedAt,
		key.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save api key: %w", err)
	}

	return nil
}

func (r *TriggerRepository) APIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := `
		SELECT id, organization_id, workflow_root_id, key_hash, prefix, is_active,
			expires_at, last_triggered_at, created_at, updated_at
		FROM api_keys
		WHERE key_hash = $1
	`

	var key models.APIKey

	err := r.db.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID,
		&key.OrganizationID,
		&key.WorkflowRootID,
		&key.KeyHash,
		&key.Prefix,
		&key.IsActive,
		&key.ExpiresAt,
		&key.LastTriggeredAt,
		&key.CreatedAt,
		&key.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTriggerNotFound
		}

		return nil, fmt.Errorf("failed to scan api key: %w", err)
	}

	return &key, nil
}

func (r *TriggerRepository) MarkAPIKeyTriggered(ctx context.Context, id string, at time.Time) error {
	return r.markTriggered(ctx, "api_keys", id, at)
}

func (r *TriggerRepository) SaveEventSubscription(ctx context.Context, subscription *models.EventSubscription) error {
	prepareTrigger(&subscription.ID, &subscription.CreatedAt, &subscription.UpdatedAt)

	filterJSON, err := jsonColumn(subscription.Filter)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO event_subscriptions (id, organization_id, workflow_root_id, event_type, filter,
			is_active, last_triggered_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			event_type = EXCLUDED.event_type,
			filter = EXCLUDED.filter,
			is_active = EXCLUDED.is_active,
			last_triggered_at = EXCLUDED.last_triggered_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		subscription.ID,
		subscription.OrganizationID,
		subscription.WorkflowRootID,
		subscription.EventType,
		filterJSON,
		subscription.IsActive,
		subscription.LastTriggeredAt,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save event subscription: %w", err)
	}

	return nil
}

func (r *TriggerRepository) ActiveEventSubscriptions(ctx context.Context, organizationID, eventType string) ([]*models.EventSubscription, error) {
	query := `
		SELECT id, organization_id, workflow_root_id, event_type, filter,
			is_active, last_triggered_at, created_at, updated_at
		FROM event_subscriptions
		WHERE organization_id = $1 AND event_type = $2 AND is_active
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, organizationID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to query event subscriptions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	subscriptions := make([]*models.EventSubscription, 0)

	for rows.Next() {
		var (
			subscription models.EventSubscription
			filterJSON   []byte
		)

		err := rows.Scan(
			&subscription.ID,
			&subscription.OrganizationID,
			&subscription.WorkflowRootID,
			&subscription.EventType,
			&filterJSON,
			&subscription.IsActive,
			&subscription.LastTriggeredAt,
			&subscription.CreatedAt,
			&subscription.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event subscription: %w", err)
		}

		subscription.Filter, err = decodeJSONColumn(filterJSON)
		if err != nil {
			return nil, err
		}

		subscriptions = append(subscriptions, &subscription)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating event subscriptions: %w", err)
	}

	return subscriptions, nil
}

func (r *TriggerRepository) MarkEventSubscriptionTriggered(ctx context.Context, id string, at time.Time) error {
	return r.markTriggered(ctx, "event_subscriptions", id, at)
}

func (r *TriggerRepository) RecordTrigger(ctx context.Context, entry *models.TriggerLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO trigger_logs (id, organization_id, workflow_root_id, trigger_type, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (organization_id, idempotency_key) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.OrganizationID,
		entry.WorkflowRootID,
		entry.TriggerType,
		entry.IdempotencyKey,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record trigger: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrDuplicateTrigger
	}

	return nil
}

func (r *TriggerRepository) DeleteTrigger(ctx context.Context, organizationID, idempotencyKey string) error {
	query := `DELETE FROM trigger_logs WHERE organization_id = $1 AND idempotency_key = $2`

	_, err := r.db.ExecContext(ctx, query, organizationID, idempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}

	return nil
}
