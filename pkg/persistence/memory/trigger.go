package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/persistence"
)

type scheduleRow struct {
	schedule models.Schedule
	seq      int64
}

type webhookRow struct {
	webhook models.Webhook
}

type apiKeyRow struct {
	key models.APIKey
}

type subscriptionRow struct {
	subscription models.EventSubscription
	seq          int64
}

type triggerLogRow struct {
	entry models.TriggerLog
}

type triggerRepository struct {
	p *Persistence
}

func stamp(id *string, createdAt, updatedAt *time.Time) {
	now := time.Now().UTC()

	if *id == "" {
		*id = uuid.New().String()
	}

	if createdAt.IsZero() {
		*createdAt = now
	}

	*updatedAt = now
}

func (r *triggerRepository) SaveSchedule(_ context.Context, schedule *models.Schedule) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stamp(&schedule.ID, &schedule.CreatedAt, &schedule.UpdatedAt)

	row, exists := r.p.schedules[schedule.ID]
	if !exists {
		row.seq = r.p.nextSequence()
	}

	row.schedule = *schedule
	row.schedule.LastTriggeredAt = clonePtr(schedule.LastTriggeredAt)
	r.p.schedules[schedule.ID] = row

	return nil
}

func (r *triggerRepository) ActiveSchedules(_ context.Context, limit int) ([]*models.Schedule, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	rows := make([]scheduleRow, 0, len(r.p.schedules))

	for _, row := range r.p.schedules {
		if row.schedule.IsActive {
			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	schedules := make([]*models.Schedule, 0, len(rows))

	for _, row := range rows {
		schedule := row.schedule
		schedule.LastTriggeredAt = clonePtr(row.schedule.LastTriggeredAt)
		schedules = append(schedules, &schedule)
	}

	return schedules, nil
}

func (r *triggerRepository) MarkScheduleTriggered(_ context.Context, id string, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.schedules[id]
	if !ok {
		return persistence.ErrTriggerNotFound
	}

	row.schedule.LastTriggeredAt = &at
	row.schedule.UpdatedAt = time.Now().UTC()
	r.p.schedules[id] = row

	return nil
}

func (r *triggerRepository) SaveWebhook(_ context.Context, webhook *models.Webhook) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stamp(&webhook.ID, &webhook.CreatedAt, &webhook.UpdatedAt)

	stored := *webhook
	stored.PayloadSchema = cloneMap(webhook.PayloadSchema)
	stored.LastTriggeredAt = clonePtr(webhook.LastTriggeredAt)
	r.p.webhooks[webhook.ID] = webhookRow{webhook: stored}

	return nil
}

func (r *triggerRepository) WebhookByToken(_ context.Context, token string) (*models.Webhook, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, row := range r.p.webhooks {
		if row.webhook.Token == token {
			webhook := row.webhook
			webhook.PayloadSchema = cloneMap(row.webhook.PayloadSchema)
			webhook.LastTriggeredAt = clonePtr(row.webhook.LastTriggeredAt)

			return &webhook, nil
		}
	}

	return nil, persistence.ErrTriggerNotFound
}

func (r *triggerRepository) MarkWebhookTriggered(_ context.Context, id string, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.webhooks[id]
	if !ok {
		return persistence.ErrTriggerNotFound
	}

	row.webhook.LastTriggeredAt = &at
	r.p.webhooks[id] = row

	return nil
}

func (r *triggerRepository) SaveAPIKey(_ context.Context, key *models.APIKey) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stamp(&key.ID, &key.CreatedAt, &key.UpdatedAt)

	stored := *key
	stored.ExpiresAt = clonePtr(key.ExpiresAt)
	stored.LastTriggeredAt = clonePtr(key.LastTriggeredAt)
	r.p.apiKeys[key.ID] = apiKeyRow{key: stored}

	return nil
}

func (r *triggerRepository) APIKeyByHash(_ context.Context, keyHash string) (*models.APIKey, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, row := range r.p.apiKeys {
		if row.key.KeyHash == keyHash {
			key := row.key
			key.ExpiresAt = clonePtr(row.key.ExpiresAt)
			key.LastTriggeredAt = clonePtr(row.key.LastTriggeredAt)

			return &key, nil
		}
	}

	return nil, persistence.ErrTriggerNotFound
}

func (r *triggerRepository) MarkAPIKeyTriggered(_ context.Context, id string, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.apiKeys[id]
	if !ok {
		return persistence.ErrTriggerNotFound
	}

	row.key.LastTriggeredAt = &at
	r.p.apiKeys[id] = row

	return nil
}

func (r *triggerRepository) SaveEventSubscription(_ context.Context, subscription *models.EventSubscription) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stamp(&subscription.ID, &subscription.CreatedAt, &subscription.UpdatedAt)

	row, exists := r.p.subscriptions[subscription.ID]
	if !exists {
		row.seq = r.p.nextSequence()
	}

	row.subscription = *subscription
	row.subscription.Filter = cloneMap(subscription.Filter)
	row.subscription.LastTriggeredAt = clonePtr(subscription.LastTriggeredAt)
	r.p.subscriptions[subscription.ID] = row

	return nil
}

func (r *triggerRepository) ActiveEventSubscriptions(_ context.Context, organizationID, eventType string) ([]*models.EventSubscription, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	rows := make([]subscriptionRow, 0)

	for _, row := range r.p.subscriptions {
		if row.subscription.IsActive && row.subscription.OrganizationID == organizationID &&
			row.subscription.EventType == eventType {
			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	subscriptions := make([]*models.EventSubscription, 0, len(rows))

	for _, row := range rows {
		subscription := row.subscription
		subscription.Filter = cloneMap(row.subscription.Filter)
		subscription.LastTriggeredAt = clonePtr(row.subscription.LastTriggeredAt)
		subscriptions = append(subscriptions, &subscription)
	}

	return subscriptions, nil
}

func (r *triggerRepository) MarkEventSubscriptionTriggered(_ context.Context, id string, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.subscriptions[id]
	if !ok {
		return persistence.ErrTriggerNotFound
	}

	row.subscription.LastTriggeredAt = &at
	r.p.subscriptions[id] = row

	return nil
}

func (r *triggerRepository) RecordTrigger(_ context.Context, entry *models.TriggerLog) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	key := entry.OrganizationID + "\x00" + entry.IdempotencyKey
	if _, exists := r.p.triggerLogs[key]; exists {
		return persistence.ErrDuplicateTrigger
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	r.p.triggerLogs[key] = triggerLogRow{entry: *entry}

	return nil
}

func (r *triggerRepository) DeleteTrigger(_ context.Context, organizationID, idempotencyKey string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	delete(r.p.triggerLogs, organizationID+"\x00"+idempotencyKey)

	return nil
}
