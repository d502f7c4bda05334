package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dukex/flowlane/pkg/executions"
	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/otelhelper"
)

// ValidationError lists the reasons a webhook payload failed its schema.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload validation failed: %s", strings.Join(e.Errors, "; "))
}

// HashAPIKey returns the stored form of a raw API key.
func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))

	return hex.EncodeToString(sum[:])
}

// FireWebhook starts the workflow of the webhook addressed by token. A non-empty deliveryID makes
// the delivery idempotent: a repeated delivery returns persistence.ErrDuplicateTrigger.
func (d *Dispatcher) FireWebhook(ctx context.Context, token string, payload map[string]any, deliveryID string) (*executions.Handle, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.fire_webhook",
		attribute.String(otelhelper.TriggerTypeKey, string(models.TriggeredByWebhook)))
	defer span.End()

	webhook, err := d.triggers.WebhookByToken(ctx, token)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if !webhook.IsActive {
		return nil, ErrTriggerInactive
	}

	if len(webhook.PayloadSchema) > 0 {
		err = validatePayload(webhook.PayloadSchema, payload)
		if err != nil {
			return nil, err
		}
	}

	idempotencyKey := ""
	if deliveryID != "" {
		idempotencyKey = "webhook:" + webhook.ID + ":" + deliveryID
	}

	handle, err := d.fire(ctx, firing{
		organizationID: webhook.OrganizationID,
		workflowRootID: webhook.WorkflowRootID,
		triggeredBy:    models.TriggeredByWebhook,
		idempotencyKey: idempotencyKey,
		input:          payload,
		triggerData: map[string]any{
			"webhook_id":  webhook.ID,
			"delivery_id": deliveryID,
		},
		markTriggered: func(ctx context.Context, at time.Time) error {
			return d.triggers.MarkWebhookTriggered(ctx, webhook.ID, at)
		},
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return handle, nil
}

func validatePayload(schema, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("invalid webhook payload schema: %w", err)
	}

	if result.Valid() {
		return nil
	}

	validationErr := &ValidationError{}
	for _, desc := range result.Errors() {
		validationErr.Errors = append(validationErr.Errors, desc.String())
	}

	return validationErr
}

// FireAPIKey starts the workflow the raw API key is bound to.
func (d *Dispatcher) FireAPIKey(ctx context.Context, rawKey string, input map[string]any, idempotencyKey string) (*executions.Handle, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.fire_api_key",
		attribute.String(otelhelper.TriggerTypeKey, string(models.TriggeredByAPI)))
	defer span.End()

	key, err := d.triggers.APIKeyByHash(ctx, HashAPIKey(rawKey))
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if !key.IsActive {
		return nil, ErrTriggerInactive
	}

	if key.Expired(d.now()) {
		return nil, ErrAPIKeyExpired
	}

	if idempotencyKey != "" {
		idempotencyKey = "api:" + key.ID + ":" + idempotencyKey
	}

	handle, err := d.fire(ctx, firing{
		organizationID: key.OrganizationID,
		workflowRootID: key.WorkflowRootID,
		triggeredBy:    models.TriggeredByAPI,
		idempotencyKey: idempotencyKey,
		input:          input,
		triggerData:    map[string]any{"api_key_id": key.ID, "api_key_prefix": key.Prefix},
		markTriggered: func(ctx context.Context, at time.Time) error {
			return d.triggers.MarkAPIKeyTriggered(ctx, key.ID, at)
		},
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return handle, nil
}

// FireManual starts the active version of a workflow root on behalf of a user.
func (d *Dispatcher) FireManual(ctx context.Context, organizationID, workflowRootID string, input map[string]any, idempotencyKey string) (*executions.Handle, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.fire_manual",
		attribute.String(otelhelper.TriggerTypeKey, string(models.TriggeredByManual)),
		attribute.String(otelhelper.OrganizationIDKey, organizationID),
		attribute.String(otelhelper.WorkflowRootIDKey, workflowRootID))
	defer span.End()

	if idempotencyKey != "" {
		idempotencyKey = "manual:" + workflowRootID + ":" + idempotencyKey
	}

	handle, err := d.fire(ctx, firing{
		organizationID: organizationID,
		workflowRootID: workflowRootID,
		triggeredBy:    models.TriggeredByManual,
		idempotencyKey: idempotencyKey,
		input:          input,
		triggerData:    map[string]any{},
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return handle, nil
}
