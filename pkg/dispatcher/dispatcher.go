// Package dispatcher turns trigger deliveries (inbound events, webhooks, API key calls and manual
// runs) into workflow executions, deduplicated through the trigger log.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/flowlane/pkg/executions"
	"github.com/dukex/flowlane/pkg/fieldpath"
	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/otelhelper"
	"github.com/dukex/flowlane/pkg/persistence"
)

var (
	// ErrInvalidEvent is returned for events missing their id, organization or type.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrTriggerInactive is returned when the webhook or API key is disabled.
	ErrTriggerInactive = errors.New("trigger is inactive")
	// ErrAPIKeyExpired is returned for API keys past their expiry.
	ErrAPIKeyExpired = errors.New("api key expired")
)

// Starter is the execution start entry point.
type Starter interface {
	Start(ctx context.Context, req executions.StartRequest) (*executions.Handle, error)
}

// Event is an inbound event as seen by subscriptions.
type Event struct {
	// ID identifies the delivery. Redeliveries of the same event carry the same ID.
	ID             string
	OrganizationID string
	Type           string
	Data           map[string]any
	// SourceWorkflowRootID is the workflow that emitted the event, empty for external events.
	SourceWorkflowRootID string
}

// Dispatcher starts executions for trigger deliveries.
type Dispatcher struct {
	triggers  persistence.TriggerRepository
	workflows persistence.WorkflowRepository
	starter   Starter
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now as the source of trigger log and last-triggered times.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher that records deliveries in p and starts executions through starter.
func New(p persistence.Persistence, starter Starter, logger *slog.Logger, opts ...Option) *Dispatcher {
	dispatcher := &Dispatcher{
		triggers:  p.TriggerRepository(),
		workflows: p.WorkflowRepository(),
		starter:   starter,
		logger:    logger.With("module", "dispatcher"),
		tracer:    otelhelper.Tracer("dispatcher"),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(dispatcher)
	}

	return dispatcher
}

// DispatchEvent starts one execution per matching active subscription. Subscriptions of the
// emitting workflow are skipped, as are subscriptions that already handled this event ID.
// Per-subscription failures do not stop the others and are returned joined.
func (d *Dispatcher) DispatchEvent(ctx context.Context, event Event) ([]*executions.Handle, error) {
	if event.ID == "" || event.OrganizationID == "" || event.Type == "" {
		return nil, ErrInvalidEvent
	}

	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.dispatch_event",
		attribute.String(otelhelper.EventIDKey, event.ID),
		attribute.String(otelhelper.EventTypeKey, event.Type),
		attribute.String(otelhelper.OrganizationIDKey, event.OrganizationID),
	)
	defer span.End()

	subscriptions, err := d.triggers.ActiveEventSubscriptions(ctx, event.OrganizationID, event.Type)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to load event subscriptions: %w", err)
	}

	logger := d.logger.With("event_id", event.ID, "event_type", event.Type, "organization_id", event.OrganizationID)

	var (
		handles []*executions.Handle
		errs    []error
	)

	for _, subscription := range subscriptions {
		if event.SourceWorkflowRootID != "" && subscription.WorkflowRootID == event.SourceWorkflowRootID {
			logger.DebugContext(ctx, "Skipping self-triggering subscription", "subscription_id", subscription.ID)

			continue
		}

		if !matches(subscription.Filter, event.Data) {
			continue
		}

		handle, err := d.fire(ctx, firing{
			organizationID: event.OrganizationID,
			workflowRootID: subscription.WorkflowRootID,
			triggeredBy:    models.TriggeredByEvent,
			idempotencyKey: event.ID + ":" + subscription.ID,
			input:          event.Data,
			triggerData: map[string]any{
				"event_id":        event.ID,
				"event_type":      event.Type,
				"subscription_id": subscription.ID,
			},
			markTriggered: func(ctx context.Context, at time.Time) error {
				return d.triggers.MarkEventSubscriptionTriggered(ctx, subscription.ID, at)
			},
		})

		switch {
		case errors.Is(err, persistence.ErrDuplicateTrigger):
			logger.InfoContext(ctx, "Skipping already dispatched event", "subscription_id", subscription.ID)
		case errors.Is(err, persistence.ErrActiveWorkflowNotFound):
			logger.DebugContext(ctx, "Skipping subscription without active workflow", "subscription_id", subscription.ID)
		case err != nil:
			logger.ErrorContext(ctx, "Failed to dispatch event to subscription", "subscription_id", subscription.ID, "error", err)
			errs = append(errs, fmt.Errorf("subscription %s: %w", subscription.ID, err))
		default:
			handles = append(handles, handle)
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return handles, err
}

// matches reports whether every filter entry equals the value at its dotted path in data.
func matches(filter, data map[string]any) bool {
	for path, expected := range filter {
		actual, ok := fieldpath.Lookup(data, path)
		if !ok {
			return false
		}

		if !reflect.DeepEqual(fieldpath.Normalize(expected), fieldpath.Normalize(actual)) {
			return false
		}
	}

	return true
}

// firing is one resolved trigger delivery.
type firing struct {
	organizationID string
	workflowRootID string
	triggeredBy    models.TriggerSource
	idempotencyKey string
	input          map[string]any
	triggerData    map[string]any
	markTriggered  func(ctx context.Context, at time.Time) error
}

// fire resolves the active version, records the idempotency key and starts the execution.
// An empty idempotency key skips the trigger log.
func (d *Dispatcher) fire(ctx context.Context, f firing) (*executions.Handle, error) {
	workflow, err := d.workflows.ActiveVersion(ctx, f.organizationID, f.workflowRootID)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()

	if f.idempotencyKey != "" {
		err = d.triggers.RecordTrigger(ctx, &models.TriggerLog{
			OrganizationID: f.organizationID,
			WorkflowRootID: f.workflowRootID,
			TriggerType:    f.triggeredBy,
			IdempotencyKey: f.idempotencyKey,
			CreatedAt:      now,
		})
		if err != nil {
			return nil, err
		}
	}

	handle, err := d.starter.Start(ctx, executions.StartRequest{
		OrganizationID: f.organizationID,
		WfDefinitionID: workflow.ID,
		Input:          f.input,
		TriggeredBy:    f.triggeredBy,
		TriggerData:    f.triggerData,
	})
	if err != nil {
		if f.idempotencyKey != "" {
			deleteErr := d.triggers.DeleteTrigger(ctx, f.organizationID, f.idempotencyKey)
			if deleteErr != nil {
				d.logger.ErrorContext(ctx, "Failed to release idempotency key after start failure",
					"idempotency_key", f.idempotencyKey, "error", deleteErr)
			}
		}

		return nil, err
	}

	if f.markTriggered != nil {
		err = f.markTriggered(ctx, now)
		if err != nil {
			d.logger.WarnContext(ctx, "Failed to update last triggered time", "trigger_type", f.triggeredBy, "error", err)
		}
	}

	d.logger.InfoContext(ctx, "Triggered workflow",
		"trigger_type", f.triggeredBy,
		"organization_id", f.organizationID,
		"workflow_root_id", f.workflowRootID,
		"execution_id", handle.ExecutionID)

	return handle, nil
}
