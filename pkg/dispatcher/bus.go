package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/flowlane/pkg/eventbus"
	"github.com/dukex/flowlane/pkg/events"
)

// busEventTypes are the bus messages the dispatcher consumes.
var busEventTypes = []events.EventType{
	events.ExternalEventReceivedEvent,
	events.WorkflowExecutionStartedEvent,
	events.WorkflowExecutionCompletedEvent,
	events.WorkflowExecutionFailedEvent,
	events.WorkflowExecutionResumedEvent,
}

// Register installs HandleBusEvent on the subscriber for every consumed event type.
func (d *Dispatcher) Register(subscriber eventbus.EventSubscriber) error {
	for _, eventType := range busEventTypes {
		err := subscriber.Handle(eventType, d.HandleBusEvent)
		if err != nil {
			return fmt.Errorf("failed to register handler for %s: %w", eventType, err)
		}
	}

	return nil
}

// HandleBusEvent dispatches a bus message. External events are matched by their own name,
// lifecycle events by their bus type with their emitting workflow as the loop-suppression source.
func (d *Dispatcher) HandleBusEvent(ctx context.Context, event events.Event) error {
	var dispatched Event

	switch e := event.(type) {
	case *events.ExternalEvent:
		dispatched = Event{ID: e.ID, OrganizationID: e.OrganizationID, Type: e.Name, Data: e.Data}
	case *events.WorkflowExecutionStarted:
		dispatched = executionEvent(e.ExecutionEvent, e.GetType(), e.Data())
	case *events.WorkflowExecutionCompleted:
		dispatched = executionEvent(e.ExecutionEvent, e.GetType(), e.Data())
	case *events.WorkflowExecutionFailed:
		dispatched = executionEvent(e.ExecutionEvent, e.GetType(), e.Data())
	case *events.WorkflowExecutionResumed:
		data := e.Data()
		data["waiting_for"] = e.WaitingFor
		dispatched = executionEvent(e.ExecutionEvent, e.GetType(), data)
	default:
		d.logger.WarnContext(ctx, "Ignoring unsupported bus event", "event_type", event.GetType())

		return nil
	}

	_, err := d.DispatchEvent(ctx, dispatched)
	if errors.Is(err, ErrInvalidEvent) {
		d.logger.WarnContext(ctx, "Dropping invalid bus event", "event_type", event.GetType(), "event_id", dispatched.ID)

		return nil
	}

	return err
}

func executionEvent(e events.ExecutionEvent, eventType events.EventType, data map[string]any) Event {
	return Event{
		ID:                   e.ID,
		OrganizationID:       e.OrganizationID,
		Type:                 string(eventType),
		Data:                 data,
		SourceWorkflowRootID: e.WorkflowRootID,
	}
}
