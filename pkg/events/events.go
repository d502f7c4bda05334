// Package events defines the messages carried by the event bus: inbound events from outside the
// platform and the lifecycle events of workflow executions.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/flowlane/pkg/models"
)

type EventType string

// Topic is the single bus topic every event is published on.
const Topic = "flowlane.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// ExternalEventReceivedEvent wraps events posted by systems outside the platform.
	ExternalEventReceivedEvent EventType = "event.received"

	// Workflow execution lifecycle events.
	WorkflowExecutionStartedEvent   EventType = "workflow.execution.started"
	WorkflowExecutionCompletedEvent EventType = "workflow.execution.completed"
	WorkflowExecutionFailedEvent    EventType = "workflow.execution.failed"
	WorkflowExecutionResumedEvent   EventType = "workflow.execution.resumed"
)

// ErrUnknownEventType is returned by Decode for types it has no struct for.
var ErrUnknownEventType = errors.New("unknown event type")

// Event is implemented by every bus message.
type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	OrganizationID string         `json:"organization_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, organizationID string) BaseEvent {
	return BaseEvent{
		ID:             uuid.New().String(),
		Type:           eventType,
		Timestamp:      time.Now().UTC(),
		OrganizationID: organizationID,
		Metadata:       make(map[string]any),
	}
}

// ExternalEvent is an event named by a third party, for example "invoice.paid".
type ExternalEvent struct {
	BaseEvent

	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

func (e ExternalEvent) GetType() EventType {
	return ExternalEventReceivedEvent
}

// ExecutionEvent is the common part of the execution lifecycle events.
type ExecutionEvent struct {
	BaseEvent

	ExecutionID    string               `json:"execution_id"`
	WfDefinitionID string               `json:"wf_definition_id"`
	WorkflowRootID string               `json:"workflow_root_id"`
	TriggeredBy    models.TriggerSource `json:"triggered_by,omitempty"`
}

// NewExecutionEvent builds the lifecycle event base of an execution.
func NewExecutionEvent(eventType EventType, execution *models.Execution) ExecutionEvent {
	return ExecutionEvent{
		BaseEvent:      NewBaseEvent(eventType, execution.OrganizationID),
		ExecutionID:    execution.ID,
		WfDefinitionID: execution.WfDefinitionID,
		WorkflowRootID: execution.WorkflowRootID,
		TriggeredBy:    execution.TriggeredBy,
	}
}

// Data is the payload event subscriptions filter on.
func (e ExecutionEvent) Data() map[string]any {
	return map[string]any{
		"execution_id":     e.ExecutionID,
		"wf_definition_id": e.WfDefinitionID,
		"workflow_root_id": e.WorkflowRootID,
		"triggered_by":     string(e.TriggeredBy),
	}
}

type WorkflowExecutionStarted struct {
	ExecutionEvent
}

func (w WorkflowExecutionStarted) GetType() EventType {
	return WorkflowExecutionStartedEvent
}

type WorkflowExecutionCompleted struct {
	ExecutionEvent
}

func (w WorkflowExecutionCompleted) GetType() EventType {
	return WorkflowExecutionCompletedEvent
}

type WorkflowExecutionFailed struct {
	ExecutionEvent

	Error string `json:"error"`
}

func (w WorkflowExecutionFailed) GetType() EventType {
	return WorkflowExecutionFailedEvent
}

func (w WorkflowExecutionFailed) Data() map[string]any {
	data := w.ExecutionEvent.Data()
	data["error"] = w.Error

	return data
}

type WorkflowExecutionResumed struct {
	ExecutionEvent

	WaitingFor string `json:"waiting_for"`
}

func (w WorkflowExecutionResumed) GetType() EventType {
	return WorkflowExecutionResumedEvent
}

// Decode unmarshals a bus payload into the struct of its event type.
func Decode(eventType EventType, payload []byte) (Event, error) {
	var event Event

	switch eventType {
	case ExternalEventReceivedEvent:
		event = &ExternalEvent{}
	case WorkflowExecutionStartedEvent:
		event = &WorkflowExecutionStarted{}
	case WorkflowExecutionCompletedEvent:
		event = &WorkflowExecutionCompleted{}
	case WorkflowExecutionFailedEvent:
		event = &WorkflowExecutionFailed{}
	case WorkflowExecutionResumedEvent:
		event = &WorkflowExecutionResumed{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	err := json.Unmarshal(payload, event)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}

	return event, nil
}
