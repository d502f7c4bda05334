// Package eventbus carries inbound and lifecycle events between flowlane processes.
package eventbus

import (
	"context"

	"github.com/dukex/flowlane/pkg/events"
)

type EventPublisher interface {
	// Publish sends event with key as the partitioning key.
	Publish(ctx context.Context, key string, event events.Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event events.Event) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
