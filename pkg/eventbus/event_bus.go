// Package eventbus publishes and consumes flow lifecycle events.
package eventbus

import (
	"context"

	"github.com/tideflow-io/tideflow/pkg/events"
)

// Event is anything with an event type tag.
type Event interface {
	GetType() events.EventType
}

// EventHandler processes one decoded event.
type EventHandler func(ctx context.Context, event any) error

// EventBus decouples flow mutations from their observers.
type EventBus interface {
	Publish(ctx context.Context, key string, event Event) error
	Subscribe(ctx context.Context) error
	Handle(eventType events.EventType, handler EventHandler) error
	GenerateID() string
	Close() error
}
