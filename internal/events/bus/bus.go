// Package bus provides the publish/subscribe transport the message fabric,
// lifecycle engine, and command channel all build on, with in-memory and
// NATS-backed implementations behind the same EventBus port.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a single message carried on the bus, timestamped and
// identified by a generated random id.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an id and UTC timestamp onto a new event.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handle on a subscribed subject.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the transport port both the in-memory and NATS
// implementations satisfy.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler against a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe registers a handler as part of a load-balanced queue
	// group, so only one member of the group sees a given event.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request publishes an event and blocks for a single reply, or errors
	// on timeout.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close releases the underlying connection.
	Close()

	// IsConnected reports whether the transport is currently usable.
	IsConnected() bool
}

