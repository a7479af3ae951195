// Package bus provides the event bus that pushes committed lifecycle events
// to the dashboard feed. The in-memory bus is the default; NATS backs
// deployments where the dashboard runs out of process.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubjectPrefix is the subject namespace for lifecycle events. The full
// subject is SubjectPrefix + "." + event kind.
const SubjectPrefix = "swarm.events"

// Event is a message on the bus. Data carries the event log entry that
// produced it.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler handles one event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes and subscribes to lifecycle events. Subjects support
// NATS-style wildcards (* for one token, > for the rest).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
