// Package bus provides the transport-agnostic publish/subscribe primitive
// Sentinel's event surface (spec.md 4.H) rides on: an in-process
// implementation for a single sentineld, and a NATS implementation for
// fanning the same events out to other processes (e.g. a dashboard or a
// second sentineld sharing a control plane). Subjects are always
// "sentinel.events.<kind>", so a subscriber never needs to know whether
// it's talking to the in-memory bus or a real NATS server.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubjectPrefix is the root of every Sentinel event subject.
const SubjectPrefix = "sentinel.events."

// AllEventsSubject is the wildcard subject that matches every event kind,
// used by the WebSocket event stream (spec.md 6) to subscribe once for
// the whole surface instead of one subscription per Kind.
const AllEventsSubject = SubjectPrefix + ">"

// Subject builds the subject a given event kind is published on.
func Subject(kind string) string {
	return SubjectPrefix + kind
}

// Event is one occurrence on the Sentinel event surface (spec.md 4.H):
// a process entry transitioning, a health check changing state, a
// scheduled restart, and so on. Entry is empty for bus-wide events that
// aren't about a single process (e.g. MetricsSample).
type Event struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Entry     string                 `json:"entry,omitempty"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an Event, deriving Entry from data's "name" key when
// present (every per-process event in events.go carries one).
func NewEvent(kind, source string, data map[string]interface{}) *Event {
	evt := &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if name, ok := data["name"].(string); ok {
		evt.Entry = name
	}
	return evt
}

// EventHandler processes one delivered Event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe surface both implementations satisfy.
// Sentinel has no request/reply or queue-group consumer (every subscriber
// — the WebSocket stream, an in-process observer — wants every event),
// so unlike a general-purpose message-bus client this interface is
// publish/subscribe only.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
