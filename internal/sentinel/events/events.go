// Package events defines the Sentinel event surface (spec.md 4.H, 6) and a
// small typed Publisher built on top of the teacher's transport-agnostic
// internal/events/bus.EventBus. Entries never hold a pointer back to the
// Supervisor (spec.md 9); they emit through an injected Publisher instead,
// expressed here as a narrow capability interface rather than inheritance.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kdlbs/sentinel/internal/events/bus"
)

// Kind enumerates the event variants from spec.md 4.H.
type Kind string

const (
	StateChanged           Kind = "StateChanged"
	HealthChanged          Kind = "HealthChanged"
	LogAppended            Kind = "LogAppended"
	RestartScheduled       Kind = "RestartScheduled"
	RestartBudgetExhausted Kind = "RestartBudgetExhausted"
	MetricsSample          Kind = "MetricsSample"
	DependentsStillRunning Kind = "DependentsStillRunning"
)

const source = "sentinel-supervisor"

// Publisher is the capability Entries, the Scheduler, and the Sampler are
// given to emit events. It never blocks the caller indefinitely: delivery
// is at-least-once, best-effort, and dropped silently if no subscriber is
// listening, matching spec.md 4.H and 5.
type Publisher interface {
	Publish(kind Kind, data map[string]any)
}

// BusPublisher adapts a bus.EventBus to the Publisher interface, publishing
// each Kind on its own bus.Subject.
type BusPublisher struct {
	Bus bus.EventBus
}

// NewBusPublisher wraps b as a Publisher.
func NewBusPublisher(b bus.EventBus) *BusPublisher {
	return &BusPublisher{Bus: b}
}

// Publish fans the event out over the bus. Errors are swallowed: an event
// publisher's job is best-effort notification, not a durable log, and a
// subscriber error must never propagate back into supervisor state.
func (p *BusPublisher) Publish(kind Kind, data map[string]any) {
	if p == nil || p.Bus == nil {
		return
	}
	evt := bus.NewEvent(string(kind), source, data)
	_ = p.Bus.Publish(context.Background(), bus.Subject(string(kind)), evt)
}

// NullPublisher discards every event; useful for tests that don't care
// about the event surface.
type NullPublisher struct{}

func (NullPublisher) Publish(Kind, map[string]any) {}

// StateChangedData is the payload shape for a StateChanged event.
type StateChangedData struct {
	Name string
	From string
	To   string
	At   time.Time
}

// AsMap renders d as the map[string]any payload Publish expects.
func (d StateChangedData) AsMap() map[string]any {
	return map[string]any{"name": d.Name, "from": d.From, "to": d.To, "at": d.At}
}

// NewCorrelationID mints an ID for correlating a health-check request with
// its eventual HealthChanged event, the way the teacher's instance manager
// mints per-instance IDs with uuid.New().
func NewCorrelationID() string {
	return uuid.NewString()
}
