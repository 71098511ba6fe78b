package events

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

const (
	EventActionEnqueued    = "action_enqueued"
	EventActionDelivered   = "action_delivered"
	EventActionRetried     = "action_retried"
	EventActionDropped     = "action_dropped"
	EventConnectivity      = "connectivity_changed"
	EventDrainCompleted    = "drain_completed"
	EventPersistenceFailed = "persistence_failed"
)

// ActionEventPayload is the snapshot of a queued action published to subscribers.
type ActionEventPayload struct {
	ActionID   string `json:"action_id"`
	Kind       string `json:"kind"`
	RetryCount int    `json:"retry_count"`
	EnqueuedAt int64  `json:"enqueued_at"`
	Error      string `json:"error,omitempty"`
}

// ConnectivityPayload is published on every connectivity edge.
type ConnectivityPayload struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// DrainPayload summarizes one finished drain pass.
type DrainPayload struct {
	Attempted int           `json:"attempted"`
	Delivered int           `json:"delivered"`
	Retried   int           `json:"retried"`
	Dropped   int           `json:"dropped"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration"`
}

// Event represents a lightweight sync event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the JSON payload into out.
func (e *Event) Decode(out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[string][]subscription
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscription)}
}

// Subscribe registers a handler for an event type and returns a func that removes it.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish notifies subscribers synchronously and joins their errors.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var errs []error
	for _, s := range subs {
		if err := s.handler(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishJSON serializes the payload and publishes an event. Nil bus is a no-op.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	return b.Publish(&event)
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
