package events

import (
	"encoding/json"
	"sync"
	"time"

	"sheetmailer/internal/models"
)

const (
	EventTaskScheduled  = "task_scheduled"
	EventTaskCancelled  = "task_cancelled"
	EventTaskRequeued   = "task_requeued"
	EventTaskDispatched = "task_dispatched"
	EventTaskFailed     = "task_failed"
)

// TaskEventPayload is the task snapshot handed to event consumers.
// Report is set only for dispatched and failed tasks.
type TaskEventPayload struct {
	TaskID    string                 `json:"task_id"`
	Subject   string                 `json:"subject"`
	Mode      models.DispatchMode    `json:"mode,omitempty"`
	TriggerAt time.Time              `json:"trigger_at"`
	Attempt   int                    `json:"attempt,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Report    *models.DispatchReport `json:"report,omitempty"`
}

// NewTaskPayload fills the common fields from a task.
func NewTaskPayload(task *models.ScheduledTask) TaskEventPayload {
	return TaskEventPayload{
		TaskID:    task.ID,
		Subject:   task.Template.Subject,
		Mode:      task.Mode,
		TriggerAt: task.TriggerAt,
		Attempt:   task.Attempts,
	}
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for the given event types.
func (b *EventBus) Subscribe(handler EventHandler, eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, eventType := range eventTypes {
		b.subscribers[eventType] = append(b.subscribers[eventType], handler)
	}
}

// Publish notifies subscribers of the event type and returns the first
// handler error. Every handler runs regardless.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var first error
	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PublishJSON serializes the payload and publishes an event.
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
