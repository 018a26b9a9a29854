package events

import (
	"errors"
	"testing"
	"time"

	"sheetmailer/internal/models"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	handler := func(event *Event) error {
		received = event
		callCount++
		return nil
	}

	bus.Subscribe(handler, EventTaskDispatched)

	payload := TaskEventPayload{TaskID: "abc", Subject: "Hi"}
	if err := bus.PublishJSON(EventTaskDispatched, payload); err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}

	if received.Type != EventTaskDispatched {
		t.Errorf("expected type %s, got %s", EventTaskDispatched, received.Type)
	}

	var decoded TaskEventPayload
	if err := received.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}

	if decoded.TaskID != "abc" {
		t.Errorf("expected task_id=abc, got %s", decoded.TaskID)
	}
}

func TestEventBusSubscribeManyTypes(t *testing.T) {
	bus := NewEventBus()
	var count int

	bus.Subscribe(func(_ *Event) error { count++; return nil }, EventTaskFailed, EventTaskRequeued)

	_ = bus.Publish(&Event{Type: EventTaskFailed})
	_ = bus.Publish(&Event{Type: EventTaskRequeued})
	_ = bus.Publish(&Event{Type: EventTaskScheduled})

	if count != 2 {
		t.Errorf("expected 2 calls, got %d", count)
	}
}

func TestEventBusHandlerErrors(t *testing.T) {
	bus := NewEventBus()
	var second bool

	bus.Subscribe(func(_ *Event) error { return errors.New("boom") }, "event")
	bus.Subscribe(func(_ *Event) error { second = true; return nil }, "event")

	err := bus.Publish(&Event{Type: "event"})
	if err == nil || err.Error() != "boom" {
		t.Errorf("expected boom, got %v", err)
	}
	if !second {
		t.Errorf("expected second handler to run")
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	// Should not panic
	if err := bus.Publish(&Event{Type: "unknown"}); err != nil {
		t.Errorf("Publish failed: %v", err)
	}
	if err := bus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}

	var nilBus *EventBus
	if err := nilBus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("nil bus PublishJSON failed: %v", err)
	}
}

func TestNewTaskPayload(t *testing.T) {
	trigger := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	task := &models.ScheduledTask{
		ID:        "t1",
		Template:  models.Template{Subject: "Subj"},
		Mode:      models.ModeAggregated,
		TriggerAt: trigger,
		Attempts:  2,
	}

	event, err := NewJSONEvent(EventTaskScheduled, NewTaskPayload(task))
	if err != nil {
		t.Fatalf("NewJSONEvent failed: %v", err)
	}

	if event.CreatedAt.IsZero() {
		t.Errorf("expected CreatedAt to be set")
	}

	var decoded TaskEventPayload
	if err := event.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if decoded.TaskID != "t1" || decoded.Subject != "Subj" || decoded.Attempt != 2 {
		t.Errorf("unexpected payload %+v", decoded)
	}
	if !decoded.TriggerAt.Equal(trigger) {
		t.Errorf("expected trigger %v, got %v", trigger, decoded.TriggerAt)
	}
}
