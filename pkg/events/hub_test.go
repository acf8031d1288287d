package events

import (
	"testing"
)

func TestPublishDecode(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	h.Publish(TaskState, TaskStateEvent{Task: "acquisition", From: "Idle", To: "Starting", Ts: 1})

	ev := <-ch
	if ev.Name != TaskState {
		t.Fatalf("expected %s, got %s", TaskState, ev.Name)
	}
	payload, err := DecodeAs[TaskStateEvent](ev)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.From != "Idle" || payload.To != "Starting" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	for i := 0; i < cap(ch)+4; i++ {
		h.Publish(ScheduleUpcoming, ScheduleEvent{Message: "tick"})
	}
	if got := h.Dropped(); got != 4 {
		t.Fatalf("expected 4 dropped, got %d", got)
	}
}

func TestNilHub(t *testing.T) {
	var h *EventHub
	h.Publish(TaskFinished, TaskFinishedEvent{})
	if h.Subscribers() != 0 {
		t.Fatalf("nil hub has subscribers")
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()
	h.Unsubscribe(ch)
	h.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("expected no subscribers")
	}
}
