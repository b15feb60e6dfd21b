package stream

import (
	"encoding/json"
	"testing"
)

func TestHubPublishReachesAllSubscribers(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(1)
	b := h.Subscribe(1)
	defer h.Unsubscribe(a)
	defer h.Unsubscribe(b)

	if h.Subscribers() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", h.Subscribers())
	}

	h.Publish(NewEvent("dataset.download", map[string]string{"dataset_id": "ds-1"}))

	for _, ch := range []chan Event{a, b} {
		select {
		case evt := <-ch:
			if evt.Type != "dataset.download" {
				t.Fatalf("unexpected type %q", evt.Type)
			}
			var data map[string]string
			if err := json.Unmarshal(evt.Data, &data); err != nil {
				t.Fatalf("decode data: %v", err)
			}
			if data["dataset_id"] != "ds-1" {
				t.Fatalf("unexpected data %v", data)
			}
		default:
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestHubPublishDropsWhenBufferFull(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent("first", nil))
	h.Publish(NewEvent("second", nil))

	evt := <-ch
	if evt.Type != "first" {
		t.Fatalf("expected first event, got %q", evt.Type)
	}
	select {
	case evt := <-ch:
		t.Fatalf("expected second event dropped, got %q", evt.Type)
	default:
	}
}

func TestHubUnsubscribeTwice(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(1)
	h.Unsubscribe(ch)
	h.Unsubscribe(ch)
	if h.Subscribers() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", h.Subscribers())
	}
	// Publishing with no subscribers is a no-op.
	h.Publish(NewEvent("noop", nil))
}

func TestNewEventWithoutData(t *testing.T) {
	evt := NewEvent("ping", nil)
	if evt.Data != nil {
		t.Fatalf("expected nil data, got %s", evt.Data)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
}
