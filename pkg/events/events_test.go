package events

import (
	"testing"
	"time"
)

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}

	b.Publish(&Event{
		Type:    EventWorkerStarted,
		Message: "worker 1 forked",
	})

	select {
	case event := <-sub:
		if event.Type != EventWorkerStarted {
			t.Errorf("expected %s, got %s", EventWorkerStarted, event.Type)
		}
		if event.ID == "" {
			t.Error("event ID should be assigned on publish")
		}
		if event.Timestamp.IsZero() {
			t.Error("event timestamp should be assigned on publish")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}

	// The channel is closed after unsubscribe.
	if _, ok := <-sub; ok {
		t.Error("unsubscribed channel should be closed")
	}
}

func TestBroker_SlowSubscriberSkipped(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()

	// Overflow the subscriber buffer; the broker must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Publish(&Event{Type: EventWorkerExited})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// Drain what fit in the buffer.
	n := 0
	for {
		select {
		case <-sub:
			n++
		default:
			if n == 0 {
				t.Error("expected at least one delivered event")
			}
			return
		}
	}
}
