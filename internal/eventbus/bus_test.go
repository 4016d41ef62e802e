package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeRunStarted, Data: "report-daily"})

	select {
	case e := <-ch:
		if e.Type != TypeRunStarted {
			t.Fatalf("Type = %s, want %s", e.Type, TypeRunStarted)
		}
		if e.Time.IsZero() {
			t.Fatal("Publish did not stamp event time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Fill the buffer, then overflow. Publish must never block.
	b.Publish(Event{Type: TypeRunFinished})
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: TypeRunFailed})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if e := <-ch; e.Type != TypeRunFinished {
		t.Fatalf("Type = %s, want the first event kept", e.Type)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	_ = ch
	unsub()
	unsub() // idempotent

	// Must not panic after the subscriber channel is closed.
	b.Publish(Event{Type: TypeRunStarted})
}
