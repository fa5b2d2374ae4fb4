package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "timer.fired", Data: 7})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != "timer.fired" || e.Data.(int) != 7 {
				t.Fatalf("unexpected event %+v", e)
			}
			if e.Time.IsZero() {
				t.Error("publish should stamp the event time")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestSlowSubscriberDropsExcess(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(2)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "tick"})
	}
	if got := len(ch); got != 2 {
		t.Fatalf("buffered %d events, want 2", got)
	}
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)

	unsub()
	unsub()

	// The channel is closed and publishing afterwards must not panic.
	b.Publish(Event{Type: "tick"})
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestPublishRacesUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Publish(Event{Type: "tick"})
		}
	}()
	for i := 0; i < 50; i++ {
		_, unsub := b.Subscribe(1)
		unsub()
	}
	<-done
}
