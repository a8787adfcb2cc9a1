package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: "x", Data: 7})
	select {
	case e := <-ch:
		if e.Type != "x" || e.Data.(int) != 7 {
			t.Fatalf("got %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatalf("publish did not stamp time")
		}
	case <-time.After(time.Second):
		t.Fatalf("event never delivered")
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: "flood"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a saturated subscriber")
	}
}

func TestUnsubscribeStopsDeliveryAndTolerates(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // second call is a no-op

	// Publishing after unsubscribe must not panic even though the channel
	// is closed.
	b.Publish(Event{Type: "late"})

	if _, open := <-ch; open {
		t.Fatalf("channel still open after unsubscribe")
	}
}
