package events

import "testing"

func TestSubscribePublishUnsubscribe(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventPriceTick, 4)

	b.Publish(EventPriceTick, "tick")
	if got := <-ch; got != "tick" {
		t.Fatalf("received %v, want tick", got)
	}

	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after unsubscribe")
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventPriceTick, 1)
	defer unsub()

	b.Publish(EventPriceTick, 1)
	b.Publish(EventPriceTick, 2) // buffer full: dropped, publisher not blocked

	if got := <-ch; got != 1 {
		t.Fatalf("delivered = %v, want 1", got)
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery %v after drop", got)
	default:
	}
}
