package events

import (
	"log"
	"sync"
	"sync/atomic"
)

// Bus fans engine events out to channel subscribers. Delivery is best-effort:
// a subscriber that falls behind its buffer loses events rather than stalling
// the publisher, since nothing on the trade pipeline may block on a listener.
// Records that must survive (the audit chain, sqlite rows) are written
// synchronously by their producers; the bus only carries notifications.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan any
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a buffered listener for an event. The returned function
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish delivers the payload to every subscriber with buffer room. Full
// subscribers are skipped and the loss counted.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			if n := b.dropped.Add(1); n == 1 || n%1000 == 0 {
				log.Printf("events: %d events dropped so far, slow subscriber on %s", n, e)
			}
		}
	}
}

// Dropped reports how many events were lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
