package scheduler

import (
	"context"
	"sync"
)

// admission is a FIFO ticket gate bounding how many intents execute at once.
// Unlike a plain buffered-channel semaphore, waiters are granted strictly in
// arrival order, so a chatty bot cannot starve a quiet one.
type admission struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []chan struct{}
}

func newAdmission(capacity int) *admission {
	if capacity <= 0 {
		capacity = 1
	}
	return &admission{capacity: capacity}
}

// Acquire blocks until a slot is granted or ctx is cancelled.
func (a *admission) Acquire(ctx context.Context) error {
	a.mu.Lock()
	if a.inUse < a.capacity && len(a.waiters) == 0 {
		a.inUse++
		a.mu.Unlock()
		return nil
	}

	ticket := make(chan struct{})
	a.waiters = append(a.waiters, ticket)
	a.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		a.mu.Lock()
		defer a.mu.Unlock()
		select {
		case <-ticket:
			// Granted between cancellation and lock: hand the slot back.
			a.release()
		default:
			a.drop(ticket)
		}
		return ctx.Err()
	}
}

// Release returns a slot, handing it to the front waiter if any.
func (a *admission) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.release()
}

// release hands the slot to the oldest waiter or frees it. Caller holds mu.
func (a *admission) release() {
	if len(a.waiters) > 0 {
		ticket := a.waiters[0]
		a.waiters = a.waiters[1:]
		close(ticket)
		return
	}
	if a.inUse > 0 {
		a.inUse--
	}
}

// drop removes an abandoned ticket from the queue. Caller holds mu.
func (a *admission) drop(ticket chan struct{}) {
	for i, w := range a.waiters {
		if w == ticket {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			return
		}
	}
}

// InUse reports currently held slots (for metrics and tests).
func (a *admission) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}
