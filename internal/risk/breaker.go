package risk

import (
	"sync"
	"time"
)

// breaker holds the circuit state for one scope. All fields are guarded by
// mu; the manager never mutates breaker state without it, so two concurrent
// evaluations cannot both transition the scope.
type breaker struct {
	mu sync.Mutex

	scope     string
	state     BreakerState
	openUntil time.Time

	baseCooldown time.Duration
	maxCooldown  time.Duration
	nextCooldown time.Duration // applied on the next (re-)open

	probeInFlight bool

	window *Window
}

func newBreaker(scope string, cfg Config) *breaker {
	return &breaker{
		scope:        scope,
		state:        BreakerClosed,
		baseCooldown: cfg.Cooldown,
		maxCooldown:  cfg.CooldownCap,
		nextCooldown: cfg.Cooldown,
		window:       NewWindow(cfg.WindowAge, 0),
	}
}

// admitResult describes the outcome of an admission check.
type admitResult struct {
	allowed      bool
	probe        bool
	retryAfter   time.Duration
	transitioned bool // OPEN -> HALF_OPEN happened during this call
	state        BreakerState
}

// admit decides whether an intent may pass this breaker. While OPEN it
// rejects until the cooldown elapses, then moves to HALF_OPEN and admits
// exactly one probe; further intents are rejected until the probe resolves.
func (b *breaker) admit(now time.Time) admitResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return admitResult{allowed: true, state: BreakerClosed}

	case BreakerOpen:
		if now.Before(b.openUntil) {
			return admitResult{retryAfter: b.openUntil.Sub(now), state: BreakerOpen}
		}
		b.state = BreakerHalfOpen
		b.probeInFlight = true
		return admitResult{allowed: true, probe: true, transitioned: true, state: BreakerHalfOpen}

	case BreakerHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			return admitResult{allowed: true, probe: true, state: BreakerHalfOpen}
		}
		return admitResult{retryAfter: b.nextCooldown, state: BreakerHalfOpen}
	}
	return admitResult{allowed: true, state: b.state}
}

// trip opens the breaker for the current cooldown and doubles the next one.
// Returns false when the breaker was already open.
func (b *breaker) trip(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		return false
	}
	b.state = BreakerOpen
	b.openUntil = now.Add(b.nextCooldown)
	b.probeInFlight = false

	next := b.nextCooldown * 2
	if next > b.maxCooldown {
		next = b.maxCooldown
	}
	b.nextCooldown = next
	return true
}

// probeResult resolves a half-open probe: success closes the breaker and
// resets the cooldown; failure re-opens with the (already doubled) cooldown.
// Returns the resulting state and whether a transition happened.
func (b *breaker) probeResult(success bool, now time.Time) (BreakerState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerHalfOpen || !b.probeInFlight {
		return b.state, false
	}
	b.probeInFlight = false

	if success {
		b.state = BreakerClosed
		b.nextCooldown = b.baseCooldown
		return BreakerClosed, true
	}

	b.state = BreakerOpen
	b.openUntil = now.Add(b.nextCooldown)
	next := b.nextCooldown * 2
	if next > b.maxCooldown {
		next = b.maxCooldown
	}
	b.nextCooldown = next
	return BreakerOpen, true
}

// releaseProbe hands back a claimed half-open probe slot. Used when the
// admitted intent never reached the connector (a later gate check rejected
// it), so the next intent in the scope can probe instead.
func (b *breaker) releaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.probeInFlight = false
	}
}

// observe records a trade outcome in the window and reports whether the loss
// is anomalous against it. The observation is added after the check so the
// spike itself does not inflate the baseline it is measured against.
func (b *breaker) observe(loss float64, now time.Time, sigma float64, minSamples int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	z, ok := b.window.ZScore(loss, minSamples)
	b.window.Add(loss, now)
	return ok && loss > 0 && z >= sigma
}

// snapshot returns the current state for reporting/persistence.
func (b *breaker) snapshot() (BreakerState, time.Time, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.openUntil, b.nextCooldown
}

// restore forces persisted state onto the breaker (startup recovery).
func (b *breaker) restore(state BreakerState, openUntil time.Time, cooldown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
	b.openUntil = openUntil
	if cooldown > 0 {
		b.nextCooldown = cooldown
	}
	b.probeInFlight = false
}
