package exchange

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LimiterPool hands out one token bucket per venue so that all bots trading
// through the same connector share a single budget. Wait blocks the calling
// worker, not the scheduler, and honors context cancellation.
type LimiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

// NewLimiterPool creates a pool where each venue gets perSec tokens per
// second with the given burst.
func NewLimiterPool(perSec float64, burst int) *LimiterPool {
	if perSec <= 0 {
		perSec = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &LimiterPool{
		limiters: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(perSec),
		burst:    burst,
	}
}

// Get returns the limiter for a venue, creating it on first use.
func (p *LimiterPool) Get(venue string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[venue]
	if !ok {
		l = rate.NewLimiter(p.perSec, p.burst)
		p.limiters[venue] = l
	}
	return l
}

// Wait blocks until a token is available for the venue or ctx is done.
func (p *LimiterPool) Wait(ctx context.Context, venue string) error {
	return p.Get(venue).Wait(ctx)
}
