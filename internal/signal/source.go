package signal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"bot-engine/internal/events"
)

// Tick is the price update shape consumed by tick-driven sources.
type Tick struct {
	Symbol string
	Price  float64
	At     time.Time
}

// Decider turns a price tick into an optional intent. Returning ok=false
// means no trade on this tick.
type Decider func(tick Tick) (side string, qty float64, ok bool)

// TickSource adapts bus price ticks into trade intents through a Decider.
type TickSource struct {
	botID  string
	mode   string
	symbol string
	decide Decider

	ch    <-chan any
	unsub func()
	once  sync.Once
}

// NewTickSource subscribes to price ticks for symbol and evaluates decide on
// each one.
func NewTickSource(bus *events.Bus, botID, mode, symbol string, decide Decider) *TickSource {
	ch, unsub := bus.Subscribe(events.EventPriceTick, 64)
	return &TickSource{
		botID:  botID,
		mode:   mode,
		symbol: symbol,
		decide: decide,
		ch:     ch,
		unsub:  unsub,
	}
}

// Next blocks until the decider fires or ctx is cancelled.
func (s *TickSource) Next(ctx context.Context) (TradeIntent, error) {
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return TradeIntent{}, ctx.Err()
		case payload, ok := <-s.ch:
			if !ok {
				return TradeIntent{}, ErrSourceDrained
			}
			tick, ok := payload.(Tick)
			if !ok || tick.Symbol != s.symbol {
				continue
			}
			side, qty, fire := s.decide(tick)
			if !fire {
				continue
			}
			return TradeIntent{
				ID:             uuid.NewString(),
				BotID:          s.botID,
				Mode:           s.mode,
				Symbol:         s.symbol,
				Side:           side,
				Type:           "MARKET",
				Qty:            qty,
				IdempotencyKey: uuid.NewString(),
				CreatedAt:      time.Now(),
			}, nil
		}
	}
}

// Close releases the bus subscription.
func (s *TickSource) Close() {
	s.once.Do(s.unsub)
}

// MACrossDecider builds a moving-average crossover decider: BUY on a golden
// cross, SELL on a death cross, nothing while the relation is unchanged.
func MACrossDecider(fastPeriod, slowPeriod int, qty float64) Decider {
	if fastPeriod <= 0 {
		fastPeriod = 10
	}
	if slowPeriod <= fastPeriod {
		slowPeriod = fastPeriod * 3
	}

	var prices []float64
	var prevSide string

	ma := func(n int) float64 {
		sum := 0.0
		for _, p := range prices[len(prices)-n:] {
			sum += p
		}
		return sum / float64(n)
	}

	return func(tick Tick) (string, float64, bool) {
		prices = append(prices, tick.Price)
		if len(prices) > slowPeriod {
			prices = prices[len(prices)-slowPeriod:]
		}
		if len(prices) < slowPeriod {
			return "", 0, false
		}

		fast := ma(fastPeriod)
		slow := ma(slowPeriod)

		side := "SELL"
		if fast > slow {
			side = "BUY"
		}
		if side == prevSide {
			return "", 0, false
		}
		prevSide = side
		return side, qty, true
	}
}

// ScriptedSource replays a fixed set of intents, then drains. Used for
// replay tooling and tests.
type ScriptedSource struct {
	mu      sync.Mutex
	intents []TradeIntent
	pos     int
}

// NewScriptedSource creates a source that yields the given intents in order.
func NewScriptedSource(intents []TradeIntent) *ScriptedSource {
	return &ScriptedSource{intents: intents}
}

// Next returns the next scripted intent or ErrSourceDrained.
func (s *ScriptedSource) Next(ctx context.Context) (TradeIntent, error) {
	if err := ctx.Err(); err != nil {
		return TradeIntent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.intents) {
		return TradeIntent{}, ErrSourceDrained
	}
	intent := s.intents[s.pos]
	s.pos++
	return intent, nil
}
