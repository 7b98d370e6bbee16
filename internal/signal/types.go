// Package signal defines the producer side of the engine: sources emit a
// lazy, restartable sequence of trade intents per bot. Concrete strategies
// live behind the Source interface; the engine never sees their internals.
package signal

import (
	"context"
	"errors"
	"time"
)

// ErrSourceDrained signals the end of one strategy iteration. The scheduler
// restarts the source (via its factory) on the next bot start.
var ErrSourceDrained = errors.New("signal source drained")

// TradeIntent is an immutable request to trade, consumed exactly once by the
// transaction coordinator. The idempotency key is unique per logical attempt.
type TradeIntent struct {
	ID             string
	BotID          string
	Mode           string // "paper" or "real", copied from the bot at creation
	Symbol         string
	Side           string // BUY or SELL
	Type           string // MARKET or LIMIT
	Qty            float64
	LimitPrice     float64
	IdempotencyKey string
	CreatedAt      time.Time
}

// Source produces trade intents for one bot. Next blocks until an intent is
// available, the source is drained, or ctx is cancelled.
type Source interface {
	Next(ctx context.Context) (TradeIntent, error)
}

// Factory builds a fresh Source for a bot. Called on every bot start so a
// restarted bot gets a restarted sequence.
type Factory func(botID string) (Source, error)
