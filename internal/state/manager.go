package state

import (
	"context"
	"math"
	"sync"

	"bot-engine/pkg/db"
)

// Manager keeps an in-memory view of per-bot positions while persisting to
// DB for durability. Realized PnL is computed here on reducing fills and fed
// to the risk manager by the coordinator.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]db.Position // key: botID|symbol
	db        *db.Database
}

// NewManager creates a state manager backed by the given database (nil for
// memory-only use in tests).
func NewManager(database *db.Database) *Manager {
	return &Manager{
		db:        database,
		positions: make(map[string]db.Position),
	}
}

func key(botID, symbol string) string { return botID + "|" + symbol }

// Load seeds in-memory state from DB on startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	pos, err := m.db.ListPositions(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pos {
		m.positions[key(p.BotID, p.Symbol)] = p
	}
	return nil
}

// Position returns the latest in-memory snapshot for a bot/symbol pair.
func (m *Manager) Position(botID, symbol string) db.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positions[key(botID, symbol)]
}

// RecordFill adjusts the position and returns the realized PnL of this fill
// (zero when the fill only adds exposure). Average-cost accounting on the
// signed position: a reducing fill realizes against the average entry on
// either side, and a fill that flips through flat opens the remainder at its
// own price.
func (m *Manager) RecordFill(ctx context.Context, botID, symbol, side string, qty, price, fee float64) (db.Position, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.positions[key(botID, symbol)]
	p.BotID = botID
	p.Symbol = symbol

	signed := qty
	if side == "SELL" {
		signed = -qty
	}

	var realized float64
	switch {
	case p.Qty == 0 || (p.Qty > 0) == (signed > 0):
		// Opening or adding: average the entry price in.
		newQty := p.Qty + signed
		p.AvgPrice = (p.AvgPrice*math.Abs(p.Qty) + price*qty) / math.Abs(newQty)
		p.Qty = newQty
	default:
		closing := math.Min(qty, math.Abs(p.Qty))
		if p.Qty > 0 {
			realized = (price - p.AvgPrice) * closing
		} else {
			realized = (p.AvgPrice - price) * closing
		}
		p.Qty += signed
		switch {
		case p.Qty == 0:
			p.AvgPrice = 0
		case (p.Qty > 0) == (signed > 0):
			p.AvgPrice = price // flipped through flat
		}
	}
	realized -= fee

	if m.db != nil {
		if err := m.db.UpsertPosition(ctx, p); err != nil {
			return p, realized, err
		}
	}
	m.positions[key(botID, symbol)] = p
	return p, realized, nil
}

// SetPosition directly sets a position (used by reconciliation for syncing).
func (m *Manager) SetPosition(ctx context.Context, botID, symbol string, qty, avgPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := db.Position{BotID: botID, Symbol: symbol, Qty: qty, AvgPrice: avgPrice}
	if m.db != nil {
		if err := m.db.UpsertPosition(ctx, p); err != nil {
			return err
		}
	}
	m.positions[key(botID, symbol)] = p
	return nil
}

// UnrealizedLoss returns the mark-to-market loss (positive number) for a
// bot's position at the given price; zero when the position is in profit.
func (m *Manager) UnrealizedLoss(botID, symbol string, price float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := m.positions[key(botID, symbol)]
	if p.Qty == 0 || price <= 0 {
		return 0
	}
	pnl := (price - p.AvgPrice) * p.Qty
	if pnl >= 0 {
		return 0
	}
	return -pnl
}
