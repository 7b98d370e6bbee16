package db

import "time"

// Bot represents a configured trading bot.
type Bot struct {
	ID       string
	UserID   string
	Name     string
	Strategy string
	Symbol   string
	Mode     string // "paper" or "real"
	State    string
	Venue    string
	Params   string

	// Risk profile
	MaxPositionSize    float64
	PerTradeRisk       float64
	StopLoss           float64
	TakeProfit         float64
	MaxDailyLoss       float64
	MaxTradesPerMinute int

	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TradeIntent is the persisted record of a submitted intent.
type TradeIntent struct {
	ID             string
	BotID          string
	Symbol         string
	Side           string
	Type           string
	Qty            float64
	LimitPrice     float64
	IdempotencyKey string
	CreatedAt      time.Time
}

// Order represents a trading order stored in the DB.
type Order struct {
	ID              string
	BotID           string
	ExchangeOrderID string
	Symbol          string
	Side            string
	Price           float64
	Qty             float64
	FilledQty       float64
	Status          string
	CreatedAt       time.Time
}

// Trade represents a fill stored in the DB.
type Trade struct {
	ID        string
	OrderID   string
	BotID     string
	Symbol    string
	Side      string
	Price     float64
	Qty       float64
	Fee       float64
	PnL       float64
	CreatedAt time.Time
}

// Position tracks net position per bot and symbol.
type Position struct {
	BotID     string
	Symbol    string
	Qty       float64
	AvgPrice  float64
	UpdatedAt time.Time
}

// IdempotencyKey is the durable at-most-once record for a logical trade attempt.
type IdempotencyKey struct {
	Key       string
	BotID     string
	Status    string // IN_PROGRESS, COMMITTED, FAILED
	Result    string // JSON payload (order result or error)
	Reason    string // machine-readable failure reason
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RiskLimit holds configured ceilings for a scope ("*" global or a bot id).
type RiskLimit struct {
	Scope              string
	MaxPositionSize    float64
	MaxDailyLoss       float64
	MaxTradesPerMinute int
	MaxSlippage        float64
	UpdatedAt          time.Time
}

// BreakerState is the persisted circuit breaker row for a scope.
type BreakerState struct {
	Scope           string
	State           string // CLOSED, OPEN, HALF_OPEN
	OpenUntil       *time.Time
	CooldownSeconds int
	UpdatedAt       time.Time
}

// AuditEvent is one link of the hash chain.
type AuditEvent struct {
	Seq         int64
	EventType   string
	EntityID    string
	Payload     string
	PayloadHash string
	PrevHash    string
	CreatedAt   time.Time
}

// ReconciliationCase tracks an ambiguous order awaiting resolution against
// exchange ground truth.
type ReconciliationCase struct {
	ID             string
	IdempotencyKey string
	BotID          string
	Symbol         string
	ClientOrderID  string
	Detail         string
	Status         string // OPEN, RESOLVED
	Resolution     string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}
