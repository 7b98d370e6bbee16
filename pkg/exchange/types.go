package exchange

import (
	"context"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes venue status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order to be sent to a venue.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Qty      float64
	Price    float64 // required for LIMIT
	ClientID string  // client order id, used for reconciliation lookups
}

// OrderResult returns the venue ack.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	FillPrice       float64
	FilledQty       float64
	Fee             float64
}

// Ticker is a point-in-time price for a symbol.
type Ticker struct {
	Symbol string
	Price  float64
	At     time.Time
}

// Connector abstracts a trading venue. Implementations own wire formats,
// signing and venue quirks; the engine only depends on this contract and on
// the error classes in errors.go.
type Connector interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetBalance(ctx context.Context, asset string) (float64, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	// GetOrder looks an order up by client id. Used by reconciliation to
	// establish ground truth for ambiguous placements.
	GetOrder(ctx context.Context, symbol, clientID string) (OrderResult, error)
}
