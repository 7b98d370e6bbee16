package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	InitialBalance float64
	FeeRate        float64 // decimal, e.g. 0.0004
	SlippageBps    float64 // applied against the taker on market fills
	Latency        time.Duration
}

// Paper is an in-memory venue used for paper-mode bots and tests. Fills are
// immediate at the last set price, adjusted by slippage, with fees deducted
// from the quote balance.
type Paper struct {
	mu       sync.Mutex
	cfg      PaperConfig
	balance  float64
	prices   map[string]float64
	orders   map[string]OrderResult // client id -> result
	failNext error                  // injected failure for the next PlaceOrder
	placed   int
}

// NewPaper creates a paper venue.
func NewPaper(cfg PaperConfig) *Paper {
	if cfg.InitialBalance == 0 {
		cfg.InitialBalance = 10000
	}
	return &Paper{
		cfg:     cfg,
		balance: cfg.InitialBalance,
		prices:  make(map[string]float64),
		orders:  make(map[string]OrderResult),
	}
}

// SetPrice updates the simulated last price for a symbol.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// FailNext injects an error returned by the next PlaceOrder call.
func (p *Paper) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

// Placed returns how many orders reached the venue.
func (p *Paper) Placed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.placed
}

// PlaceOrder fills the request against the last price.
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if p.cfg.Latency > 0 {
		select {
		case <-time.After(p.cfg.Latency):
		case <-ctx.Done():
			return OrderResult{}, Ambiguous("place_order", ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return OrderResult{}, err
	}

	if req.Qty <= 0 {
		return OrderResult{}, Definitive("place_order", errors.New("quantity must be positive"))
	}

	price, ok := p.prices[req.Symbol]
	if !ok {
		if req.Type == OrderTypeLimit && req.Price > 0 {
			price = req.Price
		} else {
			return OrderResult{}, Definitive("place_order", fmt.Errorf("no price for symbol %s", req.Symbol))
		}
	}

	// Slippage works against the taker.
	slip := price * p.cfg.SlippageBps / 10000
	fill := price
	switch req.Side {
	case SideBuy:
		fill += slip
	case SideSell:
		fill -= slip
	default:
		return OrderResult{}, Definitive("place_order", fmt.Errorf("unknown side %q", req.Side))
	}

	notional := fill * req.Qty
	fee := notional * p.cfg.FeeRate

	if req.Side == SideBuy && notional+fee > p.balance {
		return OrderResult{}, Definitive("place_order", fmt.Errorf("insufficient balance: need %.2f have %.2f", notional+fee, p.balance))
	}

	switch req.Side {
	case SideBuy:
		p.balance -= notional + fee
	case SideSell:
		p.balance += notional - fee
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	res := OrderResult{
		ExchangeOrderID: uuid.NewString(),
		ClientID:        clientID,
		Status:          StatusFilled,
		FillPrice:       fill,
		FilledQty:       req.Qty,
		Fee:             fee,
	}
	p.orders[clientID] = res
	p.placed++
	return res, nil
}

// CancelOrder is a no-op for immediately-filled paper orders.
func (p *Paper) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return nil
}

// GetBalance returns the simulated quote balance regardless of asset.
func (p *Paper) GetBalance(ctx context.Context, asset string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

// GetTicker returns the last set price for a symbol.
func (p *Paper) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return Ticker{}, Transient("get_ticker", fmt.Errorf("no price for symbol %s", symbol))
	}
	return Ticker{Symbol: symbol, Price: price, At: time.Now()}, nil
}

// GetOrder looks up a previously placed order by client id.
func (p *Paper) GetOrder(ctx context.Context, symbol, clientID string) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.orders[clientID]
	if !ok {
		return OrderResult{}, Definitive("get_order", fmt.Errorf("order %s not found", clientID))
	}
	return res, nil
}
