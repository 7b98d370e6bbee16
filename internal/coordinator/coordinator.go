// Package coordinator drives every trade through a fixed pipeline:
// Validate -> Reserve -> Gate -> Execute. The reservation step pins an
// idempotency key so a logical attempt executes at most once, whatever the
// caller does with retries; the gate step consults the risk manager; the
// execute step talks to the venue with bounded retries on transient errors
// only. Anything the venue might or might not have seen goes to the
// reconciliation queue instead of being retried.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"bot-engine/internal/audit"
	"bot-engine/internal/events"
	"bot-engine/internal/idempotency"
	"bot-engine/internal/risk"
	"bot-engine/internal/signal"
	"bot-engine/internal/state"
	"bot-engine/pkg/db"
	"bot-engine/pkg/exchange"
)

// Config bounds the execute step.
type Config struct {
	ExecuteTimeout time.Duration // wall clock for the whole execute step
	MaxRetries     int           // extra attempts on transient errors
	RetryBackoff   time.Duration // base backoff between attempts
}

// DefaultConfig returns the standard execution bounds.
func DefaultConfig() Config {
	return Config{
		ExecuteTimeout: 10 * time.Second,
		MaxRetries:     2,
		RetryBackoff:   250 * time.Millisecond,
	}
}

// Outcome is the terminal result of a submission, also the payload stored
// under the idempotency key and replayed on duplicates.
type Outcome struct {
	Status          string  `json:"status"` // COMMITTED or FAILED
	Reason          string  `json:"reason,omitempty"`
	Detail          string  `json:"detail,omitempty"`
	OrderID         string  `json:"order_id,omitempty"`
	ExchangeOrderID string  `json:"exchange_order_id,omitempty"`
	FillPrice       float64 `json:"fill_price,omitempty"`
	FilledQty       float64 `json:"filled_qty,omitempty"`
	Fee             float64 `json:"fee,omitempty"`
	RealizedPnL     float64 `json:"realized_pnl,omitempty"`
	Replayed        bool    `json:"-"`
}

// Coordinator owns the submission pipeline for one connector.
type Coordinator struct {
	risk  *risk.Manager
	keys  *idempotency.Store
	db    *db.Database // optional
	bus   *events.Bus  // optional
	audit *audit.Trail // optional
	conn  exchange.Connector
	state *state.Manager
	cfg   Config
}

// New wires a coordinator. db, bus and trail may be nil for memory-only use.
func New(riskMgr *risk.Manager, keys *idempotency.Store, stateMgr *state.Manager,
	conn exchange.Connector, database *db.Database, bus *events.Bus, trail *audit.Trail, cfg Config) *Coordinator {
	if cfg.ExecuteTimeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		risk:  riskMgr,
		keys:  keys,
		db:    database,
		bus:   bus,
		audit: trail,
		conn:  conn,
		state: stateMgr,
		cfg:   cfg,
	}
}

// Submit runs one intent through the pipeline. The returned Outcome is
// terminal: either this call executed it, or a previous call with the same
// idempotency key did and the stored outcome is replayed (Replayed=true).
func (c *Coordinator) Submit(ctx context.Context, intent signal.TradeIntent) (Outcome, error) {
	// Step 1: validate. No record is created for malformed intents, so a
	// corrected resubmission under the same key starts clean.
	if err := validate(intent); err != nil {
		return Outcome{}, err
	}

	// The reference price is also fetched before the key is reserved: a
	// ticker blip is retryable and must not burn the caller's key.
	price, err := c.referencePrice(ctx, intent)
	if err != nil {
		return Outcome{}, err
	}

	// Step 2: reserve the idempotency key.
	rec, isNew, err := c.keys.Begin(ctx, intent.IdempotencyKey, intent.BotID)
	if err != nil {
		if errors.Is(err, idempotency.ErrConcurrentDuplicate) {
			return Outcome{}, fmt.Errorf("%w: key %s", ErrDuplicateInFlight, intent.IdempotencyKey)
		}
		return Outcome{}, err
	}
	if !isNew {
		return replay(rec), nil
	}

	// Past this point the attempt runs to a terminal state even if the
	// caller goes away: every remaining effect uses a detached context.
	opCtx := context.WithoutCancel(ctx)

	c.publish(events.EventIntentSubmitted, intent)
	c.note(opCtx, "INTENT_SUBMITTED", intent.ID, intent)
	c.persistIntent(opCtx, intent)

	// Step 3: gate through the risk manager at the reference price.
	decision := c.risk.Evaluate(intent, price)
	if !decision.Allowed() {
		out := Outcome{Status: idempotency.StatusFailed, Reason: string(decision.Reason), Detail: decision.Detail}
		c.finishFailed(opCtx, intent, out)
		return out, &RiskRejectedError{
			Reason:     decision.Reason,
			Detail:     decision.Detail,
			Scope:      decision.Scope,
			RetryAfter: decision.RetryAfter,
		}
	}

	// Step 4: execute against the venue.
	return c.execute(opCtx, intent, price)
}

func validate(intent signal.TradeIntent) error {
	switch {
	case intent.BotID == "":
		return &ValidationError{Field: "bot_id", Msg: "required"}
	case intent.IdempotencyKey == "":
		return &ValidationError{Field: "idempotency_key", Msg: "required"}
	case intent.Symbol == "":
		return &ValidationError{Field: "symbol", Msg: "required"}
	case intent.Qty <= 0:
		return &ValidationError{Field: "qty", Msg: "must be positive"}
	}
	side := strings.ToUpper(intent.Side)
	if side != string(exchange.SideBuy) && side != string(exchange.SideSell) {
		return &ValidationError{Field: "side", Msg: "must be BUY or SELL"}
	}
	typ := strings.ToUpper(intent.Type)
	if typ != string(exchange.OrderTypeMarket) && typ != string(exchange.OrderTypeLimit) {
		return &ValidationError{Field: "type", Msg: "must be MARKET or LIMIT"}
	}
	if typ == string(exchange.OrderTypeLimit) && intent.LimitPrice <= 0 {
		return &ValidationError{Field: "limit_price", Msg: "required for LIMIT orders"}
	}
	return nil
}

// referencePrice is what the risk gate marks the intent against: the limit
// price when given, the live ticker otherwise.
func (c *Coordinator) referencePrice(ctx context.Context, intent signal.TradeIntent) (float64, error) {
	if intent.LimitPrice > 0 {
		return intent.LimitPrice, nil
	}
	tk, err := c.conn.GetTicker(ctx, intent.Symbol)
	if err != nil {
		return 0, fmt.Errorf("no reference price for %s: %w", intent.Symbol, err)
	}
	return tk.Price, nil
}

// execute runs the venue call and every follow-up write on ctx, which Submit
// has already detached from the caller; only the execute timeout bounds it.
func (c *Coordinator) execute(ctx context.Context, intent signal.TradeIntent, price float64) (Outcome, error) {
	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecuteTimeout)
	defer cancel()

	req := exchange.OrderRequest{
		Symbol:   intent.Symbol,
		Side:     exchange.Side(strings.ToUpper(intent.Side)),
		Type:     exchange.OrderType(strings.ToUpper(intent.Type)),
		Qty:      intent.Qty,
		Price:    intent.LimitPrice,
		ClientID: intent.IdempotencyKey,
	}

	var (
		res     exchange.OrderResult
		lastErr error
	)
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-execCtx.Done():
				lastErr = execCtx.Err()
			case <-time.After(backoff):
				log.Printf("coordinator: retry %d for intent %s after transient error: %v", attempt, intent.ID, lastErr)
			}
			if execCtx.Err() != nil {
				break
			}
		}

		res, lastErr = c.conn.PlaceOrder(execCtx, req)
		if lastErr == nil {
			return c.commitFill(ctx, intent, res)
		}
		if exchange.Classify(lastErr) != exchange.ClassTransient {
			break
		}
	}

	switch exchange.Classify(lastErr) {
	case exchange.ClassDefinitive, exchange.ClassTransient:
		// Transient errors that exhausted the retry budget are definitive
		// failures of this attempt: the order was never placed.
		out := Outcome{Status: idempotency.StatusFailed, Reason: string(risk.ReasonExecution), Detail: lastErr.Error()}
		c.finishFailed(ctx, intent, out)
		c.risk.ReportExecution(intent.Symbol, false)
		c.publish(events.EventOrderFailed, intent)
		return out, &ExecutionError{Err: lastErr}

	default: // ambiguous: fate unknown, never blind-retried
		caseID := c.openReconciliation(ctx, intent, lastErr)
		out := Outcome{
			Status: idempotency.StatusFailed,
			Reason: string(risk.ReasonReconciliation),
			Detail: fmt.Sprintf("order fate unknown, case %s: %v", caseID, lastErr),
		}
		c.finishFailed(ctx, intent, out)
		c.risk.ReportExecution(intent.Symbol, false)
		return out, &AmbiguousError{CaseID: caseID, Err: lastErr}
	}
}

func (c *Coordinator) commitFill(ctx context.Context, intent signal.TradeIntent, res exchange.OrderResult) (Outcome, error) {
	orderID := uuid.New().String()

	_, realized, err := c.state.RecordFill(ctx, intent.BotID, intent.Symbol,
		strings.ToUpper(intent.Side), res.FilledQty, res.FillPrice, res.Fee)
	if err != nil {
		log.Printf("coordinator: record fill for intent %s: %v", intent.ID, err)
	}
	c.risk.RecordTrade(ctx, intent.BotID, intent.Symbol, realized)
	c.risk.ReportExecution(intent.Symbol, true)

	out := Outcome{
		Status:          idempotency.StatusCommitted,
		OrderID:         orderID,
		ExchangeOrderID: res.ExchangeOrderID,
		FillPrice:       res.FillPrice,
		FilledQty:       res.FilledQty,
		Fee:             res.Fee,
		RealizedPnL:     realized,
	}

	payload, _ := json.Marshal(out)
	if err := c.keys.Commit(ctx, intent.IdempotencyKey, string(payload)); err != nil {
		// A racing finisher won; surface the stored outcome instead.
		if errors.Is(err, idempotency.ErrAlreadyFinished) {
			if rec, getErr := c.keys.Get(ctx, intent.IdempotencyKey); getErr == nil {
				return replay(rec), nil
			}
		}
		return out, err
	}

	if c.db != nil {
		side := strings.ToUpper(intent.Side)
		err := c.db.RecordExecution(ctx, db.Order{
			ID:              orderID,
			BotID:           intent.BotID,
			ExchangeOrderID: res.ExchangeOrderID,
			Symbol:          intent.Symbol,
			Side:            side,
			Price:           res.FillPrice,
			Qty:             intent.Qty,
			FilledQty:       res.FilledQty,
			Status:          string(res.Status),
		}, db.Trade{
			ID:      uuid.New().String(),
			OrderID: orderID,
			BotID:   intent.BotID,
			Symbol:  intent.Symbol,
			Side:    side,
			Price:   res.FillPrice,
			Qty:     res.FilledQty,
			Fee:     res.Fee,
			PnL:     realized,
		})
		if err != nil {
			log.Printf("coordinator: persist execution for order %s: %v", orderID, err)
		}
	}

	c.note(ctx, "ORDER_FILLED", intent.ID, out)
	c.publish(events.EventOrderFilled, out)
	return out, nil
}

// finishFailed moves the key to FAILED and records the rejection. Losing the
// CAS means another finisher already wrote a terminal state; that one stands.
func (c *Coordinator) finishFailed(ctx context.Context, intent signal.TradeIntent, out Outcome) {
	if err := c.keys.Fail(ctx, intent.IdempotencyKey, out.Reason, out.Detail); err != nil &&
		!errors.Is(err, idempotency.ErrAlreadyFinished) {
		log.Printf("coordinator: fail key %s: %v", intent.IdempotencyKey, err)
	}
	c.note(ctx, "INTENT_REJECTED", intent.ID, out)
	c.publish(events.EventIntentRejected, out)
}

// openReconciliation parks an ambiguous attempt for async resolution against
// venue ground truth.
func (c *Coordinator) openReconciliation(ctx context.Context, intent signal.TradeIntent, cause error) string {
	caseID := uuid.New().String()
	if c.db != nil {
		if err := c.db.CreateReconciliationCase(ctx, db.ReconciliationCase{
			ID:             caseID,
			IdempotencyKey: intent.IdempotencyKey,
			BotID:          intent.BotID,
			Symbol:         intent.Symbol,
			ClientOrderID:  intent.IdempotencyKey,
			Detail:         cause.Error(),
		}); err != nil {
			log.Printf("coordinator: open reconciliation case for %s: %v", intent.ID, err)
		}
	}
	c.note(ctx, "RECONCILIATION_OPENED", caseID, map[string]string{
		"intent_id": intent.ID,
		"bot_id":    intent.BotID,
		"symbol":    intent.Symbol,
		"cause":     cause.Error(),
	})
	c.publish(events.EventReconciliation, caseID)
	log.Printf("coordinator: ambiguous order for intent %s parked as case %s", intent.ID, caseID)
	return caseID
}

// RecoverStale routes attempts interrupted mid-flight (IN_PROGRESS past the
// execute window, e.g. after a crash) to reconciliation. Called on startup
// and then periodically by RunRecoveryLoop.
func (c *Coordinator) RecoverStale(ctx context.Context) error {
	stale, err := c.keys.StaleInProgress(ctx, 2*c.cfg.ExecuteTimeout)
	if err != nil {
		return err
	}
	for _, rec := range stale {
		symbol := ""
		if c.db != nil {
			if it, err := c.db.GetTradeIntentByKey(ctx, rec.Key); err == nil {
				symbol = it.Symbol
			}
		}
		caseID := uuid.New().String()
		if c.db != nil {
			if err := c.db.CreateReconciliationCase(ctx, db.ReconciliationCase{
				ID:             caseID,
				IdempotencyKey: rec.Key,
				BotID:          rec.BotID,
				Symbol:         symbol,
				ClientOrderID:  rec.Key,
				Detail:         "attempt interrupted before reaching a terminal state",
			}); err != nil {
				log.Printf("coordinator: recover key %s: %v", rec.Key, err)
				continue
			}
		}
		if err := c.keys.Fail(ctx, rec.Key, string(risk.ReasonReconciliation),
			"interrupted mid-flight, parked for reconciliation"); err != nil {
			log.Printf("coordinator: finish stale key %s: %v", rec.Key, err)
		}
		c.note(ctx, "RECONCILIATION_OPENED", caseID, map[string]string{"idempotency_key": rec.Key})
		log.Printf("coordinator: stale attempt %s parked as case %s", rec.Key, caseID)
	}
	if len(stale) > 0 {
		log.Printf("coordinator: recovered %d stale attempts", len(stale))
	}
	return nil
}

// RunRecoveryLoop sweeps stale attempts on an interval, so keys orphaned
// while the engine is running do not wait for the next restart.
func (c *Coordinator) RunRecoveryLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RecoverStale(ctx); err != nil {
				log.Printf("coordinator: recover stale attempts: %v", err)
			}
		}
	}
}

func replay(rec idempotency.Record) Outcome {
	var out Outcome
	if rec.Status == idempotency.StatusCommitted && rec.Result != "" {
		if err := json.Unmarshal([]byte(rec.Result), &out); err != nil {
			out = Outcome{Status: rec.Status}
		}
	}
	out.Status = rec.Status
	if out.Reason == "" {
		out.Reason = rec.Reason
	}
	if out.Detail == "" {
		out.Detail = rec.Result
	}
	out.Replayed = true
	return out
}

func (c *Coordinator) persistIntent(ctx context.Context, intent signal.TradeIntent) {
	if c.db == nil {
		return
	}
	if err := c.db.CreateTradeIntent(ctx, db.TradeIntent{
		ID:             intent.ID,
		BotID:          intent.BotID,
		Symbol:         intent.Symbol,
		Side:           strings.ToUpper(intent.Side),
		Type:           strings.ToUpper(intent.Type),
		Qty:            intent.Qty,
		LimitPrice:     intent.LimitPrice,
		IdempotencyKey: intent.IdempotencyKey,
		CreatedAt:      intent.CreatedAt,
	}); err != nil {
		log.Printf("coordinator: persist intent %s: %v", intent.ID, err)
	}
}

func (c *Coordinator) note(ctx context.Context, eventType, entityID string, payload any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Append(ctx, eventType, entityID, payload); err != nil {
		log.Printf("coordinator: audit %s for %s: %v", eventType, entityID, err)
	}
}

func (c *Coordinator) publish(e events.Event, payload any) {
	if c.bus != nil {
		c.bus.Publish(e, payload)
	}
}
