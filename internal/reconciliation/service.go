// Package reconciliation resolves parked order attempts whose fate at the
// venue was unknown when they failed. A periodic sweep asks the venue for
// ground truth by client order id and settles each case one way or the other;
// cases the venue cannot answer yet stay open for the next sweep.
package reconciliation

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"bot-engine/internal/audit"
	"bot-engine/internal/events"
	"bot-engine/internal/risk"
	"bot-engine/internal/state"
	"bot-engine/pkg/db"
	"bot-engine/pkg/exchange"
)

// Resolutions recorded on settled cases.
const (
	ResolutionPlaced    = "ORDER_PLACED"
	ResolutionNotPlaced = "NOT_PLACED"
)

// Service sweeps open reconciliation cases against the venue.
type Service struct {
	conn     exchange.Connector
	db       *db.Database
	state    *state.Manager
	risk     *risk.Manager // optional
	audit    *audit.Trail  // optional
	bus      *events.Bus   // optional
	interval time.Duration
}

// New wires a reconciliation service.
func New(conn exchange.Connector, database *db.Database, stateMgr *state.Manager,
	riskMgr *risk.Manager, trail *audit.Trail, bus *events.Bus, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		conn:     conn,
		db:       database,
		state:    stateMgr,
		risk:     riskMgr,
		audit:    trail,
		bus:      bus,
		interval: interval,
	}
}

// Run sweeps on the configured interval until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				log.Printf("reconciliation: sweep failed: %v", err)
			}
		}
	}
}

// Sweep resolves every open case it can and returns on the first listing
// error. Individual case errors are logged and left for the next sweep.
func (s *Service) Sweep(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	cases, err := s.db.ListOpenReconciliationCases(ctx)
	if err != nil {
		return err
	}
	for _, c := range cases {
		if err := s.resolve(ctx, c); err != nil {
			log.Printf("reconciliation: case %s left open: %v", c.ID, err)
		}
	}
	return nil
}

// resolve asks the venue whether the order exists and settles the case.
func (s *Service) resolve(ctx context.Context, c db.ReconciliationCase) error {
	res, err := s.conn.GetOrder(ctx, c.Symbol, c.ClientOrderID)
	if err != nil {
		switch exchange.Classify(err) {
		case exchange.ClassDefinitive:
			// The venue has no such order: the attempt never landed.
			return s.settle(ctx, c, ResolutionNotPlaced, nil)
		default:
			// Still cannot establish ground truth; retry next sweep.
			return err
		}
	}

	if res.Status != exchange.StatusFilled && res.Status != exchange.StatusPartial {
		return s.settle(ctx, c, ResolutionNotPlaced, nil)
	}
	return s.settle(ctx, c, ResolutionPlaced, &res)
}

// settle closes the case; for placed orders it also folds the recovered fill
// into positions, risk counters and the order history.
func (s *Service) settle(ctx context.Context, c db.ReconciliationCase, resolution string, res *exchange.OrderResult) error {
	if resolution == ResolutionPlaced && res != nil {
		if err := s.recordRecoveredFill(ctx, c, *res); err != nil {
			return err
		}
	}

	if err := s.db.ResolveReconciliationCase(ctx, c.ID, resolution); err != nil {
		return err
	}

	if s.audit != nil {
		payload := map[string]string{
			"case_id":         c.ID,
			"idempotency_key": c.IdempotencyKey,
			"resolution":      resolution,
		}
		if err := s.audit.Append(ctx, "RECONCILIATION_RESOLVED", c.ID, payload); err != nil {
			log.Printf("reconciliation: audit case %s: %v", c.ID, err)
		}
	}
	if s.bus != nil {
		s.bus.Publish(events.EventReconciliation, map[string]string{
			"case_id":    c.ID,
			"resolution": resolution,
		})
	}
	log.Printf("reconciliation: case %s resolved as %s", c.ID, resolution)
	return nil
}

func (s *Service) recordRecoveredFill(ctx context.Context, c db.ReconciliationCase, res exchange.OrderResult) error {
	side := string(exchange.SideBuy)
	if intent, err := s.db.GetTradeIntentByKey(ctx, c.IdempotencyKey); err == nil {
		side = strings.ToUpper(intent.Side)
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	_, realized, err := s.state.RecordFill(ctx, c.BotID, c.Symbol, side, res.FilledQty, res.FillPrice, res.Fee)
	if err != nil {
		return err
	}
	if s.risk != nil {
		s.risk.RecordTrade(ctx, c.BotID, c.Symbol, realized)
	}

	orderID := uuid.New().String()
	err = s.db.RecordExecution(ctx, db.Order{
		ID:              orderID,
		BotID:           c.BotID,
		ExchangeOrderID: res.ExchangeOrderID,
		Symbol:          c.Symbol,
		Side:            side,
		Price:           res.FillPrice,
		Qty:             res.FilledQty,
		FilledQty:       res.FilledQty,
		Status:          string(res.Status),
	}, db.Trade{
		ID:      uuid.New().String(),
		OrderID: orderID,
		BotID:   c.BotID,
		Symbol:  c.Symbol,
		Side:    side,
		Price:   res.FillPrice,
		Qty:     res.FilledQty,
		Fee:     res.Fee,
		PnL:     realized,
	})
	if err != nil {
		log.Printf("reconciliation: persist recovered execution for case %s: %v", c.ID, err)
	}
	return nil
}
