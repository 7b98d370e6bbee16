package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"bot-engine/internal/audit"
	"bot-engine/internal/coordinator"
	"bot-engine/internal/events"
	"bot-engine/internal/idempotency"
	"bot-engine/internal/risk"
	"bot-engine/internal/scheduler"
	"bot-engine/internal/signal"
	"bot-engine/internal/state"
	"bot-engine/pkg/db"
	"bot-engine/pkg/exchange"
)

type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (signal.TradeIntent, error) {
	<-ctx.Done()
	return signal.TradeIntent{}, ctx.Err()
}

func newTestService(t *testing.T) (Service, *exchange.Paper) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := events.NewBus()
	trail, err := audit.New(database)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	riskMgr := risk.NewManager(database, bus, risk.DefaultBreakerConfig())
	riskMgr.SetGlobalLimits(risk.Limits{MaxPositionSize: 1e9, MaxDailyLoss: 1e9, MaxTradesPerMinute: 100000})

	stateMgr := state.NewManager(database)
	paper := exchange.NewPaper(exchange.PaperConfig{InitialBalance: 1e6})
	paper.SetPrice("BTCUSDT", 100)

	coord := coordinator.New(riskMgr, idempotency.New(database, time.Hour), stateMgr,
		paper, database, bus, trail, coordinator.DefaultConfig())

	factory := func(string) (signal.Source, error) { return blockingSource{}, nil }
	sched := scheduler.New(coord, factory, exchange.NewLimiterPool(100, 100), database, bus, scheduler.Config{
		MaxConcurrent: 4, StopGrace: time.Second, MaxConsecutiveFailures: 5, Venue: "paper",
	})

	return New(database, sched, riskMgr, trail), paper
}

func TestCreateSubmitAndDelete(t *testing.T) {
	svc, paper := newTestService(t)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, BotSpec{
		Name: "mean-reverter", Strategy: "scripted", Symbol: "btcusdt",
		MaxPositionSize: 1000, MaxDailyLoss: 500, MaxTradesPerMinute: 10,
	})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	if bot.Symbol != "BTCUSDT" || bot.Mode != "paper" {
		t.Fatalf("bot defaults = %+v", bot)
	}
	if st, err := svc.GetBotState(bot.ID); err != nil || st != scheduler.StateCreated {
		t.Fatalf("state = %s (%v), want CREATED", st, err)
	}

	out, err := svc.SubmitTrade(ctx, TradeRequest{
		BotID: bot.ID, Symbol: "BTCUSDT", Side: "buy", Type: "market", Qty: 1,
		IdempotencyKey: "manual-1",
	})
	if err != nil {
		t.Fatalf("submit trade: %v", err)
	}
	if out.Status != idempotency.StatusCommitted || paper.Placed() != 1 {
		t.Fatalf("outcome = %+v placed = %d", out, paper.Placed())
	}

	metrics := svc.GetRiskMetrics(bot.ID)
	if metrics.Limits.MaxPositionSize != 1000 {
		t.Fatalf("metrics limits = %+v, want bot profile applied", metrics.Limits)
	}
	if metrics.GlobalBreaker != string(risk.BreakerClosed) {
		t.Fatalf("global breaker = %s, want CLOSED", metrics.GlobalBreaker)
	}

	if err := svc.VerifyAuditTrail(ctx); err != nil {
		t.Fatalf("audit trail broken: %v", err)
	}

	if err := svc.DeleteBot(ctx, bot.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetBot(ctx, bot.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("get deleted bot err = %v, want ErrNotFound", err)
	}
}

func TestDeleteRunningBotRefused(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, BotSpec{Name: "runner", Symbol: "BTCUSDT"})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	if err := svc.StartBot(ctx, bot.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.DeleteBot(ctx, bot.ID); !errors.Is(err, ErrBotRunning) {
		t.Fatalf("delete running err = %v, want ErrBotRunning", err)
	}

	if err := svc.StopBot(ctx, bot.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := svc.DeleteBot(ctx, bot.ID); err != nil {
		t.Fatalf("delete stopped: %v", err)
	}
}
