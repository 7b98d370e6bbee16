package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bot-engine/internal/audit"
	"bot-engine/internal/events"
	"bot-engine/internal/idempotency"
	"bot-engine/internal/risk"
	"bot-engine/internal/signal"
	"bot-engine/internal/state"
	"bot-engine/pkg/db"
	"bot-engine/pkg/exchange"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return d
}

type fixture struct {
	coord *Coordinator
	paper *exchange.Paper
	keys  *idempotency.Store
	db    *db.Database
	risk  *risk.Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	database := newTestDB(t)
	trail, err := audit.New(database)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}

	limits := risk.Limits{MaxPositionSize: 1e9, MaxDailyLoss: 1e9, MaxTradesPerMinute: 100000}
	riskMgr := risk.NewInMemory(limits, risk.DefaultBreakerConfig())

	keys := idempotency.New(database, time.Hour)
	stateMgr := state.NewManager(database)
	paper := exchange.NewPaper(exchange.PaperConfig{InitialBalance: 1e6})
	paper.SetPrice("BTCUSDT", 100)

	coord := New(riskMgr, keys, stateMgr, paper, database, events.NewBus(), trail, cfg)
	return &fixture{coord: coord, paper: paper, keys: keys, db: database, risk: riskMgr}
}

func marketIntent(key string) signal.TradeIntent {
	return signal.TradeIntent{
		ID:             "intent-" + key,
		BotID:          "bot-a",
		Mode:           "paper",
		Symbol:         "BTCUSDT",
		Side:           "BUY",
		Type:           "MARKET",
		Qty:            1,
		IdempotencyKey: key,
		CreatedAt:      time.Now(),
	}
}

func TestSubmitFillsAndCommits(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	out, err := f.coord.Submit(context.Background(), marketIntent("key-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != idempotency.StatusCommitted {
		t.Fatalf("status = %s, want COMMITTED", out.Status)
	}
	if out.FillPrice != 100 || out.FilledQty != 1 {
		t.Fatalf("fill = %.2f x %.2f, want 100 x 1", out.FillPrice, out.FilledQty)
	}
	if f.paper.Placed() != 1 {
		t.Fatalf("venue saw %d orders, want 1", f.paper.Placed())
	}
}

func TestSubmitReplaysStoredOutcome(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	first, err := f.coord.Submit(ctx, marketIntent("key-1"))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	second, err := f.coord.Submit(ctx, marketIntent("key-1"))
	if err != nil {
		t.Fatalf("replay submit: %v", err)
	}
	if !second.Replayed {
		t.Fatal("second submit must replay, not re-execute")
	}
	if second.ExchangeOrderID != first.ExchangeOrderID {
		t.Fatalf("replay order id = %s, want %s", second.ExchangeOrderID, first.ExchangeOrderID)
	}
	if f.paper.Placed() != 1 {
		t.Fatalf("venue saw %d orders, want exactly 1", f.paper.Placed())
	}
}

func TestSubmitConcurrentSameKeyExecutesOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	const n = 8
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Submit(context.Background(), marketIntent("key-race"))
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil && !errors.Is(err, ErrDuplicateInFlight) {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	if f.paper.Placed() != 1 {
		t.Fatalf("venue saw %d orders, want exactly 1", f.paper.Placed())
	}
}

func TestSubmitSurvivesCallerCancellation(t *testing.T) {
	database := newTestDB(t)
	trail, err := audit.New(database)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	limits := risk.Limits{MaxPositionSize: 1e9, MaxDailyLoss: 1e9, MaxTradesPerMinute: 100000}
	riskMgr := risk.NewInMemory(limits, risk.DefaultBreakerConfig())
	keys := idempotency.New(database, time.Hour)
	stateMgr := state.NewManager(database)
	paper := exchange.NewPaper(exchange.PaperConfig{InitialBalance: 1e6, Latency: 100 * time.Millisecond})
	paper.SetPrice("BTCUSDT", 100)
	coord := New(riskMgr, keys, stateMgr, paper, database, events.NewBus(), trail, DefaultConfig())

	// The caller abandons the submission while the venue is still filling.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out, err := coord.Submit(ctx, marketIntent("key-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != idempotency.StatusCommitted {
		t.Fatalf("status = %s, want COMMITTED", out.Status)
	}

	// Everything past the reservation reached a terminal, persisted state.
	rec, err := keys.Get(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if rec.Status != idempotency.StatusCommitted {
		t.Fatalf("stored record = %s, want COMMITTED", rec.Status)
	}
	if p := stateMgr.Position("bot-a", "BTCUSDT"); p.Qty != 1 {
		t.Fatalf("position qty = %v, want 1 despite caller cancellation", p.Qty)
	}
}

func TestSubmitTickerOutageDoesNotBurnKey(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	intent := marketIntent("key-1")
	intent.Symbol = "ETHUSDT" // feed has no price yet
	if _, err := f.coord.Submit(ctx, intent); err == nil {
		t.Fatal("expected error without a reference price")
	}
	if _, err := f.keys.Get(ctx, "key-1"); !errors.Is(err, idempotency.ErrUnknownKey) {
		t.Fatalf("key must not be reserved during a price outage, got %v", err)
	}

	// Feed recovers: the same key executes fresh.
	f.paper.SetPrice("ETHUSDT", 50)
	out, err := f.coord.Submit(ctx, intent)
	if err != nil {
		t.Fatalf("submit after recovery: %v", err)
	}
	if out.Status != idempotency.StatusCommitted || out.Replayed {
		t.Fatalf("outcome = %+v, want fresh commit", out)
	}
}

func TestSubmitValidationCreatesNoRecord(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	bad := marketIntent("key-1")
	bad.Qty = -1
	var verr *ValidationError
	if _, err := f.coord.Submit(ctx, bad); !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}

	// The key was never reserved: a corrected intent reuses it cleanly.
	out, err := f.coord.Submit(ctx, marketIntent("key-1"))
	if err != nil {
		t.Fatalf("corrected submit: %v", err)
	}
	if out.Status != idempotency.StatusCommitted || out.Replayed {
		t.Fatalf("corrected submit = %+v, want fresh commit", out)
	}
}

func TestSubmitRiskRejectStoredAndReplayed(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.risk.SetBotLimits("bot-a", risk.Limits{MaxPositionSize: 50}) // notional 100 > 50
	ctx := context.Background()

	var rerr *RiskRejectedError
	_, err := f.coord.Submit(ctx, marketIntent("key-1"))
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want RiskRejectedError", err)
	}
	if rerr.Reason != risk.ReasonPositionLimit {
		t.Fatalf("reason = %s, want POSITION_LIMIT", rerr.Reason)
	}
	if f.paper.Placed() != 0 {
		t.Fatalf("rejected intent must not reach the venue, placed=%d", f.paper.Placed())
	}

	// The rejection is terminal for this key.
	out, err := f.coord.Submit(ctx, marketIntent("key-1"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !out.Replayed || out.Status != idempotency.StatusFailed || out.Reason != string(risk.ReasonPositionLimit) {
		t.Fatalf("replayed rejection = %+v", out)
	}
}

func TestSubmitRetriesTransientOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryBackoff = 5 * time.Millisecond
	f := newFixture(t, cfg)

	f.paper.FailNext(exchange.Transient("place_order", errors.New("connection reset")))
	out, err := f.coord.Submit(context.Background(), marketIntent("key-1"))
	if err != nil {
		t.Fatalf("submit after transient: %v", err)
	}
	if out.Status != idempotency.StatusCommitted {
		t.Fatalf("status = %s, want COMMITTED after retry", out.Status)
	}
}

func TestSubmitDefinitiveFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	f.paper.FailNext(exchange.Definitive("place_order", errors.New("min notional not met")))
	var eerr *ExecutionError
	out, err := f.coord.Submit(context.Background(), marketIntent("key-1"))
	if !errors.As(err, &eerr) {
		t.Fatalf("err = %v, want ExecutionError", err)
	}
	if out.Status != idempotency.StatusFailed || out.Reason != string(risk.ReasonExecution) {
		t.Fatalf("outcome = %+v", out)
	}
	if f.paper.Placed() != 0 {
		t.Fatalf("definitive rejection must not retry, placed=%d", f.paper.Placed())
	}
}

func TestSubmitAmbiguousOpensReconciliation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.paper.FailNext(exchange.Ambiguous("place_order", errors.New("timeout awaiting ack")))
	var aerr *AmbiguousError
	out, err := f.coord.Submit(ctx, marketIntent("key-1"))
	if !errors.As(err, &aerr) {
		t.Fatalf("err = %v, want AmbiguousError", err)
	}
	if out.Reason != string(risk.ReasonReconciliation) {
		t.Fatalf("reason = %s, want RECONCILIATION", out.Reason)
	}
	// No blind retry happened.
	if f.paper.Placed() != 0 {
		t.Fatalf("ambiguous error must not be retried, placed=%d", f.paper.Placed())
	}

	cases, err := f.db.ListOpenReconciliationCases(ctx)
	if err != nil {
		t.Fatalf("list cases: %v", err)
	}
	if len(cases) != 1 || cases[0].IdempotencyKey != "key-1" {
		t.Fatalf("cases = %+v, want one for key-1", cases)
	}
}

func TestRecoverStaleParksInterruptedAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExecuteTimeout = 5 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()

	// Simulate a crash: key reserved, never finished.
	if _, _, err := f.keys.Begin(ctx, "key-stuck", "bot-a"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if err := f.coord.RecoverStale(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	cases, err := f.db.ListOpenReconciliationCases(ctx)
	if err != nil {
		t.Fatalf("list cases: %v", err)
	}
	if len(cases) != 1 || cases[0].IdempotencyKey != "key-stuck" {
		t.Fatalf("cases = %+v, want one for key-stuck", cases)
	}
	rec, err := f.keys.Get(ctx, "key-stuck")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != idempotency.StatusFailed || rec.Reason != string(risk.ReasonReconciliation) {
		t.Fatalf("recovered record = %+v", rec)
	}
}
