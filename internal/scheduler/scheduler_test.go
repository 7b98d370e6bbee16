package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"bot-engine/internal/coordinator"
	"bot-engine/internal/idempotency"
	"bot-engine/internal/risk"
	"bot-engine/internal/signal"
	"bot-engine/internal/state"
	"bot-engine/pkg/db"
	"bot-engine/pkg/exchange"
)

func newTestCoordinator(t *testing.T) (*coordinator.Coordinator, *exchange.Paper) {
	t.Helper()
	limits := risk.Limits{MaxPositionSize: 1e9, MaxDailyLoss: 1e9, MaxTradesPerMinute: 100000}
	riskMgr := risk.NewInMemory(limits, risk.DefaultBreakerConfig())
	paper := exchange.NewPaper(exchange.PaperConfig{InitialBalance: 1e6})
	paper.SetPrice("BTCUSDT", 100)

	cfg := coordinator.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	coord := coordinator.New(riskMgr, idempotency.NewInMemory(time.Hour), state.NewManager(nil),
		paper, nil, nil, nil, cfg)
	return coord, paper
}

func testBot(id string) db.Bot {
	return db.Bot{ID: id, Name: id, Symbol: "BTCUSDT", Mode: "paper", Strategy: "scripted"}
}

func intentFor(botID string, qty float64) signal.TradeIntent {
	return signal.TradeIntent{
		ID:             "intent-" + botID,
		BotID:          botID,
		Mode:           "paper",
		Symbol:         "BTCUSDT",
		Side:           "BUY",
		Type:           "MARKET",
		Qty:            qty,
		IdempotencyKey: "key-" + botID + "-" + time.Now().Format("150405.000000000"),
		CreatedAt:      time.Now(),
	}
}

// blockingSource parks in Next until the worker context is cancelled.
type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (signal.TradeIntent, error) {
	<-ctx.Done()
	return signal.TradeIntent{}, ctx.Err()
}

func waitState(t *testing.T, s *Scheduler, botID string, want BotState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.StateOf(botID)
		if err != nil {
			t.Fatalf("state of %s: %v", botID, err)
		}
		if got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := s.StateOf(botID)
	t.Fatalf("bot %s state = %s, want %s", botID, got, want)
}

func TestStartStopLifecycle(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	factory := func(string) (signal.Source, error) { return blockingSource{}, nil }
	s := New(coord, factory, nil, nil, nil, Config{
		MaxConcurrent: 4, StopGrace: time.Second, MaxConsecutiveFailures: 5, Venue: "paper",
	})
	s.Register(testBot("bot-a"))
	ctx := context.Background()

	if st, _ := s.StateOf("bot-a"); st != StateCreated {
		t.Fatalf("initial state = %s, want CREATED", st)
	}
	if err := s.Start(ctx, "bot-a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, "bot-a", StateRunning)

	started := time.Now()
	if err := s.Stop(ctx, "bot-a"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("stop took %s, want within grace", elapsed)
	}
	waitState(t, s, "bot-a", StateStopped)
}

func TestStartIsIdempotent(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	var built atomic.Int32
	factory := func(string) (signal.Source, error) {
		built.Add(1)
		return blockingSource{}, nil
	}
	s := New(coord, factory, nil, nil, nil, DefaultConfig())
	s.Register(testBot("bot-a"))
	ctx := context.Background()

	if err := s.Start(ctx, "bot-a"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := s.Start(ctx, "bot-a"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if n := built.Load(); n != 1 {
		t.Fatalf("factory called %d times, want 1", n)
	}
	s.Stop(ctx, "bot-a")
}

func TestStartInvalidConfig(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	factory := func(string) (signal.Source, error) { return blockingSource{}, nil }
	s := New(coord, factory, nil, nil, nil, DefaultConfig())

	bad := testBot("bot-bad")
	bad.Symbol = ""
	s.Register(bad)

	if err := s.Start(context.Background(), "bot-bad"); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("start err = %v, want ErrConfigInvalid", err)
	}
	if st, _ := s.StateOf("bot-bad"); st != StateError {
		t.Fatalf("state = %s, want ERROR", st)
	}
}

func TestDrainedSourceStopsBot(t *testing.T) {
	coord, paper := newTestCoordinator(t)
	factory := func(botID string) (signal.Source, error) {
		return signal.NewScriptedSource([]signal.TradeIntent{intentFor(botID, 1)}), nil
	}
	s := New(coord, factory, nil, nil, nil, DefaultConfig())
	s.Register(testBot("bot-a"))

	if err := s.Start(context.Background(), "bot-a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, "bot-a", StateStopped)
	if paper.Placed() != 1 {
		t.Fatalf("venue saw %d orders, want 1", paper.Placed())
	}
}

func TestAutoPauseAfterConsecutiveFailures(t *testing.T) {
	coord, paper := newTestCoordinator(t)
	// Invalid intents make every submission fail before reaching the venue.
	factory := func(botID string) (signal.Source, error) {
		return signal.NewScriptedSource([]signal.TradeIntent{
			intentFor(botID, -1), intentFor(botID, -1), intentFor(botID, -1), intentFor(botID, -1),
		}), nil
	}
	s := New(coord, factory, nil, nil, nil, Config{
		MaxConcurrent: 4, StopGrace: time.Second, MaxConsecutiveFailures: 3, Venue: "paper",
	})
	s.Register(testBot("bot-a"))

	if err := s.Start(context.Background(), "bot-a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, "bot-a", StatePaused)
	if paper.Placed() != 0 {
		t.Fatalf("venue saw %d orders, want 0", paper.Placed())
	}
}

func TestManualSubmit(t *testing.T) {
	coord, paper := newTestCoordinator(t)
	factory := func(string) (signal.Source, error) { return blockingSource{}, nil }
	s := New(coord, factory, exchange.NewLimiterPool(100, 100), nil, nil, DefaultConfig())
	ctx := context.Background()

	if _, err := s.Submit(ctx, intentFor("ghost", 1)); !errors.Is(err, ErrUnknownBot) {
		t.Fatalf("submit for unknown bot err = %v, want ErrUnknownBot", err)
	}

	s.Register(testBot("bot-a"))
	out, err := s.Submit(ctx, intentFor("bot-a", 1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != idempotency.StatusCommitted {
		t.Fatalf("status = %s, want COMMITTED", out.Status)
	}
	if paper.Placed() != 1 {
		t.Fatalf("venue saw %d orders, want 1", paper.Placed())
	}
}

// firehoseSource emits a fresh valid intent on every call, as fast as the
// worker will take them.
type firehoseSource struct {
	botID string
	n     atomic.Int64
}

func (f *firehoseSource) Next(ctx context.Context) (signal.TradeIntent, error) {
	if ctx.Err() != nil {
		return signal.TradeIntent{}, ctx.Err()
	}
	n := f.n.Add(1)
	intent := intentFor(f.botID, 0.001)
	intent.ID = fmt.Sprintf("intent-%s-%d", f.botID, n)
	intent.IdempotencyKey = fmt.Sprintf("key-%s-%d", f.botID, n)
	return intent, nil
}

func TestNoBotStarvedUnderContention(t *testing.T) {
	limits := risk.Limits{MaxPositionSize: 1e9, MaxDailyLoss: 1e9, MaxTradesPerMinute: 100000}
	riskMgr := risk.NewInMemory(limits, risk.DefaultBreakerConfig())
	paper := exchange.NewPaper(exchange.PaperConfig{InitialBalance: 1e6})
	paper.SetPrice("BTCUSDT", 100)
	stateMgr := state.NewManager(nil)
	coord := coordinator.New(riskMgr, idempotency.NewInMemory(time.Hour), stateMgr,
		paper, nil, nil, nil, coordinator.DefaultConfig())

	factory := func(botID string) (signal.Source, error) {
		return &firehoseSource{botID: botID}, nil
	}
	s := New(coord, factory, nil, nil, nil, Config{
		MaxConcurrent: 2, StopGrace: time.Second, MaxConsecutiveFailures: 5, Venue: "paper",
	})

	bots := []string{"bot-1", "bot-2", "bot-3", "bot-4", "bot-5"}
	ctx := context.Background()
	for _, id := range bots {
		s.Register(testBot(id))
		if err := s.Start(ctx, id); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	// Five bots flooding two slots: the FIFO gate must still hand every bot
	// a share of admissions over the window.
	time.Sleep(300 * time.Millisecond)
	s.StopAll(ctx)

	for _, id := range bots {
		if p := stateMgr.Position(id, "BTCUSDT"); p.Qty <= 0 {
			t.Fatalf("bot %s got no fills while others traded, qty=%v", id, p.Qty)
		}
	}
}

func TestAdmissionGrantsInArrivalOrder(t *testing.T) {
	gate := newAdmission(1)
	ctx := context.Background()

	if err := gate.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	const waiters = 3
	order := make(chan int, waiters)
	ready := make(chan struct{})
	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			if i == 0 {
				close(ready)
			} else {
				<-ready
				time.Sleep(time.Duration(i) * 20 * time.Millisecond) // stagger arrivals
			}
			if err := gate.Acquire(ctx); err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
			gate.Release()
		}()
	}

	time.Sleep(150 * time.Millisecond) // let every waiter queue up
	gate.Release()

	for want := 0; want < waiters; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("grant order: got waiter %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for waiter %d", want)
		}
	}
	if gate.InUse() != 0 {
		t.Fatalf("in use = %d after all releases, want 0", gate.InUse())
	}
}

func TestAdmissionAcquireCancellable(t *testing.T) {
	gate := newAdmission(1)
	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := gate.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocked acquire err = %v, want DeadlineExceeded", err)
	}

	// The abandoned ticket must not consume the slot.
	gate.Release()
	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
