package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bot-engine/internal/audit"
	"bot-engine/internal/coordinator"
	"bot-engine/internal/engine"
	"bot-engine/internal/events"
	"bot-engine/internal/idempotency"
	"bot-engine/internal/market"
	"bot-engine/internal/reconciliation"
	"bot-engine/internal/risk"
	"bot-engine/internal/scheduler"
	sig "bot-engine/internal/signal"
	"bot-engine/internal/state"
	"bot-engine/pkg/config"
	"bot-engine/pkg/db"
	"bot-engine/pkg/exchange"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()

	trail, err := audit.New(database)
	if err != nil {
		log.Fatalf("init audit trail: %v", err)
	}
	if err := trail.Verify(ctx); err != nil {
		log.Fatalf("audit trail verification failed: %v", err)
	}

	stateMgr := state.NewManager(database)
	if err := stateMgr.Load(ctx); err != nil {
		log.Fatalf("load positions: %v", err)
	}

	riskMgr := risk.NewManager(database, bus, risk.Config{
		Sigma:         cfg.BreakerSigma,
		Cooldown:      cfg.BreakerCooldown,
		CooldownCap:   cfg.BreakerCooldownCap,
		WindowAge:     cfg.AnomalyWindow,
		MinSamples:    20,
		TightenFactor: 0.5,
	})
	riskMgr.SetPositionView(stateMgr)
	if err := riskMgr.RestoreBreakers(ctx); err != nil {
		log.Fatalf("restore breakers: %v", err)
	}

	keys := idempotency.New(database, cfg.IdempotencyTTL)
	go keys.RunPurgeLoop(ctx, time.Hour)

	paper := exchange.NewPaper(exchange.PaperConfig{
		InitialBalance: cfg.PaperInitialBalance,
		FeeRate:        cfg.PaperFeeRate,
		SlippageBps:    cfg.PaperSlippageBps,
		Latency:        time.Duration(cfg.PaperLatencyMs) * time.Millisecond,
	})
	followTicks(ctx, bus, paper)

	limiter := exchange.NewLimiterPool(cfg.ConnectorRatePerSec, cfg.ConnectorBurst)

	coord := coordinator.New(riskMgr, keys, stateMgr, paper, database, bus, trail, coordinator.Config{
		ExecuteTimeout: cfg.ExecuteTimeout,
		MaxRetries:     cfg.ExecuteRetries,
		RetryBackoff:   cfg.RetryBackoff,
	})
	if err := coord.RecoverStale(ctx); err != nil {
		log.Printf("recover stale attempts: %v", err)
	}
	go coord.RunRecoveryLoop(ctx, time.Minute)

	recon := reconciliation.New(paper, database, stateMgr, riskMgr, trail, bus, cfg.ReconcileInterval)
	go recon.Run(ctx)

	sched := scheduler.New(coord, sourceFactory(database, bus), limiter, database, bus, scheduler.Config{
		MaxConcurrent:          cfg.MaxConcurrentBots,
		StopGrace:              cfg.StopGracePeriod,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		Venue:                  "paper",
	})

	// Bot definitions: YAML is the source of truth, synced into the DB.
	if configs, err := sig.LoadConfig(cfg.BotConfigPath); err != nil {
		log.Printf("bot config %s not loaded: %v", cfg.BotConfigPath, err)
	} else if err := sig.SyncConfigToDB(ctx, database, configs); err != nil {
		log.Fatalf("sync bot config: %v", err)
	}

	bots, err := database.ListBots(ctx)
	if err != nil {
		log.Fatalf("list bots: %v", err)
	}
	for _, b := range bots {
		sched.Register(b)
		riskMgr.SeedFromBot(b)
	}
	// Persisted limit overrides (operator edits, breaker tightening) win
	// over the seeded bot profiles.
	if err := riskMgr.LoadLimits(ctx); err != nil {
		log.Fatalf("load risk limits: %v", err)
	}

	if cfg.UseMockFeed {
		feed := &market.MockFeed{Bus: bus, Symbols: cfg.Symbols, StartPrice: 100, Interval: time.Second}
		feed.Start(ctx)
		log.Printf("mock feed started for %v", cfg.Symbols)
	} else {
		feed := &market.Feed{Bus: bus, URL: cfg.FeedURL, Symbols: cfg.Symbols}
		feed.Start(ctx)
		log.Printf("market feed started: %s", cfg.FeedURL)
	}

	svc := engine.New(database, sched, riskMgr, trail)
	for _, b := range bots {
		st := scheduler.BotState(b.State)
		if st == scheduler.StatePaused || st == scheduler.StateError {
			continue
		}
		if err := svc.StartBot(ctx, b.ID); err != nil {
			log.Printf("start bot %s: %v", b.ID, err)
		}
	}

	go dailyResetLoop(ctx, riskMgr)

	log.Printf("bot engine up: %d bots registered, db=%s", len(bots), cfg.DBPath)
	<-ctx.Done()

	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.StopGracePeriod)
	defer cancel()
	sched.StopAll(shutdownCtx)
	log.Println("bot engine stopped")
}

// followTicks keeps the paper venue's last prices in sync with the feed.
func followTicks(ctx context.Context, bus *events.Bus, paper *exchange.Paper) {
	ch, unsub := bus.Subscribe(events.EventPriceTick, 256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				if tick, ok := payload.(sig.Tick); ok {
					paper.SetPrice(tick.Symbol, tick.Price)
				}
			}
		}
	}()
}

// sourceFactory builds each bot's signal source from its stored strategy.
func sourceFactory(database *db.Database, bus *events.Bus) sig.Factory {
	return func(botID string) (sig.Source, error) {
		bot, err := database.GetBot(context.Background(), botID)
		if err != nil {
			return nil, err
		}
		qty := bot.PerTradeRisk
		if qty <= 0 {
			qty = 0.001
		}
		// Only one built-in strategy ships with the engine; unknown names
		// fall back to it rather than refusing to start.
		return sig.NewTickSource(bus, bot.ID, bot.Mode, bot.Symbol, sig.MACrossDecider(10, 30, qty)), nil
	}
}

// dailyResetLoop clears daily risk counters at each UTC midnight.
func dailyResetLoop(ctx context.Context, riskMgr *risk.Manager) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
			riskMgr.ResetDaily()
		}
	}
}
