// Package scheduler owns bot lifecycles. Each running bot is one goroutine
// pulling intents from its signal source; every intent passes the shared
// admission gate (FIFO fairness across bots) and the per-venue rate limiter
// before reaching the transaction coordinator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"bot-engine/internal/coordinator"
	"bot-engine/internal/events"
	"bot-engine/internal/signal"
	"bot-engine/pkg/db"
	"bot-engine/pkg/exchange"
)

// BotState is the lifecycle state of a bot.
type BotState string

const (
	StateCreated  BotState = "CREATED"
	StateStarting BotState = "STARTING"
	StateRunning  BotState = "RUNNING"
	StateStopping BotState = "STOPPING"
	StateStopped  BotState = "STOPPED"
	StatePaused   BotState = "PAUSED"
	StateError    BotState = "ERROR"
)

var (
	// ErrUnknownBot is returned for bot ids never registered.
	ErrUnknownBot = errors.New("unknown bot")
	// ErrConfigInvalid is returned when a bot cannot start with its config.
	ErrConfigInvalid = errors.New("bot config invalid")
	// ErrBotBusy is returned when a lifecycle call conflicts with the
	// current state (e.g. deleting a running bot).
	ErrBotBusy = errors.New("bot is running")
)

// Config tunes scheduling behavior.
type Config struct {
	MaxConcurrent          int           // admission gate capacity
	StopGrace              time.Duration // wait for a worker before forced reap
	MaxConsecutiveFailures int           // auto-pause threshold
	Venue                  string        // rate limiter bucket
}

// DefaultConfig returns the standard scheduling bounds.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          16,
		StopGrace:              5 * time.Second,
		MaxConsecutiveFailures: 5,
		Venue:                  "paper",
	}
}

type botRun struct {
	bot      db.Bot
	state    BotState
	cancel   context.CancelFunc
	done     chan struct{}
	failures int
}

// Scheduler starts, stops and supervises bot workers.
type Scheduler struct {
	mu   sync.Mutex
	bots map[string]*botRun

	gate    *admission
	limiter *exchange.LimiterPool
	coord   *coordinator.Coordinator
	sources signal.Factory
	bus     *events.Bus  // optional
	db      *db.Database // optional
	cfg     Config
}

// New wires a scheduler. db and bus may be nil.
func New(coord *coordinator.Coordinator, sources signal.Factory, limiter *exchange.LimiterPool,
	database *db.Database, bus *events.Bus, cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		bots:    make(map[string]*botRun),
		gate:    newAdmission(cfg.MaxConcurrent),
		limiter: limiter,
		coord:   coord,
		sources: sources,
		db:      database,
		bus:     bus,
		cfg:     cfg,
	}
}

// Register makes a bot known to the scheduler without starting it.
func (s *Scheduler) Register(bot db.Bot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[bot.ID]; ok {
		return
	}
	st := StateCreated
	if bot.State != "" {
		st = BotState(bot.State)
	}
	if st == StateStarting || st == StateRunning || st == StateStopping {
		// Lifecycle state does not survive a process restart.
		st = StateStopped
	}
	s.bots[bot.ID] = &botRun{bot: bot, state: st}
}

// Deregister removes a bot. Running bots must be stopped first.
func (s *Scheduler) Deregister(botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.bots[botID]
	if !ok {
		return ErrUnknownBot
	}
	if r.state == StateRunning || r.state == StateStopping {
		return ErrBotBusy
	}
	delete(s.bots, botID)
	return nil
}

// StateOf returns the lifecycle state of a bot.
func (s *Scheduler) StateOf(botID string) (BotState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.bots[botID]
	if !ok {
		return "", ErrUnknownBot
	}
	return r.state, nil
}

// Start launches a bot's worker. Starting a bot that is already running is a
// no-op; a bot in ERROR or PAUSED may be restarted. Config problems surface
// as ErrConfigInvalid and leave the bot in ERROR.
func (s *Scheduler) Start(ctx context.Context, botID string) error {
	s.mu.Lock()
	r, ok := s.bots[botID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownBot
	}
	// STARTING doubles as the start lock: a racing Start sees it and bails.
	if r.state == StateRunning || r.state == StateStarting {
		s.mu.Unlock()
		return nil
	}
	if r.state == StateStopping {
		s.mu.Unlock()
		return ErrBotBusy
	}
	r.state = StateStarting
	s.mu.Unlock()
	s.noteState(botID, StateStarting)

	if err := validateBot(r.bot); err != nil {
		s.setState(botID, StateError)
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	src, err := s.sources(botID)
	if err != nil {
		s.setState(botID, StateError)
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	r.failures = 0
	r.state = StateRunning
	s.mu.Unlock()

	s.noteState(botID, StateRunning)
	go s.run(runCtx, botID, src)
	log.Printf("scheduler: bot %s started", botID)
	_ = ctx
	return nil
}

// Stop halts a bot's worker, waiting up to the grace period before reaping it
// regardless. The final state is STOPPED.
func (s *Scheduler) Stop(ctx context.Context, botID string) error {
	return s.halt(ctx, botID, StateStopped)
}

// Pause halts a bot's worker like Stop but leaves it PAUSED, the state used
// when the engine suspends a bot rather than the operator.
func (s *Scheduler) Pause(ctx context.Context, botID string) error {
	return s.halt(ctx, botID, StatePaused)
}

func (s *Scheduler) halt(ctx context.Context, botID string, final BotState) error {
	s.mu.Lock()
	r, ok := s.bots[botID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownBot
	}
	if r.state != StateRunning {
		if r.state != final && r.state != StateStopping {
			r.state = final
			s.mu.Unlock()
			s.noteState(botID, final)
			return nil
		}
		s.mu.Unlock()
		return nil
	}
	r.state = StateStopping
	cancel := r.cancel
	done := r.done
	s.mu.Unlock()

	s.noteState(botID, StateStopping)
	cancel()

	select {
	case <-done:
	case <-time.After(s.cfg.StopGrace):
		// In-flight venue calls are detached from the worker context and
		// finish on their own; the worker is reaped without waiting.
		log.Printf("scheduler: bot %s did not stop within %s, reaping", botID, s.cfg.StopGrace)
	case <-ctx.Done():
		return ctx.Err()
	}

	s.finish(botID, final)
	return nil
}

// Submit pushes a manual intent through the same admission gate, rate limiter
// and coordinator pipeline that bot workers use.
func (s *Scheduler) Submit(ctx context.Context, intent signal.TradeIntent) (coordinator.Outcome, error) {
	s.mu.Lock()
	_, ok := s.bots[intent.BotID]
	s.mu.Unlock()
	if !ok {
		return coordinator.Outcome{}, ErrUnknownBot
	}

	if err := s.gate.Acquire(ctx); err != nil {
		return coordinator.Outcome{}, err
	}
	defer s.gate.Release()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, s.cfg.Venue); err != nil {
			return coordinator.Outcome{}, err
		}
	}
	return s.coord.Submit(ctx, intent)
}

// StopAll halts every running bot (shutdown path).
func (s *Scheduler) StopAll(ctx context.Context) {
	s.mu.Lock()
	var running []string
	for id, r := range s.bots {
		if r.state == StateRunning {
			running = append(running, id)
		}
	}
	s.mu.Unlock()

	for _, id := range running {
		if err := s.Stop(ctx, id); err != nil {
			log.Printf("scheduler: stop bot %s: %v", id, err)
		}
	}
}

// run is the per-bot worker loop.
func (s *Scheduler) run(ctx context.Context, botID string, src signal.Source) {
	defer func() {
		s.mu.Lock()
		r := s.bots[botID]
		if r != nil && r.done != nil {
			close(r.done)
			r.done = nil
		}
		s.mu.Unlock()
	}()

	for {
		intent, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, signal.ErrSourceDrained) {
				s.finish(botID, StateStopped)
				log.Printf("scheduler: bot %s drained its source, stopped", botID)
				return
			}
			if ctx.Err() != nil {
				return // stop requested; halt() sets the final state
			}
			log.Printf("scheduler: bot %s source error: %v", botID, err)
			if s.countFailure(botID) {
				return
			}
			continue
		}

		if err := s.gate.Acquire(ctx); err != nil {
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, s.cfg.Venue); err != nil {
				s.gate.Release()
				return
			}
		}

		_, err = s.coord.Submit(ctx, intent)
		s.gate.Release()

		switch {
		case err == nil:
			s.resetFailures(botID)
		case isRiskReject(err):
			// Gate rejections are the engine doing its job, not bot failures.
		case ctx.Err() != nil:
			return
		default:
			log.Printf("scheduler: bot %s submit failed: %v", botID, err)
			if s.countFailure(botID) {
				return
			}
		}
	}
}

func isRiskReject(err error) bool {
	var rerr *coordinator.RiskRejectedError
	return errors.As(err, &rerr)
}

// countFailure bumps the consecutive-failure counter; at the threshold the
// bot is auto-paused and the worker told to exit (returns true).
func (s *Scheduler) countFailure(botID string) bool {
	s.mu.Lock()
	r, ok := s.bots[botID]
	if !ok {
		s.mu.Unlock()
		return true
	}
	r.failures++
	paused := r.failures >= s.cfg.MaxConsecutiveFailures
	if paused {
		r.state = StatePaused
	}
	s.mu.Unlock()

	if paused {
		s.noteState(botID, StatePaused)
		s.publishAlert(botID, fmt.Sprintf("auto-paused after %d consecutive failures", s.cfg.MaxConsecutiveFailures))
		log.Printf("scheduler: bot %s auto-paused after %d consecutive failures", botID, s.cfg.MaxConsecutiveFailures)
	}
	return paused
}

func (s *Scheduler) resetFailures(botID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.bots[botID]; ok {
		r.failures = 0
	}
}

// finish moves a bot to a terminal-ish state from inside or after its worker.
func (s *Scheduler) finish(botID string, st BotState) {
	s.mu.Lock()
	r, ok := s.bots[botID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if r.state == st {
		s.mu.Unlock()
		return
	}
	r.state = st
	s.mu.Unlock()
	s.noteState(botID, st)
}

func (s *Scheduler) setState(botID string, st BotState) {
	s.mu.Lock()
	if r, ok := s.bots[botID]; ok {
		r.state = st
	}
	s.mu.Unlock()
	s.noteState(botID, st)
}

// noteState persists and publishes a state change.
func (s *Scheduler) noteState(botID string, st BotState) {
	if s.db != nil {
		if err := s.db.UpdateBotState(context.Background(), botID, string(st)); err != nil {
			log.Printf("scheduler: persist state %s for bot %s: %v", st, botID, err)
		}
	}
	if s.bus != nil {
		s.bus.Publish(events.EventBotStateChange, map[string]string{
			"bot_id": botID,
			"state":  string(st),
		})
	}
}

func (s *Scheduler) publishAlert(botID, msg string) {
	if s.bus != nil {
		s.bus.Publish(events.EventRiskAlert, map[string]string{
			"bot_id":  botID,
			"message": msg,
		})
	}
}

func validateBot(b db.Bot) error {
	switch {
	case b.Symbol == "":
		return errors.New("symbol required")
	case b.Mode != "paper" && b.Mode != "real":
		return fmt.Errorf("unknown mode %q", b.Mode)
	}
	return nil
}
