package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bot-engine/internal/audit"
	"bot-engine/internal/coordinator"
	"bot-engine/internal/risk"
	"bot-engine/internal/scheduler"
	"bot-engine/internal/signal"
	"bot-engine/pkg/db"
)

// ErrBotRunning is returned when an operation needs the bot stopped first.
var ErrBotRunning = errors.New("bot is running; stop it first")

type service struct {
	db    *db.Database
	sched *scheduler.Scheduler
	risk  *risk.Manager
	audit *audit.Trail
}

// New assembles the engine facade over its subsystems.
func New(database *db.Database, sched *scheduler.Scheduler, riskMgr *risk.Manager, trail *audit.Trail) Service {
	return &service{db: database, sched: sched, risk: riskMgr, audit: trail}
}

func (s *service) CreateBot(ctx context.Context, spec BotSpec) (*db.Bot, error) {
	if spec.Symbol == "" {
		return nil, fmt.Errorf("symbol required")
	}
	mode := spec.Mode
	if mode == "" {
		mode = "paper"
	}
	venue := spec.Venue
	if venue == "" {
		venue = "paper"
	}

	bot := db.Bot{
		ID:                 uuid.New().String(),
		UserID:             spec.UserID,
		Name:               spec.Name,
		Strategy:           spec.Strategy,
		Symbol:             strings.ToUpper(spec.Symbol),
		Mode:               mode,
		State:              string(scheduler.StateCreated),
		Venue:              venue,
		MaxPositionSize:    spec.MaxPositionSize,
		MaxDailyLoss:       spec.MaxDailyLoss,
		MaxTradesPerMinute: spec.MaxTradesPerMinute,
	}
	if s.db != nil {
		if err := s.db.CreateBot(ctx, bot); err != nil {
			return nil, err
		}
	}

	s.sched.Register(bot)
	s.risk.SeedFromBot(bot)
	if s.audit != nil {
		if err := s.audit.Append(ctx, "BOT_CREATED", bot.ID, bot); err != nil {
			return nil, err
		}
	}
	return &bot, nil
}

func (s *service) DeleteBot(ctx context.Context, botID string) error {
	state, err := s.sched.StateOf(botID)
	if err == nil && (state == scheduler.StateRunning || state == scheduler.StateStopping) {
		return ErrBotRunning
	}

	if err := s.sched.Deregister(botID); err != nil && !errors.Is(err, scheduler.ErrUnknownBot) {
		return err
	}
	if s.db != nil {
		if err := s.db.SoftDeleteBot(ctx, botID); err != nil {
			return err
		}
	}
	if s.audit != nil {
		if err := s.audit.Append(ctx, "BOT_DELETED", botID, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) GetBot(ctx context.Context, botID string) (*db.Bot, error) {
	if s.db == nil {
		return nil, db.ErrNotFound
	}
	return s.db.GetBot(ctx, botID)
}

func (s *service) ListBots(ctx context.Context) ([]db.Bot, error) {
	if s.db == nil {
		return nil, nil
	}
	return s.db.ListBots(ctx)
}

func (s *service) StartBot(ctx context.Context, botID string) error {
	return s.sched.Start(ctx, botID)
}

func (s *service) StopBot(ctx context.Context, botID string) error {
	return s.sched.Stop(ctx, botID)
}

func (s *service) PauseBot(ctx context.Context, botID string) error {
	return s.sched.Pause(ctx, botID)
}

func (s *service) GetBotState(botID string) (scheduler.BotState, error) {
	return s.sched.StateOf(botID)
}

func (s *service) SubmitTrade(ctx context.Context, req TradeRequest) (coordinator.Outcome, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	}
	mode := "paper"
	if s.db != nil {
		if bot, err := s.db.GetBot(ctx, req.BotID); err == nil {
			mode = bot.Mode
		}
	}
	return s.sched.Submit(ctx, signal.TradeIntent{
		ID:             uuid.New().String(),
		BotID:          req.BotID,
		Mode:           mode,
		Symbol:         strings.ToUpper(req.Symbol),
		Side:           strings.ToUpper(req.Side),
		Type:           strings.ToUpper(req.Type),
		Qty:            req.Qty,
		LimitPrice:     req.LimitPrice,
		IdempotencyKey: key,
		CreatedAt:      time.Now(),
	})
}

func (s *service) GetBreakerState(scope string) (risk.BreakerState, time.Duration) {
	return s.risk.BreakerFor(scope)
}

func (s *service) GetRiskMetrics(botID string) RiskMetrics {
	state, cooloff := s.risk.BreakerFor(risk.GlobalScope)
	return RiskMetrics{
		BotID:          botID,
		Limits:         s.risk.LimitsFor(botID),
		DailyLoss:      s.risk.DailyLoss(botID),
		GlobalBreaker:  string(state),
		BreakerCooloff: cooloff,
	}
}

func (s *service) HaltScope(scope string) {
	s.risk.Halt(scope)
}

func (s *service) ListReconciliationCases(ctx context.Context) ([]db.ReconciliationCase, error) {
	if s.db == nil {
		return nil, nil
	}
	return s.db.ListOpenReconciliationCases(ctx)
}

func (s *service) VerifyAuditTrail(ctx context.Context) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Verify(ctx)
}
