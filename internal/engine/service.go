// Package engine is the facade over the bot engine: bot CRUD, lifecycle
// control, manual trade submission and risk/reconciliation introspection.
// Callers (the CLI entrypoint, an API layer, tests) depend on the Service
// interface, not on the subsystems behind it.
package engine

import (
	"context"
	"time"

	"bot-engine/internal/coordinator"
	"bot-engine/internal/risk"
	"bot-engine/internal/scheduler"
	"bot-engine/pkg/db"
)

// BotSpec is the caller-facing shape for creating a bot.
type BotSpec struct {
	UserID   string
	Name     string
	Strategy string
	Symbol   string
	Mode     string // "paper" or "real", defaults to paper
	Venue    string

	MaxPositionSize    float64
	MaxDailyLoss       float64
	MaxTradesPerMinute int
}

// TradeRequest is a manual trade submission.
type TradeRequest struct {
	BotID          string
	Symbol         string
	Side           string
	Type           string
	Qty            float64
	LimitPrice     float64
	IdempotencyKey string
}

// RiskMetrics is a point-in-time snapshot of a bot's risk standing.
type RiskMetrics struct {
	BotID          string
	Limits         risk.Limits
	DailyLoss      float64
	GlobalBreaker  string
	BreakerCooloff time.Duration
}

// Service is the engine's public surface.
type Service interface {
	// CreateBot registers a new bot; it starts in CREATED.
	CreateBot(ctx context.Context, spec BotSpec) (*db.Bot, error)
	// DeleteBot soft-deletes a bot. Running bots are refused.
	DeleteBot(ctx context.Context, botID string) error
	// GetBot returns a bot by id.
	GetBot(ctx context.Context, botID string) (*db.Bot, error)
	// ListBots returns all non-deleted bots.
	ListBots(ctx context.Context) ([]db.Bot, error)

	// StartBot launches the bot's worker; idempotent while running.
	StartBot(ctx context.Context, botID string) error
	// StopBot halts the worker within the stop grace period.
	StopBot(ctx context.Context, botID string) error
	// PauseBot suspends the worker; a paused bot can be started again.
	PauseBot(ctx context.Context, botID string) error
	// GetBotState returns the lifecycle state.
	GetBotState(botID string) (scheduler.BotState, error)

	// SubmitTrade pushes a manual intent through the full pipeline.
	SubmitTrade(ctx context.Context, req TradeRequest) (coordinator.Outcome, error)

	// GetBreakerState returns the circuit state for a scope ("*" or symbol).
	GetBreakerState(scope string) (risk.BreakerState, time.Duration)
	// GetRiskMetrics snapshots a bot's limits and counters.
	GetRiskMetrics(botID string) RiskMetrics
	// HaltScope force-opens the breaker for a scope (operator action).
	HaltScope(scope string)

	// ListReconciliationCases returns unresolved ambiguous orders.
	ListReconciliationCases(ctx context.Context) ([]db.ReconciliationCase, error)
	// VerifyAuditTrail walks the audit hash chain.
	VerifyAuditTrail(ctx context.Context) error
}
