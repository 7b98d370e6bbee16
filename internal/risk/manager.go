package risk

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"bot-engine/internal/events"
	"bot-engine/internal/signal"
	"bot-engine/pkg/db"
)

// PositionView supplies mark-to-market loss for the daily-loss check.
type PositionView interface {
	UnrealizedLoss(botID, symbol string, price float64) float64
}

// Manager gates every trade intent against limits and circuit breaker state.
// Evaluation is side-effect free except for breaker transitions and rate
// bookkeeping, both applied under their own short-held locks.
type Manager struct {
	db  *db.Database
	bus *events.Bus
	cfg Config

	positions PositionView // optional

	mu       sync.RWMutex
	global   Limits
	perBot   map[string]Limits
	daily    map[string]*dailyCounters
	breakers map[string]*breaker
}

type dailyCounters struct {
	date        string
	realized    float64 // net PnL today
	loss        float64 // accumulated losses today (positive number)
	tradeStamps []time.Time
}

// NewManager creates a risk manager backed by the DB for breaker/limit
// persistence. Pass nil for a memory-only manager.
func NewManager(database *db.Database, bus *events.Bus, cfg Config) *Manager {
	if cfg.Sigma <= 0 {
		cfg = DefaultBreakerConfig()
	}
	m := &Manager{
		db:       database,
		bus:      bus,
		cfg:      cfg,
		global:   DefaultLimits(),
		perBot:   make(map[string]Limits),
		daily:    make(map[string]*dailyCounters),
		breakers: make(map[string]*breaker),
	}
	return m
}

// NewInMemory creates a manager without persistence, using the given global limits.
func NewInMemory(limits Limits, cfg Config) *Manager {
	m := NewManager(nil, nil, cfg)
	m.global = limits
	return m
}

// SetPositionView wires the mark-to-market source for daily-loss checks.
func (m *Manager) SetPositionView(v PositionView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = v
}

// SetGlobalLimits replaces the engine-wide ceilings.
func (m *Manager) SetGlobalLimits(l Limits) {
	m.mu.Lock()
	m.global = l
	m.mu.Unlock()
	m.persistLimits(GlobalScope, l)
}

// SetBotLimits installs per-bot ceilings, overriding globals where non-zero.
func (m *Manager) SetBotLimits(botID string, l Limits) {
	m.mu.Lock()
	m.perBot[botID] = l
	m.mu.Unlock()
	m.persistLimits(botID, l)
}

// SeedFromBot installs the bot's risk profile as its limits. In-memory only:
// the profile lives in the bots table, and persisted limit rows (loaded
// afterwards via LoadLimits) take precedence over it.
func (m *Manager) SeedFromBot(b db.Bot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perBot[b.ID] = Limits{
		MaxPositionSize:    b.MaxPositionSize,
		MaxDailyLoss:       b.MaxDailyLoss,
		MaxTradesPerMinute: b.MaxTradesPerMinute,
	}
}

// LimitsFor returns the effective limits for a bot: per-bot values where set,
// global defaults elsewhere.
func (m *Manager) LimitsFor(botID string) Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()

	eff := m.global
	if l, ok := m.perBot[botID]; ok {
		if l.MaxPositionSize > 0 {
			eff.MaxPositionSize = l.MaxPositionSize
		}
		if l.MaxDailyLoss > 0 {
			eff.MaxDailyLoss = l.MaxDailyLoss
		}
		if l.MaxTradesPerMinute > 0 {
			eff.MaxTradesPerMinute = l.MaxTradesPerMinute
		}
		if l.MaxSlippage > 0 {
			eff.MaxSlippage = l.MaxSlippage
		}
	}
	return eff
}

// Evaluate gates one intent at the given reference price. Check order:
// breakers (global, then symbol), position size, daily loss, trade rate.
// Breaker halts take precedence over per-limit rejects only in the sense
// that they are checked first; a halted scope never reaches the connector.
func (m *Manager) Evaluate(intent signal.TradeIntent, price float64) Decision {
	now := time.Now()

	// Probe slots claimed during admission are handed back if a later check
	// stops the intent; an unresolved probe would otherwise halt the scope
	// until its cooldown, with nothing in flight to resolve it.
	var probeScopes []string
	releaseProbes := func() {
		for _, scope := range probeScopes {
			m.breakerFor(scope).releaseProbe()
		}
	}

	for _, scope := range []string{GlobalScope, intent.Symbol} {
		res := m.breakerFor(scope).admit(now)
		if res.transitioned {
			m.noteTransition(scope, res.state)
		}
		if !res.allowed {
			releaseProbes()
			return Decision{
				Verdict:    VerdictHalt,
				Reason:     ReasonCircuitOpen,
				Detail:     fmt.Sprintf("circuit open for scope %s", scope),
				Scope:      scope,
				RetryAfter: res.retryAfter,
			}
		}
		if res.probe {
			probeScopes = append(probeScopes, scope)
		}
	}

	limits := m.LimitsFor(intent.BotID)

	if limits.MaxPositionSize > 0 && intent.Qty*price > limits.MaxPositionSize {
		releaseProbes()
		return Decision{
			Verdict: VerdictReject,
			Reason:  ReasonPositionLimit,
			Detail:  fmt.Sprintf("notional %.2f exceeds max position size %.2f", intent.Qty*price, limits.MaxPositionSize),
		}
	}

	if limits.MaxDailyLoss > 0 {
		loss := m.dailyLoss(intent.BotID, now)
		if m.positionsView() != nil {
			loss += m.positionsView().UnrealizedLoss(intent.BotID, intent.Symbol, price)
		}
		if loss > limits.MaxDailyLoss {
			releaseProbes()
			return Decision{
				Verdict: VerdictReject,
				Reason:  ReasonDailyLossLimit,
				Detail:  fmt.Sprintf("daily loss %.2f exceeds limit %.2f", loss, limits.MaxDailyLoss),
			}
		}
	}

	if limits.MaxTradesPerMinute > 0 && !m.admitRate(intent.BotID, limits.MaxTradesPerMinute, now) {
		releaseProbes()
		return Decision{
			Verdict: VerdictReject,
			Reason:  ReasonRateLimit,
			Detail:  fmt.Sprintf("more than %d trades in the last minute", limits.MaxTradesPerMinute),
		}
	}

	return Decision{Verdict: VerdictAllow, Probe: len(probeScopes) > 0}
}

func (m *Manager) positionsView() PositionView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positions
}

// RecordTrade folds a realized trade outcome into daily counters and the
// anomaly windows, tripping the breaker when the loss is an outlier.
func (m *Manager) RecordTrade(ctx context.Context, botID, symbol string, pnl float64) {
	now := time.Now()

	m.mu.Lock()
	d := m.dayFor(botID, now)
	d.realized += pnl
	if pnl < 0 {
		d.loss += -pnl
	}
	m.mu.Unlock()

	loss := 0.0
	if pnl < 0 {
		loss = -pnl
	}

	for _, scope := range []string{GlobalScope, symbol} {
		b := m.breakerFor(scope)
		if b.observe(loss, now, m.cfg.Sigma, m.cfg.MinSamples) {
			if b.trip(now) {
				state, _, _ := b.snapshot()
				m.noteTransition(scope, state)
				m.tighten(botID)
				log.Printf("risk: breaker OPEN for scope %s after anomalous loss %.2f", scope, loss)
			}
		}
	}
	_ = ctx
}

// ReportExecution resolves any half-open probe covering the symbol. Call it
// with the outcome of every executed order.
func (m *Manager) ReportExecution(symbol string, success bool) {
	now := time.Now()
	for _, scope := range []string{GlobalScope, symbol} {
		state, changed := m.breakerFor(scope).probeResult(success, now)
		if changed {
			m.noteTransition(scope, state)
			log.Printf("risk: breaker %s for scope %s after probe (success=%v)", state, scope, success)
		}
	}
}

// Halt force-opens the breaker for a scope (operator action).
func (m *Manager) Halt(scope string) {
	b := m.breakerFor(scope)
	if b.trip(time.Now()) {
		state, _, _ := b.snapshot()
		m.noteTransition(scope, state)
	}
}

// BreakerFor returns the current state and remaining cooldown for a scope.
func (m *Manager) BreakerFor(scope string) (BreakerState, time.Duration) {
	state, openUntil, _ := m.breakerFor(scope).snapshot()
	var remaining time.Duration
	if state == BreakerOpen {
		if d := time.Until(openUntil); d > 0 {
			remaining = d
		}
	}
	return state, remaining
}

// DailyLoss returns today's accumulated realized loss for a bot.
func (m *Manager) DailyLoss(botID string) float64 {
	return m.dailyLoss(botID, time.Now())
}

// ResetDaily clears all daily counters (called at UTC midnight).
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily = make(map[string]*dailyCounters)
	log.Printf("risk: daily counters reset")
}

// RestoreBreakers reloads persisted breaker rows, so an engine restart does
// not silently close an open breaker.
func (m *Manager) RestoreBreakers(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	rows, err := m.db.ListBreakerStates(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if BreakerState(row.State) != BreakerOpen || row.OpenUntil == nil {
			continue
		}
		if time.Now().After(*row.OpenUntil) {
			continue
		}
		m.breakerFor(row.Scope).restore(BreakerOpen, *row.OpenUntil, time.Duration(row.CooldownSeconds)*time.Second)
		log.Printf("risk: restored OPEN breaker for scope %s until %s", row.Scope, row.OpenUntil.Format(time.RFC3339))
	}
	return nil
}

// ----------------------------------------
// internals
// ----------------------------------------

func (m *Manager) breakerFor(scope string) *breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[scope]
	if !ok {
		b = newBreaker(scope, m.cfg)
		m.breakers[scope] = b
	}
	return b
}

func dateOf(t time.Time) string { return t.UTC().Format("2006-01-02") }

// dayFor returns today's counters for a bot, rolling the day over when
// needed. Caller holds m.mu.
func (m *Manager) dayFor(botID string, now time.Time) *dailyCounters {
	today := dateOf(now)
	d, ok := m.daily[botID]
	if !ok || d.date != today {
		d = &dailyCounters{date: today}
		m.daily[botID] = d
	}
	return d
}

func (m *Manager) dailyLoss(botID string, now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dayFor(botID, now).loss
}

// admitRate counts admissions in the trailing minute and records this one
// when under the cap.
func (m *Manager) admitRate(botID string, maxPerMinute int, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.dayFor(botID, now)
	cutoff := now.Add(-time.Minute)
	kept := d.tradeStamps[:0]
	for _, ts := range d.tradeStamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	d.tradeStamps = kept

	if len(d.tradeStamps) >= maxPerMinute {
		return false
	}
	d.tradeStamps = append(d.tradeStamps, now)
	return true
}

// tighten scales the tripping bot's position ceiling down after a breaker
// open, until an operator resets its limits. The tightened value is persisted
// so it survives a restart.
func (m *Manager) tighten(botID string) {
	if m.cfg.TightenFactor <= 0 || m.cfg.TightenFactor >= 1 {
		return
	}
	m.mu.Lock()
	l, ok := m.perBot[botID]
	if !ok {
		l = m.global
	}
	tightened := l.MaxPositionSize > 0
	if tightened {
		l.MaxPositionSize *= m.cfg.TightenFactor
		m.perBot[botID] = l
	}
	m.mu.Unlock()

	if tightened {
		m.persistLimits(botID, l)
		log.Printf("risk: tightened max position size for bot %s to %.2f", botID, l.MaxPositionSize)
	}
}

// persistLimits stores a scope's limits best-effort.
func (m *Manager) persistLimits(scope string, l Limits) {
	if m.db == nil {
		return
	}
	err := m.db.UpsertRiskLimit(context.Background(), db.RiskLimit{
		Scope:              scope,
		MaxPositionSize:    l.MaxPositionSize,
		MaxDailyLoss:       l.MaxDailyLoss,
		MaxTradesPerMinute: l.MaxTradesPerMinute,
		MaxSlippage:        l.MaxSlippage,
	})
	if err != nil {
		log.Printf("risk: persist limits for scope %s: %v", scope, err)
	}
}

// LoadLimits applies stored limit rows over the current configuration. Call
// after seeding bot profiles so persisted overrides (operator edits, breaker
// tightening) win.
func (m *Manager) LoadLimits(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	rows, err := m.db.ListRiskLimits(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		l := Limits{
			MaxPositionSize:    row.MaxPositionSize,
			MaxDailyLoss:       row.MaxDailyLoss,
			MaxTradesPerMinute: row.MaxTradesPerMinute,
			MaxSlippage:        row.MaxSlippage,
		}
		if row.Scope == GlobalScope {
			m.global = l
		} else {
			m.perBot[row.Scope] = l
		}
	}
	return nil
}

// noteTransition persists and publishes a breaker state change.
func (m *Manager) noteTransition(scope string, state BreakerState) {
	_, openUntil, cooldown := m.breakerFor(scope).snapshot()

	if m.db != nil {
		row := db.BreakerState{
			Scope:           scope,
			State:           string(state),
			CooldownSeconds: int(cooldown.Seconds()),
		}
		if state == BreakerOpen {
			row.OpenUntil = &openUntil
		}
		if err := m.db.UpsertBreakerState(context.Background(), row); err != nil {
			log.Printf("risk: persist breaker state for %s: %v", scope, err)
		}
	}

	if m.bus != nil {
		m.bus.Publish(events.EventBreakerTransition, map[string]any{
			"scope": scope,
			"state": string(state),
		})
	}
}
