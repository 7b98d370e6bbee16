package risk

import (
	"time"
)

// ReasonCode identifies why an intent was rejected or halted. Codes are
// machine-readable and attached to idempotency records and audit events.
type ReasonCode string

const (
	ReasonNone           ReasonCode = ""
	ReasonValidation     ReasonCode = "VALIDATION"
	ReasonPositionLimit  ReasonCode = "POSITION_LIMIT"
	ReasonDailyLossLimit ReasonCode = "DAILY_LOSS_LIMIT"
	ReasonRateLimit      ReasonCode = "RATE_LIMIT"
	ReasonCircuitOpen    ReasonCode = "CIRCUIT_OPEN"
	ReasonExecution      ReasonCode = "EXECUTION"
	ReasonReconciliation ReasonCode = "RECONCILIATION"
)

// Verdict is the outcome class of an evaluation.
type Verdict int

const (
	// VerdictAllow admits the intent.
	VerdictAllow Verdict = iota
	// VerdictReject blocks this intent only (limit violation).
	VerdictReject
	// VerdictHalt blocks the whole scope (circuit breaker open).
	VerdictHalt
)

// Decision is the result of evaluating one intent.
type Decision struct {
	Verdict    Verdict
	Reason     ReasonCode
	Detail     string
	Scope      string        // breaker scope for halts ("*" global or symbol)
	RetryAfter time.Duration // for halts: remaining cooldown
	Probe      bool          // true when this intent is the half-open probe
}

// Allowed reports whether the intent may proceed to execution.
func (d Decision) Allowed() bool { return d.Verdict == VerdictAllow }

// Limits defines the ceilings applied to a bot (or globally).
type Limits struct {
	MaxPositionSize    float64
	MaxDailyLoss       float64
	MaxTradesPerMinute int
	MaxSlippage        float64
}

// DefaultLimits returns conservative engine-wide defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSize:    1000.0,
		MaxDailyLoss:       2000.0,
		MaxTradesPerMinute: 20,
		MaxSlippage:        0.005,
	}
}

// BreakerState is the circuit state for one scope.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// GlobalScope is the breaker scope covering all symbols.
const GlobalScope = "*"

// Config tunes the anomaly window and breaker behavior.
type Config struct {
	Sigma         float64       // z-score threshold that trips the breaker
	Cooldown      time.Duration // initial open duration
	CooldownCap   time.Duration // ceiling for exponential backoff
	WindowAge     time.Duration // how far back outcomes count
	MinSamples    int           // outcomes required before anomaly detection
	TightenFactor float64       // applied to a bot's position limit when its trade trips the breaker (0 disables)
}

// DefaultBreakerConfig returns the standard breaker tuning.
func DefaultBreakerConfig() Config {
	return Config{
		Sigma:         5,
		Cooldown:      10 * time.Minute,
		CooldownCap:   2 * time.Hour,
		WindowAge:     30 * 24 * time.Hour,
		MinSamples:    20,
		TightenFactor: 0.5,
	}
}
