package coordinator

import (
	"errors"
	"fmt"
	"time"

	"bot-engine/internal/risk"
)

// ErrDuplicateInFlight is returned when the same idempotency key is already
// being executed by another attempt.
var ErrDuplicateInFlight = errors.New("duplicate attempt in flight")

// ValidationError rejects a malformed intent before any record is created.
// Validation failures are safe to retry after fixing the request.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid intent: %s %s", e.Field, e.Msg)
}

// RiskRejectedError carries the gate decision for a blocked intent.
type RiskRejectedError struct {
	Reason     risk.ReasonCode
	Detail     string
	Scope      string
	RetryAfter time.Duration
}

func (e *RiskRejectedError) Error() string {
	return fmt.Sprintf("risk gate: %s: %s", e.Reason, e.Detail)
}

// ExecutionError is a definitive connector failure: the venue rejected the
// order and it is known not to exist.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("execution failed: %v", e.Err) }
func (e *ExecutionError) Unwrap() error { return e.Err }

// AmbiguousError means the order's fate at the venue is unknown. The attempt
// is parked in the reconciliation queue and must not be retried blindly.
type AmbiguousError struct {
	CaseID string
	Err    error
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("order fate unknown (reconciliation case %s): %v", e.CaseID, e.Err)
}
func (e *AmbiguousError) Unwrap() error { return e.Err }
