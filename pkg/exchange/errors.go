package exchange

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass partitions connector failures by their retry semantics.
type ErrorClass int

const (
	// ClassTransient means the order was definitely not placed and the call
	// may be retried (e.g. connection refused before the request was sent).
	ClassTransient ErrorClass = iota
	// ClassDefinitive means the venue rejected the order; retrying the same
	// request will not succeed.
	ClassDefinitive
	// ClassAmbiguous means it cannot be determined whether the order was
	// placed. Never retried automatically; escalated to reconciliation.
	ClassAmbiguous
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "TRANSIENT"
	case ClassDefinitive:
		return "DEFINITIVE"
	case ClassAmbiguous:
		return "AMBIGUOUS"
	}
	return "UNKNOWN"
}

// ConnectorError carries the classification alongside the underlying cause.
type ConnectorError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("connector %s (%s): %v", e.Op, e.Class, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable connector failure.
func Transient(op string, err error) error {
	return &ConnectorError{Class: ClassTransient, Op: op, Err: err}
}

// Definitive wraps err as a non-retryable rejection.
func Definitive(op string, err error) error {
	return &ConnectorError{Class: ClassDefinitive, Op: op, Err: err}
}

// Ambiguous wraps err as an unknown-outcome failure.
func Ambiguous(op string, err error) error {
	return &ConnectorError{Class: ClassAmbiguous, Op: op, Err: err}
}

// Classify maps an error from PlaceOrder to its retry class. Deadline and
// cancellation errors are ambiguous: the request may have reached the venue
// before the context expired. Unclassified errors default to ambiguous for
// the same reason — with real money the safe assumption is that the order
// might exist.
func Classify(err error) ErrorClass {
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassAmbiguous
	}
	return ClassAmbiguous
}
