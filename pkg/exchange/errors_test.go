package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"transient", Transient("place_order", errors.New("connection refused")), ClassTransient},
		{"definitive", Definitive("place_order", errors.New("min notional")), ClassDefinitive},
		{"ambiguous", Ambiguous("place_order", errors.New("lost ack")), ClassAmbiguous},
		{"wrapped transient", fmt.Errorf("submit: %w", Transient("place_order", errors.New("reset"))), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassAmbiguous},
		{"canceled", context.Canceled, ClassAmbiguous},
		{"unknown defaults ambiguous", errors.New("wat"), ClassAmbiguous},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestConnectorErrorUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := Transient("place_order", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("wrapped cause must survive errors.Is")
	}
}
