package build

import "testing"

func TestCircuitBreakerStateZeroValue(t *testing.T) {
	var s CircuitBreakerState
	if s.State != "" {
		t.Fatalf("expected zero value state")
	}
	s.State = BreakerClosed
	if s.State != BreakerClosed {
		t.Fatalf("expected closed state")
	}
}
