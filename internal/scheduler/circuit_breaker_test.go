package scheduler

import "testing"

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(2)
	if !cb.Allow() {
		t.Fatal("expected closed breaker to allow")
	}
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected circuit to open after threshold failures, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatal("expected open breaker to reject")
	}
}

func TestCircuitBreakerRecordSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(2)
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("expected breaker to stay closed after reset, got %v", cb.State())
	}
}
