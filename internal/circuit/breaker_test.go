package circuit

import (
	"testing"
)

func TestBreaker_TripsAtThreshold(t *testing.T) {
	cb := NewBreaker(3)

	if cb.RecordFailure() {
		t.Error("should not trip on first failure")
	}
	if cb.RecordFailure() {
		t.Error("should not trip on second failure")
	}
	if cb.FailureCount() != 2 {
		t.Errorf("expected failure count 2, got %d", cb.FailureCount())
	}
	if cb.Tripped() {
		t.Error("should not be tripped below threshold")
	}

	if !cb.RecordFailure() {
		t.Error("should trip on third failure")
	}
	if !cb.Tripped() {
		t.Error("should be tripped after threshold reached")
	}
	if cb.TrippedAt().IsZero() {
		t.Error("expected trip time to be recorded")
	}

	// Further failures do not report a new trip.
	if cb.RecordFailure() {
		t.Error("already tripped breaker should not trip again")
	}
}

func TestBreaker_Reset(t *testing.T) {
	cb := NewBreaker(1)
	cb.RecordFailure()

	cb.Reset()

	if cb.Tripped() {
		t.Error("should not be tripped after reset")
	}
	if cb.FailureCount() != 0 {
		t.Errorf("expected failure count 0 after reset, got %d", cb.FailureCount())
	}
	if !cb.RecordFailure() {
		t.Error("should trip again after reset")
	}
}

func TestBreaker_ZeroThresholdNeverTrips(t *testing.T) {
	cb := NewBreaker(0)
	for i := 0; i < 100; i++ {
		if cb.RecordFailure() {
			t.Fatalf("unbounded breaker tripped after %d failures", i+1)
		}
	}
	if cb.FailureCount() != 100 {
		t.Errorf("expected failure count 100, got %d", cb.FailureCount())
	}
}
