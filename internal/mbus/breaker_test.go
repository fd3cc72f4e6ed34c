package mbus

import (
	"testing"
	"time"
)

func TestBreaker_ClosedAllowsAttempts(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	now := time.Now()

	for i := 0; i < 10; i++ {
		var ok bool
		b, ok = b.CanAttempt(now)
		if !ok {
			t.Fatalf("attempt %d blocked in closed state", i)
		}
		b = b.RecordSuccess()
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	now := time.Now()

	b = b.RecordFailure(now)
	b = b.RecordFailure(now)
	if b.State != BreakerClosed {
		t.Fatalf("state = %v after 2 failures, want closed", b.State)
	}

	b = b.RecordFailure(now)
	if b.State != BreakerOpen {
		t.Fatalf("state = %v after 3 failures, want open", b.State)
	}

	_, ok := b.CanAttempt(now)
	if ok {
		t.Error("open breaker granted an attempt before timeout")
	}
}

func TestBreaker_HalfOpenGrantsExactlyOneProbe(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	start := time.Now()

	b = b.RecordFailure(start)
	if b.State != BreakerOpen {
		t.Fatalf("state = %v, want open", b.State)
	}

	// Before the timeout: nothing gets through.
	var ok bool
	b, ok = b.CanAttempt(start.Add(30 * time.Second))
	if ok {
		t.Fatal("attempt granted before timeout elapsed")
	}

	// After the timeout: exactly one probe.
	b, ok = b.CanAttempt(start.Add(time.Minute))
	if !ok {
		t.Fatal("probe not granted after timeout")
	}
	if b.State != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", b.State)
	}

	// No second attempt until the probe's outcome is recorded.
	b, ok = b.CanAttempt(start.Add(2 * time.Minute))
	if ok {
		t.Fatal("second attempt granted while probe unresolved")
	}

	b = b.RecordSuccess()
	if b.State != BreakerClosed {
		t.Fatalf("state = %v after probe success, want closed", b.State)
	}
	if b.Failures != 0 {
		t.Errorf("failures = %d after success, want 0", b.Failures)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	start := time.Now()

	b = b.RecordFailure(start)
	b, ok := b.CanAttempt(start.Add(time.Minute))
	if !ok {
		t.Fatal("probe not granted after timeout")
	}

	probeTime := start.Add(time.Minute + time.Second)
	b = b.RecordFailure(probeTime)
	if b.State != BreakerOpen {
		t.Fatalf("state = %v after probe failure, want open", b.State)
	}
	if !b.LastFailure.Equal(probeTime) {
		t.Error("probe failure did not restart the open timer")
	}

	// Timer restarted: the original timeout point no longer grants.
	_, ok = b.CanAttempt(start.Add(2 * time.Minute))
	if ok {
		t.Error("attempt granted before restarted timeout elapsed")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	now := time.Now()

	b = b.RecordFailure(now)
	b = b.RecordFailure(now)
	b = b.RecordSuccess()

	if b.Failures != 0 {
		t.Errorf("failures = %d after success, want 0", b.Failures)
	}

	// Threshold counts from scratch again.
	b = b.RecordFailure(now)
	b = b.RecordFailure(now)
	if b.State != BreakerClosed {
		t.Errorf("state = %v, want closed after 2 fresh failures", b.State)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half-open"},
		{BreakerState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
