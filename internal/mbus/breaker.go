package mbus

import "time"

// BreakerState is the circuit breaker's current position.
type BreakerState int

const (
	// BreakerClosed lets attempts through normally.
	BreakerClosed BreakerState = iota

	// BreakerOpen short-circuits every attempt until the timeout elapses.
	BreakerOpen

	// BreakerHalfOpen has granted its single probe attempt and blocks
	// further attempts until the probe's outcome is recorded.
	BreakerHalfOpen
)

// String returns the state name for logging.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a circuit breaker guarding the whole bus: a wedged serial
// line affects every device, so repeated failures stop all bus I/O for a
// cooling-off period.
//
// Breaker is a plain value with pure transition methods. Each method
// returns the successor state; callers own one current value and replace
// it on every transition, which makes the state machine testable without
// any I/O or clock dependency.
//
// The contract between CanAttempt and Record* calls: the caller records
// the outcome of a granted attempt before asking again. Half-open in
// particular grants exactly one probe; further CanAttempt calls return
// false until RecordSuccess or RecordFailure resolves the probe.
type Breaker struct {
	State       BreakerState
	Failures    int
	LastFailure time.Time
	Threshold   int
	Timeout     time.Duration
}

// NewBreaker returns a closed breaker with the given threshold and
// open-state timeout.
func NewBreaker(threshold int, timeout time.Duration) Breaker {
	return Breaker{
		State:     BreakerClosed,
		Threshold: threshold,
		Timeout:   timeout,
	}
}

// CanAttempt decides whether a bus attempt may proceed at the given time,
// returning the successor breaker value and the decision.
//
// Closed always grants. Open grants nothing until Timeout has elapsed
// since the last failure, then transitions to half-open and grants the
// one probe. Half-open itself grants nothing: its single probe was issued
// on the open-to-half-open transition.
func (b Breaker) CanAttempt(now time.Time) (Breaker, bool) {
	switch b.State {
	case BreakerClosed:
		return b, true
	case BreakerOpen:
		if now.Sub(b.LastFailure) >= b.Timeout {
			b.State = BreakerHalfOpen
			return b, true
		}
		return b, false
	case BreakerHalfOpen:
		return b, false
	default:
		return b, false
	}
}

// RecordSuccess resolves an attempt as successful: failure count cleared,
// breaker closed.
func (b Breaker) RecordSuccess() Breaker {
	b.State = BreakerClosed
	b.Failures = 0
	return b
}

// RecordFailure resolves an attempt as failed at the given time. In the
// closed state the failure count climbs toward the threshold; from
// half-open a single failure re-opens immediately and restarts the timer.
func (b Breaker) RecordFailure(now time.Time) Breaker {
	b.Failures++
	b.LastFailure = now

	if b.State == BreakerHalfOpen || b.Failures >= b.Threshold {
		b.State = BreakerOpen
	}
	return b
}
