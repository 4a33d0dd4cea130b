package main

import (
	"sync/atomic"
	"time"
)

// CircuitBreakerState is the breaker's position.
type CircuitBreakerState int32

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards calls to the presence store. After threshold
// consecutive failures it opens and callers fall back to degraded behavior;
// after the cooldown a single probe call is let through.
type CircuitBreaker struct {
	threshold int64
	cooldown  time.Duration

	state    atomic.Int32
	failures atomic.Int64
	openedAt atomic.Int64 // unix nanos of the transition to open
}

func NewCircuitBreaker(threshold, cooldownSeconds int) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: int64(threshold),
		cooldown:  time.Duration(cooldownSeconds) * time.Second,
	}
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed admits exactly one probe: the caller that wins the transition
// to half-open. Everyone else stays short-circuited until the probe's
// RecordSuccess or RecordFailure settles the state.
func (cb *CircuitBreaker) Allow() bool {
	switch CircuitBreakerState(cb.state.Load()) {
	case CircuitBreakerClosed:
		return true
	case CircuitBreakerHalfOpen:
		return false
	default:
		if time.Since(time.Unix(0, cb.openedAt.Load())) < cb.cooldown {
			return false
		}
		return cb.state.CompareAndSwap(int32(CircuitBreakerOpen), int32(CircuitBreakerHalfOpen))
	}
}

// RecordFailure counts a failed call. The breaker opens when the failure
// count reaches the threshold, or immediately when the half-open probe
// fails.
func (cb *CircuitBreaker) RecordFailure() {
	n := cb.failures.Add(1)
	if n >= cb.threshold || CircuitBreakerState(cb.state.Load()) == CircuitBreakerHalfOpen {
		cb.openedAt.Store(time.Now().UnixNano())
		cb.state.Store(int32(CircuitBreakerOpen))
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}
