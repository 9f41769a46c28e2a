package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to the payment gateway. After enough failures
// within an interval it opens and rejects calls outright until the timeout
// elapses, then lets a probe through in half-open state.
type CircuitBreaker struct {
	name         string
	maxRequests  uint32
	interval     time.Duration
	timeout      time.Duration
	failureRatio float64

	mutex  sync.Mutex
	state  BreakerState
	counts breakerCounts
	expiry time.Time
}

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

type breakerCounts struct {
	requests uint32
	failures uint32
}

func NewCircuitBreaker(name string) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxRequests:  20,
		interval:     60 * time.Second,
		timeout:      30 * time.Second,
		failureRatio: 0.6,
		state:        StateClosed,
	}
}

func (cb *CircuitBreaker) Execute(ctx context.Context, req func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		cb.afterRequest(false)
		return err
	}

	err := req()
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.currentState(time.Now())
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	if state := cb.currentState(now); state == StateOpen {
		return ErrBreakerOpen
	} else if state == StateHalfOpen && cb.counts.requests >= 1 {
		// single probe at a time while half open
		return ErrBreakerOpen
	}

	cb.counts.requests++
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state := cb.currentState(time.Now())

	if success {
		if state == StateHalfOpen {
			cb.state = StateClosed
			cb.resetCounts(time.Now())
		}
		return
	}

	cb.counts.failures++
	if state == StateHalfOpen || cb.readyToTrip() {
		cb.state = StateOpen
		cb.expiry = time.Now().Add(cb.timeout)
		cb.counts = breakerCounts{}
	}
}

func (cb *CircuitBreaker) readyToTrip() bool {
	return cb.counts.requests >= cb.maxRequests &&
		float64(cb.counts.failures)/float64(cb.counts.requests) >= cb.failureRatio
}

func (cb *CircuitBreaker) currentState(now time.Time) BreakerState {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.resetCounts(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.state = StateHalfOpen
			cb.counts = breakerCounts{}
		}
	}
	return cb.state
}

func (cb *CircuitBreaker) resetCounts(now time.Time) {
	cb.counts = breakerCounts{}
	cb.expiry = now.Add(cb.interval)
}
