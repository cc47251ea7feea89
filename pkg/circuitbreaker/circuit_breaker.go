package circuitbreaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker counts consecutive failures of an operation and refuses further
// attempts for a cooldown once maxFailures is reached. After the cooldown a single
// probe is admitted (half-open); its outcome closes or re-opens the breaker.
//
// It is used both around gateway calls (Execute) and for reconnect pacing, where
// the caller reports outcomes explicitly with RecordFailure and RecordSuccess.
type CircuitBreaker struct {
	name        string
	maxFailures uint32
	cooldown    time.Duration

	mu       sync.Mutex
	state    State
	failures uint32
	openedAt time.Time
	requests uint64
	now      func() time.Time

	logger *logrus.Logger
}

// New creates a new circuit breaker
func New(name string, maxFailures uint32, cooldown time.Duration, logger *logrus.Logger) *CircuitBreaker {
	if logger == nil {
		logger = logrus.New()
	}
	if maxFailures == 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       StateClosed,
		now:         time.Now,
		logger:      logger,
	}
}

// Execute runs fn unless the breaker is open and still cooling down.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.Allow() {
		return &CircuitBreakerError{Name: cb.name, State: StateOpen, RetryIn: cb.Remaining()}
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Allow reports whether an attempt may proceed now. An open breaker whose cooldown
// has elapsed moves to half-open and admits the caller.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.requests++
	return cb.stateLocked() != StateOpen
}

// RecordFailure notes a failed attempt and returns the resulting state.
func (cb *CircuitBreaker) RecordFailure() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.stateLocked() {
	case StateHalfOpen:
		cb.trip()
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.trip()
		}
	}
	return cb.state
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"state":           StateClosed.String(),
		}).Info("Circuit breaker closed after successful recovery")
	}
	cb.state = StateClosed
	cb.failures = 0
}

// Remaining returns how long an open breaker keeps refusing attempts.
func (cb *CircuitBreaker) Remaining() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	left := cb.cooldown - cb.now().Sub(cb.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = StateHalfOpen
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"state":           StateHalfOpen.String(),
		}).Info("Circuit breaker transitioned to half-open")
	}
	return cb.state
}

// trip transitions the circuit breaker to the open state
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"failures":        cb.failures,
		"cooldown":        cb.cooldown,
		"state":           StateOpen.String(),
	}).Warn("Circuit breaker opened due to failures")
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:     cb.name,
		State:    cb.stateLocked(),
		Failures: cb.failures,
		Requests: cb.requests,
		OpenedAt: cb.openedAt,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name     string    `json:"name"`
	State    State     `json:"state"`
	Failures uint32    `json:"failures"`
	Requests uint64    `json:"requests"`
	OpenedAt time.Time `json:"opened_at"`
}

// CircuitBreakerError represents an error when the circuit breaker is open
type CircuitBreakerError struct {
	Name    string
	State   State
	RetryIn time.Duration
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s (retry in %s)", e.Name, e.State, e.RetryIn)
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return stderrors.As(err, &cbErr)
}
