// Package breaker implements the crawl-wide circuit breaker that stops fetching
// after a run of consecutive failures and tests for recovery after a cooldown.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/metrics"
	"go.uber.org/zap"
)

// State represents the circuit breaker state.
type State int

const (
	Closed   State = iota // Normal operation, calls pass through.
	Open                  // Calls rejected immediately.
	HalfOpen              // Trial calls allowed to test recovery.
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON records.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config tunes the breaker.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Status is a snapshot of the breaker.
type Status struct {
	State       State     `json:"state"`
	Failures    int       `json:"failure_count"`
	LastFailure time.Time `json:"last_failure_time"`
}

// CircuitBreaker trips open after FailureThreshold consecutive failures.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	clock     crawler.Clock
	logger    *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// New creates a closed breaker. Defaults are 5 failures and a 60s cooldown.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) (*CircuitBreaker, error) {
	if clock == nil {
		return nil, fmt.Errorf("circuit breaker: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	metrics.SetBreakerState(metrics.BreakerClosed)
	return &CircuitBreaker{
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		clock:     clock,
		logger:    logger.Named("breaker"),
		state:     Closed,
	}, nil
}

// CanExecute reports whether a call may proceed. An open breaker whose
// cooldown has elapsed moves to half-open and admits the call; half-open
// admits every call until a result is recorded.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	return cb.state != Open
}

// RecordSuccess closes the breaker and clears the failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != Closed {
		cb.logger.Info("circuit breaker closed", zap.Stringer("from", cb.state))
	}
	cb.failures = 0
	cb.setState(Closed)
}

// RecordFailure counts a failure. Reaching the threshold, or any failure while
// half-open, opens the breaker and restarts the cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = cb.clock.Now()
	switch cb.state {
	case Closed:
		if cb.failures >= cb.threshold {
			cb.logger.Warn("circuit breaker opened", zap.Int("failures", cb.failures))
			cb.setState(Open)
		}
	case HalfOpen:
		cb.logger.Warn("circuit breaker trial failed, reopening", zap.Int("failures", cb.failures))
		cb.setState(Open)
	}
}

// State returns the current state without applying the cooldown transition.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Status returns state, failure count and the time of the last failure.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Status{State: cb.state, Failures: cb.failures, LastFailure: cb.lastFailure}
}

// maybeTransition moves an open breaker to half-open once the cooldown has
// elapsed. Must be called with mu held.
func (cb *CircuitBreaker) maybeTransition() {
	if cb.state == Open && cb.clock.Now().Sub(cb.lastFailure) >= cb.cooldown {
		cb.logger.Info("circuit breaker half-open, attempting recovery")
		cb.setState(HalfOpen)
	}
}

func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	switch s {
	case Open:
		metrics.SetBreakerState(metrics.BreakerOpen)
	case HalfOpen:
		metrics.SetBreakerState(metrics.BreakerHalfOpen)
	default:
		metrics.SetBreakerState(metrics.BreakerClosed)
	}
}
