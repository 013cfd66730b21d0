package upstream

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state, numbered for metrics
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled             bool
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
	// OnStateChange is called outside the breaker lock
	OnStateChange func(from, to BreakerState)
	Now           func() time.Time
}

// CircuitBreaker temporarily excludes an upstream from selection after consecutive failures
type CircuitBreaker struct {
	cfg              CircuitBreakerConfig
	state            BreakerState
	failures         int
	halfOpenInFlight int
	halfOpenSuccess  int
	openedAt         time.Time
	mu               sync.Mutex
}

// NewCircuitBreaker creates a new CircuitBreaker
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// State returns the current state without side effects
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Ready reports whether AllowRequest would currently let a request through.
// Unlike AllowRequest it never changes state, so selection can call it freely.
func (cb *CircuitBreaker) Ready() bool {
	if !cb.cfg.Enabled {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout
	case BreakerHalfOpen:
		return cb.halfOpenInFlight < cb.cfg.HalfOpenMaxRequests
	default:
		return true
	}
}

// AllowRequest returns true if a request should be allowed
func (cb *CircuitBreaker) AllowRequest() bool {
	if !cb.cfg.Enabled {
		return true
	}
	cb.mu.Lock()
	from := cb.state
	allowed := true

	switch cb.state {
	case BreakerHalfOpen:
		allowed = cb.halfOpenInFlight < cb.cfg.HalfOpenMaxRequests
	case BreakerOpen:
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.RecoveryTimeout {
			allowed = false
			break
		}
		cb.state = BreakerHalfOpen
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccess = 0
	}
	if allowed && cb.state == BreakerHalfOpen {
		cb.halfOpenInFlight++
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return allowed
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	from := cb.state

	switch cb.state {
	case BreakerHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.cfg.HalfOpenMaxRequests {
			cb.state = BreakerClosed
			cb.failures = 0
		}
	case BreakerClosed:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	from := cb.state

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = BreakerOpen
			cb.openedAt = cb.cfg.Now()
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.openedAt = cb.cfg.Now()
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
