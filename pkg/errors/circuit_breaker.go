package errors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned for sends rejected while the circuit is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed - sends flow normally
	StateClosed CircuitState = iota
	// StateOpen - sends fail immediately
	StateOpen
	// StateHalfOpen - a limited number of trial sends test whether the destination recovered
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs and metrics
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint32
	// SuccessThreshold is the number of trial successes that closes it again
	SuccessThreshold uint32
	// OpenTimeout is how long the circuit stays open before probing
	OpenTimeout time.Duration
	// MaxTrials bounds the sends in flight while half-open
	MaxTrials uint32
	// OnStateChange is called on every transition (optional)
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 50,
		SuccessThreshold: 5,
		OpenTimeout:      10 * time.Second,
		MaxTrials:        5,
	}
}

// CircuitBreaker stops sends to a destination that keeps failing. Allow is
// called before a send is issued and Record once its completion fires, so the
// breaker works for asynchronous sends.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failureCount    uint32
	successCount    uint32
	trials          uint32
	openedAt        time.Time
	lastStateChange time.Time
	totalAllowed    uint64
	totalRejected   uint64
	totalFailures   uint64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxTrials == 0 {
		config.MaxTrials = 1
	}
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a send may be issued. A nil result obliges the
// caller to call Record with the send's outcome.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.config.OpenTimeout {
			cb.totalRejected++
			return fmt.Errorf("%w: %s (opened at %s)", ErrCircuitOpen, cb.config.Name, cb.openedAt.Format(time.RFC3339))
		}
		cb.setState(StateHalfOpen)
		cb.trials = 0
		cb.successCount = 0
		fallthrough

	case StateHalfOpen:
		if cb.trials >= cb.config.MaxTrials {
			cb.totalRejected++
			return fmt.Errorf("%w: %s is testing recovery", ErrCircuitOpen, cb.config.Name)
		}
		cb.trials++
	}

	cb.totalAllowed++
	return nil
}

// Record registers the outcome of a send admitted by Allow
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}

	if err == nil {
		cb.onSuccess()
		return
	}
	cb.onFailure()
}

// Execute runs a synchronous operation through the breaker
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		cb.Record(nil)
		return err
	}

	err := operation()
	cb.Record(err)
	return err
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.totalFailures++

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		// Any failed trial reopens the circuit
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.setState(StateOpen)
	cb.openedAt = time.Now()
	cb.successCount = 0
	cb.trials = 0
}

// setState transitions the circuit; cb.mu must be held
func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	cb.lastStateChange = time.Now()

	if cb.config.OnStateChange != nil {
		// Called without the lock held
		go cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats is a snapshot of breaker counters
type CircuitBreakerStats struct {
	Name            string
	State           CircuitState
	FailureCount    uint32
	TotalAllowed    uint64
	TotalRejected   uint64
	TotalFailures   uint64
	LastStateChange time.Time
}

// Stats returns current statistics
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.config.Name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		TotalAllowed:    cb.totalAllowed,
		TotalRejected:   cb.totalRejected,
		TotalFailures:   cb.totalFailures,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset closes the circuit and clears the failure count
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.trials = 0
}
