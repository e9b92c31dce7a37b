package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	// CircuitBreakerClosed - normal operation, requests are allowed
	CircuitBreakerClosed CircuitBreakerState = iota
	// CircuitBreakerOpen - circuit is open, requests are rejected immediately
	CircuitBreakerOpen
	// CircuitBreakerHalfOpen - testing state, limited requests are allowed
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "CLOSED"
	case CircuitBreakerOpen:
		return "OPEN"
	case CircuitBreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig configuration for circuit breaker
type CircuitBreakerConfig struct {
	Name             string        `json:"name"`
	MaxRequests      int64         `json:"max_requests"`      // Max concurrent probes in half-open state
	Timeout          time.Duration `json:"timeout"`           // Time spent open before probing
	FailureThreshold int64         `json:"failure_threshold"` // Consecutive failures to open circuit
	SuccessThreshold int64         `json:"success_threshold"` // Consecutive successes to close circuit

	// ErrorClassifier reports whether err counts against the breaker.
	// Errors it rejects pass through without touching the counters.
	ErrorClassifier func(error) bool                   `json:"-"`
	OnStateChange   func(from, to CircuitBreakerState) `json:"-"`
}

// DefaultCircuitBreakerConfig returns default configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		MaxRequests:      1,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		ErrorClassifier: func(err error) bool {
			return err != nil
		},
	}
}

// CircuitBreakerMetrics tracks circuit breaker statistics
type CircuitBreakerMetrics struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	TotalRequests        int64     `json:"total_requests"`
	Rejected             int64     `json:"rejected"`
	ConsecutiveFailures  int64     `json:"consecutive_failures"`
	ConsecutiveSuccesses int64     `json:"consecutive_successes"`
	LastStateChange      time.Time `json:"last_state_change"`
	LastFailureTime      time.Time `json:"last_failure_time,omitempty"`
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	mu     sync.Mutex
	state  CircuitBreakerState

	totalRequests        int64
	rejected             int64
	consecutiveFailures  int64
	consecutiveSuccesses int64
	requestsInHalfOpen   int64

	lastStateChange time.Time
	lastFailureTime time.Time

	now func() time.Time
}

// Common circuit breaker errors
var (
	ErrCircuitBreakerOpen        = errors.New("circuit breaker is open")
	ErrCircuitBreakerMaxRequests = errors.New("circuit breaker max requests exceeded")
)

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}

	// Validate configuration
	if config.MaxRequests <= 0 {
		config.MaxRequests = 1
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = func(err error) bool { return err != nil }
	}

	cb := &CircuitBreaker{
		config: config,
		state:  CircuitBreakerClosed,
		now:    time.Now,
	}
	cb.lastStateChange = cb.now()

	log.Debug().
		Str("name", config.Name).
		Int64("failure_threshold", config.FailureThreshold).
		Dur("timeout", config.Timeout).
		Msg("Circuit breaker created")

	return cb
}

// Execute executes the given function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	halfOpen, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	result, err := operation(ctx)
	cb.afterRequest(halfOpen, err)

	return result, err
}

// Allow reports whether a request would currently be admitted, without
// consuming a half-open probe slot
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitBreakerOpen {
		return true
	}
	return cb.now().Sub(cb.lastStateChange) >= cb.config.Timeout
}

// beforeRequest checks if a request can proceed based on circuit breaker state
func (cb *CircuitBreaker) beforeRequest() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case CircuitBreakerOpen:
		// Check if timeout period has elapsed
		if cb.now().Sub(cb.lastStateChange) < cb.config.Timeout {
			cb.rejected++
			return false, ErrCircuitBreakerOpen
		}
		cb.changeState(CircuitBreakerHalfOpen, "timeout period elapsed")
		fallthrough

	case CircuitBreakerHalfOpen:
		if cb.requestsInHalfOpen >= cb.config.MaxRequests {
			cb.rejected++
			return false, ErrCircuitBreakerMaxRequests
		}
		cb.requestsInHalfOpen++
		return true, nil

	default:
		return false, nil
	}
}

// afterRequest records the result and updates circuit breaker state
func (cb *CircuitBreaker) afterRequest(halfOpen bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if halfOpen && cb.requestsInHalfOpen > 0 {
		cb.requestsInHalfOpen--
	}

	if err != nil && cb.config.ErrorClassifier(err) {
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
		cb.lastFailureTime = cb.now()

		switch cb.state {
		case CircuitBreakerHalfOpen:
			cb.changeState(CircuitBreakerOpen, "probe failed")
		case CircuitBreakerClosed:
			if cb.consecutiveFailures >= cb.config.FailureThreshold {
				cb.changeState(CircuitBreakerOpen, fmt.Sprintf("failure threshold reached: %d failures", cb.consecutiveFailures))
			}
		}
		return
	}

	cb.consecutiveSuccesses++
	cb.consecutiveFailures = 0

	if cb.state == CircuitBreakerHalfOpen && cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.changeState(CircuitBreakerClosed, fmt.Sprintf("success threshold reached: %d successes", cb.consecutiveSuccesses))
	}
}

// changeState changes the circuit breaker state (caller must hold lock)
func (cb *CircuitBreaker) changeState(newState CircuitBreakerState, reason string) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.requestsInHalfOpen = 0
	if newState == CircuitBreakerHalfOpen {
		cb.consecutiveSuccesses = 0
	}

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(oldState, newState)
	}

	log.Info().
		Str("name", cb.config.Name).
		Str("from", oldState.String()).
		Str("to", newState.String()).
		Str("reason", reason).
		Msg("Circuit breaker state changed")
}

// GetState returns the current circuit breaker state
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetMetrics returns current circuit breaker metrics
func (cb *CircuitBreaker) GetMetrics() *CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return &CircuitBreakerMetrics{
		Name:                 cb.config.Name,
		State:                cb.state.String(),
		TotalRequests:        cb.totalRequests,
		Rejected:             cb.rejected,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastStateChange:      cb.lastStateChange,
		LastFailureTime:      cb.lastFailureTime,
	}
}

// ForceOpen forces the circuit breaker to open state
func (cb *CircuitBreaker) ForceOpen(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if reason == "" {
		reason = "manually forced open"
	}
	cb.changeState(CircuitBreakerOpen, reason)
}

// ForceClose forces the circuit breaker to closed state
func (cb *CircuitBreaker) ForceClose(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if reason == "" {
		reason = "manually forced closed"
	}
	cb.changeState(CircuitBreakerClosed, reason)
	cb.consecutiveFailures = 0
}

// String returns a string representation of the circuit breaker
func (cb *CircuitBreaker) String() string {
	metrics := cb.GetMetrics()
	return fmt.Sprintf("CircuitBreaker{name=%s, state=%s, failures=%d, successes=%d}",
		metrics.Name, metrics.State, metrics.ConsecutiveFailures, metrics.ConsecutiveSuccesses)
}
