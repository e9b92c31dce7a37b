package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy defines different retry strategies
type RetryPolicy string

const (
	// RetryPolicyFixed uses fixed delay between retries
	RetryPolicyFixed RetryPolicy = "fixed"
	// RetryPolicyExponential uses exponential backoff
	RetryPolicyExponential RetryPolicy = "exponential"
)

// RetryConfig configuration for retry mechanisms
type RetryConfig struct {
	Name        string        `json:"name"`
	MaxAttempts int           `json:"max_attempts"` // Total attempts, including the first
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Multiplier  float64       `json:"multiplier"`
	Jitter      bool          `json:"jitter"`
	JitterRange float64       `json:"jitter_range"` // 0.0 to 1.0
	Policy      RetryPolicy   `json:"policy"`

	// AttemptTimeout bounds each attempt separately when positive
	AttemptTimeout time.Duration `json:"attempt_timeout"`

	IsRetryable func(error) bool             `json:"-"`
	OnRetry     func(attempt int, err error) `json:"-"`
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Name:        "default",
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
		JitterRange: 0.1,
		Policy:      RetryPolicyExponential,
		IsRetryable: isRetryableDefault,
	}
}

func isRetryableDefault(err error) bool {
	// By default, all errors except context errors are retryable
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// RetryMetrics tracks retry statistics
type RetryMetrics struct {
	Name           string `json:"name"`
	TotalCalls     int64  `json:"total_calls"`
	TotalRetries   int64  `json:"total_retries"`
	TotalSuccesses int64  `json:"total_successes"`
	TotalFailures  int64  `json:"total_failures"`
}

// RetryExecutor executes operations with retry logic
type RetryExecutor struct {
	config *RetryConfig

	totalCalls     int64
	totalRetries   int64
	totalSuccesses int64
	totalFailures  int64
}

// Common retry errors
var (
	ErrMaxAttemptsExceeded  = errors.New("maximum retry attempts exceeded")
	ErrNotRetryable         = errors.New("error is not retryable")
	ErrRetryContextCanceled = errors.New("retry context canceled")
)

// NewRetryExecutor creates a new retry executor
func NewRetryExecutor(config *RetryConfig) *RetryExecutor {
	if config == nil {
		config = DefaultRetryConfig()
	}

	// Validate configuration
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 2 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.JitterRange < 0 || config.JitterRange > 1 {
		config.JitterRange = 0.1
	}
	if config.Policy == "" {
		config.Policy = RetryPolicyExponential
	}
	if config.IsRetryable == nil {
		config.IsRetryable = isRetryableDefault
	}

	log.Debug().
		Str("name", config.Name).
		Int("max_attempts", config.MaxAttempts).
		Dur("base_delay", config.BaseDelay).
		Str("policy", string(config.Policy)).
		Msg("Retry executor created")

	return &RetryExecutor{config: config}
}

// Execute executes an operation with retry logic. A non-retryable error is
// returned wrapped in ErrNotRetryable, exhaustion in ErrMaxAttemptsExceeded;
// the operation's own error stays reachable through errors.Is/As.
func (re *RetryExecutor) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	atomic.AddInt64(&re.totalCalls, 1)

	var lastErr error
	for attempt := 1; attempt <= re.config.MaxAttempts; attempt++ {
		// Check context
		if err := ctx.Err(); err != nil {
			atomic.AddInt64(&re.totalFailures, 1)
			return nil, fmt.Errorf("%w: %w", ErrRetryContextCanceled, err)
		}

		result, err := re.runAttempt(ctx, operation)
		if err == nil {
			atomic.AddInt64(&re.totalSuccesses, 1)
			return result, nil
		}
		lastErr = err

		// Check if error is retryable
		if !re.config.IsRetryable(err) {
			atomic.AddInt64(&re.totalFailures, 1)
			return nil, fmt.Errorf("%w: %w", ErrNotRetryable, err)
		}

		// Don't delay after the last attempt
		if attempt == re.config.MaxAttempts {
			break
		}

		delay := re.calculateDelay(attempt)
		atomic.AddInt64(&re.totalRetries, 1)

		if re.config.OnRetry != nil {
			re.config.OnRetry(attempt, err)
		}

		log.Debug().
			Str("name", re.config.Name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying operation")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			atomic.AddInt64(&re.totalFailures, 1)
			return nil, fmt.Errorf("%w: %w", ErrRetryContextCanceled, ctx.Err())
		}
	}

	// All attempts failed
	atomic.AddInt64(&re.totalFailures, 1)
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, re.config.MaxAttempts, lastErr)
}

// runAttempt runs a single attempt under the per-attempt timeout
func (re *RetryExecutor) runAttempt(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	if re.config.AttemptTimeout <= 0 {
		return operation(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, re.config.AttemptTimeout)
	defer cancel()
	return operation(attemptCtx)
}

// calculateDelay calculates the delay for a given attempt
func (re *RetryExecutor) calculateDelay(attempt int) time.Duration {
	var delay time.Duration

	switch re.config.Policy {
	case RetryPolicyFixed:
		delay = re.config.BaseDelay
	default:
		delay = time.Duration(float64(re.config.BaseDelay) * math.Pow(re.config.Multiplier, float64(attempt-1)))
	}

	// Apply maximum delay
	if delay > re.config.MaxDelay {
		delay = re.config.MaxDelay
	}

	if re.config.Jitter && re.config.JitterRange > 0 {
		jitterAmount := float64(delay) * re.config.JitterRange
		jittered := float64(delay) + (rand.Float64()-0.5)*2*jitterAmount
		if jittered < 0 {
			jittered = float64(delay) * 0.1
		}
		delay = time.Duration(jittered)
	}

	return delay
}

// GetMetrics returns current retry metrics
func (re *RetryExecutor) GetMetrics() *RetryMetrics {
	return &RetryMetrics{
		Name:           re.config.Name,
		TotalCalls:     atomic.LoadInt64(&re.totalCalls),
		TotalRetries:   atomic.LoadInt64(&re.totalRetries),
		TotalSuccesses: atomic.LoadInt64(&re.totalSuccesses),
		TotalFailures:  atomic.LoadInt64(&re.totalFailures),
	}
}

// String returns a string representation of the retry executor
func (re *RetryExecutor) String() string {
	metrics := re.GetMetrics()
	return fmt.Sprintf("RetryExecutor{name=%s, calls=%d, successes=%d, failures=%d}",
		metrics.Name, metrics.TotalCalls, metrics.TotalSuccesses, metrics.TotalFailures)
}

// WithFixedDelay creates a retry executor with fixed delay
func WithFixedDelay(name string, maxAttempts int, delay time.Duration, isRetryable func(error) bool) *RetryExecutor {
	return NewRetryExecutor(&RetryConfig{
		Name:        name,
		MaxAttempts: maxAttempts,
		BaseDelay:   delay,
		MaxDelay:    delay,
		Policy:      RetryPolicyFixed,
		IsRetryable: isRetryable,
	})
}
