package resilience

import (
	"errors"
	"time"
)

// ResilientConfig configures resilience features for a record store.
type ResilientConfig struct {
	// Timeout bounds a single store call attempt
	Timeout time.Duration

	// Retry configures retries of transient failures
	Retry RetryConfig

	// CircuitBreakerConfig configures the circuit breaker behavior
	CircuitBreakerConfig CircuitBreakerConfig
}

// RetryConfig bounds retries of transient store failures.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first.
	// Zero disables retries.
	MaxRetries int

	// InitialBackoff is the base delay before the first retry
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts
	MaxBackoff time.Duration
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the CircuitBreaker is half-open. Default: 1
	MaxRequests uint32

	// Interval is the cyclic period of the closed state for the CircuitBreaker
	// to clear the internal counts. If Interval is 0, it never clears.
	Interval time.Duration

	// Timeout is the period of the open state after which the state becomes half-open.
	Timeout time.Duration

	// ReadyToTrip is called with a copy of Counts whenever a request fails.
	// If nil, the breaker trips after 5 consecutive failures.
	ReadyToTrip func(counts Counts) bool
}

// Counts holds the numbers of requests and their successes/failures.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultResilientConfig returns the defaults used by the daemon.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout: 5 * time.Second,
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
}

// Validate checks the configuration for impossible values.
func (c ResilientConfig) Validate() error {
	if c.Timeout < 0 {
		return errors.New("resilience: timeout must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("resilience: max retries must not be negative")
	}
	if c.Retry.MaxRetries > 0 && c.Retry.InitialBackoff <= 0 {
		return errors.New("resilience: initial backoff must be positive when retries are enabled")
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return errors.New("resilience: max backoff must not be below initial backoff")
	}
	return nil
}

// WithTimeout returns a copy of the config with the specified timeout.
func (c ResilientConfig) WithTimeout(timeout time.Duration) ResilientConfig {
	c.Timeout = timeout
	return c
}

// WithRetry returns a copy of the config with the specified retry policy.
func (c ResilientConfig) WithRetry(retry RetryConfig) ResilientConfig {
	c.Retry = retry
	return c
}

// WithCircuitBreakerTimeout returns a copy of the config with the specified circuit breaker timeout.
func (c ResilientConfig) WithCircuitBreakerTimeout(timeout time.Duration) ResilientConfig {
	c.CircuitBreakerConfig.Timeout = timeout
	return c
}
