package model

import "time"

// RetryPolicy is a named retry strategy: spec.md §4.D / §6 retry.strategies.
type RetryPolicy struct {
	Name               string
	MaxAttempts        int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	BackoffMultiplier  float64
	UseJitter          bool
	RetriablePatterns  []string

	CircuitBreakerThreshold int
	OpenDuration            time.Duration
}

// CircuitBreakerState enumerates the circuit breaker's three states.
type CircuitBreakerState string

const (
	CircuitClosed   CircuitBreakerState = "Closed"
	CircuitOpen     CircuitBreakerState = "Open"
	CircuitHalfOpen CircuitBreakerState = "HalfOpen"
)

// CircuitState is the per-operation-name circuit breaker bookkeeping. Guarded
// by a mutex owned by internal/retry, never read directly by other packages.
type CircuitState struct {
	ConsecutiveFailures int
	State               CircuitBreakerState
	OpenedAt            time.Time
	NextProbeAllowedAt  time.Time
}
