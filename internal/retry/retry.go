// Package retry implements the Retry Executor (spec.md §4.D): executes an
// arbitrary operation under a named policy with exponential backoff,
// optional jitter, and a per-policy circuit breaker.
//
// The backoff shape is grounded on the teacher's
// agent/tasks/copy/backoff.go (BackOff.GetDelay: exponential growth capped
// at a max, with a total-delay cutoff) and helpers.RetryWithExponentialBackoff
// (agent's original retry-until-success-or-maxFails loop, superseded here by
// a policy/circuit-breaker-aware executor — see DESIGN.md). Circuit-breaker
// time is read through helpers.Clock so tests can advance cooldowns without
// real sleeps; backoff waits between attempts use real timers.
package retry

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/Johnnywatts/forker/helpers"
	"github.com/Johnnywatts/forker/internal/model"
)

// Operation is the arbitrary work Execute runs under a policy.
type Operation func(ctx context.Context) (interface{}, error)

// Attempt records one try of an operation.
type Attempt struct {
	Number int
	Err    error
	Delay  time.Duration
}

// Outcome is Execute's return value.
type Outcome struct {
	Success        bool
	Result         interface{}
	TotalAttempts  int
	Attempts       []Attempt
	FinalError     error
	WasRetriable   bool
	FailureReason  string
}

// Executor runs operations under named policies, tracking one circuit
// breaker per policy name.
type Executor struct {
	mu       sync.Mutex
	policies map[string]model.RetryPolicy
	circuits map[string]*model.CircuitState
	clock    helpers.Clock
	rand     *rand.Rand
}

func New(policies map[string]model.RetryPolicy, clock helpers.Clock) *Executor {
	if clock == nil {
		clock = helpers.NewClock()
	}
	return &Executor{
		policies: policies,
		circuits: make(map[string]*model.CircuitState),
		clock:    clock,
		rand:     rand.New(rand.NewSource(1)),
	}
}

// Delay is the pure, deterministic backoff formula spec.md §4.D/§8 requires:
// delay(attempt) = min(maxDelay, base * multiplier^(attempt-1)), no jitter.
func Delay(attempt int, policy model.RetryPolicy) time.Duration {
	if attempt <= 1 {
		return min(policy.BaseDelay, policy.MaxDelay)
	}
	d := float64(policy.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= policy.BackoffMultiplier
	}
	delay := time.Duration(d)
	return min(delay, policy.MaxDelay)
}

func min(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (e *Executor) jitter(d time.Duration) time.Duration {
	factor := 0.5 + e.rand.Float64() // uniform in [0.5, 1.5)
	return time.Duration(float64(d) * factor)
}

func (e *Executor) circuitFor(policyName string) *model.CircuitState {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.circuits[policyName]
	if !ok {
		cs = &model.CircuitState{State: model.CircuitClosed}
		e.circuits[policyName] = cs
	}
	return cs
}

// Execute runs op under policyName's policy, consulting and updating that
// policy's circuit breaker.
func (e *Executor) Execute(ctx context.Context, policyName string, op Operation) Outcome {
	policy, ok := e.policies[policyName]
	if !ok {
		policy = model.RetryPolicy{Name: policyName, MaxAttempts: 1, BaseDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 1}
	}
	threshold := policy.CircuitBreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	openDuration := policy.OpenDuration
	if openDuration <= 0 {
		openDuration = 60 * time.Second
	}

	circuit := e.circuitFor(policyName)

	e.mu.Lock()
	now := e.clock.Now()
	if circuit.State == model.CircuitOpen {
		if now.Before(circuit.NextProbeAllowedAt) {
			e.mu.Unlock()
			return Outcome{Success: false, WasRetriable: false, FailureReason: "Circuit breaker is open"}
		}
		circuit.State = model.CircuitHalfOpen
	}
	e.mu.Unlock()

	var attempts []Attempt
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			e.recordSuccess(policyName)
			attempts = append(attempts, Attempt{Number: attempt})
			return Outcome{Success: true, Result: result, TotalAttempts: attempt, Attempts: attempts}
		}

		retriable := isRetriable(err, policy.RetriablePatterns)
		e.recordFailure(policyName, threshold, openDuration)

		if !retriable {
			attempts = append(attempts, Attempt{Number: attempt, Err: err})
			return Outcome{Success: false, TotalAttempts: attempt, Attempts: attempts, FinalError: err, WasRetriable: false}
		}

		if attempt == maxAttempts {
			attempts = append(attempts, Attempt{Number: attempt, Err: err})
			return Outcome{Success: false, TotalAttempts: attempt, Attempts: attempts, FinalError: err, WasRetriable: true}
		}

		delay := Delay(attempt, policy)
		if policy.UseJitter {
			delay = e.jitter(delay)
		}
		attempts = append(attempts, Attempt{Number: attempt, Err: err, Delay: delay})
		glog.Warningf("retry: %s attempt %d/%d failed, retrying in %v: %v", policyName, attempt, maxAttempts, delay, err)

		select {
		case <-ctx.Done():
			return Outcome{Success: false, TotalAttempts: attempt, Attempts: attempts, FinalError: ctx.Err(), WasRetriable: false, FailureReason: "context cancelled"}
		case <-time.After(delay):
		}
	}
	return Outcome{Success: false, TotalAttempts: len(attempts), Attempts: attempts, FailureReason: "exhausted retries"}
}

func (e *Executor) recordSuccess(policyName string) {
	circuit := e.circuitFor(policyName)
	e.mu.Lock()
	defer e.mu.Unlock()
	circuit.ConsecutiveFailures = 0
	circuit.State = model.CircuitClosed
}

func (e *Executor) recordFailure(policyName string, threshold int, openDuration time.Duration) {
	circuit := e.circuitFor(policyName)
	e.mu.Lock()
	defer e.mu.Unlock()
	circuit.ConsecutiveFailures++
	if circuit.ConsecutiveFailures >= threshold {
		now := e.clock.Now()
		circuit.State = model.CircuitOpen
		circuit.OpenedAt = now
		circuit.NextProbeAllowedAt = now.Add(openDuration)
	}
}

// isRetriable reports whether err matches one of policy's retriable
// substring/type patterns. An empty pattern set means "retry any error".
func isRetriable(err error, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// RetryFileOperation, RetryNetworkOperation, and RetryVerificationOperation
// are sugar over Execute selecting the corresponding named policy, per
// spec.md §4.D.
func (e *Executor) RetryFileOperation(ctx context.Context, op Operation) Outcome {
	return e.Execute(ctx, "FileSystem", op)
}

func (e *Executor) RetryNetworkOperation(ctx context.Context, op Operation) Outcome {
	return e.Execute(ctx, "Network", op)
}

func (e *Executor) RetryVerificationOperation(ctx context.Context, op Operation) Outcome {
	return e.Execute(ctx, "Verification", op)
}
