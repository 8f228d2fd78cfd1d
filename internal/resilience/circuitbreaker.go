// Package resilience keeps optional backends from stalling the turn
// pipeline.
//
// CircuitBreaker is a three-state breaker (closed, open, half-open) that
// stops a dead backend from being probed on every single turn. FallbackGroup
// composes several instances of one provider type behind per-entry breakers
// so the next healthy backend answers when the preferred one cannot; the
// speech-to-text chain (native engine first, HTTP server second) is the main
// consumer.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute while the breaker is open and the
// recovery timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a CircuitBreaker.
type State int

const (
	// StateClosed lets every call through. This is the normal state.
	StateClosed State = iota

	// StateOpen rejects calls with ErrCircuitOpen until the recovery
	// timeout elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls. Enough
	// successes close the breaker again; one failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
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

// BreakerConfig tunes a CircuitBreaker. Zero fields take the defaults,
// which are sized for turn cadence: a backend that broke three turns in a
// row stays out of the path for half a minute.
type BreakerConfig struct {
	// Name labels the breaker in log lines.
	Name string

	// MaxFailures is how many consecutive failures open the breaker.
	// Defaults to 3.
	MaxFailures int

	// RecoveryTimeout is how long the breaker stays open before admitting
	// probes. Defaults to 30s.
	RecoveryTimeout time.Duration

	// ProbeBudget is how many half-open calls are admitted before the
	// breaker decides. Defaults to 2.
	ProbeBudget int
}

// CircuitBreaker implements the three-state breaker pattern.
type CircuitBreaker struct {
	name        string
	maxFailures int
	recovery    time.Duration
	probeBudget int

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 2
	}
	return &CircuitBreaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		recovery:    cfg.RecoveryTimeout,
		probeBudget: cfg.ProbeBudget,
		state:       StateClosed,
	}
}

// Execute runs fn if the breaker admits the call and feeds the outcome back
// into the state machine. While open it returns ErrCircuitOpen without
// calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.recovery {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeFails = 0
		slog.Info("resilience: breaker admitting probes", "name", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.probeBudget {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probing := cb.state == StateHalfOpen
	if probing {
		cb.probes++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailure(probing)
	} else {
		cb.recordSuccess(probing)
	}
	return err
}

// recordFailure updates the state machine after a failed call. Callers must
// hold cb.mu.
func (cb *CircuitBreaker) recordFailure(probing bool) {
	cb.lastFailure = time.Now()

	if probing {
		// One failed probe re-opens immediately.
		cb.probeFails++
		cb.state = StateOpen
		cb.failures = cb.maxFailures
		slog.Warn("resilience: breaker re-opened", "name", cb.name)
		return
	}

	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("resilience: breaker opened",
			"name", cb.name,
			"failures", cb.failures,
		)
	}
}

// recordSuccess updates the state machine after a successful call. Callers
// must hold cb.mu.
func (cb *CircuitBreaker) recordSuccess(probing bool) {
	if !probing {
		cb.failures = 0
		return
	}
	if cb.probes-cb.probeFails >= cb.probeBudget {
		cb.state = StateClosed
		cb.failures = 0
		cb.probes = 0
		cb.probeFails = 0
		slog.Info("resilience: breaker closed", "name", cb.name)
	}
}

// State reports the breaker's mode. An open breaker whose recovery timeout
// has elapsed reports half-open; the stored transition happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.recovery {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeFails = 0
	slog.Info("resilience: breaker reset", "name", cb.name)
}
