// Package breaker implements a three-state circuit breaker guarding outbound
// dependency calls, plus a process-wide registry for stats and admin reset.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// OpenError is returned when the breaker rejects a call without attempting it.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
	// HalfOpenFull marks rejections caused by the probe budget being
	// exhausted rather than the open timer.
	HalfOpenFull bool
}

func (e *OpenError) Error() string {
	if e.HalfOpenFull {
		return fmt.Sprintf("circuit breaker %q is half-open and all probe slots are taken", e.Name)
	}
	return fmt.Sprintf("circuit breaker %q is open, retry in %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Config tunes a single breaker. Zero values fall back to the defaults.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// breaker. Default 5.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before admitting
	// probes. Default 60s.
	RecoveryTimeout time.Duration
	// HalfOpenMax caps concurrent probes while half-open. Default 1.
	HalfOpenMax int
	// IsFailure decides whether an error counts toward the threshold. A nil
	// predicate counts every error. Errors it rejects still propagate to the
	// caller but leave the breaker state untouched.
	IsFailure func(error) bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

// Breaker guards one logical dependency. The mutex covers bookkeeping only;
// the wrapped call always runs outside it.
type Breaker struct {
	name string
	cfg  Config

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	lastFailure      time.Time
	openedAt         time.Time
	halfOpenInFlight int

	totalCalls     uint64
	totalSuccesses uint64
	totalFailures  uint64

	now func() time.Time
}

// New builds a breaker in the closed state.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the open-to-half-open timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

func (b *Breaker) currentStateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn under the breaker. When the breaker is open the call is
// rejected with *OpenError without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.record(probe, callErr)
	return callErr
}

// admit decides whether a call may proceed. It returns whether the call is a
// half-open probe, which record needs to settle the in-flight count.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case StateClosed:
		b.totalCalls++
		return false, nil
	case StateHalfOpen:
		if b.state == StateOpen {
			// Timer expired; this call carries the transition.
			b.state = StateHalfOpen
			b.halfOpenInFlight = 0
		}
		if b.halfOpenInFlight >= b.cfg.HalfOpenMax {
			return false, &OpenError{Name: b.name, HalfOpenFull: true}
		}
		b.halfOpenInFlight++
		b.totalCalls++
		return true, nil
	default: // StateOpen
		retry := b.cfg.RecoveryTimeout - b.now().Sub(b.lastFailure)
		if retry < 0 {
			retry = 0
		}
		return false, &OpenError{Name: b.name, RetryAfter: retry}
	}
}

func (b *Breaker) record(probe bool, callErr error) {
	failed := callErr != nil && (b.cfg.IsFailure == nil || b.cfg.IsFailure(callErr))

	b.mu.Lock()
	defer b.mu.Unlock()

	if probe && b.state == StateHalfOpen {
		b.halfOpenInFlight--
	}

	if callErr != nil && !failed {
		// Not counted toward the threshold, but still a completed call.
		return
	}

	if failed {
		b.totalFailures++
		b.lastFailure = b.now()
		switch b.state {
		case StateHalfOpen:
			// A failed probe re-opens immediately.
			b.state = StateOpen
			b.openedAt = b.now()
		case StateClosed:
			b.failureCount++
			if b.failureCount >= b.cfg.FailureThreshold {
				b.state = StateOpen
				b.openedAt = b.now()
			}
		}
		return
	}

	b.totalSuccesses++
	b.successCount++
	if b.state == StateHalfOpen {
		// First successful probe closes the breaker.
		b.resetLocked()
		return
	}
	b.failureCount = 0
}

// Reset forces the breaker closed and clears its counters. Cumulative totals
// survive resets.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *Breaker) resetLocked() {
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInFlight = 0
	b.openedAt = time.Time{}
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	FailureThreshold int       `json:"failure_threshold"`
	RecoveryTimeout  float64   `json:"recovery_timeout_seconds"`
	HalfOpenMax      int       `json:"half_open_max"`
	HalfOpenInFlight int       `json:"half_open_in_flight"`
	LastFailure      time.Time `json:"last_failure,omitzero"`
	OpenedAt         time.Time `json:"opened_at,omitzero"`
	TotalCalls       uint64    `json:"total_calls"`
	TotalSuccesses   uint64    `json:"total_successes"`
	TotalFailures    uint64    `json:"total_failures"`
}

// Stats snapshots the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:             b.name,
		State:            b.currentStateLocked(),
		FailureCount:     b.failureCount,
		FailureThreshold: b.cfg.FailureThreshold,
		RecoveryTimeout:  b.cfg.RecoveryTimeout.Seconds(),
		HalfOpenMax:      b.cfg.HalfOpenMax,
		HalfOpenInFlight: b.halfOpenInFlight,
		LastFailure:      b.lastFailure,
		OpenedAt:         b.openedAt,
		TotalCalls:       b.totalCalls,
		TotalSuccesses:   b.totalSuccesses,
		TotalFailures:    b.totalFailures,
	}
}
