// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package breaker implements per-dependency circuit breakers.
//
// A breaker guards calls to one unreliable dependency (model load, model
// inference, each external tool). Once failures reach the threshold the
// breaker opens and calls fail fast with ErrOpen; after the recovery
// timeout a single trial call is allowed through, and its outcome decides
// between full reset and re-opening.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/observability"
)

// State of a circuit breaker.
//
// # State Diagram
//
//	CLOSED ──[failures >= threshold]──► OPEN
//	   ▲                                  │
//	   │                         [recovery timeout]
//	   └──[trial success]── HALF_OPEN ◄──┘
//	                            │
//	                    [trial failure]──► OPEN
type State int

const (
	// StateClosed is normal operation; calls pass through.
	StateClosed State = iota

	// StateOpen rejects calls immediately with ErrOpen.
	StateOpen

	// StateHalfOpen allows exactly one trial call through.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ErrOpen is returned when a breaker rejects a call.
//
// Defined as a distinct type so callers can attach the dependency name
// while errors.Is(err, &OpenError{}) style checks remain simple; use
// IsOpen for classification.
type OpenError struct {
	Dependency string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s", e.Dependency)
}

// IsOpen reports whether err is a breaker-open rejection.
func IsOpen(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}

// Config parameterizes one breaker.
type Config struct {
	// FailureThreshold is the failure count that opens the breaker.
	FailureThreshold int

	// RecoveryTimeout is how long after the last failure before a
	// half-open trial is permitted.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second}
}

// Breaker is a single-dependency circuit breaker.
//
// # Thread Safety
//
// Safe for concurrent use. The half-open trial slot is granted to
// exactly one caller; concurrent callers observe OPEN until the trial
// resolves.
type Breaker struct {
	name string
	cfg  Config

	mu           sync.Mutex
	state        State
	failures     int
	lastFailure  time.Time
	trialActive  bool
	trialStarted time.Time

	// now is the time source, overridable in tests.
	now func() time.Time
}

// New creates a closed breaker for the named dependency.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Allow reports whether a call may proceed. A nil error means the caller
// must follow up with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.lastFailure) > b.cfg.RecoveryTimeout {
			b.transitionLocked(StateHalfOpen)
			b.trialActive = true
			b.trialStarted = b.now()
			return nil
		}
		return &OpenError{Dependency: b.name}

	case StateHalfOpen:
		// Only the caller that moved us to half-open holds the trial.
		// A trial whose outcome was never recorded (the caller died
		// between Allow and Record*) is reclaimed after the recovery
		// timeout so the breaker cannot wedge half-open.
		if b.trialActive && b.now().Sub(b.trialStarted) <= b.cfg.RecoveryTimeout {
			return &OpenError{Dependency: b.name}
		}
		b.trialActive = true
		b.trialStarted = b.now()
		return nil

	default:
		return &OpenError{Dependency: b.name}
	}
}

// RecordSuccess records a successful call. A half-open trial success
// closes the breaker and resets the failure count to zero; in the closed
// state success does not reset the counter (reset only happens on a full
// recovery cycle).
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialActive = false
		b.failures = 0
		b.transitionLocked(StateClosed)
	}
}

// RecordFailure records a failed call. In the closed state the failure
// counter increments and the breaker opens at the threshold; a half-open
// trial failure re-opens immediately with a fresh recovery window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.trialActive = false
		b.transitionLocked(StateOpen)
	}
}

// Execute runs fn under the breaker, recording its outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// Snapshot is a point-in-time view of breaker state.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

// Snapshot returns the current breaker state for the stats surface.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	observability.BreakerTransitions.WithLabelValues(b.name, to.String()).Inc()
	slog.Info("circuit breaker transition",
		"dependency", b.name,
		"from", from.String(),
		"to", to.String(),
		"failures", b.failures,
	)
}
