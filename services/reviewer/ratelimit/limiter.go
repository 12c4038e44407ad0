// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit implements per-client sliding-window rate limiting
// with automatic escalation to temporary blocks.
//
// Each (client, operation class) pair keeps an ordered slice of request
// timestamps trimmed to the class window on every check. Clients that
// push far past a class limit, or that flood connection attempts, are
// blocked outright for a configured duration and rejected before any
// other admission check runs.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// OperationClass selects an independent rate budget.
type OperationClass string

const (
	// ClassConnection covers websocket connection establishment.
	ClassConnection OperationClass = "connection"

	// ClassAPI covers generic REST API calls.
	ClassAPI OperationClass = "api"

	// ClassJobSubmission covers submit_job events.
	ClassJobSubmission OperationClass = "job_submission"

	// ClassSessionMessage covers all other in-session messages.
	ClassSessionMessage OperationClass = "session_message"
)

// ClassLimit is the budget for one operation class.
type ClassLimit struct {
	MaxRequests int
	Window      time.Duration
}

// Config holds limiter configuration.
type Config struct {
	// Limits maps each operation class to its budget. Classes missing
	// from the map are unlimited.
	Limits map[OperationClass]ClassLimit

	// BlockDuration is how long an escalated block lasts.
	BlockDuration time.Duration

	// GenericBlockMultiplier escalates to a block when the observed
	// request count in a window exceeds this multiple of the class
	// limit. Applies to connection/api classes.
	GenericBlockMultiplier float64

	// SessionBlockMultiplier is the escalation multiplier for the
	// session-level classes (job submission, session messages), which
	// tolerate burstier legitimate traffic.
	SessionBlockMultiplier float64

	// FloodThreshold blocks a client whose raw connection attempts
	// (allowed or not) exceed this count within FloodLookback.
	FloodThreshold int
	FloodLookback  time.Duration

	// SweepInterval is how often the background sweep trims stale
	// windows and expired blocks.
	SweepInterval time.Duration
}

// DefaultConfig returns production defaults: tight short-window budgets
// for connections, looser longer-window budgets for submissions.
func DefaultConfig() Config {
	return Config{
		Limits: map[OperationClass]ClassLimit{
			ClassConnection:     {MaxRequests: 5, Window: 10 * time.Second},
			ClassAPI:            {MaxRequests: 60, Window: time.Minute},
			ClassJobSubmission:  {MaxRequests: 10, Window: 2 * time.Minute},
			ClassSessionMessage: {MaxRequests: 120, Window: time.Minute},
		},
		BlockDuration:          5 * time.Minute,
		GenericBlockMultiplier: 1.5,
		SessionBlockMultiplier: 2.0,
		FloodThreshold:         20,
		FloodLookback:          30 * time.Second,
		SweepInterval:          5 * time.Minute,
	}
}

// Stats is a point-in-time snapshot for the operator query surface.
type Stats struct {
	TrackedClients int                      `json:"trackedClients"`
	ActiveBlocks   int                      `json:"activeBlocks"`
	Allowed        map[OperationClass]int64 `json:"allowed"`
	Rejected       map[OperationClass]int64 `json:"rejected"`
	BlocksIssued   int64                    `json:"blocksIssued"`
}

// SlidingWindowLimiter tracks request timestamps per client and class.
type SlidingWindowLimiter struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]map[OperationClass][]time.Time
	// attempts records raw connection attempts (including rejected ones)
	// for flood detection.
	attempts map[string][]time.Time
	blocks   map[string]time.Time

	allowed  map[OperationClass]int64
	rejected map[OperationClass]int64
	issued   int64

	done    chan struct{}
	stopped sync.Once

	// now is the time source, overridable in tests.
	now func() time.Time
}

// NewSlidingWindowLimiter creates a limiter. Call Start to run the
// background sweep and Stop to halt it.
func NewSlidingWindowLimiter(cfg Config) *SlidingWindowLimiter {
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.GenericBlockMultiplier <= 0 {
		cfg.GenericBlockMultiplier = 1.5
	}
	if cfg.SessionBlockMultiplier <= 0 {
		cfg.SessionBlockMultiplier = 2.0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return &SlidingWindowLimiter{
		cfg:      cfg,
		windows:  make(map[string]map[OperationClass][]time.Time),
		attempts: make(map[string][]time.Time),
		blocks:   make(map[string]time.Time),
		allowed:  make(map[OperationClass]int64),
		rejected: make(map[OperationClass]int64),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Allow checks the budget for (clientKey, class) and records the request
// if permitted. Blocked clients are rejected before any window check.
func (l *SlidingWindowLimiter) Allow(clientKey string, class OperationClass) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if l.blockedLocked(clientKey, now) {
		l.rejected[class]++
		return false
	}

	if class == ClassConnection {
		l.recordAttemptLocked(clientKey, now)
		if l.cfg.FloodThreshold > 0 && len(l.attempts[clientKey]) > l.cfg.FloodThreshold {
			l.blockLocked(clientKey, now, "connection flood")
			l.rejected[class]++
			return false
		}
	}

	limit, ok := l.cfg.Limits[class]
	if !ok || limit.MaxRequests <= 0 {
		l.allowed[class]++
		return true
	}

	window := l.trimLocked(clientKey, class, now, limit.Window)

	if len(window) >= limit.MaxRequests {
		l.rejected[class]++
		slog.Warn("rate limit violation",
			"client", clientKey,
			"class", string(class),
			"count", len(window),
			"limit", limit.MaxRequests,
		)

		multiplier := l.cfg.GenericBlockMultiplier
		if class == ClassJobSubmission || class == ClassSessionMessage {
			multiplier = l.cfg.SessionBlockMultiplier
		}
		// The rejected request still lands in the window so sustained
		// abuse keeps growing the observed count toward escalation.
		l.windows[clientKey][class] = append(window, now)
		if float64(len(window)+1) > float64(limit.MaxRequests)*multiplier {
			l.blockLocked(clientKey, now, "sustained limit violation")
		}
		return false
	}

	l.windows[clientKey][class] = append(window, now)
	l.allowed[class]++
	return true
}

// Block explicitly blocks a client for the given duration.
func (l *SlidingWindowLimiter) Block(clientKey string, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks[clientKey] = l.now().Add(duration)
	l.issued++
	slog.Warn("client blocked", "client", clientKey, "duration", duration)
}

// IsBlocked reports whether the client is currently blocked. An expired
// block is lazily removed.
func (l *SlidingWindowLimiter) IsBlocked(clientKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockedLocked(clientKey, l.now())
}

// Start launches the background sweep goroutine.
func (l *SlidingWindowLimiter) Start() {
	go func() {
		ticker := time.NewTicker(l.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-l.done:
				return
			}
		}
	}()
}

// Stop halts the background sweep. Idempotent.
func (l *SlidingWindowLimiter) Stop() {
	l.stopped.Do(func() { close(l.done) })
}

// Sweep trims window entries older than one hour, removes empty
// per-client maps, and drops expired blocks. Bounds memory growth
// independent of traffic shape.
func (l *SlidingWindowLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	horizon := now.Add(-time.Hour)

	for client, classes := range l.windows {
		for class, stamps := range classes {
			kept := stamps[:0]
			for _, ts := range stamps {
				if ts.After(horizon) {
					kept = append(kept, ts)
				}
			}
			if len(kept) == 0 {
				delete(classes, class)
			} else {
				classes[class] = kept
			}
		}
		if len(classes) == 0 {
			delete(l.windows, client)
		}
	}

	for client, stamps := range l.attempts {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(horizon) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(l.attempts, client)
		} else {
			l.attempts[client] = kept
		}
	}

	for client, expires := range l.blocks {
		if !now.Before(expires) {
			delete(l.blocks, client)
		}
	}
}

// Stats returns a snapshot of limiter activity.
func (l *SlidingWindowLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	active := 0
	for _, expires := range l.blocks {
		if now.Before(expires) {
			active++
		}
	}

	allowed := make(map[OperationClass]int64, len(l.allowed))
	for k, v := range l.allowed {
		allowed[k] = v
	}
	rejected := make(map[OperationClass]int64, len(l.rejected))
	for k, v := range l.rejected {
		rejected[k] = v
	}

	return Stats{
		TrackedClients: len(l.windows),
		ActiveBlocks:   active,
		Allowed:        allowed,
		Rejected:       rejected,
		BlocksIssued:   l.issued,
	}
}

func (l *SlidingWindowLimiter) blockedLocked(clientKey string, now time.Time) bool {
	expires, ok := l.blocks[clientKey]
	if !ok {
		return false
	}
	if !now.Before(expires) {
		delete(l.blocks, clientKey)
		return false
	}
	return true
}

func (l *SlidingWindowLimiter) blockLocked(clientKey string, now time.Time, reason string) {
	l.blocks[clientKey] = now.Add(l.cfg.BlockDuration)
	l.issued++
	slog.Warn("client blocked",
		"client", clientKey,
		"reason", reason,
		"until", l.blocks[clientKey],
	)
}

func (l *SlidingWindowLimiter) recordAttemptLocked(clientKey string, now time.Time) {
	cutoff := now.Add(-l.cfg.FloodLookback)
	kept := l.attempts[clientKey][:0]
	for _, ts := range l.attempts[clientKey] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.attempts[clientKey] = append(kept, now)
}

// trimLocked drops timestamps at or past the window edge and returns the
// remaining slice. A request exactly windowSeconds old is excluded.
func (l *SlidingWindowLimiter) trimLocked(clientKey string, class OperationClass, now time.Time, window time.Duration) []time.Time {
	classes, ok := l.windows[clientKey]
	if !ok {
		classes = make(map[OperationClass][]time.Time)
		l.windows[clientKey] = classes
	}
	cutoff := now.Add(-window)
	stamps := classes[class]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	classes[class] = kept
	return kept
}
