// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package admission bounds concurrent work through a pair of counting
// semaphores plus a resource-overload check.
//
// jobSlots bounds concurrently executing jobs; inferenceSlots bounds
// concurrent AI inference calls independently, so non-AI stages of other
// jobs keep running while inference is saturated. A third semaphore
// bounds external-tool subprocesses across all jobs and is consumed by
// the analysis fan-out. Excess load queues at the admission boundary
// (blocking acquire) rather than spawning unbounded workers.
package admission

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/resource"
)

// Config sets pool sizes and pacing behavior.
type Config struct {
	// MaxConcurrentJobs bounds running job executions. Default: 8.
	MaxConcurrentJobs int

	// MaxConcurrentInference bounds in-flight AI calls. Default: 2.
	MaxConcurrentInference int

	// MaxConcurrentSubprocesses bounds external tool processes across
	// all jobs. Default: 4.
	MaxConcurrentSubprocesses int

	// PacingBaseDelay is the adaptive micro-delay inserted around
	// inference calls at zero load; the delay scales up with recent CPU
	// usage to smooth bursts. Zero disables pacing.
	PacingBaseDelay time.Duration

	// PacingMaxDelay caps the scaled delay. Default: 20x base.
	PacingMaxDelay time.Duration
}

// DefaultConfig returns pool sizes for a single-host deployment.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs:         8,
		MaxConcurrentInference:    2,
		MaxConcurrentSubprocesses: 4,
		PacingBaseDelay:           25 * time.Millisecond,
		PacingMaxDelay:            500 * time.Millisecond,
	}
}

// Stats is a snapshot of gate occupancy for the operator surface.
type Stats struct {
	JobSlotsInUse      int   `json:"jobSlotsInUse"`
	JobSlotsMax        int   `json:"jobSlotsMax"`
	InferenceInUse     int   `json:"inferenceInUse"`
	InferenceMax       int   `json:"inferenceMax"`
	SubprocessInUse    int   `json:"subprocessInUse"`
	SubprocessMax      int   `json:"subprocessMax"`
	ResourceRejections int64 `json:"resourceRejections"`
	AdmittedTotal      int64 `json:"admittedTotal"`
}

// Gate is the admission gate.
//
// # Thread Safety
//
// Safe for concurrent use.
type Gate struct {
	cfg Config

	jobSlots        *Semaphore
	inferenceSlots  *Semaphore
	subprocessSlots *Semaphore

	monitor *resource.Monitor

	// emergencyCleanup runs when a resource ceiling rejects admission,
	// before the rejection is returned. May be nil.
	emergencyCleanup func()

	resourceRejections atomic.Int64
	admitted           atomic.Int64
}

// NewGate creates a gate backed by the given resource monitor. The
// cleanup callback (may be nil) runs on resource-overload rejections.
func NewGate(cfg Config, monitor *resource.Monitor, cleanup func()) *Gate {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 8
	}
	if cfg.MaxConcurrentInference <= 0 {
		cfg.MaxConcurrentInference = 2
	}
	if cfg.MaxConcurrentSubprocesses <= 0 {
		cfg.MaxConcurrentSubprocesses = 4
	}
	if cfg.PacingMaxDelay <= 0 {
		cfg.PacingMaxDelay = 20 * cfg.PacingBaseDelay
	}
	return &Gate{
		cfg:              cfg,
		jobSlots:         NewSemaphore(cfg.MaxConcurrentJobs),
		inferenceSlots:   NewSemaphore(cfg.MaxConcurrentInference),
		subprocessSlots:  NewSemaphore(cfg.MaxConcurrentSubprocesses),
		monitor:          monitor,
		emergencyCleanup: cleanup,
	}
}

// Permit is a held admission slot. Release is idempotent and must be
// called on every exit path (completion, cancellation, panic recovery).
type Permit struct {
	sem      *Semaphore
	released atomic.Bool
}

// Release returns the slot. Safe to call more than once.
func (p *Permit) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	p.sem.Release()
}

// AdmitJob performs the resource check and then blocks for a job slot.
//
// If a resource ceiling is exceeded, the emergency cleanup callback runs
// and admission is rejected without consuming a slot. Otherwise the call
// suspends until a slot frees or ctx is cancelled; this queueing is the
// backpressure mechanism.
func (g *Gate) AdmitJob(ctx context.Context) (*Permit, error) {
	if g.monitor != nil {
		if over, what := g.monitor.OverCeiling(); over {
			g.resourceRejections.Add(1)
			slog.Warn("admission rejected by resource ceiling", "resource", what)
			if g.emergencyCleanup != nil {
				g.emergencyCleanup()
			}
			return nil, datatypes.NewAdmissionError("server is over capacity, please retry later")
		}
	}

	if err := g.jobSlots.Acquire(ctx); err != nil {
		return nil, err
	}
	g.admitted.Add(1)
	return &Permit{sem: g.jobSlots}, nil
}

// AcquireInference blocks for an inference slot, applying adaptive
// pacing before the acquire. The returned permit must be released when
// the inference call finishes; callers should also invoke PaceAfter.
func (g *Gate) AcquireInference(ctx context.Context) (*Permit, error) {
	if err := g.pace(ctx); err != nil {
		return nil, err
	}
	if err := g.inferenceSlots.Acquire(ctx); err != nil {
		return nil, err
	}
	return &Permit{sem: g.inferenceSlots}, nil
}

// PaceAfter applies the post-inference micro-delay.
func (g *Gate) PaceAfter(ctx context.Context) {
	_ = g.pace(ctx)
}

// AcquireSubprocess blocks for an external-tool subprocess slot.
func (g *Gate) AcquireSubprocess(ctx context.Context) (*Permit, error) {
	if err := g.subprocessSlots.Acquire(ctx); err != nil {
		return nil, err
	}
	return &Permit{sem: g.subprocessSlots}, nil
}

// Stats returns current gate occupancy.
func (g *Gate) Stats() Stats {
	return Stats{
		JobSlotsInUse:      g.jobSlots.InUse(),
		JobSlotsMax:        g.jobSlots.Capacity(),
		InferenceInUse:     g.inferenceSlots.InUse(),
		InferenceMax:       g.inferenceSlots.Capacity(),
		SubprocessInUse:    g.subprocessSlots.InUse(),
		SubprocessMax:      g.subprocessSlots.Capacity(),
		ResourceRejections: g.resourceRejections.Load(),
		AdmittedTotal:      g.admitted.Load(),
	}
}

// pace sleeps for the base delay scaled by recent CPU usage. At idle the
// delay is the base; near saturation it approaches the cap.
func (g *Gate) pace(ctx context.Context) error {
	if g.cfg.PacingBaseDelay <= 0 {
		return nil
	}
	delay := g.cfg.PacingBaseDelay
	if g.monitor != nil {
		cpu := g.monitor.Snapshot().CPUPercent
		if cpu > 0 {
			scaled := time.Duration(float64(delay) * (1 + cpu/10))
			if scaled > g.cfg.PacingMaxDelay {
				scaled = g.cfg.PacingMaxDelay
			}
			delay = scaled
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
