// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability exposes the service's Prometheus metrics and
// OTLP trace setup.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmitted counts accepted submissions by analysis type.
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewer_jobs_submitted_total",
		Help: "Total accepted job submissions by analysis type",
	}, []string{"analysis_type"})

	// JobsRejected counts admission rejections by reason.
	JobsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewer_jobs_rejected_total",
		Help: "Total rejected job submissions by reason",
	}, []string{"reason"})

	// JobsTerminal counts jobs reaching a terminal state.
	JobsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewer_jobs_terminal_total",
		Help: "Total jobs reaching a terminal state by status",
	}, []string{"status"})

	// JobDuration tracks submit-to-terminal latency.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reviewer_job_duration_seconds",
		Help:    "Job duration from submission to terminal state",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
	}, []string{"status"})

	// JobsLive tracks the live (pending + running) job count.
	JobsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reviewer_jobs_live",
		Help: "Current pending and running jobs",
	})

	// AnalyzerDuration tracks per-analyzer worker latency.
	AnalyzerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reviewer_analyzer_duration_seconds",
		Help:    "Analyzer worker duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
	}, []string{"analyzer"})

	// AnalyzerFailures counts analyzer partial failures.
	AnalyzerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewer_analyzer_failures_total",
		Help: "Analyzer worker failures by analyzer and kind (failed, timeout)",
	}, []string{"analyzer", "kind"})

	// BreakerTransitions counts circuit breaker state transitions.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewer_breaker_transitions_total",
		Help: "Circuit breaker state transitions by dependency and new state",
	}, []string{"dependency", "state"})

	// RateLimitRejections counts rate limiter rejections by class.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewer_ratelimit_rejections_total",
		Help: "Rate limiter rejections by operation class",
	}, []string{"class"})

	// StoredResults tracks records resident in the result store.
	StoredResults = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reviewer_stored_results",
		Help: "Result records currently resident in the store",
	})

	// StoreEvictions counts result store removals by cause.
	StoreEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewer_store_evictions_total",
		Help: "Result store removals by cause (expired, retrievals, capacity)",
	}, []string{"cause"})

	// SessionsActive tracks open websocket sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reviewer_sessions_active",
		Help: "Currently open websocket sessions",
	})

	// InferenceCacheHits counts AI cache hits and misses.
	InferenceCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewer_inference_cache_total",
		Help: "AI response cache lookups by outcome (hit, miss)",
	}, []string{"outcome"})
)
