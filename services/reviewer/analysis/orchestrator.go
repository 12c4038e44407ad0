// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/admission"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/observability"
)

// Mode selects which analyzer families run for a job.
type Mode string

const (
	ModeFull     Mode = "full"
	ModeStatic   Mode = "static"
	ModeSecurity Mode = "security"
	ModeAI       Mode = "ai"
)

// OrchestratorConfig controls the fan-out.
type OrchestratorConfig struct {
	// WorkerTimeout bounds one analyzer worker. Default: 45s. AI calls
	// carry their own inference timeout on top.
	WorkerTimeout time.Duration `yaml:"worker_timeout"`
}

// Orchestrator fans each request out to its analyzers and merges the
// reports.
//
// # Description
//
// Workers run concurrently; external workers additionally hold a
// subprocess admission slot while they spawn. Every worker gets its own
// timeout, and a worker's failure, timeout or panic is isolated into a
// partial-failure marker that the merge surfaces — siblings are never
// cancelled on its behalf.
//
// # Thread Safety
//
// Safe for concurrent use across jobs.
type Orchestrator struct {
	cfg      OrchestratorConfig
	registry *Registry
	gate     *admission.Gate
	security *SecurityAnalyzer
	ai       Analyzer // nil when AI review is disabled
	log      *slog.Logger
}

// NewOrchestrator wires the fan-out. ai may be nil.
func NewOrchestrator(cfg OrchestratorConfig, registry *Registry, gate *admission.Gate, security *SecurityAnalyzer, ai Analyzer, log *slog.Logger) *Orchestrator {
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 45 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		gate:     gate,
		security: security,
		ai:       ai,
		log:      log,
	}
}

// Run executes every stage the mode asks for and merges the result.
// Callers that need per-stage progress use the *Pass methods directly
// and merge themselves.
func (o *Orchestrator) Run(ctx context.Context, req *Request, mode Mode, skipAI bool) *datatypes.MergedResult {
	var reports []*datatypes.Report
	switch mode {
	case ModeStatic:
		reports = o.StaticPass(ctx, req)
	case ModeSecurity:
		if rep := o.SecurityPass(ctx, req); rep != nil {
			reports = append(reports, rep)
		}
	case ModeAI:
		if rep := o.AIPass(ctx, req); rep != nil {
			reports = append(reports, rep)
		}
	default: // ModeFull
		reports = o.StaticPass(ctx, req)
		if rep := o.SecurityPass(ctx, req); rep != nil {
			reports = append(reports, rep)
		}
		if !skipAI {
			if rep := o.AIPass(ctx, req); rep != nil {
				reports = append(reports, rep)
			}
		}
	}
	return Merge(req, reports)
}

// StaticPass fans out the built-in and external analyzers registered
// for the request language. An unknown language yields no reports.
func (o *Orchestrator) StaticPass(ctx context.Context, req *Request) []*datatypes.Report {
	analyzers := o.selectAnalyzers(req)
	if len(analyzers) == 0 {
		o.log.Debug("no analyzers for language", "language", req.Language)
		return nil
	}

	reports := make([]*datatypes.Report, len(analyzers))
	var g errgroup.Group
	for i, a := range analyzers {
		i, a := i, a
		g.Go(func() error {
			reports[i] = o.runWorker(ctx, a, req)
			return nil
		})
	}
	// Workers never return errors; failures live in the reports.
	_ = g.Wait()
	return reports
}

// SecurityPass runs the security scanner. Nil when not configured.
func (o *Orchestrator) SecurityPass(ctx context.Context, req *Request) *datatypes.Report {
	if o.security == nil {
		return nil
	}
	return o.runWorker(ctx, o.security, req)
}

// AIPass runs the AI reviewer. Nil when AI review is disabled.
func (o *Orchestrator) AIPass(ctx context.Context, req *Request) *datatypes.Report {
	if o.ai == nil {
		return nil
	}
	return o.runWorker(ctx, o.ai, req)
}

// selectAnalyzers filters the registry by the request's tool subset.
// Built-in analyzers always run; external ones run only when the subset
// is empty or names them.
func (o *Orchestrator) selectAnalyzers(req *Request) []Analyzer {
	all := o.registry.For(req.Language)
	if len(req.Tools) == 0 {
		return all
	}
	wanted := make(map[string]struct{}, len(req.Tools))
	for _, t := range req.Tools {
		wanted["tool-"+t] = struct{}{}
	}
	var out []Analyzer
	for _, a := range all {
		if !a.External() {
			out = append(out, a)
			continue
		}
		if _, ok := wanted[a.Name()]; ok {
			out = append(out, a)
		}
	}
	return out
}

// runWorker executes one analyzer with its own timeout and converts
// every failure shape into a marker report.
func (o *Orchestrator) runWorker(ctx context.Context, a Analyzer, req *Request) (report *datatypes.Report) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("analyzer panicked",
				"analyzer", a.Name(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			observability.AnalyzerFailures.WithLabelValues(a.Name(), "panic").Inc()
			report = failureReport(a.Name(), fmt.Sprintf("panic: %v", r), false)
		}
	}()

	wctx, cancel := context.WithTimeout(ctx, o.cfg.WorkerTimeout)
	defer cancel()

	if a.External() {
		permit, err := o.gate.AcquireSubprocess(wctx)
		if err != nil {
			return failureReport(a.Name(), "subprocess slot unavailable: "+err.Error(), errors.Is(err, context.DeadlineExceeded))
		}
		defer permit.Release()
	}

	rep, err := a.Analyze(wctx, req)
	elapsed := time.Since(start)
	observability.AnalyzerDuration.WithLabelValues(a.Name()).Observe(elapsed.Seconds())
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, datatypes.ErrOperationTimeout)
		kind := "error"
		if timedOut {
			kind = "timeout"
		}
		observability.AnalyzerFailures.WithLabelValues(a.Name(), kind).Inc()
		o.log.Warn("analyzer failed",
			"analyzer", a.Name(),
			"timed_out", timedOut,
			"duration", elapsed,
			"error", err,
		)
		return failureReport(a.Name(), err.Error(), timedOut)
	}
	rep.Duration = elapsed.Seconds()
	return rep
}

func failureReport(analyzer, msg string, timedOut bool) *datatypes.Report {
	return &datatypes.Report{
		Analyzer: analyzer,
		Failed:   !timedOut,
		TimedOut: timedOut,
		Error:    msg,
	}
}
