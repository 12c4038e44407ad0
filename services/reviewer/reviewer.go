// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reviewer assembles the code review service: admission,
// analysis, job lifecycle, result storage, and the HTTP/websocket
// surface.
package reviewer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/pkg/logging"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/admission"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/analysis"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/breaker"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/handlers"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/jobs"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/llm"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/observability"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/ratelimit"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/resource"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/store"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/tools"
)

// Service is the reviewer lifecycle contract.
//
// # Thread Safety
//
// Implementations are safe for concurrent use. Run blocks and is called
// at most once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until ctx is cancelled or
	// the server fails. Shutdown is graceful: live jobs are cancelled
	// and the store is flushed before Run returns.
	Run(ctx context.Context) error

	// Router exposes the configured engine for integration tests.
	Router() *gin.Engine
}

type service struct {
	cfg    Config
	log    *logging.Logger
	router *gin.Engine

	limiter  *ratelimit.SlidingWindowLimiter
	monitor  *resource.Monitor
	gate     *admission.Gate
	breakers *breaker.Registry
	results  *store.Store
	manager  *jobs.Manager
	hub      *handlers.SessionHub

	tracerCleanup func(context.Context)
	sweepDone     chan struct{}
}

// New wires the full service from configuration.
//
// # Description
//
// Construction order follows the dependency graph: resource monitor,
// then the admission gate (whose emergency cleanup closes over the
// store), the analyzer set, and finally the lifecycle manager and HTTP
// surface. Tool analyzers whose binaries are missing from PATH are
// skipped with a log line rather than failing startup. The LLM backend
// is constructed but not contacted; the first AI job warms it behind
// the model-load breaker.
func New(cfg Config) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	gin.SetMode(cfg.GinMode)

	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "reviewer",
	})

	s := &service{
		cfg:       cfg,
		log:       log,
		sweepDone: make(chan struct{}),
	}

	cleanup, err := observability.InitTracer(cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	resCfg := resource.DefaultConfig()
	if cfg.Resources.MaxCPUPercent > 0 {
		resCfg.MaxCPUPercent = cfg.Resources.MaxCPUPercent
	}
	if cfg.Resources.MaxRSSBytes > 0 {
		resCfg.MaxRSSBytes = cfg.Resources.MaxRSSBytes
	}
	s.monitor = resource.NewMonitor(resCfg)

	storeCfg := store.DefaultConfig(cfg.DataDir)
	if cfg.Storage.TTL > 0 {
		storeCfg.DefaultTTL = cfg.Storage.TTL
	}
	if cfg.Storage.MaxRetrievals > 0 {
		storeCfg.DefaultMaxRetrievals = cfg.Storage.MaxRetrievals
	}
	if cfg.Storage.CapBytes > 0 {
		storeCfg.StorageCapBytes = cfg.Storage.CapBytes
	}
	s.results, err = store.New(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}

	gateCfg := admission.DefaultConfig()
	if cfg.Limits.MaxConcurrentJobs > 0 {
		gateCfg.MaxConcurrentJobs = cfg.Limits.MaxConcurrentJobs
	}
	if cfg.Limits.MaxConcurrentInference > 0 {
		gateCfg.MaxConcurrentInference = cfg.Limits.MaxConcurrentInference
	}
	if cfg.Limits.MaxConcurrentSubprocesses > 0 {
		gateCfg.MaxConcurrentSubprocesses = cfg.Limits.MaxConcurrentSubprocesses
	}
	s.gate = admission.NewGate(gateCfg, s.monitor, s.emergencyCleanup)

	s.limiter = ratelimit.NewSlidingWindowLimiter(ratelimit.DefaultConfig())
	s.breakers = breaker.NewRegistry(nil)

	orch, err := s.buildOrchestrator()
	if err != nil {
		return nil, err
	}

	s.hub = handlers.NewSessionHub()
	s.manager = jobs.NewManager(cfg.Jobs, s.limiter, s.gate, orch, s.results, s.hub, log.Slog())

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("code-reviewer"))
	handlers.RegisterRoutes(s.router, handlers.Deps{
		Store:    s.results,
		Limiter:  s.limiter,
		Gate:     s.gate,
		Breakers: s.breakers,
		Manager:  s.manager,
		Hub:      s.hub,
		Monitor:  s.monitor,
	})
	return s, nil
}

// buildOrchestrator registers the built-in analyzers plus whichever
// external tools are installed on this host.
func (s *service) buildOrchestrator() (*analysis.Orchestrator, error) {
	toolCfg := tools.DefaultConfig()
	if s.cfg.ToolTimeout > 0 {
		toolCfg.Timeout = s.cfg.ToolTimeout
	}
	runner := tools.NewRunner(toolCfg)

	registry := analysis.NewRegistry()
	for _, lang := range []string{"python", "go", "javascript"} {
		if sa := analysis.NewStaticAnalyzer(lang); sa != nil {
			registry.Register(sa, lang)
		}
	}

	external := []struct {
		analyzer *analysis.ToolAnalyzer
		language string
	}{
		{analysis.NewPylintAnalyzer(runner, s.breakers), "python"},
		{analysis.NewBanditAnalyzer(runner, s.breakers), "python"},
		{analysis.NewESLintAnalyzer(runner, s.breakers), "javascript"},
		{analysis.NewGoVetAnalyzer(runner, s.breakers), "go"},
	}
	for _, e := range external {
		if !e.analyzer.Available() {
			s.log.Info("external tool not installed, skipping", "analyzer", e.analyzer.Name())
			continue
		}
		registry.Register(e.analyzer, e.language)
	}

	var aiAnalyzer analysis.Analyzer
	if !s.cfg.DisableAI {
		client, err := llm.New(s.cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("build llm client: %w", err)
		}
		aiAnalyzer = analysis.NewAIAnalyzer(s.cfg.AI, client, s.gate, s.breakers, s.log.Slog())
	} else {
		s.log.Info("ai analysis disabled by config")
	}

	return analysis.NewOrchestrator(s.cfg.Analysis, registry, s.gate,
		analysis.NewSecurityAnalyzer(), aiAnalyzer, s.log.Slog()), nil
}

// emergencyCleanup sheds load when a resource ceiling rejects an
// admission: expire and evict stored results, return memory to the OS,
// and refresh the sample so recovery is observed promptly.
func (s *service) emergencyCleanup() {
	expired := s.results.SweepExpired()
	evicted := s.results.EnforceStorageCap()
	runtime.GC()
	s.monitor.ForceSample()
	s.log.Warn("emergency cleanup executed", "expired", expired, "evicted", evicted)
}

func (s *service) Router() *gin.Engine { return s.router }

// Run starts background maintenance and the HTTP server, then blocks
// until ctx is cancelled.
func (s *service) Run(ctx context.Context) error {
	s.monitor.Start()
	s.limiter.Start()
	go s.sweepLoop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("reviewer listening", "port", s.cfg.Port, "data_dir", s.cfg.DataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.shutdown(context.Background(), srv)
		return err
	case <-ctx.Done():
		s.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.shutdown(shutdownCtx, srv)
		return nil
	}
}

// shutdown drains in order: stop accepting connections, cancel live
// jobs, then flush the store. The store closes last because terminal
// transitions from cancelled jobs still write through it.
func (s *service) shutdown(ctx context.Context, srv *http.Server) {
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("http server shutdown", "error", err)
	}
	if err := s.manager.Shutdown(ctx); err != nil {
		s.log.Warn("job manager shutdown", "error", err)
	}
	close(s.sweepDone)
	s.limiter.Stop()
	s.monitor.Stop()
	s.results.Close()
	if s.tracerCleanup != nil {
		s.tracerCleanup(ctx)
	}
	_ = s.log.Close()
	s.log.Info("shutdown complete")
}

// sweepLoop runs periodic store maintenance.
func (s *service) sweepLoop() {
	interval := s.cfg.Storage.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			expired := s.results.SweepExpired()
			evicted := s.results.EnforceStorageCap()
			if expired > 0 || evicted > 0 {
				s.log.Info("store sweep", "expired", expired, "evicted", evicted)
			}
			observability.StoredResults.Set(float64(s.results.Stats().Records))
		case <-s.sweepDone:
			return
		}
	}
}
