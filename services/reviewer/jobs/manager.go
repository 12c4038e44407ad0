// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package jobs owns the lifecycle of submitted analysis jobs: admission,
// the live-job index, the staged worker loop, and the handoff of
// terminal results to the durable store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/admission"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/analysis"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/observability"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/ratelimit"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/store"
)

// EventSink receives job events addressed to a session. The websocket
// hub implements it; a nil sink drops events (results remain reachable
// through the store).
type EventSink interface {
	Progress(sessionID string, ev datatypes.ProgressEvent)
	Terminal(sessionID string, ev datatypes.TerminalEvent)
}

// Config controls the lifecycle manager.
type Config struct {
	// JobTimeout bounds one job end to end. Default: 10m.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// Manager is the job lifecycle manager.
//
// # Description
//
// Submit validates, rate-limits and admits a request, registers the job
// in the live index and starts its worker. The worker walks the fixed
// stage sequence, emitting progress after each stage and checking for
// cancellation before each one. Exactly one terminal transition happens
// per job; it removes the job from the live index and hands the result
// record to the store.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	cfg      Config
	validate *validator.Validate
	limiter  *ratelimit.SlidingWindowLimiter
	gate     *admission.Gate
	orch     *analysis.Orchestrator
	results  *store.Store
	sink     EventSink
	log      *slog.Logger

	mu   sync.Mutex
	live map[string]*datatypes.Job

	wg sync.WaitGroup
}

// NewManager wires the lifecycle manager. sink may be nil.
func NewManager(cfg Config, limiter *ratelimit.SlidingWindowLimiter, gate *admission.Gate, orch *analysis.Orchestrator, results *store.Store, sink EventSink, log *slog.Logger) *Manager {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		validate: validator.New(),
		limiter:  limiter,
		gate:     gate,
		orch:     orch,
		results:  results,
		sink:     sink,
		log:      log,
		live:     make(map[string]*datatypes.Job),
	}
}

// SetSink installs the event sink after construction. The hub and the
// manager reference each other, so one side is wired late.
func (m *Manager) SetSink(sink EventSink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// Submit runs the admission pipeline for one request and, on success,
// starts the job's worker. The returned id identifies the job in all
// later events and store lookups.
//
// Checks run cheapest-first: validation, then the rate limiter, then
// the blocking admission gate. Nothing earlier consumes a slot, so a
// rejected request never leaks capacity.
func (m *Manager) Submit(ctx context.Context, sessionID, clientAddress string, req datatypes.SubmitRequest) (string, error) {
	if err := m.validate.Struct(req); err != nil {
		observability.JobsRejected.WithLabelValues("validation").Inc()
		return "", &datatypes.AdmissionError{Reason: fmt.Sprintf("invalid request: %v", err)}
	}
	if strings.TrimSpace(req.Code) == "" {
		observability.JobsRejected.WithLabelValues("validation").Inc()
		return "", &datatypes.AdmissionError{Reason: "code is empty"}
	}

	if !m.limiter.Allow(clientAddress, ratelimit.ClassJobSubmission) {
		observability.JobsRejected.WithLabelValues("rate_limited").Inc()
		observability.RateLimitRejections.WithLabelValues(string(ratelimit.ClassJobSubmission)).Inc()
		return "", &datatypes.AdmissionError{Reason: "submission rate limit exceeded, slow down"}
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	m.mu.Lock()
	if _, exists := m.live[jobID]; exists {
		m.mu.Unlock()
		observability.JobsRejected.WithLabelValues("duplicate").Inc()
		return "", &datatypes.AdmissionError{Reason: fmt.Sprintf("job %s is already active", jobID)}
	}
	m.mu.Unlock()

	permit, err := m.gate.AdmitJob(ctx)
	if err != nil {
		var admErr *datatypes.AdmissionError
		if errors.As(err, &admErr) {
			observability.JobsRejected.WithLabelValues("resources").Inc()
		} else {
			observability.JobsRejected.WithLabelValues("cancelled").Inc()
		}
		return "", err
	}

	job := &datatypes.Job{
		ID:            jobID,
		SessionID:     sessionID,
		ClientAddress: clientAddress,
		SubmittedAt:   time.Now(),
		Status:        datatypes.JobPending,
		Request:       req,
	}

	workerCtx, cancel := context.WithTimeout(context.Background(), m.cfg.JobTimeout)
	job.Cancel = cancel

	m.mu.Lock()
	m.live[jobID] = job
	liveCount := len(m.live)
	m.mu.Unlock()
	observability.JobsLive.Set(float64(liveCount))

	// Pending placeholder so a client that reconnects mid-run can still
	// discover the job through the store listing.
	if err := m.results.Put(datatypes.StoredResult{
		AnalysisID:    jobID,
		SessionID:     sessionID,
		ClientAddress: clientAddress,
		ContentHash:   analysis.ContentHash(req.Code, req.Language),
		Status:        datatypes.JobPending,
		CreatedAt:     job.SubmittedAt,
	}); err != nil {
		m.log.Warn("pending placeholder write failed", "job_id", jobID, "error", err)
	}

	analysisType := req.AnalysisType
	if analysisType == "" {
		analysisType = "full"
	}
	observability.JobsSubmitted.WithLabelValues(analysisType).Inc()
	m.log.Info("job admitted",
		"job_id", jobID,
		"session_id", sessionID,
		"language", req.Language,
		"analysis_type", analysisType,
		"code_bytes", len(req.Code),
	)

	m.wg.Add(1)
	go m.runJob(workerCtx, job, permit)
	return jobID, nil
}

// Cancel requests cooperative cancellation of a live job. Unknown or
// already-terminal jobs are a no-op. A session may only cancel its own
// jobs.
//
// Cancellation takes effect at the worker's next stage boundary, so
// CheckStatus may still report the job as running briefly after Cancel
// returns.
func (m *Manager) Cancel(sessionID, jobID string) error {
	m.mu.Lock()
	job, ok := m.live[jobID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if job.SessionID != sessionID {
		m.mu.Unlock()
		return datatypes.ErrAuthorizationDenied
	}
	cancel := job.Cancel
	m.mu.Unlock()

	m.log.Info("job cancellation requested", "job_id", jobID, "session_id", sessionID)
	if cancel != nil {
		cancel()
	}
	return nil
}

// CheckStatus reports a job's current state: live jobs from the index,
// terminal jobs from the store.
func (m *Manager) CheckStatus(jobID, sessionID, clientAddress string) (datatypes.StatusEvent, error) {
	m.mu.Lock()
	if job, ok := m.live[jobID]; ok {
		ev := datatypes.StatusEvent{
			Type:    datatypes.EventStatus,
			JobID:   jobID,
			Status:  job.Status,
			Percent: job.ProgressPercent,
			Stage:   job.ProgressStage,
		}
		m.mu.Unlock()
		return ev, nil
	}
	m.mu.Unlock()

	rec, err := m.results.Get(jobID, sessionID, clientAddress)
	if err != nil {
		return datatypes.StatusEvent{}, err
	}
	return datatypes.StatusEvent{
		Type:    datatypes.EventStatus,
		JobID:   jobID,
		Status:  rec.Status,
		Percent: 100,
	}, nil
}

// LiveCount returns the number of pending and running jobs.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Shutdown cancels every live job and waits for workers to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, job := range m.live {
		if job.Cancel != nil {
			job.Cancel()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// === Worker ===

// runJob walks the stage sequence for one job. The admission permit is
// released on every exit path, including panics.
func (m *Manager) runJob(ctx context.Context, job *datatypes.Job, permit *admission.Permit) {
	defer m.wg.Done()
	defer permit.Release()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("job worker panicked",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			m.finish(job, datatypes.JobFailed, nil, "internal error")
		}
	}()
	defer job.Cancel()

	m.setStatus(job, datatypes.JobRunning)
	m.results.UpdateStatus(job.ID, datatypes.JobRunning, nil, "")

	req := &analysis.Request{
		Code:     job.Request.Code,
		Language: job.Request.Language,
		Filename: job.Request.Filename,
		Tools:    job.Request.Options.Tools,
	}
	mode := jobMode(job.Request.AnalysisType)

	var (
		reports []*datatypes.Report
		merged  *datatypes.MergedResult
	)
	for _, stage := range datatypes.StageOrder {
		// Cancellation check precedes every stage so a cancelled job
		// stops at the next stage boundary.
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				m.finish(job, datatypes.JobFailed, nil, "job timed out")
			} else {
				m.finish(job, datatypes.JobCancelled, nil, "")
			}
			return
		}

		message := ""
		switch stage {
		case datatypes.StageInitialization:
			// Admission and registration already done; the stage exists
			// so clients see immediate progress.
		case datatypes.StageParsing:
			message = fmt.Sprintf("%d lines", req.Lines())
		case datatypes.StageStaticAnalysis:
			if mode == analysis.ModeFull || mode == analysis.ModeStatic {
				reports = append(reports, m.orch.StaticPass(ctx, req)...)
			} else {
				message = "skipped"
			}
		case datatypes.StageAIAnalysis:
			runAI := mode == analysis.ModeAI ||
				(mode == analysis.ModeFull && !job.Request.Options.SkipAI)
			if runAI {
				if rep := m.orch.AIPass(ctx, req); rep != nil {
					reports = append(reports, rep)
				} else {
					message = "unavailable"
				}
			} else {
				message = "skipped"
			}
		case datatypes.StageSecurityScan:
			if mode == analysis.ModeFull || mode == analysis.ModeSecurity {
				if rep := m.orch.SecurityPass(ctx, req); rep != nil {
					reports = append(reports, rep)
				}
			} else {
				message = "skipped"
			}
		case datatypes.StageSuggestions:
			merged = analysis.Merge(req, reports)
		case datatypes.StageFinalization:
			// Progress for the final stage is emitted before the
			// terminal event below.
		}
		m.emitProgress(job, stage, message)
	}

	if merged == nil {
		merged = analysis.Merge(req, reports)
	}
	m.finish(job, datatypes.JobCompleted, merged, "")
}

// finish performs the job's single terminal transition. Later calls for
// the same job are ignored.
func (m *Manager) finish(job *datatypes.Job, status datatypes.JobStatus, result *datatypes.MergedResult, errMsg string) {
	m.mu.Lock()
	if job.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	job.Status = status
	delete(m.live, job.ID)
	liveCount := len(m.live)
	sink := m.sink
	m.mu.Unlock()

	observability.JobsLive.Set(float64(liveCount))
	observability.JobsTerminal.WithLabelValues(string(status)).Inc()
	duration := time.Since(job.SubmittedAt)
	observability.JobDuration.WithLabelValues(string(status)).Observe(duration.Seconds())

	m.results.UpdateStatus(job.ID, status, result, errMsg)
	m.log.Info("job finished",
		"job_id", job.ID,
		"status", status,
		"duration", duration,
	)

	if sink != nil {
		ev := datatypes.TerminalEvent{
			Type:  terminalEventType(status),
			JobID: job.ID,
		}
		if status == datatypes.JobCompleted {
			ev.Result = result
		} else {
			ev.Error = errMsg
		}
		sink.Terminal(job.SessionID, ev)
	}
}

func (m *Manager) setStatus(job *datatypes.Job, status datatypes.JobStatus) {
	m.mu.Lock()
	if !job.Status.IsTerminal() {
		job.Status = status
	}
	m.mu.Unlock()
}

// emitProgress records and publishes stage completion. Percentages come
// from the fixed stage table, so they never decrease.
func (m *Manager) emitProgress(job *datatypes.Job, stage datatypes.Stage, message string) {
	percent := datatypes.StagePercent[stage]

	m.mu.Lock()
	if job.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	job.ProgressStage = stage
	job.ProgressPercent = percent
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		sink.Progress(job.SessionID, datatypes.ProgressEvent{
			Type:    datatypes.EventProgress,
			JobID:   job.ID,
			Percent: percent,
			Stage:   stage,
			Message: message,
		})
	}
}

func jobMode(analysisType string) analysis.Mode {
	switch analysisType {
	case "static":
		return analysis.ModeStatic
	case "security":
		return analysis.ModeSecurity
	case "ai":
		return analysis.ModeAI
	default:
		return analysis.ModeFull
	}
}

func terminalEventType(status datatypes.JobStatus) string {
	switch status {
	case datatypes.JobCompleted:
		return datatypes.EventCompleted
	case datatypes.JobCancelled:
		return datatypes.EventCancelled
	default:
		return datatypes.EventFailed
	}
}
