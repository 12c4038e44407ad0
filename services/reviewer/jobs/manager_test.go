// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/admission"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/analysis"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/ratelimit"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/store"
)

// recordingSink captures events and signals terminals on a channel.
type recordingSink struct {
	mu        sync.Mutex
	progress  []datatypes.ProgressEvent
	terminals chan datatypes.TerminalEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{terminals: make(chan datatypes.TerminalEvent, 8)}
}

func (s *recordingSink) Progress(_ string, ev datatypes.ProgressEvent) {
	s.mu.Lock()
	s.progress = append(s.progress, ev)
	s.mu.Unlock()
}

func (s *recordingSink) Terminal(_ string, ev datatypes.TerminalEvent) {
	s.terminals <- ev
}

func (s *recordingSink) progressEvents() []datatypes.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]datatypes.ProgressEvent, len(s.progress))
	copy(out, s.progress)
	return out
}

func waitTerminal(t *testing.T, sink *recordingSink) datatypes.TerminalEvent {
	t.Helper()
	select {
	case ev := <-sink.terminals:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal event")
		return datatypes.TerminalEvent{}
	}
}

// blockingAnalyzer holds until its context is cancelled.
type blockingAnalyzer struct{ started chan struct{} }

func (b *blockingAnalyzer) Name() string   { return "blocker" }
func (b *blockingAnalyzer) External() bool { return false }
func (b *blockingAnalyzer) Analyze(ctx context.Context, _ *analysis.Request) (*datatypes.Report, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

type managerFixture struct {
	manager *Manager
	sink    *recordingSink
	store   *store.Store
}

func newFixture(t *testing.T, cfg Config, extra ...analysis.Analyzer) *managerFixture {
	t.Helper()

	limCfg := ratelimit.DefaultConfig()
	limCfg.Limits[ratelimit.ClassJobSubmission] = ratelimit.ClassLimit{MaxRequests: 100, Window: time.Minute}
	limiter := ratelimit.NewSlidingWindowLimiter(limCfg)

	gate := admission.NewGate(admission.Config{}, nil, nil)

	reg := analysis.NewRegistry()
	if sa := analysis.NewStaticAnalyzer("python"); sa != nil {
		reg.Register(sa, "python")
	}
	for _, a := range extra {
		reg.Register(a, "python")
	}
	orch := analysis.NewOrchestrator(analysis.OrchestratorConfig{WorkerTimeout: 2 * time.Second},
		reg, gate, analysis.NewSecurityAnalyzer(), nil, nil)

	st, err := store.New(store.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	sink := newRecordingSink()
	m := NewManager(cfg, limiter, gate, orch, st, sink, nil)
	return &managerFixture{manager: m, sink: sink, store: st}
}

func submitReq(code string) datatypes.SubmitRequest {
	return datatypes.SubmitRequest{Code: code, Language: "python", AnalysisType: "full", Options: datatypes.AnalysisOption{SkipAI: true}}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	f := newFixture(t, Config{})
	jobID, err := f.manager.Submit(context.Background(), "sess-1", "10.0.0.1", submitReq("def f():\n    return 1/0\n"))
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	ev := waitTerminal(t, f.sink)
	assert.Equal(t, datatypes.EventCompleted, ev.Type)
	assert.Equal(t, jobID, ev.JobID)
	require.NotNil(t, ev.Result)
	assert.LessOrEqual(t, ev.Result.OverallScore, 4.0)
	assert.NotEmpty(t, ev.Result.Issues)

	// Terminal jobs leave the live index; the store is authoritative.
	assert.Equal(t, 0, f.manager.LiveCount())
	rec, err := f.store.Get(jobID, "sess-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobCompleted, rec.Status)
	require.NotNil(t, rec.Payload)
}

func TestProgressStagesAreMonotone(t *testing.T) {
	f := newFixture(t, Config{})
	jobID, err := f.manager.Submit(context.Background(), "sess-1", "10.0.0.1", submitReq("x = 1\n"))
	require.NoError(t, err)
	waitTerminal(t, f.sink)

	events := f.sink.progressEvents()
	require.Len(t, events, len(datatypes.StageOrder))
	last := 0
	for i, ev := range events {
		assert.Equal(t, jobID, ev.JobID)
		assert.Equal(t, datatypes.StageOrder[i], ev.Stage)
		assert.GreaterOrEqual(t, ev.Percent, last)
		last = ev.Percent
	}
	assert.Equal(t, 100, last)
}

func TestSubmitValidationRejection(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.manager.Submit(context.Background(), "sess-1", "10.0.0.1",
		datatypes.SubmitRequest{Code: "", Language: "python"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, datatypes.ErrAdmissionRejected))
	assert.Equal(t, 0, f.manager.LiveCount())

	_, err = f.manager.Submit(context.Background(), "sess-1", "10.0.0.1",
		datatypes.SubmitRequest{Code: "x = 1", Language: "python", AnalysisType: "bogus"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, datatypes.ErrAdmissionRejected))
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t, Config{})
	// Rebuild the limiter with a budget of one submission per window.
	limCfg := ratelimit.DefaultConfig()
	limCfg.Limits[ratelimit.ClassJobSubmission] = ratelimit.ClassLimit{MaxRequests: 1, Window: time.Minute}
	f.manager.limiter = ratelimit.NewSlidingWindowLimiter(limCfg)

	_, err := f.manager.Submit(context.Background(), "sess-1", "10.0.0.9", submitReq("x = 1\n"))
	require.NoError(t, err)
	waitTerminal(t, f.sink)

	_, err = f.manager.Submit(context.Background(), "sess-1", "10.0.0.9", submitReq("x = 2\n"))
	require.Error(t, err)
	var admErr *datatypes.AdmissionError
	require.True(t, errors.As(err, &admErr))
	assert.Contains(t, admErr.Reason, "rate limit")
}

func TestCancelLiveJob(t *testing.T) {
	blocker := &blockingAnalyzer{started: make(chan struct{}, 1)}
	f := newFixture(t, Config{}, blocker)

	jobID, err := f.manager.Submit(context.Background(), "sess-1", "10.0.0.1", submitReq("x = 1\n"))
	require.NoError(t, err)

	// Wait for the worker to reach the blocking analyzer, then cancel.
	select {
	case <-blocker.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached the analyzer")
	}
	require.NoError(t, f.manager.Cancel("sess-1", jobID))

	ev := waitTerminal(t, f.sink)
	// Cancellation lands at the next stage boundary; the orchestrator
	// worker itself may also surface it as a completed-partial merge.
	if ev.Type == datatypes.EventCancelled {
		rec, err := f.store.Get(jobID, "sess-1", "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, datatypes.JobCancelled, rec.Status)
	}
	assert.Equal(t, 0, f.manager.LiveCount())

	// Cancel is idempotent for unknown/terminal jobs.
	assert.NoError(t, f.manager.Cancel("sess-1", jobID))
}

func TestCancelWrongSession(t *testing.T) {
	blocker := &blockingAnalyzer{started: make(chan struct{}, 1)}
	f := newFixture(t, Config{}, blocker)

	jobID, err := f.manager.Submit(context.Background(), "sess-1", "10.0.0.1", submitReq("x = 1\n"))
	require.NoError(t, err)
	<-blocker.started

	err = f.manager.Cancel("sess-other", jobID)
	assert.ErrorIs(t, err, datatypes.ErrAuthorizationDenied)

	require.NoError(t, f.manager.Cancel("sess-1", jobID))
	waitTerminal(t, f.sink)
}

func TestDuplicateJobIDRejected(t *testing.T) {
	blocker := &blockingAnalyzer{started: make(chan struct{}, 1)}
	f := newFixture(t, Config{}, blocker)

	req := submitReq("x = 1\n")
	req.JobID = "job-dup"
	_, err := f.manager.Submit(context.Background(), "sess-1", "10.0.0.1", req)
	require.NoError(t, err)
	<-blocker.started

	_, err = f.manager.Submit(context.Background(), "sess-1", "10.0.0.1", req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, datatypes.ErrAdmissionRejected))

	require.NoError(t, f.manager.Cancel("sess-1", "job-dup"))
	waitTerminal(t, f.sink)
}

func TestCheckStatusLiveThenStored(t *testing.T) {
	blocker := &blockingAnalyzer{started: make(chan struct{}, 1)}
	f := newFixture(t, Config{}, blocker)

	jobID, err := f.manager.Submit(context.Background(), "sess-1", "10.0.0.1", submitReq("x = 1\n"))
	require.NoError(t, err)
	<-blocker.started

	ev, err := f.manager.CheckStatus(jobID, "sess-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.JobRunning, ev.Status)
	assert.Less(t, ev.Percent, 100)

	require.NoError(t, f.manager.Cancel("sess-1", jobID))
	waitTerminal(t, f.sink)

	ev, err = f.manager.CheckStatus(jobID, "sess-1", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ev.Status.IsTerminal())
	assert.Equal(t, 100, ev.Percent)
}

func TestCheckStatusUnknownJob(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.manager.CheckStatus("no-such-job", "sess-1", "10.0.0.1")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

func TestShutdownCancelsLiveJobs(t *testing.T) {
	blocker := &blockingAnalyzer{started: make(chan struct{}, 1)}
	f := newFixture(t, Config{}, blocker)

	_, err := f.manager.Submit(context.Background(), "sess-1", "10.0.0.1", submitReq("x = 1\n"))
	require.NoError(t, err)
	<-blocker.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.manager.Shutdown(ctx))
	assert.Equal(t, 0, f.manager.LiveCount())
}
