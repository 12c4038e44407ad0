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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/admission"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
)

// fakeAnalyzer drives fan-out behavior from a test-supplied function.
type fakeAnalyzer struct {
	name     string
	external bool
	fn       func(ctx context.Context, req *Request) (*datatypes.Report, error)
}

func (f *fakeAnalyzer) Name() string   { return f.name }
func (f *fakeAnalyzer) External() bool { return f.external }
func (f *fakeAnalyzer) Analyze(ctx context.Context, req *Request) (*datatypes.Report, error) {
	return f.fn(ctx, req)
}

func okAnalyzer(name string) *fakeAnalyzer {
	return &fakeAnalyzer{
		name: name,
		fn: func(_ context.Context, req *Request) (*datatypes.Report, error) {
			return &datatypes.Report{Analyzer: name, Metrics: datatypes.Metrics{LinesOfCode: req.Lines()}}, nil
		},
	}
}

func newTestOrchestrator(cfg OrchestratorConfig, analyzers ...Analyzer) *Orchestrator {
	reg := NewRegistry()
	for _, a := range analyzers {
		reg.Register(a, "python")
	}
	gate := admission.NewGate(admission.Config{}, nil, nil)
	return NewOrchestrator(cfg, reg, gate, nil, nil, nil)
}

func TestStaticPassFansOutAllAnalyzers(t *testing.T) {
	o := newTestOrchestrator(OrchestratorConfig{}, okAnalyzer("a"), okAnalyzer("b"), okAnalyzer("c"))
	reports := o.StaticPass(context.Background(), &Request{Code: "x = 1", Language: "python"})

	require.Len(t, reports, 3)
	names := []string{reports[0].Analyzer, reports[1].Analyzer, reports[2].Analyzer}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, names)
}

func TestWorkerPanicIsIsolated(t *testing.T) {
	panicker := &fakeAnalyzer{
		name: "panicker",
		fn: func(context.Context, *Request) (*datatypes.Report, error) {
			panic("analyzer bug")
		},
	}
	o := newTestOrchestrator(OrchestratorConfig{}, panicker, okAnalyzer("survivor"))
	reports := o.StaticPass(context.Background(), &Request{Code: "x", Language: "python"})

	require.Len(t, reports, 2)
	var panicked, survived *datatypes.Report
	for _, r := range reports {
		if r.Analyzer == "panicker" {
			panicked = r
		} else {
			survived = r
		}
	}
	require.NotNil(t, panicked)
	assert.True(t, panicked.Failed)
	assert.Contains(t, panicked.Error, "panic")
	require.NotNil(t, survived)
	assert.False(t, survived.Failed)
}

func TestWorkerTimeoutBecomesPartialMarker(t *testing.T) {
	slow := &fakeAnalyzer{
		name: "slow",
		fn: func(ctx context.Context, _ *Request) (*datatypes.Report, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	o := newTestOrchestrator(OrchestratorConfig{WorkerTimeout: 30 * time.Millisecond}, slow, okAnalyzer("fast"))
	reports := o.StaticPass(context.Background(), &Request{Code: "x", Language: "python"})

	require.Len(t, reports, 2)
	for _, r := range reports {
		if r.Analyzer == "slow" {
			assert.True(t, r.TimedOut)
			assert.False(t, r.Failed)
		}
	}
}

func TestWorkerErrorDoesNotCancelSiblings(t *testing.T) {
	failing := &fakeAnalyzer{
		name: "failing",
		fn: func(context.Context, *Request) (*datatypes.Report, error) {
			return nil, errors.New("tool exploded")
		},
	}
	var siblingCtxErr error
	sibling := &fakeAnalyzer{
		name: "sibling",
		fn: func(ctx context.Context, _ *Request) (*datatypes.Report, error) {
			time.Sleep(20 * time.Millisecond)
			siblingCtxErr = ctx.Err()
			return &datatypes.Report{Analyzer: "sibling"}, nil
		},
	}
	o := newTestOrchestrator(OrchestratorConfig{}, failing, sibling)
	reports := o.StaticPass(context.Background(), &Request{Code: "x", Language: "python"})

	require.Len(t, reports, 2)
	assert.NoError(t, siblingCtxErr)
}

func TestToolSubsetFiltersExternalOnly(t *testing.T) {
	builtin := okAnalyzer("static-python")
	wanted := okAnalyzer("tool-pylint")
	wanted.external = true
	unwanted := okAnalyzer("tool-bandit")
	unwanted.external = true

	o := newTestOrchestrator(OrchestratorConfig{}, builtin, wanted, unwanted)
	reports := o.StaticPass(context.Background(), &Request{
		Code:     "x",
		Language: "python",
		Tools:    []string{"pylint"},
	})

	require.Len(t, reports, 2)
	names := []string{reports[0].Analyzer, reports[1].Analyzer}
	assert.ElementsMatch(t, []string{"static-python", "tool-pylint"}, names)
}

func TestExternalWorkersHoldSubprocessSlots(t *testing.T) {
	// One subprocess slot forces the two external workers to serialize.
	gate := admission.NewGate(admission.Config{MaxConcurrentSubprocesses: 1}, nil, nil)
	reg := NewRegistry()

	concurrent := make(chan struct{}, 2)
	var maxSeen int
	for _, name := range []string{"ext-a", "ext-b"} {
		a := &fakeAnalyzer{
			name:     name,
			external: true,
			fn: func(context.Context, *Request) (*datatypes.Report, error) {
				concurrent <- struct{}{}
				if n := len(concurrent); n > maxSeen {
					maxSeen = n
				}
				time.Sleep(10 * time.Millisecond)
				<-concurrent
				return &datatypes.Report{}, nil
			},
		}
		reg.Register(a, "python")
	}

	o := NewOrchestrator(OrchestratorConfig{}, reg, gate, nil, nil, nil)
	o.StaticPass(context.Background(), &Request{Code: "x", Language: "python"})

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, gate.Stats().SubprocessInUse)
}

func TestRunUnknownLanguage(t *testing.T) {
	o := newTestOrchestrator(OrchestratorConfig{})
	merged := o.Run(context.Background(), &Request{Code: "x", Language: "fortran"}, ModeStatic, false)

	assert.Contains(t, merged.Summary, "no analyzers available")
	assert.Equal(t, 8.0, merged.OverallScore)
}

func TestRunModeSecurityOnly(t *testing.T) {
	reg := NewRegistry()
	reg.Register(okAnalyzer("static-python"), "python")
	gate := admission.NewGate(admission.Config{}, nil, nil)
	o := NewOrchestrator(OrchestratorConfig{}, reg, gate, NewSecurityAnalyzer(), nil, nil)

	merged := o.Run(context.Background(), &Request{
		Code:     `password = "hunter2secret"`,
		Language: "python",
	}, ModeSecurity, false)

	require.NotEmpty(t, merged.Issues)
	assert.Equal(t, []string{"security-scan"}, merged.Analyzers)
	for _, is := range merged.Issues {
		assert.Equal(t, "security", is.Category)
	}
}
