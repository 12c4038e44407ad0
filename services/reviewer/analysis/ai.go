// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/admission"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/breaker"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/llm"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/observability"
)

// AIConfig controls the AI analyzer.
type AIConfig struct {
	// InferenceTimeout bounds one model call. Default: 120s.
	InferenceTimeout time.Duration `yaml:"inference_timeout"`

	// CacheSize is the max cached responses, keyed by content hash.
	// Default: 256. Zero disables the cache.
	CacheSize int `yaml:"cache_size"`

	// MaxTokens caps generation length. Default: 1024.
	MaxTokens int `yaml:"max_tokens"`
}

// DefaultAIConfig returns AI analyzer defaults.
func DefaultAIConfig() AIConfig {
	return AIConfig{
		InferenceTimeout: 120 * time.Second,
		CacheSize:        256,
		MaxTokens:        1024,
	}
}

// AIAnalyzer reviews code with a language model.
//
// # Description
//
// One model call per job, bounded by the inference admission slots and
// the shared inference timeout. Model loading is warmed once and
// guarded by the model-load breaker; generation is guarded by the
// model-infer breaker. Responses are cached by content hash so repeated
// submissions of identical code never re-infer.
//
// # Degradation
//
// A response that is not parseable JSON degrades to a summary-only
// report instead of failing the worker. An open breaker or exhausted
// timeout surfaces as a worker error, which the merge records as a
// partial failure.
//
// # Thread Safety
//
// Safe for concurrent use.
type AIAnalyzer struct {
	cfg      AIConfig
	client   llm.Client
	gate     *admission.Gate
	breakers *breaker.Registry
	log      *slog.Logger

	mu     sync.Mutex
	warmed bool
	cache  map[string]*aiResponse
	order  []string // cache keys, oldest first
}

// aiResponse is the model's expected JSON shape. All fields optional;
// missing pieces degrade rather than fail.
type aiResponse struct {
	Summary     string   `json:"summary"`
	Suggestions []string `json:"suggestions"`
	Issues      []struct {
		Severity string `json:"severity"`
		Message  string `json:"message"`
		Line     int    `json:"line"`
	} `json:"issues"`
}

// NewAIAnalyzer creates the AI analyzer.
func NewAIAnalyzer(cfg AIConfig, client llm.Client, gate *admission.Gate, breakers *breaker.Registry, log *slog.Logger) *AIAnalyzer {
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = 120 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &AIAnalyzer{
		cfg:      cfg,
		client:   client,
		gate:     gate,
		breakers: breakers,
		log:      log,
		cache:    make(map[string]*aiResponse),
	}
}

func (a *AIAnalyzer) Name() string   { return "ai-review" }
func (a *AIAnalyzer) External() bool { return false }

// Analyze runs one model review of the request.
func (a *AIAnalyzer) Analyze(ctx context.Context, req *Request) (*datatypes.Report, error) {
	key := ContentHash(req.Code, req.Language)
	if resp, ok := a.cacheGet(key); ok {
		observability.InferenceCacheHits.WithLabelValues("hit").Inc()
		a.log.Debug("ai cache hit", "hash", key[:12])
		return a.buildReport(req, resp, true, 0), nil
	}
	observability.InferenceCacheHits.WithLabelValues("miss").Inc()

	if err := a.warmModel(ctx); err != nil {
		return nil, err
	}

	permit, err := a.gate.AcquireInference(ctx)
	if err != nil {
		return nil, err
	}
	defer permit.Release()
	defer a.gate.PaceAfter(ctx)

	infer := a.breakers.Get(breaker.DepModelInfer)
	if err := infer.Allow(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.InferenceTimeout)
	defer cancel()

	temp := float32(0.2)
	raw, err := a.client.Generate(callCtx, buildPrompt(req), llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &a.cfg.MaxTokens,
	})
	if err != nil {
		infer.RecordFailure()
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("ai review: %w", datatypes.ErrOperationTimeout)
		}
		return nil, fmt.Errorf("ai review: %w", err)
	}
	infer.RecordSuccess()

	resp, parseErrs := extractResponse(raw)
	if parseErrs == 0 {
		a.cachePut(key, resp)
	}
	return a.buildReport(req, resp, false, parseErrs), nil
}

// warmModel loads the model once; failures leave warming retryable on
// the next call, behind the model-load breaker.
func (a *AIAnalyzer) warmModel(ctx context.Context) error {
	a.mu.Lock()
	warmed := a.warmed
	a.mu.Unlock()
	if warmed {
		return nil
	}

	load := a.breakers.Get(breaker.DepModelLoad)
	if err := load.Allow(); err != nil {
		return err
	}
	if err := a.client.Load(ctx); err != nil {
		load.RecordFailure()
		return fmt.Errorf("load model: %w", err)
	}
	load.RecordSuccess()

	a.mu.Lock()
	a.warmed = true
	a.mu.Unlock()
	a.log.Info("model warmed", "model", a.client.Model())
	return nil
}

func (a *AIAnalyzer) buildReport(req *Request, resp *aiResponse, cached bool, parseErrs int) *datatypes.Report {
	issues := make([]datatypes.Issue, 0, len(resp.Issues))
	for _, is := range resp.Issues {
		issues = append(issues, datatypes.Issue{
			Severity: datatypes.ParseSeverity(is.Severity),
			Category: "ai-review",
			Message:  is.Message,
			Line:     is.Line,
			Source:   a.Name(),
		})
	}
	return &datatypes.Report{
		Analyzer:    a.Name(),
		Issues:      issues,
		Suggestions: resp.Suggestions,
		Metrics: datatypes.Metrics{
			LinesOfCode: req.Lines(),
			IssueCount:  len(issues),
		},
		Score: analyzerScore(issues),
		AI: &datatypes.AIMetadata{
			Model:       a.client.Model(),
			Summary:     resp.Summary,
			FromCache:   cached,
			Degraded:    parseErrs > 0,
			ParseErrors: parseErrs,
		},
	}
}

func (a *AIAnalyzer) cacheGet(key string) (*aiResponse, bool) {
	if a.cfg.CacheSize <= 0 {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	resp, ok := a.cache[key]
	return resp, ok
}

func (a *AIAnalyzer) cachePut(key string, resp *aiResponse) {
	if a.cfg.CacheSize <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.cache[key]; exists {
		return
	}
	for len(a.cache) >= a.cfg.CacheSize && len(a.order) > 0 {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.cache, oldest)
	}
	a.cache[key] = resp
	a.order = append(a.order, key)
}

// ContentHash keys identical submissions for dedup and caching.
func ContentHash(code, language string) string {
	h := sha256.Sum256([]byte(normalizeLanguage(language) + "\x00" + code))
	return hex.EncodeToString(h[:])
}

func buildPrompt(req *Request) string {
	var b strings.Builder
	b.WriteString("Review the following ")
	b.WriteString(req.Language)
	b.WriteString(" code. Respond with ONLY a JSON object of the shape ")
	b.WriteString(`{"summary": string, "issues": [{"severity": "critical|high|medium|low", "message": string, "line": int}], "suggestions": [string]}.`)
	b.WriteString("\n\n```")
	b.WriteString(req.Language)
	b.WriteString("\n")
	b.WriteString(req.Code)
	b.WriteString("\n```\n")
	return b.String()
}

// extractResponse pulls the first JSON object out of a model reply.
// Models often wrap JSON in prose or code fences; we scan for a
// balanced object rather than trusting the whole reply. Returns the
// number of parse problems encountered (0 = clean parse).
func extractResponse(raw string) (*aiResponse, int) {
	candidate := firstJSONObject(raw)
	if candidate != "" {
		var resp aiResponse
		if err := json.Unmarshal([]byte(candidate), &resp); err == nil {
			return &resp, 0
		}
	}
	// Degraded: keep the raw text as an unstructured summary.
	summary := strings.TrimSpace(raw)
	const maxSummary = 2000
	if len(summary) > maxSummary {
		summary = summary[:maxSummary]
	}
	return &aiResponse{Summary: summary}, 1
}

// firstJSONObject returns the first brace-balanced substring, skipping
// braces inside JSON strings.
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
