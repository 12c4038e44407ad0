// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"time"
)

// Severity ranks an issue. Rank order: critical < high < medium < low
// (lower rank sorts first).
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank returns the sort rank for the severity (critical=0 .. low=3).
// Unknown severities rank after low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// ParseSeverity normalizes a tool-reported severity string.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "fatal", "blocker":
		return SeverityCritical
	case "high", "error", "major":
		return SeverityHigh
	case "medium", "warning", "minor":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Issue is a single finding reported by an analyzer.
type Issue struct {
	Severity   Severity `json:"severity"`
	Category   string   `json:"category"`
	Message    string   `json:"message"`
	Line       int      `json:"line,omitempty"`
	Column     int      `json:"column,omitempty"`
	Rule       string   `json:"rule,omitempty"`
	Source     string   `json:"source"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Metrics are numeric measurements reported by an analyzer. When reports
// are merged, counts sum and index-like scores average.
type Metrics struct {
	LinesOfCode     int     `json:"linesOfCode"`
	IssueCount      int     `json:"issueCount"`
	ComplexityScore float64 `json:"complexityScore,omitempty"`
	Maintainability float64 `json:"maintainability,omitempty"`
}

// AIMetadata is the optional AI-specific sub-structure of a report.
// Present only on reports produced by the AI analyzer.
type AIMetadata struct {
	Model       string `json:"model"`
	Summary     string `json:"summary,omitempty"`
	TokensUsed  int    `json:"tokensUsed,omitempty"`
	FromCache   bool   `json:"fromCache,omitempty"`
	Degraded    bool   `json:"degraded,omitempty"`
	ParseErrors int    `json:"parseErrors,omitempty"`
}

// Report is the output of a single analyzer worker.
type Report struct {
	Analyzer    string      `json:"analyzer"`
	Issues      []Issue     `json:"issues"`
	Suggestions []string    `json:"suggestions,omitempty"`
	Metrics     Metrics     `json:"metrics"`
	Score       float64     `json:"score,omitempty"`
	TimedOut    bool        `json:"timedOut,omitempty"`
	Failed      bool        `json:"failed,omitempty"`
	Error       string      `json:"error,omitempty"`
	Duration    float64     `json:"durationSeconds,omitempty"`
	AI          *AIMetadata `json:"ai,omitempty"`
}

// MergedResult is the ranked union of all analyzer reports for one job.
type MergedResult struct {
	Issues       []Issue     `json:"issues"`
	Suggestions  []string    `json:"suggestions"`
	Metrics      Metrics     `json:"metrics"`
	OverallScore float64     `json:"overallScore"`
	QualityLabel string      `json:"qualityLabel"`
	Summary      string      `json:"summary"`
	Analyzers    []string    `json:"analyzers"`
	Partial      bool        `json:"partial,omitempty"`
	AI           *AIMetadata `json:"ai,omitempty"`
}

// StoredResult is the durable record of one analysis, persisted as a
// flat JSON document keyed by AnalysisID. Ownership passes from the
// lifecycle manager to the result store on terminal transition.
type StoredResult struct {
	AnalysisID     string        `json:"analysisId"`
	SessionID      string        `json:"sessionId"`
	ClientAddress  string        `json:"clientAddress"`
	ContentHash    string        `json:"contentHash"`
	Payload        *MergedResult `json:"payload,omitempty"`
	ErrorMessage   string        `json:"errorMessage,omitempty"`
	Status         JobStatus     `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	CompletedAt    time.Time     `json:"completedAt,omitempty"`
	TTLSeconds     int           `json:"ttlSeconds"`
	RetrievalCount int           `json:"retrievalCount"`
	MaxRetrievals  int           `json:"maxRetrievals"`
}

// IsRetrievable reports whether the record may still be served: inside
// its TTL and under its retrieval cap.
func (r *StoredResult) IsRetrievable(now time.Time) bool {
	if r.TTLSeconds > 0 {
		expiry := r.CreatedAt.Add(time.Duration(r.TTLSeconds) * time.Second)
		if !now.Before(expiry) {
			return false
		}
	}
	if r.MaxRetrievals > 0 && r.RetrievalCount >= r.MaxRetrievals {
		return false
	}
	return true
}

// ResultSummary is one row of a client result listing.
type ResultSummary struct {
	AnalysisID     string    `json:"analysisId"`
	Status         JobStatus `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	CompletedAt    time.Time `json:"completedAt,omitempty"`
	HasResult      bool      `json:"hasResult"`
	RetrievalCount int       `json:"retrievalCount"`
}
