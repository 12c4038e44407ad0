// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
)

// Severity weights for the overall score. A clean submission scores 8,
// not 10: automated review can vouch for the absence of known issue
// patterns, not for excellence.
const (
	weightCritical = 2.0
	weightHigh     = 1.0
	weightMedium   = 0.4
	weightLow      = 0.1

	cleanScore = 8.0
)

// suggestion caps by input size. Tiny snippets get a couple of focused
// suggestions, not a wall of generic advice.
const (
	smallInputLines    = 10
	smallSuggestionCap = 3
	suggestionCap      = 5
)

// Merge folds per-analyzer reports into one ranked result.
//
// # Description
//
// Issues are deduplicated and sorted by severity rank, then line.
// Metrics counts sum; index-like metrics average across the reports
// that supplied them. Reports marked failed or timed out contribute no
// issues but set the partial flag and appear in the summary.
//
// # Scoring
//
// overall = max(1, 8 / (1 + weighted/2)) where weighted sums severity
// weights over all merged issues. One critical issue maps to 4.0.
func Merge(req *Request, reports []*datatypes.Report) *datatypes.MergedResult {
	if len(reports) == 0 {
		return &datatypes.MergedResult{
			Issues:       []datatypes.Issue{},
			Suggestions:  []string{},
			OverallScore: cleanScore,
			QualityLabel: qualityLabel(cleanScore),
			Summary:      fmt.Sprintf("no analyzers available for language %q", req.Language),
			Analyzers:    []string{},
			Metrics:      datatypes.Metrics{LinesOfCode: req.Lines()},
		}
	}

	var (
		issues      []datatypes.Issue
		suggestions []string
		analyzers   []string
		failed      []string
		ai          *datatypes.AIMetadata

		loc        int
		complexSum float64
		complexN   int
		maintSum   float64
		maintN     int
	)
	seen := make(map[string]struct{})

	for _, rep := range reports {
		analyzers = append(analyzers, rep.Analyzer)
		if rep.Failed || rep.TimedOut {
			failed = append(failed, rep.Analyzer)
			continue
		}
		for _, is := range rep.Issues {
			key := fmt.Sprintf("%s|%d|%s", is.Severity, is.Line, is.Message)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			issues = append(issues, is)
		}
		suggestions = append(suggestions, rep.Suggestions...)
		if rep.Metrics.LinesOfCode > loc {
			loc = rep.Metrics.LinesOfCode
		}
		if rep.Metrics.ComplexityScore > 0 {
			complexSum += rep.Metrics.ComplexityScore
			complexN++
		}
		if rep.Metrics.Maintainability > 0 {
			maintSum += rep.Metrics.Maintainability
			maintN++
		}
		if rep.AI != nil {
			ai = rep.AI
		}
	}

	sort.SliceStable(issues, func(i, j int) bool {
		ri, rj := issues[i].Severity.Rank(), issues[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return issues[i].Line < issues[j].Line
	})

	score := overallScore(issues)
	merged := &datatypes.MergedResult{
		Issues:       issues,
		Suggestions:  capSuggestions(suggestions, req, issues),
		OverallScore: score,
		QualityLabel: qualityLabel(score),
		Summary:      buildSummary(issues, failed, score),
		Analyzers:    analyzers,
		Partial:      len(failed) > 0,
		AI:           ai,
		Metrics: datatypes.Metrics{
			LinesOfCode: loc,
			IssueCount:  len(issues),
		},
	}
	if merged.Issues == nil {
		merged.Issues = []datatypes.Issue{}
	}
	if complexN > 0 {
		merged.Metrics.ComplexityScore = complexSum / float64(complexN)
	}
	if maintN > 0 {
		merged.Metrics.Maintainability = maintSum / float64(maintN)
	}
	return merged
}

func overallScore(issues []datatypes.Issue) float64 {
	weighted := 0.0
	for _, is := range issues {
		switch is.Severity {
		case datatypes.SeverityCritical:
			weighted += weightCritical
		case datatypes.SeverityHigh:
			weighted += weightHigh
		case datatypes.SeverityMedium:
			weighted += weightMedium
		case datatypes.SeverityLow:
			weighted += weightLow
		}
	}
	score := cleanScore / (1 + weighted/2)
	if score < 1 {
		return 1
	}
	return score
}

func qualityLabel(score float64) string {
	switch {
	case score >= 8:
		return "excellent"
	case score >= 6.5:
		return "good"
	case score >= 5:
		return "fair"
	case score >= 3:
		return "poor"
	default:
		return "critical"
	}
}

// capSuggestions dedupes and caps the suggestion list. For small inputs
// suggestions favoring documentation, validation and error handling are
// kept first; everything else fills the remainder.
func capSuggestions(suggestions []string, req *Request, issues []datatypes.Issue) []string {
	for _, is := range issues {
		if is.Suggestion != "" {
			suggestions = append(suggestions, is.Suggestion)
		}
	}

	var deduped []string
	seen := make(map[string]struct{})
	for _, s := range suggestions {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, s)
	}

	limit := suggestionCap
	if req.Lines() <= smallInputLines {
		limit = smallSuggestionCap
		sort.SliceStable(deduped, func(i, j int) bool {
			return suggestionPriority(deduped[i]) < suggestionPriority(deduped[j])
		})
	}
	if len(deduped) > limit {
		deduped = deduped[:limit]
	}
	if deduped == nil {
		deduped = []string{}
	}
	return deduped
}

func suggestionPriority(s string) int {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "docstring") || strings.Contains(lower, "document"):
		return 0
	case strings.Contains(lower, "validat") || strings.Contains(lower, "input"):
		return 1
	case strings.Contains(lower, "error") || strings.Contains(lower, "exception"):
		return 2
	default:
		return 3
	}
}

func buildSummary(issues []datatypes.Issue, failed []string, score float64) string {
	counts := make(map[datatypes.Severity]int)
	for _, is := range issues {
		counts[is.Severity]++
	}
	var parts []string
	for _, sev := range []datatypes.Severity{
		datatypes.SeverityCritical,
		datatypes.SeverityHigh,
		datatypes.SeverityMedium,
		datatypes.SeverityLow,
	} {
		if n := counts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	var b strings.Builder
	if len(parts) == 0 {
		b.WriteString("no issues found")
	} else {
		b.WriteString("found " + strings.Join(parts, ", "))
	}
	fmt.Fprintf(&b, "; score %.1f/10", score)
	if len(failed) > 0 {
		fmt.Fprintf(&b, " (partial: %s did not complete)", strings.Join(failed, ", "))
	}
	return b.String()
}
