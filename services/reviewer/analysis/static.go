// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"regexp"
	"strings"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
)

// pattern is one built-in rule applied line by line.
type pattern struct {
	id       string
	re       *regexp.Regexp
	severity datatypes.Severity
	category string
	message  string
}

var pythonPatterns = []pattern{
	{
		id:       "PY-DIV-ZERO",
		re:       regexp.MustCompile(`/\s*0(?:[^.\d\w]|$)`),
		severity: datatypes.SeverityCritical,
		category: "bug",
		message:  "Division by zero literal",
	},
	{
		id:       "PY-BARE-EXCEPT",
		re:       regexp.MustCompile(`^\s*except\s*:`),
		severity: datatypes.SeverityMedium,
		category: "error-handling",
		message:  "Bare except clause swallows all exceptions including SystemExit",
	},
	{
		id:       "PY-MUTABLE-DEFAULT",
		re:       regexp.MustCompile(`def\s+\w+\([^)]*=\s*(\[\]|\{\})`),
		severity: datatypes.SeverityHigh,
		category: "bug",
		message:  "Mutable default argument is shared across calls",
	},
	{
		id:       "PY-OPEN-NO-WITH",
		re:       regexp.MustCompile(`^\s*\w+\s*=\s*open\(`),
		severity: datatypes.SeverityMedium,
		category: "resource-handling",
		message:  "File opened without a with-statement; handle may leak on error",
	},
	{
		id:       "PY-EQ-NONE",
		re:       regexp.MustCompile(`[=!]=\s*None\b`),
		severity: datatypes.SeverityLow,
		category: "style",
		message:  "Comparison to None should use 'is' / 'is not'",
	},
	{
		id:       "PY-ASSERT-PROD",
		re:       regexp.MustCompile(`^\s*assert\s+`),
		severity: datatypes.SeverityLow,
		category: "robustness",
		message:  "assert statements are stripped under -O; do not rely on them for validation",
	},
	{
		id:       "PY-TODO",
		re:       regexp.MustCompile(`#\s*(TODO|FIXME|XXX)`),
		severity: datatypes.SeverityLow,
		category: "maintainability",
		message:  "Unresolved TODO/FIXME marker",
	},
}

var goPatterns = []pattern{
	{
		id:       "GO-DIV-ZERO",
		re:       regexp.MustCompile(`/\s*0(?:[^.\d\w]|$)`),
		severity: datatypes.SeverityCritical,
		category: "bug",
		message:  "Division by zero literal",
	},
	{
		id:       "GO-ERR-DISCARD",
		re:       regexp.MustCompile(`(^|\s)_\s*(,\s*_\s*)?=\s*\w+[\w.]*\(`),
		severity: datatypes.SeverityMedium,
		category: "error-handling",
		message:  "Return value discarded with blank identifier; error may be ignored",
	},
	{
		id:       "GO-PANIC",
		re:       regexp.MustCompile(`\bpanic\(`),
		severity: datatypes.SeverityMedium,
		category: "robustness",
		message:  "panic in library code; prefer returning an error",
	},
	{
		id:       "GO-FMT-PRINT",
		re:       regexp.MustCompile(`\bfmt\.Print(ln|f)?\(`),
		severity: datatypes.SeverityLow,
		category: "style",
		message:  "fmt.Print in non-CLI code; prefer structured logging",
	},
	{
		id:       "GO-TODO",
		re:       regexp.MustCompile(`//\s*(TODO|FIXME|XXX)`),
		severity: datatypes.SeverityLow,
		category: "maintainability",
		message:  "Unresolved TODO/FIXME marker",
	},
}

var javascriptPatterns = []pattern{
	{
		id:       "JS-DIV-ZERO",
		re:       regexp.MustCompile(`/\s*0(?:[^.\d\w]|$)`),
		severity: datatypes.SeverityHigh,
		category: "bug",
		message:  "Division by zero literal yields Infinity/NaN",
	},
	{
		id:       "JS-LOOSE-EQ",
		re:       regexp.MustCompile(`[^=!<>]==[^=]|!=[^=]`),
		severity: datatypes.SeverityMedium,
		category: "bug",
		message:  "Loose equality performs type coercion; use === / !==",
	},
	{
		id:       "JS-VAR",
		re:       regexp.MustCompile(`^\s*var\s+\w`),
		severity: datatypes.SeverityLow,
		category: "style",
		message:  "var is function-scoped; prefer let or const",
	},
	{
		id:       "JS-CONSOLE",
		re:       regexp.MustCompile(`\bconsole\.(log|debug)\(`),
		severity: datatypes.SeverityLow,
		category: "style",
		message:  "console logging left in code",
	},
	{
		id:       "JS-TODO",
		re:       regexp.MustCompile(`//\s*(TODO|FIXME|XXX)`),
		severity: datatypes.SeverityLow,
		category: "maintainability",
		message:  "Unresolved TODO/FIXME marker",
	},
}

// complexityTokens drive the rough cyclomatic estimate. Each match adds
// one decision point on top of the base complexity of 1.
var complexityTokens = regexp.MustCompile(`\b(if|else if|elif|for|while|case|catch|except|&&|\|\|)\b`)

// StaticAnalyzer runs a built-in pattern table for one language family.
type StaticAnalyzer struct {
	name     string
	patterns []pattern
}

// NewStaticAnalyzer returns an analyzer backed by the built-in pattern
// table for the language, or nil for languages without one.
func NewStaticAnalyzer(language string) *StaticAnalyzer {
	switch normalizeLanguage(language) {
	case "python":
		return &StaticAnalyzer{name: "static-python", patterns: pythonPatterns}
	case "go":
		return &StaticAnalyzer{name: "static-go", patterns: goPatterns}
	case "javascript":
		return &StaticAnalyzer{name: "static-javascript", patterns: javascriptPatterns}
	default:
		return nil
	}
}

func (s *StaticAnalyzer) Name() string   { return s.name }
func (s *StaticAnalyzer) External() bool { return false }

// Analyze scans the request line by line against the pattern table.
func (s *StaticAnalyzer) Analyze(ctx context.Context, req *Request) (*datatypes.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lines := strings.Split(req.Code, "\n")
	var issues []datatypes.Issue
	for lineNo, line := range lines {
		if isCommentOnly(line, req.Language) {
			// TODO markers are the only rule that applies to comments.
			for _, p := range s.patterns {
				if p.category == "maintainability" && p.re.MatchString(line) {
					issues = append(issues, newIssue(p, s.name, lineNo+1))
				}
			}
			continue
		}
		for _, p := range s.patterns {
			if p.re.MatchString(line) {
				issues = append(issues, newIssue(p, s.name, lineNo+1))
			}
		}
	}

	loc := req.Lines()
	complexity := 1 + len(complexityTokens.FindAllString(req.Code, -1))
	report := &datatypes.Report{
		Analyzer: s.name,
		Issues:   issues,
		Metrics: datatypes.Metrics{
			LinesOfCode:     loc,
			IssueCount:      len(issues),
			ComplexityScore: float64(complexity),
			Maintainability: maintainability(loc, len(issues), complexity),
		},
		Score: analyzerScore(issues),
	}
	return report, nil
}

func newIssue(p pattern, analyzer string, line int) datatypes.Issue {
	return datatypes.Issue{
		Rule:     p.id,
		Severity: p.severity,
		Category: p.category,
		Message:  p.message,
		Line:     line,
		Source:   analyzer,
	}
}

func isCommentOnly(line, language string) bool {
	trimmed := strings.TrimSpace(line)
	switch normalizeLanguage(language) {
	case "python":
		return strings.HasPrefix(trimmed, "#")
	case "go", "javascript":
		return strings.HasPrefix(trimmed, "//")
	default:
		return false
	}
}

// analyzerScore is the per-analyzer quality score on a 1..10 scale,
// deducting 3.0 per critical, 2.0 per high, 1.0 per medium and 0.5 per
// low issue from a perfect 10.
func analyzerScore(issues []datatypes.Issue) float64 {
	score := 10.0
	for _, is := range issues {
		switch is.Severity {
		case datatypes.SeverityCritical:
			score -= 3.0
		case datatypes.SeverityHigh:
			score -= 2.0
		case datatypes.SeverityMedium:
			score -= 1.0
		case datatypes.SeverityLow:
			score -= 0.5
		}
	}
	if score < 1 {
		return 1
	}
	return score
}

func maintainability(loc, issueCount, complexity int) float64 {
	if loc == 0 {
		return 100
	}
	m := 100.0 - 4.0*float64(issueCount) - 1.5*float64(complexity-1)
	if loc > 200 {
		m -= float64(loc-200) / 20
	}
	if m < 0 {
		return 0
	}
	return m
}
