// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
)

func issue(sev datatypes.Severity, line int, msg string) datatypes.Issue {
	return datatypes.Issue{Severity: sev, Line: line, Message: msg, Source: "test"}
}

func TestMergeCleanCode(t *testing.T) {
	req := &Request{Code: "x = 1\n", Language: "python"}
	merged := Merge(req, []*datatypes.Report{
		{Analyzer: "static-python", Metrics: datatypes.Metrics{LinesOfCode: 2}},
	})

	assert.Equal(t, 8.0, merged.OverallScore)
	assert.Equal(t, "excellent", merged.QualityLabel)
	assert.Contains(t, merged.Summary, "no issues found")
	assert.False(t, merged.Partial)
	assert.Empty(t, merged.Issues)
}

func TestMergeSingleCriticalScoresFour(t *testing.T) {
	req := &Request{Code: "def f():\n    return 1/0\n", Language: "python"}
	merged := Merge(req, []*datatypes.Report{
		{
			Analyzer: "static-python",
			Issues:   []datatypes.Issue{issue(datatypes.SeverityCritical, 2, "Division by zero literal")},
		},
	})

	assert.Equal(t, 4.0, merged.OverallScore)
	assert.LessOrEqual(t, merged.OverallScore, 4.0)
	assert.Equal(t, "poor", merged.QualityLabel)
}

func TestMergeScoreFloor(t *testing.T) {
	issues := make([]datatypes.Issue, 0, 40)
	for i := 0; i < 40; i++ {
		issues = append(issues, issue(datatypes.SeverityCritical, i+1, "boom"))
	}
	merged := Merge(&Request{Code: "x", Language: "python"}, []*datatypes.Report{
		{Analyzer: "static-python", Issues: issues},
	})

	assert.Equal(t, 1.0, merged.OverallScore)
	assert.Equal(t, "critical", merged.QualityLabel)
}

func TestMergeSortsBySeverityThenLine(t *testing.T) {
	merged := Merge(&Request{Code: "x", Language: "python"}, []*datatypes.Report{
		{Analyzer: "a", Issues: []datatypes.Issue{
			issue(datatypes.SeverityLow, 1, "low first in input"),
			issue(datatypes.SeverityCritical, 9, "critical late line"),
			issue(datatypes.SeverityCritical, 2, "critical early line"),
			issue(datatypes.SeverityHigh, 5, "high"),
		}},
	})

	require.Len(t, merged.Issues, 4)
	assert.Equal(t, datatypes.SeverityCritical, merged.Issues[0].Severity)
	assert.Equal(t, 2, merged.Issues[0].Line)
	assert.Equal(t, 9, merged.Issues[1].Line)
	assert.Equal(t, datatypes.SeverityHigh, merged.Issues[2].Severity)
	assert.Equal(t, datatypes.SeverityLow, merged.Issues[3].Severity)
}

func TestMergeDeduplicatesAcrossAnalyzers(t *testing.T) {
	dup := issue(datatypes.SeverityHigh, 3, "same finding")
	merged := Merge(&Request{Code: "x", Language: "python"}, []*datatypes.Report{
		{Analyzer: "a", Issues: []datatypes.Issue{dup}},
		{Analyzer: "b", Issues: []datatypes.Issue{dup}},
	})

	assert.Len(t, merged.Issues, 1)
	assert.Equal(t, 1, merged.Metrics.IssueCount)
}

func TestMergePartialFailure(t *testing.T) {
	merged := Merge(&Request{Code: "x", Language: "python"}, []*datatypes.Report{
		{Analyzer: "static-python", Issues: []datatypes.Issue{issue(datatypes.SeverityLow, 1, "nit")}},
		{Analyzer: "tool-pylint", TimedOut: true, Error: "deadline exceeded"},
	})

	assert.True(t, merged.Partial)
	assert.Contains(t, merged.Summary, "tool-pylint")
	// The timed-out worker contributes no issues.
	assert.Len(t, merged.Issues, 1)
	assert.ElementsMatch(t, []string{"static-python", "tool-pylint"}, merged.Analyzers)
}

func TestMergeNoAnalyzers(t *testing.T) {
	merged := Merge(&Request{Code: "x", Language: "cobol"}, nil)

	assert.Equal(t, 8.0, merged.OverallScore)
	assert.Contains(t, merged.Summary, `no analyzers available for language "cobol"`)
	assert.NotNil(t, merged.Issues)
	assert.Empty(t, merged.Issues)
}

func TestMergeSuggestionCapSmallInput(t *testing.T) {
	req := &Request{Code: "def f():\n    return 1\n", Language: "python"}
	merged := Merge(req, []*datatypes.Report{
		{Analyzer: "a", Suggestions: []string{
			"Refactor into smaller functions",
			"Add a docstring describing the return value",
			"Use caching for repeated calls",
			"Validate input arguments before use",
			"Add error handling around the division",
		}},
	})

	require.Len(t, merged.Suggestions, 3)
	// Documentation, validation and error handling outrank generic
	// advice for tiny snippets.
	assert.Contains(t, merged.Suggestions[0], "docstring")
	assert.Contains(t, merged.Suggestions[1], "Validate")
	assert.Contains(t, merged.Suggestions[2], "error handling")
}

func TestMergeSuggestionCapLargeInput(t *testing.T) {
	code := ""
	for i := 0; i < 50; i++ {
		code += "x = 1\n"
	}
	merged := Merge(&Request{Code: code, Language: "python"}, []*datatypes.Report{
		{Analyzer: "a", Suggestions: []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7"}},
	})

	assert.Len(t, merged.Suggestions, 5)
}

func TestMergeMetricsAverageAndSum(t *testing.T) {
	merged := Merge(&Request{Code: "x", Language: "go"}, []*datatypes.Report{
		{Analyzer: "a", Metrics: datatypes.Metrics{LinesOfCode: 10, ComplexityScore: 4, Maintainability: 80}},
		{Analyzer: "b", Metrics: datatypes.Metrics{LinesOfCode: 10, ComplexityScore: 2, Maintainability: 60}},
	})

	assert.Equal(t, 10, merged.Metrics.LinesOfCode)
	assert.Equal(t, 3.0, merged.Metrics.ComplexityScore)
	assert.Equal(t, 70.0, merged.Metrics.Maintainability)
}
