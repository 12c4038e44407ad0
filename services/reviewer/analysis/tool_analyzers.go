// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/breaker"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/tools"
)

// outputParser converts a tool's raw output into issues. Parsers are
// tolerant: unparseable output yields an error, never a panic.
type outputParser func(res *tools.Result, source string) ([]datatypes.Issue, error)

// ToolAnalyzer shells out to one external linter binary. Invocations
// run through the shared subprocess runner; availability of the breaker
// for the tool is checked per call so an unhealthy binary stops being
// spawned after repeated failures.
type ToolAnalyzer struct {
	tool    string
	args    []string
	fileExt string
	parse   outputParser

	runner   *tools.Runner
	breakers *breaker.Registry
}

func (t *ToolAnalyzer) Name() string   { return "tool-" + t.tool }
func (t *ToolAnalyzer) External() bool { return true }

// NewPylintAnalyzer lints Python via pylint's JSON reporter.
func NewPylintAnalyzer(runner *tools.Runner, breakers *breaker.Registry) *ToolAnalyzer {
	return &ToolAnalyzer{
		tool:     "pylint",
		args:     []string{"--output-format=json", "--score=n", "{file}"},
		fileExt:  ".py",
		parse:    parsePylint,
		runner:   runner,
		breakers: breakers,
	}
}

// NewBanditAnalyzer scans Python for security issues via bandit.
func NewBanditAnalyzer(runner *tools.Runner, breakers *breaker.Registry) *ToolAnalyzer {
	return &ToolAnalyzer{
		tool:     "bandit",
		args:     []string{"-f", "json", "-q", "{file}"},
		fileExt:  ".py",
		parse:    parseBandit,
		runner:   runner,
		breakers: breakers,
	}
}

// NewESLintAnalyzer lints JavaScript via eslint's JSON formatter. The
// run ignores any project config so results depend only on the
// submitted snippet.
func NewESLintAnalyzer(runner *tools.Runner, breakers *breaker.Registry) *ToolAnalyzer {
	return &ToolAnalyzer{
		tool:     "eslint",
		args:     []string{"--format", "json", "--no-eslintrc", "--env", "es2022", "{file}"},
		fileExt:  ".js",
		parse:    parseESLint,
		runner:   runner,
		breakers: breakers,
	}
}

// NewGoVetAnalyzer vets a single Go file.
func NewGoVetAnalyzer(runner *tools.Runner, breakers *breaker.Registry) *ToolAnalyzer {
	return &ToolAnalyzer{
		tool:     "govet",
		args:     []string{"{file}"},
		fileExt:  ".go",
		parse:    parseGoVet,
		runner:   runner,
		breakers: breakers,
	}
}

// Available reports whether the tool binary can be found on PATH. The
// service skips registering unavailable tools at startup.
func (t *ToolAnalyzer) Available() bool {
	binary := t.tool
	if t.tool == "govet" {
		binary = "go"
	}
	return t.runner.Available(binary)
}

// Analyze runs the tool and parses its output. Calls are guarded by the
// tool's circuit breaker: an open breaker fails fast without spawning.
func (t *ToolAnalyzer) Analyze(ctx context.Context, req *Request) (*datatypes.Report, error) {
	var brk *breaker.Breaker
	if dep, ok := breaker.ToolDependency(t.tool); ok {
		brk = t.breakers.Get(dep)
		if err := brk.Allow(); err != nil {
			return nil, fmt.Errorf("%s: %w", t.tool, err)
		}
	}

	res, err := t.run(ctx, req)
	if brk != nil {
		if err != nil {
			brk.RecordFailure()
		} else {
			brk.RecordSuccess()
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (t *ToolAnalyzer) run(ctx context.Context, req *Request) (*datatypes.Report, error) {
	inv := tools.Invocation{
		Tool:    t.tool,
		Args:    t.args,
		Code:    req.Code,
		FileExt: t.fileExt,
	}
	if t.tool == "govet" {
		inv.Tool = "go"
		inv.Args = append([]string{"vet"}, t.args...)
	}

	res, err := t.runner.Run(ctx, inv)
	if err != nil {
		return nil, err
	}

	issues, parseErr := t.parse(res, t.Name())
	if parseErr != nil {
		// A tool that ran but produced garbage is a tool failure, not a
		// job failure; the merge records the partial.
		slog.Warn("tool output unparseable",
			"tool", t.tool,
			"exit_code", res.ExitCode,
			"error", parseErr,
		)
		return nil, fmt.Errorf("parse %s output: %w", t.tool, parseErr)
	}

	return &datatypes.Report{
		Analyzer: t.Name(),
		Issues:   issues,
		Metrics: datatypes.Metrics{
			LinesOfCode: req.Lines(),
			IssueCount:  len(issues),
		},
		Score:    analyzerScore(issues),
		Duration: res.Duration.Seconds(),
	}, nil
}

// === Output parsers ===

type pylintMessage struct {
	Type      string `json:"type"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	Message   string `json:"message"`
	Symbol    string `json:"symbol"`
	MessageID string `json:"message-id"`
}

func parsePylint(res *tools.Result, source string) ([]datatypes.Issue, error) {
	out := strings.TrimSpace(string(res.Stdout))
	if out == "" || out == "[]" {
		return nil, nil
	}
	var msgs []pylintMessage
	if err := json.Unmarshal([]byte(out), &msgs); err != nil {
		return nil, err
	}
	issues := make([]datatypes.Issue, 0, len(msgs))
	for _, m := range msgs {
		sev := datatypes.SeverityLow
		switch m.Type {
		case "fatal":
			sev = datatypes.SeverityCritical
		case "error":
			sev = datatypes.SeverityHigh
		case "warning":
			sev = datatypes.SeverityMedium
		case "convention", "refactor":
			sev = datatypes.SeverityLow
		}
		issues = append(issues, datatypes.Issue{
			Rule:     m.Symbol,
			Severity: sev,
			Category: "lint",
			Message:  m.Message,
			Line:     m.Line,
			Column:   m.Column,
			Source:   source,
		})
	}
	return issues, nil
}

type banditOutput struct {
	Results []struct {
		Severity string `json:"issue_severity"`
		Text     string `json:"issue_text"`
		Line     int    `json:"line_number"`
		TestID   string `json:"test_id"`
	} `json:"results"`
}

func parseBandit(res *tools.Result, source string) ([]datatypes.Issue, error) {
	out := strings.TrimSpace(string(res.Stdout))
	if out == "" {
		return nil, nil
	}
	var parsed banditOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, err
	}
	issues := make([]datatypes.Issue, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		issues = append(issues, datatypes.Issue{
			Rule:     r.TestID,
			Severity: datatypes.ParseSeverity(r.Severity),
			Category: "security",
			Message:  r.Text,
			Line:     r.Line,
			Source:   source,
		})
	}
	return issues, nil
}

type eslintFile struct {
	Messages []struct {
		RuleID   string `json:"ruleId"`
		Severity int    `json:"severity"`
		Message  string `json:"message"`
		Line     int    `json:"line"`
		Column   int    `json:"column"`
	} `json:"messages"`
}

func parseESLint(res *tools.Result, source string) ([]datatypes.Issue, error) {
	out := strings.TrimSpace(string(res.Stdout))
	if out == "" || out == "[]" {
		return nil, nil
	}
	var files []eslintFile
	if err := json.Unmarshal([]byte(out), &files); err != nil {
		return nil, err
	}
	var issues []datatypes.Issue
	for _, f := range files {
		for _, m := range f.Messages {
			sev := datatypes.SeverityLow
			if m.Severity >= 2 {
				sev = datatypes.SeverityMedium
			}
			issues = append(issues, datatypes.Issue{
				Rule:     m.RuleID,
				Severity: sev,
				Category: "lint",
				Message:  m.Message,
				Line:     m.Line,
				Column:   m.Column,
				Source:   source,
			})
		}
	}
	return issues, nil
}

// govetLine matches "file.go:12:3: message".
var govetLine = regexp.MustCompile(`^.+\.go:(\d+):(?:(\d+):)?\s*(.+)$`)

func parseGoVet(res *tools.Result, source string) ([]datatypes.Issue, error) {
	var issues []datatypes.Issue
	for _, line := range strings.Split(string(res.Stderr), "\n") {
		m := govetLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		issue := datatypes.Issue{
			Severity: datatypes.SeverityMedium,
			Category: "vet",
			Message:  m[3],
			Source:   source,
		}
		fmt.Sscanf(m[1], "%d", &issue.Line)
		if m[2] != "" {
			fmt.Sscanf(m[2], "%d", &issue.Column)
		}
		issues = append(issues, issue)
	}
	return issues, nil
}
