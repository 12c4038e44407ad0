// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analysis implements the analyzer fan-out and result merging.
//
// A job fans out to every analyzer registered for its language. Built-in
// analyzers run pattern tables in-process; external analyzers shell out
// to tool binaries through the subprocess admission gate. Workers run
// concurrently, each with its own timeout, and one worker's failure
// never cancels its siblings — it contributes a partial-failure marker
// to the merge instead.
package analysis

import (
	"context"
	"strings"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
)

// Request is one analysis unit handed to every worker.
type Request struct {
	Code     string
	Language string
	Filename string

	// Tools restricts external analyzers to the named subset. Empty
	// means every registered analyzer runs.
	Tools []string
}

// Lines returns the number of code lines in the request.
func (r *Request) Lines() int {
	if r.Code == "" {
		return 0
	}
	return strings.Count(r.Code, "\n") + 1
}

// Analyzer is one independent analysis worker.
type Analyzer interface {
	// Name identifies the analyzer in reports and logs.
	Name() string

	// External reports whether Analyze spawns a subprocess. External
	// analyzers are bounded by the subprocess admission gate.
	External() bool

	// Analyze produces a report for the request. Implementations honor
	// ctx cancellation at their suspension points.
	Analyze(ctx context.Context, req *Request) (*datatypes.Report, error)
}

// Registry maps languages to their registered analyzers.
type Registry struct {
	byLanguage map[string][]Analyzer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byLanguage: make(map[string][]Analyzer)}
}

// Register adds an analyzer for the given languages.
func (r *Registry) Register(a Analyzer, languages ...string) {
	for _, lang := range languages {
		key := normalizeLanguage(lang)
		r.byLanguage[key] = append(r.byLanguage[key], a)
	}
}

// For returns the analyzers registered for a language. A language with
// no analyzers yields an empty slice, never an error.
func (r *Registry) For(language string) []Analyzer {
	return r.byLanguage[normalizeLanguage(language)]
}

// Languages returns every language with at least one analyzer.
func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.byLanguage))
	for lang := range r.byLanguage {
		out = append(out, lang)
	}
	return out
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	switch lang {
	case "py", "python3":
		return "python"
	case "js", "node", "ecmascript":
		return "javascript"
	case "golang":
		return "go"
	default:
		return lang
	}
}
