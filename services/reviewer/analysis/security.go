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

// securityRule is one pre-compiled security finding rule.
type securityRule struct {
	id        string
	re        *regexp.Regexp
	severity  datatypes.Severity
	message   string
	languages []string // empty = all languages
}

// DefaultSecurityRules is the built-in security rule set.
//
// # Rule Categories
//
//   - SECRETS: hardcoded credentials and API keys
//   - INJECTION: string-built SQL and shell commands
//   - EXEC: dynamic code evaluation
//   - DESERIAL: unsafe deserialization
//   - CRYPTO: weak or misused cryptography
var DefaultSecurityRules = []securityRule{
	{
		id:       "SEC-HARDCODED-SECRET",
		re:       regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|password|passwd|auth[_-]?token|access[_-]?token)\s*[:=]\s*["'][^"']{4,}["']`),
		severity: datatypes.SeverityCritical,
		message:  "Hardcoded credential; move to environment or secret manager",
	},
	{
		id:       "SEC-PRIVATE-KEY",
		re:       regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`),
		severity: datatypes.SeverityCritical,
		message:  "Private key material embedded in source",
	},
	{
		id:       "SEC-SQL-CONCAT",
		re:       regexp.MustCompile(`(?i)(select|insert|update|delete)\s+.*(\+\s*\w+|%s.*%\s*\(|\$\{|f["'])`),
		severity: datatypes.SeverityHigh,
		message:  "SQL built by string interpolation; use parameterized queries",
	},
	{
		id:        "SEC-EVAL",
		re:        regexp.MustCompile(`\beval\s*\(`),
		severity:  datatypes.SeverityHigh,
		message:   "eval on dynamic input enables code injection",
		languages: []string{"python", "javascript"},
	},
	{
		id:        "SEC-EXEC",
		re:        regexp.MustCompile(`\bexec\s*\(`),
		severity:  datatypes.SeverityHigh,
		message:   "exec on dynamic input enables code injection",
		languages: []string{"python"},
	},
	{
		id:        "SEC-SHELL-TRUE",
		re:        regexp.MustCompile(`subprocess\.\w+\([^)]*shell\s*=\s*True`),
		severity:  datatypes.SeverityHigh,
		message:   "subprocess with shell=True; argument injection risk",
		languages: []string{"python"},
	},
	{
		id:        "SEC-PICKLE",
		re:        regexp.MustCompile(`pickle\.loads?\(`),
		severity:  datatypes.SeverityHigh,
		message:   "pickle deserialization of untrusted data executes arbitrary code",
		languages: []string{"python"},
	},
	{
		id:        "SEC-YAML-LOAD",
		re:        regexp.MustCompile(`yaml\.load\((?:[^)]*)?\)`),
		severity:  datatypes.SeverityMedium,
		message:   "yaml.load without SafeLoader may instantiate arbitrary objects",
		languages: []string{"python"},
	},
	{
		id:       "SEC-WEAK-HASH",
		re:       regexp.MustCompile(`(?i)\b(md5|sha1)\s*\(`),
		severity: datatypes.SeverityMedium,
		message:  "Weak hash algorithm; use SHA-256 or stronger",
	},
	{
		id:       "SEC-TLS-SKIP-VERIFY",
		re:       regexp.MustCompile(`(InsecureSkipVerify\s*:\s*true|verify\s*=\s*False)`),
		severity: datatypes.SeverityHigh,
		message:  "TLS certificate verification disabled",
	},
	{
		id:        "SEC-INNERHTML",
		re:        regexp.MustCompile(`\.innerHTML\s*=`),
		severity:  datatypes.SeverityMedium,
		message:   "innerHTML assignment; XSS risk with untrusted data",
		languages: []string{"javascript"},
	},
}

// SecurityAnalyzer scans code against the built-in security rule set.
//
// # Thread Safety
//
// Safe for concurrent use. Rules are pre-compiled package-level state.
type SecurityAnalyzer struct {
	rules []securityRule
}

// NewSecurityAnalyzer returns a scanner over DefaultSecurityRules.
func NewSecurityAnalyzer() *SecurityAnalyzer {
	return &SecurityAnalyzer{rules: DefaultSecurityRules}
}

func (s *SecurityAnalyzer) Name() string   { return "security-scan" }
func (s *SecurityAnalyzer) External() bool { return false }

// Analyze applies every rule matching the request language to each line.
func (s *SecurityAnalyzer) Analyze(ctx context.Context, req *Request) (*datatypes.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lang := normalizeLanguage(req.Language)
	var issues []datatypes.Issue
	for lineNo, line := range strings.Split(req.Code, "\n") {
		for _, rule := range s.rules {
			if !rule.appliesTo(lang) {
				continue
			}
			if rule.re.MatchString(line) {
				issues = append(issues, datatypes.Issue{
					Rule:     rule.id,
					Severity: rule.severity,
					Category: "security",
					Message:  rule.message,
					Line:     lineNo + 1,
					Source:   s.Name(),
				})
			}
		}
	}

	return &datatypes.Report{
		Analyzer: s.Name(),
		Issues:   issues,
		Metrics: datatypes.Metrics{
			LinesOfCode: req.Lines(),
			IssueCount:  len(issues),
		},
		Score: analyzerScore(issues),
	}, nil
}

func (r *securityRule) appliesTo(lang string) bool {
	if len(r.languages) == 0 {
		return true
	}
	for _, l := range r.languages {
		if l == lang {
			return true
		}
	}
	return false
}
