// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerStderrOnly(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Stderr: &buf})
	defer logger.Close()

	logger.Info("job accepted", "job_id", "j-1")
	logger.Debug("should be filtered")

	out := buf.String()
	if !strings.Contains(out, "job accepted") {
		t.Errorf("Expected info message in output, got: %q", out)
	}
	if !strings.Contains(out, "job_id=j-1") {
		t.Errorf("Expected structured attr in output, got: %q", out)
	}
	if strings.Contains(out, "should be filtered") {
		t.Errorf("Debug message leaked through Info filter: %q", out)
	}
}

func TestLoggerFileOutput(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, LogDir: dir, Service: "testsvc", Stderr: &buf})

	logger.Warn("store write dropped", "analysis_id", "a-9")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log file, found %d", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "testsvc_") {
		t.Errorf("Unexpected log file name %q", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("Log file is not JSON: %v (%q)", err, data)
	}
	if record["msg"] != "store write dropped" {
		t.Errorf("Expected msg field, got %v", record["msg"])
	}
	if record["analysis_id"] != "a-9" {
		t.Errorf("Expected analysis_id attr, got %v", record["analysis_id"])
	}
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Stderr: &buf})
	child := logger.With("session_id", "s-1")
	child.Info("connected")

	if !strings.Contains(buf.String(), "session_id=s-1") {
		t.Errorf("Derived logger lost attrs: %q", buf.String())
	}
}

func TestCloseIdempotent(t *testing.T) {
	logger := New(Config{Level: LevelInfo, LogDir: t.TempDir(), Stderr: &bytes.Buffer{}})
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
