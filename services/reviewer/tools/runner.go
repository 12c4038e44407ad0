// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools runs external analyzer binaries as subprocesses with a
// hard per-invocation timeout and a paced spawn rate.
//
// The timeout is the backstop for cooperative cancellation: a cancelled
// job's subprocess is killed by its own deadline even if the
// cancellation signal never reaches this layer.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
)

// Config controls subprocess execution.
type Config struct {
	// Timeout is the hard per-invocation deadline. Default: 30s.
	Timeout time.Duration

	// SpawnPerSecond paces subprocess creation across all jobs to avoid
	// fork storms under burst load. Default: 10/s with a burst of 5.
	SpawnPerSecond float64
	SpawnBurst     int

	// WorkDir hosts temp files handed to tools. Empty means the system
	// temp dir.
	WorkDir string
}

// DefaultConfig returns subprocess defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		SpawnPerSecond: 10,
		SpawnBurst:     5,
	}
}

// Invocation describes one tool run. The submitted code is written to a
// temp file whose path replaces the "{file}" placeholder in Args.
type Invocation struct {
	Tool    string
	Args    []string
	Code    string
	FileExt string
}

// Result is the raw outcome of one tool run.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner executes tool subprocesses.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrency is bounded by the caller through
// the subprocess admission gate; the runner only paces spawn rate.
type Runner struct {
	cfg     Config
	limiter *rate.Limiter

	// lookPath is swappable in tests.
	lookPath func(string) (string, error)
}

// NewRunner creates a runner.
func NewRunner(cfg Config) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SpawnPerSecond <= 0 {
		cfg.SpawnPerSecond = 10
	}
	if cfg.SpawnBurst <= 0 {
		cfg.SpawnBurst = 5
	}
	return &Runner{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SpawnPerSecond), cfg.SpawnBurst),
		lookPath: exec.LookPath,
	}
}

// Available reports whether the tool binary is on PATH.
func (r *Runner) Available(tool string) bool {
	_, err := r.lookPath(tool)
	return err == nil
}

// Run executes one tool invocation. A deadline overrun returns
// datatypes.ErrOperationTimeout; a non-zero exit is NOT an error (most
// linters exit non-zero when they find issues) and is reported through
// Result.ExitCode.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	file, err := r.writeTempFile(inv)
	if err != nil {
		return nil, err
	}
	defer os.Remove(file)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	args := make([]string, len(inv.Args))
	for i, a := range inv.Args {
		if a == "{file}" {
			args[i] = file
		} else {
			args[i] = a
		}
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, inv.Tool, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		slog.Warn("tool timed out", "tool", inv.Tool, "timeout", r.cfg.Timeout)
		return nil, fmt.Errorf("%s: %w", inv.Tool, datatypes.ErrOperationTimeout)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("run %s: %w", inv.Tool, runErr)
		}
	}

	slog.Debug("tool finished",
		"tool", inv.Tool,
		"exit_code", exitCode,
		"duration", elapsed,
	)
	return &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: elapsed,
	}, nil
}

// writeTempFile writes the code under analysis to a private temp file.
func (r *Runner) writeTempFile(inv Invocation) (string, error) {
	dir := r.cfg.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	ext := inv.FileExt
	if ext == "" {
		ext = ".txt"
	}
	f, err := os.CreateTemp(dir, "review-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.WriteString(inv.Code); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return filepath.Clean(f.Name()), nil
}
