// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
)

func TestRunCapturesOutput(t *testing.T) {
	r := NewRunner(DefaultConfig())

	res, err := r.Run(context.Background(), Invocation{
		Tool: "cat",
		Args: []string{"{file}"},
		Code: "print('hello')\n",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "print('hello')\n", string(res.Stdout))
}

func TestRunNonZeroExitIsNotError(t *testing.T) {
	r := NewRunner(DefaultConfig())

	res, err := r.Run(context.Background(), Invocation{
		Tool: "sh",
		Args: []string{"-c", "echo findings; exit 3"},
		Code: "x",
	})
	require.NoError(t, err, "linters exit non-zero when they find issues")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "findings\n", string(res.Stdout))
}

func TestRunTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	r := NewRunner(cfg)

	_, err := r.Run(context.Background(), Invocation{
		Tool: "sleep",
		Args: []string{"5"},
		Code: "x",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrOperationTimeout)
}

func TestRunMissingBinary(t *testing.T) {
	r := NewRunner(DefaultConfig())

	_, err := r.Run(context.Background(), Invocation{
		Tool: "definitely-not-a-real-tool-9f3",
		Code: "x",
	})
	assert.Error(t, err)
}

func TestTempFileCleanedUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	r := NewRunner(cfg)

	_, err := r.Run(context.Background(), Invocation{
		Tool:    "true",
		Code:    "x",
		FileExt: ".py",
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be removed after the run")
}

func TestAvailable(t *testing.T) {
	r := NewRunner(DefaultConfig())
	assert.True(t, r.Available("sh"))
	assert.False(t, r.Available("definitely-not-a-real-tool-9f3"))
}

func TestRunCancelledContext(t *testing.T) {
	r := NewRunner(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, Invocation{Tool: "true", Code: "x"})
	assert.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "timed out"),
		"pre-cancelled context is cancellation, not a tool timeout")
}
