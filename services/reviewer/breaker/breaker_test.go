// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test-dep", cfg)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestOpensExactlyAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "below threshold stays closed")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State(), "opens when failures reach threshold")

	err := b.Allow()
	require.Error(t, err)
	assert.True(t, IsOpen(err))
	assert.Contains(t, err.Error(), "test-dep")
}

func TestClosedSuccessDoesNotResetCounter(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	// Counter was 2, success in closed state does not reset, so the
	// third failure opens the breaker.
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(30 * time.Second)
	require.Error(t, b.Allow(), "still open inside recovery window")

	*now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow(), "trial call permitted after recovery timeout")
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenSingleTrial(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	b.RecordFailure()
	*now = now.Add(2 * time.Minute)

	require.NoError(t, b.Allow())
	err := b.Allow()
	require.Error(t, err, "second concurrent caller is rejected during the trial")
	assert.True(t, IsOpen(err))
}

func TestAbandonedTrialIsReclaimed(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	b.RecordFailure()
	*now = now.Add(2 * time.Minute)

	// Trial holder never records an outcome.
	require.NoError(t, b.Allow())

	*now = now.Add(30 * time.Second)
	require.Error(t, b.Allow(), "trial slot is held inside the recovery window")

	*now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow(), "abandoned trial is reclaimed after the recovery timeout")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestTrialSuccessFullyResets(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	b.RecordFailure()
	b.RecordFailure()
	*now = now.Add(2 * time.Minute)

	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().Failures, "trial success resets failure count to zero")
}

func TestTrialFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	b.RecordFailure()
	*now = now.Add(2 * time.Minute)

	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	// The recovery window restarts from the trial failure.
	*now = now.Add(30 * time.Second)
	assert.Error(t, b.Allow())
	*now = now.Add(31 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestExecuteRecordsOutcome(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	boom := errors.New("boom")
	require.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	require.NoError(t, b.Execute(func() error { return nil }))
	require.ErrorIs(t, b.Execute(func() error { return boom }), boom)

	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(func() error {
		t.Fatal("fn must not run while open")
		return nil
	})
	assert.True(t, IsOpen(err))
}

func TestRegistryEagerAndIsolated(t *testing.T) {
	r := NewRegistry(map[Dependency]Config{
		DepModelInfer: {FailureThreshold: 1, RecoveryTimeout: time.Minute},
	})

	infer := r.Get(DepModelInfer)
	infer.RecordFailure()
	assert.Equal(t, StateOpen, infer.State())

	// A flaky inference dependency does not starve unrelated tool
	// breakers.
	assert.Equal(t, StateClosed, r.Get(DepToolPylint).State())

	snaps := r.Snapshots()
	assert.Len(t, snaps, len(KnownDependencies))
}

func TestToolDependencyMapping(t *testing.T) {
	dep, ok := ToolDependency("pylint")
	require.True(t, ok)
	assert.Equal(t, DepToolPylint, dep)

	_, ok = ToolDependency("unknown-tool")
	assert.False(t, ok)
}
