// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package admission

import "context"

// Semaphore implements a counting semaphore for bounded concurrency.
//
// # Thread Safety
//
// Safe for concurrent use.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity. Capacity
// below 1 is clamped to 1.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{ch: make(chan struct{}, capacity)}
}

// Acquire acquires a slot, blocking until one is available or the
// context is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire attempts to acquire a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release releases a slot. Must pair with a successful acquire.
func (s *Semaphore) Release() {
	select {
	case <-s.ch:
	default:
		// Release without acquire is a caller bug.
		panic("admission: semaphore release without acquire")
	}
}

// InUse returns the number of held slots.
func (s *Semaphore) InUse() int {
	return len(s.ch)
}

// Capacity returns the maximum concurrent acquisitions.
func (s *Semaphore) Capacity() int {
	return cap(s.ch)
}
