// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
)

// Error taxonomy for the core. Callers classify with errors.Is; the raw
// internal cause is wrapped and logged but never sent to clients.
var (
	// ErrAdmissionRejected covers rate limiting, client blocks, and
	// resource-overload rejections. Never retried by the core.
	ErrAdmissionRejected = errors.New("admission rejected")

	// ErrDependencyUnavailable means a circuit breaker is open for the
	// dependency. Surfaced as "temporarily unavailable".
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrOperationTimeout means a stage or tool exceeded its deadline.
	ErrOperationTimeout = errors.New("operation timed out")

	// ErrAuthorizationDenied means result access by the wrong session or
	// address. Surfaced identically to not-found to avoid leaking
	// existence.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrNotFound means an unknown analysis id.
	ErrNotFound = errors.New("not found")

	// ErrExpired means the record exists but is no longer retrievable
	// (TTL elapsed or retrieval cap reached).
	ErrExpired = errors.New("result expired")

	// ErrInternal is the catch-all for unexpected failures.
	ErrInternal = errors.New("internal error")
)

// AdmissionError is an ErrAdmissionRejected with a client-safe reason.
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected: %s", e.Reason)
}

func (e *AdmissionError) Unwrap() error { return ErrAdmissionRejected }

// NewAdmissionError builds an AdmissionError with the given reason.
func NewAdmissionError(reason string) *AdmissionError {
	return &AdmissionError{Reason: reason}
}

// UserMessage converts any core error into the client-safe message for
// terminal events and rejection notices. Internal detail stays in logs.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAdmissionRejected):
		var ae *AdmissionError
		if errors.As(err, &ae) {
			return ae.Reason
		}
		return "request rejected, please slow down and retry later"
	case errors.Is(err, ErrDependencyUnavailable):
		return "analysis service temporarily unavailable, please retry later"
	case errors.Is(err, ErrOperationTimeout):
		return "analysis timed out"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAuthorizationDenied):
		return "result not found"
	case errors.Is(err, ErrExpired):
		return "result expired"
	default:
		return "analysis failed due to an internal error"
	}
}
