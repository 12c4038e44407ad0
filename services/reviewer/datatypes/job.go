// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the shared record types for the reviewer
// service: jobs, stored results, analysis reports, and session protocol
// events. All payloads are fixed structs; AI-specific metadata lives in
// an explicit optional sub-structure rather than an open map.
package datatypes

import (
	"context"
	"time"
)

// JobStatus is the lifecycle state of a submitted analysis job.
//
// Transitions: pending -> running -> {completed, failed, cancelled}.
// Terminal states have no outgoing transitions.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Stage is a semantic phase of job execution. Stages are emitted in a
// fixed order with monotonically non-decreasing progress percentages.
type Stage string

const (
	StageInitialization Stage = "initialization"
	StageParsing        Stage = "parsing"
	StageStaticAnalysis Stage = "static_analysis"
	StageAIAnalysis     Stage = "ai_analysis"
	StageSecurityScan   Stage = "security_scan"
	StageSuggestions    Stage = "suggestions"
	StageFinalization   Stage = "finalization"
)

// StageOrder lists execution stages in emission order. Progress percent
// for a stage is StagePercent[stage]; the sequence never decreases.
var StageOrder = []Stage{
	StageInitialization,
	StageParsing,
	StageStaticAnalysis,
	StageAIAnalysis,
	StageSecurityScan,
	StageSuggestions,
	StageFinalization,
}

// StagePercent maps each stage to its progress percentage.
var StagePercent = map[Stage]int{
	StageInitialization: 5,
	StageParsing:        15,
	StageStaticAnalysis: 35,
	StageAIAnalysis:     60,
	StageSecurityScan:   80,
	StageSuggestions:    90,
	StageFinalization:   100,
}

// Job is one submitted analysis request and its in-flight execution
// state. While pending/running it is owned exclusively by the lifecycle
// manager; once terminal, the durable record in the result store is the
// source of truth and the Job is dropped from the live index.
type Job struct {
	// ID is the client-chosen or generated job identifier. It doubles as
	// the analysis id under which the result is persisted.
	ID string

	// SessionID identifies the submitting websocket session.
	SessionID string

	// ClientAddress is the remote address of the submitting client, kept
	// for reconnection-time result recovery.
	ClientAddress string

	// SubmittedAt is when the submission was accepted.
	SubmittedAt time.Time

	// Status is the current lifecycle state.
	Status JobStatus

	// ProgressPercent is the last emitted progress value (0-100).
	ProgressPercent int

	// ProgressStage is the last emitted stage.
	ProgressStage Stage

	// Request is the submitted analysis request.
	Request SubmitRequest

	// Cancel requests cooperative cancellation of the job's worker.
	// Nil until the worker starts.
	Cancel context.CancelFunc
}

// SubmitRequest is the payload of a submit_job session event.
//
// Validation tags are enforced at the session boundary before any
// admission check that could consume a slot.
type SubmitRequest struct {
	JobID        string         `json:"jobId" validate:"omitempty,max=128"`
	Code         string         `json:"code" validate:"required,max=1048576"`
	Language     string         `json:"language" validate:"required,max=32"`
	AnalysisType string         `json:"analysisType" validate:"omitempty,oneof=full static security ai"`
	Filename     string         `json:"filename,omitempty" validate:"omitempty,max=256"`
	Options      AnalysisOption `json:"options"`
}

// AnalysisOption carries per-job tuning accepted from the client.
type AnalysisOption struct {
	// SkipAI disables the AI analysis stage for this job.
	SkipAI bool `json:"skipAi,omitempty"`

	// Tools restricts external analyzers to the named subset. Empty
	// means all analyzers registered for the language.
	Tools []string `json:"tools,omitempty"`
}
