// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Session protocol event types. Names are the wire values of the "type"
// field on websocket frames in both directions.
const (
	// Client -> server.
	EventSubmitJob   = "submit_job"
	EventCancelJob   = "cancel_job"
	EventCheckStatus = "check_status"
	EventHeartbeat   = "heartbeat"

	// Server -> client.
	EventSessionCreated = "session_created"
	EventProgress       = "progress"
	EventCompleted      = "completed"
	EventFailed         = "failed"
	EventCancelled      = "cancelled"
	EventNotice         = "notice"
	EventHeartbeatAck   = "heartbeat_ack"
	EventStatus         = "status"
)

// SessionRequest is the envelope for all client -> server frames.
type SessionRequest struct {
	Type  string        `json:"type"`
	JobID string        `json:"jobId,omitempty"`
	Job   SubmitRequest `json:"job,omitempty"`
}

// ProgressEvent reports stage completion for a running job.
type ProgressEvent struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	Percent int    `json:"percent"`
	Stage   Stage  `json:"stage"`
	Message string `json:"message,omitempty"`
}

// TerminalEvent reports a job reaching completed, failed, or cancelled.
// Result is set only on completion; Error only on failure.
type TerminalEvent struct {
	Type   string        `json:"type"`
	JobID  string        `json:"jobId"`
	Result *MergedResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// NoticeEvent carries out-of-band information such as admission
// rejections. Level is "info", "warning", or "error".
type NoticeEvent struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Message string `json:"message"`
	JobID   string `json:"jobId,omitempty"`
}

// StatusEvent answers a check_status request for a live job.
type StatusEvent struct {
	Type    string    `json:"type"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
	Percent int       `json:"percent"`
	Stage   Stage     `json:"stage,omitempty"`
}
