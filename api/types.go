package api

import (
	"encoding/json"
	"time"
)

// StartRunRequest is the body of POST /api/v1/runs.
type StartRunRequest struct {
	ConsortiumID string `json:"consortium_id"`
}

// ReportErrorRequest is the body of POST /api/v1/runs/{runId}/error.
type ReportErrorRequest struct {
	Message string `json:"message"`
}

// ReportMetadataRequest is the body of PUT /api/v1/runs/{runId}/metadata.
// The stored metadata is replaced wholesale.
type ReportMetadataRequest struct {
	Metadata map[string]any `json:"metadata"`
}

// IssueTokenRequest is the body of POST /api/v1/tokens (central credential only).
type IssueTokenRequest struct {
	UserID  string   `json:"user_id"`
	Roles   []string `json:"roles,omitempty"`
	Central bool     `json:"central,omitempty"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// UploadResponse is returned by the file-storage upload routes.
type UploadResponse struct {
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Envelope is the client-side view of every JSON response.
type Envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Event stream frames exchanged on GET /events.

const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameEvent       = "event"
	FrameError       = "error"
	FrameAck         = "ack"
)

// ClientFrame is sent by subscribers.
type ClientFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// ServerFrame is sent by the central authority.
type ServerFrame struct {
	Type    string         `json:"type"`
	Topic   string         `json:"topic,omitempty"`
	ID      string         `json:"id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	TS      time.Time      `json:"ts,omitempty"`
	Message string         `json:"message,omitempty"`
}
