// Package task defines the command dispatch request/response contracts.
// Execution itself is a pluggable backend; these types are the wire
// surface between callers and agents.
package task

import "time"

// Type classifies what a request's command means.
type Type string

const (
	TypeShell         Type = "shell"
	TypeScriptedShell Type = "scripted-shell"
	TypeReadFile      Type = "read-file"
	TypeWriteFile     Type = "write-file"
	TypeListDirectory Type = "list-directory"
	TypeOther         Type = "other"
)

// ErrorCode classifies why a task failed. Execution failures are data,
// not transport errors, by the time they reach a caller.
type ErrorCode string

const (
	ErrNone              ErrorCode = "none"
	ErrTimeout           ErrorCode = "timeout"
	ErrElevationRequired ErrorCode = "elevation-required"
	ErrNotFound          ErrorCode = "not-found"
	ErrPermissionDenied  ErrorCode = "permission-denied"
	ErrSyntax            ErrorCode = "syntax-error"
	ErrInvalidWorkingDir ErrorCode = "invalid-working-directory"
	ErrCancelled         ErrorCode = "cancelled"
	ErrInternal          ErrorCode = "internal"
)

// Request is a caller-generated execution request. TaskID must be
// unique per caller; it is echoed on every result and stream event.
type Request struct {
	TaskID            string `json:"taskId"`
	Type              Type   `json:"type"`
	Command           string `json:"command"`
	Content           string `json:"content,omitempty"`
	WorkingDirectory  string `json:"workingDirectory,omitempty"`
	TimeoutSeconds    int    `json:"timeoutSeconds,omitempty"`
	RequiresElevation bool   `json:"requiresElevation,omitempty"`
	SessionID         string `json:"sessionId,omitempty"`
}

// Timeout returns the effective execution timeout. The default is
// deliberately large so long scans are not cut short.
func (r Request) Timeout(def time.Duration) time.Duration {
	if r.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Result reports the outcome of exactly one received request.
type Result struct {
	TaskID     string    `json:"taskId"`
	Success    bool      `json:"success"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	ExitCode   int       `json:"exitCode"`
	ErrorCode  ErrorCode `json:"errorCode"`
	DurationMs int64     `json:"durationMs"`
	AgentID    string    `json:"agentId"`
}

// State describes a task the dispatch service is currently tracking.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateUnknown State = "unknown"

	// StateCompleted appears only in stream completion events; finished
	// tasks are not tracked, so GetStatus never reports it.
	StateCompleted State = "completed"
)

// StreamEventType tags events on a streaming execution.
type StreamEventType string

const (
	EventStatus StreamEventType = "status"
	EventStdout StreamEventType = "stdout"
	EventStderr StreamEventType = "stderr"
)

// StreamEvent is one chunk of a streaming execution: a start status,
// output chunks as they arrive, then a completion status carrying the
// final result.
type StreamEvent struct {
	Type   StreamEventType `json:"type"`
	TaskID string          `json:"taskId"`
	Data   string          `json:"data,omitempty"`
	Status State           `json:"status,omitempty"`
	Result *Result         `json:"result,omitempty"`
}
