// Package models defines the execution records tracked by the scheduler and
// the task states reported by the run queue.
package models

import (
	"encoding/json"
	"time"
)

// ExecutionState is the scheduler-side lifecycle state of an execution.
type ExecutionState string

const (
	ExecutionStatePending   ExecutionState = "PENDING"
	ExecutionStateRunning   ExecutionState = "RUNNING"
	ExecutionStateCompleted ExecutionState = "COMPLETED"
	ExecutionStateFailed    ExecutionState = "FAILED"
	ExecutionStateCancelled ExecutionState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are permitted from s.
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionStateCompleted || s == ExecutionStateFailed || s == ExecutionStateCancelled
}

// Execution is the scheduler-owned record of one submitted unit of work. The
// payload is opaque to the scheduler and handed to the run queue untouched.
type Execution struct {
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Priority     int             `json:"priority"`
	State        ExecutionState  `json:"state"`

	// DispatchID is the run-queue handle, present only while RUNNING.
	DispatchID string `json:"dispatch_id,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	// EnqueueError holds the transport error that kept a ready execution in
	// PENDING; the reconciler retries these.
	EnqueueError string `json:"enqueue_error,omitempty"`
}

// Snapshot returns a copy safe to hand to callers outside the scheduler lock.
func (e *Execution) Snapshot() *Execution {
	clone := *e
	clone.Dependencies = append([]string(nil), e.Dependencies...)
	clone.Payload = append(json.RawMessage(nil), e.Payload...)

	return &clone
}

// TaskState is the run-queue side state of a dispatched task handle.
type TaskState string

const (
	TaskStatePending TaskState = "PENDING"
	TaskStateRunning TaskState = "RUNNING"
	TaskStateSuccess TaskState = "SUCCESS"
	TaskStateFailure TaskState = "FAILURE"
	TaskStateRetry   TaskState = "RETRY"
	TaskStateRevoked TaskState = "REVOKED"
)

// TaskStatus is a non-blocking snapshot of a dispatched task.
type TaskStatus struct {
	DispatchID  string     `json:"dispatch_id"`
	ExecutionID string     `json:"execution_id"`
	State       TaskState  `json:"state"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Retries     int        `json:"retries"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Outcome carries the terminal result of a dispatched task back to the
// scheduler.
type Outcome struct {
	ExecutionID string `json:"execution_id"`
	DispatchID  string `json:"dispatch_id"`
	Success     bool   `json:"success"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
}
