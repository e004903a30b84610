// Package events defines the event types published by the scheduler and the
// messages exchanged with the run queue.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/taskdhq/taskd/pkg/models"
)

type EventType string

// Topics.
const (
	NotificationTopic = "taskd.events"   // Execution lifecycle notifications for external observers
	DispatchTopic     = "taskd.dispatch" // Tasks handed to the run queue
	ResultTopic       = "taskd.results"  // Worker progress and terminal reports
	ControlTopic      = "taskd.control"  // Revocation requests
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Scheduler notifications.
	ExecutionStateChangedEvent EventType = "execution.state.changed"

	// Run-queue messages.
	TaskDispatchedEvent EventType = "task.dispatched"
	TaskStartedEvent    EventType = "task.started"
	TaskSucceededEvent  EventType = "task.succeeded"
	TaskFailedEvent     EventType = "task.failed"
	TaskRevokeEvent     EventType = "task.revoke"
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		Metadata:    make(map[string]any),
	}
}

// ExecutionStateChanged is emitted on every scheduler state transition. It is
// fire-and-forget: delivery failures never affect the transition itself.
type ExecutionStateChanged struct {
	BaseEvent

	OldState models.ExecutionState `json:"old_state"`
	NewState models.ExecutionState `json:"new_state"`
	Error    string                `json:"error,omitempty"`
}

func (e ExecutionStateChanged) GetType() EventType {
	return ExecutionStateChangedEvent
}

// TaskDispatched hands one unit of work to the run queue. The payload is
// opaque to everything but the executor.
type TaskDispatched struct {
	BaseEvent

	DispatchID string          `json:"dispatch_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority"`
	Retries    int             `json:"retries"`
}

func (t TaskDispatched) GetType() EventType {
	return TaskDispatchedEvent
}

// TaskStarted reports that a worker picked up a dispatched task.
type TaskStarted struct {
	BaseEvent

	DispatchID string `json:"dispatch_id"`
	WorkerID   string `json:"worker_id"`
}

func (t TaskStarted) GetType() EventType {
	return TaskStartedEvent
}

// TaskSucceeded carries the result of a completed task.
type TaskSucceeded struct {
	BaseEvent

	DispatchID string        `json:"dispatch_id"`
	WorkerID   string        `json:"worker_id"`
	Result     string        `json:"result,omitempty"`
	Duration   time.Duration `json:"duration"`
}

func (t TaskSucceeded) GetType() EventType {
	return TaskSucceededEvent
}

// TaskFailed carries the domain error of a failed task. The error is captured
// verbatim; it is surfaced through status polling, never re-raised.
type TaskFailed struct {
	BaseEvent

	DispatchID string        `json:"dispatch_id"`
	WorkerID   string        `json:"worker_id"`
	Error      string        `json:"error"`
	Duration   time.Duration `json:"duration"`
}

func (t TaskFailed) GetType() EventType {
	return TaskFailedEvent
}

// TaskRevoke requests best-effort termination of an in-flight task.
type TaskRevoke struct {
	BaseEvent

	DispatchID string `json:"dispatch_id"`
}

func (t TaskRevoke) GetType() EventType {
	return TaskRevokeEvent
}
