// Package dispatcher adapts the scheduler to the asynchronous run queue. It
// is the only component that talks to the queue transport: it hands payloads
// to workers over the dispatch topic, folds worker reports from the result
// topic into per-handle state, and supports polling, revocation and retry.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/taskdhq/taskd/pkg/events"
	"github.com/taskdhq/taskd/pkg/models"
)

var (
	// ErrDispatchTransport indicates the run queue itself could not be
	// reached. Distinct from a dispatched task later failing.
	ErrDispatchTransport = errors.New("run queue transport unavailable")

	// ErrHandleNotFound indicates an unknown dispatch handle.
	ErrHandleNotFound = errors.New("dispatch handle not found")

	// ErrNotRetriable indicates a retry was requested for a handle that is
	// not in a failed state.
	ErrNotRetriable = errors.New("task is not in a failed state")

	// ErrRetryExhausted indicates the retry limit was exceeded; the handle
	// stays in FAILURE.
	ErrRetryExhausted = errors.New("retry limit exceeded")
)

// IsDispatchTransport checks if an error is a transport-level enqueue failure.
func IsDispatchTransport(err error) bool {
	return errors.Is(err, ErrDispatchTransport)
}

// Task is one unit of work handed to the run queue.
type Task struct {
	ExecutionID string
	Payload     json.RawMessage
	Priority    int
}

// TerminalFunc receives the terminal outcome of a dispatched task. It is
// invoked at most once per dispatch attempt, outside the dispatcher lock.
type TerminalFunc func(outcome models.Outcome)

// RetryPolicy controls automatic re-dispatch of failed tasks. With a positive
// MaxRetries, a task.failed report re-enqueues the task after Backoff instead
// of reporting terminal, until the budget is spent.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// PoolMetrics counts dispatch handles per state.
type PoolMetrics struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
	Revoked   int `json:"revoked"`
}

// Dispatcher is the run-queue boundary used by the scheduler.
type Dispatcher interface {
	Enqueue(ctx context.Context, task Task) (string, error)
	Status(ctx context.Context, dispatchID string) (*models.TaskStatus, error)
	Cancel(ctx context.Context, dispatchID string) bool
	Retry(ctx context.Context, dispatchID string, maxRetries int, backoff time.Duration) error
	PoolMetrics() PoolMetrics
	OnTerminal(callback TerminalFunc)
	Close() error
}

type handleRecord struct {
	status   models.TaskStatus
	payload  json.RawMessage
	priority int

	// reported guards the terminal callback so duplicate worker reports
	// (at-least-once delivery) fire it only once per attempt.
	reported bool
}

// QueueDispatcher implements Dispatcher over a watermill publisher and
// subscriber pair (gochannel in-memory or Kafka).
type QueueDispatcher struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	metadata   *MetadataStore
	logger     *slog.Logger

	mu         sync.Mutex
	handles    map[string]*handleRecord
	onTerminal TerminalFunc
	retry      RetryPolicy
	closed     bool
}

// NewQueueDispatcher creates a dispatcher. The metadata store may be nil, in
// which case handle bookkeeping is kept in memory only.
func NewQueueDispatcher(pub message.Publisher, sub message.Subscriber, metadata *MetadataStore, logger *slog.Logger) *QueueDispatcher {
	return &QueueDispatcher{
		publisher:  pub,
		subscriber: sub,
		metadata:   metadata,
		logger:     logger.With("module", "dispatcher"),
		handles:    make(map[string]*handleRecord),
	}
}

// OnTerminal registers the callback invoked when a dispatched task reaches
// SUCCESS or FAILURE. Must be called before Start.
func (d *QueueDispatcher) OnTerminal(callback TerminalFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.onTerminal = callback
}

// SetRetryPolicy enables automatic retries of failed tasks. Must be called
// before Start.
func (d *QueueDispatcher) SetRetryPolicy(policy RetryPolicy) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.retry = policy
}

// Start begins consuming worker reports from the result topic.
func (d *QueueDispatcher) Start(ctx context.Context) error {
	messages, err := d.subscriber.Subscribe(ctx, events.ResultTopic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", events.ResultTopic, err)
	}

	go func() {
		for msg := range messages {
			d.handleResult(ctx, msg)
			msg.Ack()
		}
	}()

	return nil
}

// Enqueue hands a payload to the run queue and returns an opaque handle
// immediately; it never blocks for completion. A failure to publish is
// surfaced synchronously as ErrDispatchTransport.
func (d *QueueDispatcher) Enqueue(ctx context.Context, task Task) (string, error) {
	dispatchID := uuid.New().String()

	record := &handleRecord{
		status: models.TaskStatus{
			DispatchID:  dispatchID,
			ExecutionID: task.ExecutionID,
			State:       models.TaskStatePending,
			SubmittedAt: time.Now().UTC(),
		},
		payload:  task.Payload,
		priority: task.Priority,
	}

	d.mu.Lock()
	d.handles[dispatchID] = record
	d.mu.Unlock()

	err := d.publishDispatch(task.ExecutionID, dispatchID, task.Payload, task.Priority, 0)
	if err != nil {
		d.mu.Lock()
		delete(d.handles, dispatchID)
		d.mu.Unlock()

		return "", fmt.Errorf("enqueue execution %q: %w: %v", task.ExecutionID, ErrDispatchTransport, err)
	}

	if d.metadata != nil {
		d.metadata.Save(ctx, &record.status)
	}

	d.logger.InfoContext(ctx, "Task enqueued",
		"execution_id", task.ExecutionID, "dispatch_id", dispatchID, "priority", task.Priority)

	return dispatchID, nil
}

// Status returns a non-blocking snapshot of a dispatched task.
func (d *QueueDispatcher) Status(_ context.Context, dispatchID string) (*models.TaskStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, ok := d.handles[dispatchID]
	if !ok {
		return nil, fmt.Errorf("handle %q: %w", dispatchID, ErrHandleNotFound)
	}

	status := record.status

	return &status, nil
}

// Cancel requests best-effort termination of an in-flight task. It returns
// true once the revocation request is accepted, not once execution actually
// stopped. Unknown and already-terminal handles return false.
func (d *QueueDispatcher) Cancel(ctx context.Context, dispatchID string) bool {
	d.mu.Lock()

	record, ok := d.handles[dispatchID]
	if !ok || isTerminalTaskState(record.status.State) {
		d.mu.Unlock()

		return false
	}

	executionID := record.status.ExecutionID
	record.status.State = models.TaskStateRevoked
	record.reported = true
	now := time.Now().UTC()
	record.status.FinishedAt = &now
	d.mu.Unlock()

	revoke := events.TaskRevoke{
		BaseEvent:  events.NewBaseEvent(events.TaskRevokeEvent, executionID),
		DispatchID: dispatchID,
	}

	err := d.publishEvent(events.ControlTopic, executionID, revoke)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to publish revoke", "dispatch_id", dispatchID, "error", err)
	}

	if d.metadata != nil {
		d.mu.Lock()
		status := record.status
		d.mu.Unlock()
		d.metadata.Save(ctx, &status)
	}

	return true
}

// Retry re-submits a failed task after a fixed backoff. Only handles in
// FAILURE are retriable; once maxRetries is exceeded the handle stays in
// FAILURE and ErrRetryExhausted is returned.
func (d *QueueDispatcher) Retry(ctx context.Context, dispatchID string, maxRetries int, backoff time.Duration) error {
	d.mu.Lock()

	record, ok := d.handles[dispatchID]
	if !ok {
		d.mu.Unlock()

		return fmt.Errorf("handle %q: %w", dispatchID, ErrHandleNotFound)
	}

	if record.status.State != models.TaskStateFailure {
		d.mu.Unlock()

		return fmt.Errorf("handle %q in state %s: %w", dispatchID, record.status.State, ErrNotRetriable)
	}

	if record.status.Retries >= maxRetries {
		d.mu.Unlock()

		return fmt.Errorf("handle %q after %d attempts: %w", dispatchID, record.status.Retries, ErrRetryExhausted)
	}

	record.status.Retries++
	record.status.State = models.TaskStateRetry
	record.status.Error = ""
	record.status.FinishedAt = nil
	record.reported = false

	executionID := record.status.ExecutionID
	payload := record.payload
	priority := record.priority
	retries := record.status.Retries
	d.mu.Unlock()

	d.logger.InfoContext(ctx, "Retry scheduled",
		"dispatch_id", dispatchID, "retries", retries, "backoff", backoff)

	time.AfterFunc(backoff, func() {
		d.mu.Lock()
		if d.closed || record.status.State != models.TaskStateRetry {
			d.mu.Unlock()

			return
		}
		d.mu.Unlock()

		err := d.publishDispatch(executionID, dispatchID, payload, priority, retries)

		d.mu.Lock()
		if err != nil {
			record.status.State = models.TaskStateFailure
			record.status.Error = err.Error()
		} else {
			record.status.State = models.TaskStatePending
		}
		d.mu.Unlock()

		if err != nil {
			d.logger.Error("Failed to re-dispatch task", "dispatch_id", dispatchID, "error", err)
		}
	})

	return nil
}

// PoolMetrics counts handles per state.
func (d *QueueDispatcher) PoolMetrics() PoolMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	var metrics PoolMetrics

	for _, record := range d.handles {
		switch record.status.State {
		case models.TaskStatePending:
			metrics.Pending++
		case models.TaskStateRunning:
			metrics.Active++
		case models.TaskStateSuccess:
			metrics.Completed++
		case models.TaskStateFailure:
			metrics.Failed++
		case models.TaskStateRetry:
			metrics.Retrying++
		case models.TaskStateRevoked:
			metrics.Revoked++
		}
	}

	return metrics
}

// Close stops the dispatcher and releases the transport.
func (d *QueueDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	err := d.publisher.Close()
	if err != nil {
		return err
	}

	return d.subscriber.Close()
}

func (d *QueueDispatcher) publishDispatch(executionID, dispatchID string, payload json.RawMessage, priority, retries int) error {
	dispatched := events.TaskDispatched{
		BaseEvent:  events.NewBaseEvent(events.TaskDispatchedEvent, executionID),
		DispatchID: dispatchID,
		Payload:    payload,
		Priority:   priority,
		Retries:    retries,
	}

	return d.publishEvent(events.DispatchTopic, executionID, dispatched)
}

type queueEvent interface {
	GetType() events.EventType
}

func (d *QueueDispatcher) publishEvent(topic, key string, event queueEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+watermill.NewULID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return d.publisher.Publish(topic, msg)
}

func (d *QueueDispatcher) handleResult(ctx context.Context, msg *message.Message) {
	eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

	switch eventType {
	case events.TaskStartedEvent:
		var started events.TaskStarted
		if err := json.Unmarshal(msg.Payload, &started); err != nil {
			d.logger.Error("Malformed task.started report", "error", err)

			return
		}

		d.applyStarted(&started)
	case events.TaskSucceededEvent:
		var succeeded events.TaskSucceeded
		if err := json.Unmarshal(msg.Payload, &succeeded); err != nil {
			d.logger.Error("Malformed task.succeeded report", "error", err)

			return
		}

		d.applyTerminal(ctx, succeeded.DispatchID, models.TaskStateSuccess, succeeded.Result, "")
	case events.TaskFailedEvent:
		var failed events.TaskFailed
		if err := json.Unmarshal(msg.Payload, &failed); err != nil {
			d.logger.Error("Malformed task.failed report", "error", err)

			return
		}

		d.applyTerminal(ctx, failed.DispatchID, models.TaskStateFailure, "", failed.Error)
	default:
	}
}

func (d *QueueDispatcher) applyStarted(started *events.TaskStarted) {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, ok := d.handles[started.DispatchID]
	if !ok || isTerminalTaskState(record.status.State) {
		return
	}

	record.status.State = models.TaskStateRunning
	now := time.Now().UTC()
	record.status.StartedAt = &now
}

func (d *QueueDispatcher) applyTerminal(ctx context.Context, dispatchID string, state models.TaskState, result, errMsg string) {
	d.mu.Lock()

	record, ok := d.handles[dispatchID]
	if !ok || record.reported || isTerminalTaskState(record.status.State) {
		d.mu.Unlock()

		return
	}

	// A report landing while a retry backoff is pending is a duplicate from
	// the previous attempt.
	if record.status.State == models.TaskStateRetry {
		d.mu.Unlock()

		return
	}

	if state == models.TaskStateFailure && d.retry.MaxRetries > 0 && record.status.Retries < d.retry.MaxRetries {
		record.status.State = models.TaskStateFailure
		record.status.Error = errMsg
		policy := d.retry
		d.mu.Unlock()

		err := d.Retry(ctx, dispatchID, policy.MaxRetries, policy.Backoff)
		if err == nil {
			return
		}

		d.logger.ErrorContext(ctx, "Automatic retry failed", "dispatch_id", dispatchID, "error", err)
		d.mu.Lock()

		if record.reported || isTerminalTaskState(record.status.State) {
			d.mu.Unlock()

			return
		}
	}

	record.status.State = state
	record.status.Result = result
	record.status.Error = errMsg
	now := time.Now().UTC()
	record.status.FinishedAt = &now
	record.reported = true

	status := record.status
	callback := d.onTerminal
	d.mu.Unlock()

	if d.metadata != nil {
		d.metadata.Save(ctx, &status)
	}

	if callback != nil {
		callback(models.Outcome{
			ExecutionID: status.ExecutionID,
			DispatchID:  dispatchID,
			Success:     state == models.TaskStateSuccess,
			Result:      result,
			Error:       errMsg,
		})
	}
}

func isTerminalTaskState(state models.TaskState) bool {
	return state == models.TaskStateSuccess ||
		state == models.TaskStateFailure ||
		state == models.TaskStateRevoked
}
