// Package worker consumes dispatched tasks from the run queue, executes them
// through an Executor and reports progress back on the result topic. It is
// the external run mechanism the dispatcher hands work to; all domain logic
// lives behind the Executor interface.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskdhq/taskd/pkg/events"
	"github.com/taskdhq/taskd/pkg/otelhelper"
)

// Executor turns an opaque payload into a result or an error. It is the only
// place that may take arbitrarily long or fail for domain reasons.
type Executor interface {
	Execute(ctx context.Context, payload json.RawMessage) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, payload json.RawMessage) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, payload json.RawMessage) (string, error) {
	return f(ctx, payload)
}

// Runner consumes the dispatch topic, honors revocations from the control
// topic and publishes started/succeeded/failed reports.
type Runner struct {
	id         string
	publisher  message.Publisher
	subscriber message.Subscriber
	executor   Executor
	logger     *slog.Logger
	tracer     trace.Tracer

	mu      sync.Mutex
	revoked map[string]struct{}
}

// NewRunner creates a worker runner. The tracer may be nil to disable spans.
func NewRunner(id string, pub message.Publisher, sub message.Subscriber, executor Executor, tracer trace.Tracer, logger *slog.Logger) *Runner {
	return &Runner{
		id:         id,
		publisher:  pub,
		subscriber: sub,
		executor:   executor,
		tracer:     tracer,
		logger:     logger.With("module", "worker", "worker_id", id),
		revoked:    make(map[string]struct{}),
	}
}

// Start subscribes to the dispatch and control topics and processes tasks
// until the context is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	controls, err := r.subscriber.Subscribe(ctx, events.ControlTopic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", events.ControlTopic, err)
	}

	tasks, err := r.subscriber.Subscribe(ctx, events.DispatchTopic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", events.DispatchTopic, err)
	}

	go func() {
		for msg := range controls {
			r.handleControl(msg)
			msg.Ack()
		}
	}()

	go func() {
		for msg := range tasks {
			r.handleDispatch(ctx, msg)
			msg.Ack()
		}
	}()

	r.logger.InfoContext(ctx, "Worker started")

	return nil
}

func (r *Runner) handleControl(msg *message.Message) {
	if events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey)) != events.TaskRevokeEvent {
		return
	}

	var revoke events.TaskRevoke
	if err := json.Unmarshal(msg.Payload, &revoke); err != nil {
		r.logger.Error("Malformed revoke message", "error", err)

		return
	}

	r.mu.Lock()
	r.revoked[revoke.DispatchID] = struct{}{}
	r.mu.Unlock()

	r.logger.Info("Task revoked", "dispatch_id", revoke.DispatchID)
}

func (r *Runner) handleDispatch(ctx context.Context, msg *message.Message) {
	if events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey)) != events.TaskDispatchedEvent {
		return
	}

	var task events.TaskDispatched
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		r.logger.Error("Malformed dispatch message", "error", err)

		return
	}

	if r.isRevoked(task.DispatchID) {
		r.logger.Info("Skipping revoked task", "dispatch_id", task.DispatchID)

		return
	}

	r.run(ctx, &task)
}

func (r *Runner) run(ctx context.Context, task *events.TaskDispatched) {
	var span trace.Span

	if r.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, r.tracer, "worker.run",
			attribute.String(otelhelper.ExecutionIDKey, task.ExecutionID),
			attribute.String(otelhelper.DispatchIDKey, task.DispatchID),
			attribute.String(otelhelper.WorkerIDKey, r.id),
		)
		defer span.End()
	}

	started := events.TaskStarted{
		BaseEvent:  events.NewBaseEvent(events.TaskStartedEvent, task.ExecutionID),
		DispatchID: task.DispatchID,
		WorkerID:   r.id,
	}
	r.publishReport(ctx, task.ExecutionID, started)

	startTime := time.Now()
	result, err := r.execute(ctx, task.Payload)
	duration := time.Since(startTime)

	if err != nil {
		r.logger.ErrorContext(ctx, "Task failed",
			"execution_id", task.ExecutionID, "dispatch_id", task.DispatchID, "error", err)

		if span != nil {
			otelhelper.SetError(span, err,
				attribute.String(otelhelper.DispatchIDKey, task.DispatchID))
			span.SetAttributes(attribute.String(otelhelper.StateKey, "FAILURE"))
		}

		failed := events.TaskFailed{
			BaseEvent:  events.NewBaseEvent(events.TaskFailedEvent, task.ExecutionID),
			DispatchID: task.DispatchID,
			WorkerID:   r.id,
			Error:      err.Error(),
			Duration:   duration,
		}
		r.publishReport(ctx, task.ExecutionID, failed)

		return
	}

	r.logger.InfoContext(ctx, "Task succeeded",
		"execution_id", task.ExecutionID, "dispatch_id", task.DispatchID, "duration", duration)

	if span != nil {
		span.SetAttributes(attribute.String(otelhelper.StateKey, "SUCCESS"))
	}

	succeeded := events.TaskSucceeded{
		BaseEvent:  events.NewBaseEvent(events.TaskSucceededEvent, task.ExecutionID),
		DispatchID: task.DispatchID,
		WorkerID:   r.id,
		Result:     result,
		Duration:   duration,
	}
	r.publishReport(ctx, task.ExecutionID, succeeded)
}

// execute isolates panics from the executor so one bad payload cannot take
// the runner down.
func (r *Runner) execute(ctx context.Context, payload json.RawMessage) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("executor panic: %v", rec)
		}
	}()

	return r.executor.Execute(ctx, payload)
}

func (r *Runner) isRevoked(dispatchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.revoked[dispatchID]

	return ok
}

type report interface {
	GetType() events.EventType
}

func (r *Runner) publishReport(ctx context.Context, key string, event report) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to marshal worker report", "error", err)

		return
	}

	msg := message.NewMessage("msg-"+watermill.NewULID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	err = r.publisher.Publish(events.ResultTopic, msg)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to publish worker report", "error", err)
	}
}
