package dispatcher

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	channel "github.com/taskdhq/taskd/pkg/channels/gochannel"
	"github.com/taskdhq/taskd/pkg/events"
	"github.com/taskdhq/taskd/pkg/log"
	"github.com/taskdhq/taskd/pkg/models"
)

func newTestDispatcher(t *testing.T) (*QueueDispatcher, message.Publisher, message.Subscriber) {
	t.Helper()

	pub, sub, err := channel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	d := NewQueueDispatcher(pub, sub, nil, log.WithModule("dispatcher-test"))
	t.Cleanup(func() { _ = d.Close() })

	return d, pub, sub
}

// collect drains a topic in the background. The test channel blocks publishes
// until acknowledgment, so consumption has to run concurrently.
func collect(t *testing.T, sub message.Subscriber, topic string) <-chan *message.Message {
	t.Helper()

	messages, err := sub.Subscribe(t.Context(), topic)
	require.NoError(t, err)

	out := make(chan *message.Message, 16)

	go func() {
		for msg := range messages {
			msg.Ack()
			out <- msg
		}
	}()

	return out
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()

	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")

		return nil
	}
}

// report publishes a worker report onto the result topic the way a runner
// would, blocking until the dispatcher has consumed it.
func report(t *testing.T, pub message.Publisher, eventType events.EventType, executionID string, event any) {
	t.Helper()

	payload, err := json.Marshal(event)
	require.NoError(t, err)

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, executionID)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(eventType))

	require.NoError(t, pub.Publish(events.ResultTopic, msg))
}

func TestEnqueue_PublishesDispatchMessage(t *testing.T) {
	d, _, sub := newTestDispatcher(t)
	dispatched := collect(t, sub, events.DispatchTopic)

	handle, err := d.Enqueue(t.Context(), Task{
		ExecutionID: "exec-1",
		Payload:     json.RawMessage(`{"job":"one"}`),
		Priority:    5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	msg := receive(t, dispatched)
	assert.Equal(t, string(events.TaskDispatchedEvent), msg.Metadata.Get(events.EventTypeMetadataKey))
	assert.Equal(t, "exec-1", msg.Metadata.Get(events.EventMetadataKey))

	var event events.TaskDispatched
	require.NoError(t, json.Unmarshal(msg.Payload, &event))
	assert.Equal(t, handle, event.DispatchID)
	assert.Equal(t, "exec-1", event.ExecutionID)
	assert.Equal(t, 5, event.Priority)
	assert.Equal(t, 0, event.Retries)

	status, err := d.Status(t.Context(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatePending, status.State)
}

func TestStatus_UnknownHandle(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Status(t.Context(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandleNotFound))
}

func TestResultFlow_SuccessFiresTerminalOnce(t *testing.T) {
	d, pub, _ := newTestDispatcher(t)

	outcomes := make(chan models.Outcome, 4)
	d.OnTerminal(func(outcome models.Outcome) { outcomes <- outcome })
	require.NoError(t, d.Start(t.Context()))

	handle, err := d.Enqueue(t.Context(), Task{ExecutionID: "exec-1"})
	require.NoError(t, err)

	report(t, pub, events.TaskStartedEvent, "exec-1", events.TaskStarted{
		BaseEvent:  events.NewBaseEvent(events.TaskStartedEvent, "exec-1"),
		DispatchID: handle,
		WorkerID:   "w1",
	})

	status, err := d.Status(t.Context(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRunning, status.State)
	assert.NotNil(t, status.StartedAt)

	succeeded := events.TaskSucceeded{
		BaseEvent:  events.NewBaseEvent(events.TaskSucceededEvent, "exec-1"),
		DispatchID: handle,
		WorkerID:   "w1",
		Result:     "forty-two",
	}
	report(t, pub, events.TaskSucceededEvent, "exec-1", succeeded)

	outcome := <-outcomes
	assert.True(t, outcome.Success)
	assert.Equal(t, "exec-1", outcome.ExecutionID)
	assert.Equal(t, handle, outcome.DispatchID)
	assert.Equal(t, "forty-two", outcome.Result)

	status, err = d.Status(t.Context(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateSuccess, status.State)
	assert.Equal(t, "forty-two", status.Result)

	// At-least-once delivery: the duplicate report must not fire again.
	report(t, pub, events.TaskSucceededEvent, "exec-1", succeeded)

	select {
	case extra := <-outcomes:
		t.Fatalf("unexpected duplicate terminal callback: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResultFlow_FailureCarriesError(t *testing.T) {
	d, pub, _ := newTestDispatcher(t)

	outcomes := make(chan models.Outcome, 1)
	d.OnTerminal(func(outcome models.Outcome) { outcomes <- outcome })
	require.NoError(t, d.Start(t.Context()))

	handle, err := d.Enqueue(t.Context(), Task{ExecutionID: "exec-1"})
	require.NoError(t, err)

	report(t, pub, events.TaskFailedEvent, "exec-1", events.TaskFailed{
		BaseEvent:  events.NewBaseEvent(events.TaskFailedEvent, "exec-1"),
		DispatchID: handle,
		WorkerID:   "w1",
		Error:      "upstream returned 503",
	})

	outcome := <-outcomes
	assert.False(t, outcome.Success)
	assert.Equal(t, "upstream returned 503", outcome.Error)

	status, err := d.Status(t.Context(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFailure, status.State)
	assert.Equal(t, "upstream returned 503", status.Error)
}

func TestCancel_PublishesRevokeAndIgnoresLateReport(t *testing.T) {
	d, pub, sub := newTestDispatcher(t)

	outcomes := make(chan models.Outcome, 1)
	d.OnTerminal(func(outcome models.Outcome) { outcomes <- outcome })
	require.NoError(t, d.Start(t.Context()))

	control := collect(t, sub, events.ControlTopic)

	handle, err := d.Enqueue(t.Context(), Task{ExecutionID: "exec-1"})
	require.NoError(t, err)

	require.True(t, d.Cancel(t.Context(), handle))

	msg := receive(t, control)
	assert.Equal(t, string(events.TaskRevokeEvent), msg.Metadata.Get(events.EventTypeMetadataKey))

	var revoke events.TaskRevoke
	require.NoError(t, json.Unmarshal(msg.Payload, &revoke))
	assert.Equal(t, handle, revoke.DispatchID)

	status, err := d.Status(t.Context(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRevoked, status.State)

	// Cancelling again, or cancelling the unknown, is a no-op.
	assert.False(t, d.Cancel(t.Context(), handle))
	assert.False(t, d.Cancel(t.Context(), "nope"))

	// A worker that lost the revoke race may still report; the revoked state
	// wins and no terminal callback fires.
	report(t, pub, events.TaskSucceededEvent, "exec-1", events.TaskSucceeded{
		BaseEvent:  events.NewBaseEvent(events.TaskSucceededEvent, "exec-1"),
		DispatchID: handle,
		WorkerID:   "w1",
	})

	select {
	case outcome := <-outcomes:
		t.Fatalf("terminal callback after revoke: %+v", outcome)
	case <-time.After(100 * time.Millisecond):
	}

	status, err = d.Status(t.Context(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRevoked, status.State)
}

func TestRetry_RedispatchesFailedTask(t *testing.T) {
	d, pub, sub := newTestDispatcher(t)
	require.NoError(t, d.Start(t.Context()))

	dispatched := collect(t, sub, events.DispatchTopic)

	handle, err := d.Enqueue(t.Context(), Task{
		ExecutionID: "exec-1",
		Payload:     json.RawMessage(`{"job":"one"}`),
	})
	require.NoError(t, err)
	receive(t, dispatched)

	// A healthy task is not retriable.
	err = d.Retry(t.Context(), handle, 3, time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotRetriable))

	report(t, pub, events.TaskFailedEvent, "exec-1", events.TaskFailed{
		BaseEvent:  events.NewBaseEvent(events.TaskFailedEvent, "exec-1"),
		DispatchID: handle,
		Error:      "boom",
	})

	require.NoError(t, d.Retry(t.Context(), handle, 3, time.Millisecond))

	status, err := d.Status(t.Context(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRetry, status.State)
	assert.Equal(t, 1, status.Retries)
	assert.Empty(t, status.Error)

	msg := receive(t, dispatched)

	var event events.TaskDispatched
	require.NoError(t, json.Unmarshal(msg.Payload, &event))
	assert.Equal(t, handle, event.DispatchID)
	assert.Equal(t, 1, event.Retries)

	require.Eventually(t, func() bool {
		status, err := d.Status(t.Context(), handle)

		return err == nil && status.State == models.TaskStatePending
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetry_Exhausted(t *testing.T) {
	d, pub, sub := newTestDispatcher(t)
	require.NoError(t, d.Start(t.Context()))

	dispatched := collect(t, sub, events.DispatchTopic)

	handle, err := d.Enqueue(t.Context(), Task{ExecutionID: "exec-1"})
	require.NoError(t, err)
	receive(t, dispatched)

	fail := func() {
		report(t, pub, events.TaskFailedEvent, "exec-1", events.TaskFailed{
			BaseEvent:  events.NewBaseEvent(events.TaskFailedEvent, "exec-1"),
			DispatchID: handle,
			Error:      "boom",
		})
	}

	fail()
	require.NoError(t, d.Retry(t.Context(), handle, 1, time.Millisecond))
	receive(t, dispatched)

	fail()

	err = d.Retry(t.Context(), handle, 1, time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetryExhausted))

	status, err := d.Status(t.Context(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFailure, status.State)
}

func TestAutoRetry_FailureRedispatchedBeforeTerminal(t *testing.T) {
	d, pub, sub := newTestDispatcher(t)
	d.SetRetryPolicy(RetryPolicy{MaxRetries: 1, Backoff: 10 * time.Millisecond})

	outcomes := make(chan models.Outcome, 4)
	d.OnTerminal(func(outcome models.Outcome) { outcomes <- outcome })
	require.NoError(t, d.Start(t.Context()))

	dispatched := collect(t, sub, events.DispatchTopic)

	handle, err := d.Enqueue(t.Context(), Task{ExecutionID: "exec-1"})
	require.NoError(t, err)

	first := receive(t, dispatched)

	var attempt events.TaskDispatched
	require.NoError(t, json.Unmarshal(first.Payload, &attempt))
	assert.Equal(t, 0, attempt.Retries)

	failed := events.TaskFailed{
		BaseEvent:  events.NewBaseEvent(events.TaskFailedEvent, "exec-1"),
		DispatchID: handle,
		WorkerID:   "w1",
		Error:      "boom",
	}
	report(t, pub, events.TaskFailedEvent, "exec-1", failed)

	// The first failure is absorbed by the retry budget, not reported.
	select {
	case outcome := <-outcomes:
		t.Fatalf("terminal callback fired before retries were exhausted: %+v", outcome)
	case <-time.After(100 * time.Millisecond):
	}

	second := receive(t, dispatched)
	require.NoError(t, json.Unmarshal(second.Payload, &attempt))
	assert.Equal(t, handle, attempt.DispatchID)
	assert.Equal(t, 1, attempt.Retries)

	require.Eventually(t, func() bool {
		status, statusErr := d.Status(t.Context(), handle)

		return statusErr == nil && status.State == models.TaskStatePending
	}, 2*time.Second, 10*time.Millisecond)

	// The second failure exhausts the budget and reaches the callback.
	report(t, pub, events.TaskFailedEvent, "exec-1", failed)

	outcome := <-outcomes
	assert.False(t, outcome.Success)
	assert.Equal(t, "boom", outcome.Error)

	status, err := d.Status(t.Context(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFailure, status.State)
	assert.Equal(t, 1, status.Retries)
}

func TestRetry_UnknownHandle(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	err := d.Retry(t.Context(), "nope", 3, time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandleNotFound))
}

func TestEnqueue_TransportFailure(t *testing.T) {
	pub := &failingPublisher{err: errors.New("broker down")}

	_, sub, err := channel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	d := NewQueueDispatcher(pub, sub, nil, log.WithModule("dispatcher-test"))

	_, err = d.Enqueue(t.Context(), Task{ExecutionID: "exec-1"})
	require.Error(t, err)
	assert.True(t, IsDispatchTransport(err))

	// The failed handle leaves no residue.
	assert.Equal(t, PoolMetrics{}, d.PoolMetrics())
}

func TestPoolMetrics(t *testing.T) {
	d, pub, _ := newTestDispatcher(t)
	require.NoError(t, d.Start(t.Context()))

	h1, err := d.Enqueue(t.Context(), Task{ExecutionID: "exec-1"})
	require.NoError(t, err)
	h2, err := d.Enqueue(t.Context(), Task{ExecutionID: "exec-2"})
	require.NoError(t, err)
	_, err = d.Enqueue(t.Context(), Task{ExecutionID: "exec-3"})
	require.NoError(t, err)

	report(t, pub, events.TaskSucceededEvent, "exec-1", events.TaskSucceeded{
		BaseEvent:  events.NewBaseEvent(events.TaskSucceededEvent, "exec-1"),
		DispatchID: h1,
	})
	report(t, pub, events.TaskStartedEvent, "exec-2", events.TaskStarted{
		BaseEvent:  events.NewBaseEvent(events.TaskStartedEvent, "exec-2"),
		DispatchID: h2,
	})

	metrics := d.PoolMetrics()
	assert.Equal(t, 1, metrics.Completed)
	assert.Equal(t, 1, metrics.Active)
	assert.Equal(t, 1, metrics.Pending)
}

type failingPublisher struct {
	err error
}

func (p *failingPublisher) Publish(_ string, _ ...*message.Message) error {
	return p.err
}

func (p *failingPublisher) Close() error {
	return nil
}
