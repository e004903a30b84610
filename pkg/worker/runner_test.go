package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	channel "github.com/taskdhq/taskd/pkg/channels/gochannel"
	"github.com/taskdhq/taskd/pkg/events"
	"github.com/taskdhq/taskd/pkg/log"
	"github.com/taskdhq/taskd/pkg/otelhelper"
)

func startRunner(t *testing.T, executor Executor) (message.Publisher, <-chan *message.Message) {
	t.Helper()

	return startRunnerWithTracer(t, executor, nil)
}

func startRunnerWithTracer(t *testing.T, executor Executor, tracer trace.Tracer) (message.Publisher, <-chan *message.Message) {
	t.Helper()

	pub, sub, err := channel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	// Reports must be drained concurrently: the test channel blocks the
	// runner's publishes until acknowledgment.
	reportMessages, err := sub.Subscribe(t.Context(), events.ResultTopic)
	require.NoError(t, err)

	reports := make(chan *message.Message, 16)

	go func() {
		for msg := range reportMessages {
			msg.Ack()
			reports <- msg
		}
	}()

	runner := NewRunner("w1", pub, sub, executor, tracer, log.WithModule("worker-test"))
	require.NoError(t, runner.Start(t.Context()))

	return pub, reports
}

func publishTask(t *testing.T, pub message.Publisher, dispatchID string, payload json.RawMessage) {
	t.Helper()

	task := events.TaskDispatched{
		BaseEvent:  events.NewBaseEvent(events.TaskDispatchedEvent, "exec-1"),
		DispatchID: dispatchID,
		Payload:    payload,
	}

	data, err := json.Marshal(task)
	require.NoError(t, err)

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set(events.EventMetadataKey, "exec-1")
	msg.Metadata.Set(events.EventTypeMetadataKey, string(events.TaskDispatchedEvent))

	require.NoError(t, pub.Publish(events.DispatchTopic, msg))
}

func publishRevoke(t *testing.T, pub message.Publisher, dispatchID string) {
	t.Helper()

	revoke := events.TaskRevoke{
		BaseEvent:  events.NewBaseEvent(events.TaskRevokeEvent, "exec-1"),
		DispatchID: dispatchID,
	}

	data, err := json.Marshal(revoke)
	require.NoError(t, err)

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set(events.EventMetadataKey, "exec-1")
	msg.Metadata.Set(events.EventTypeMetadataKey, string(events.TaskRevokeEvent))

	require.NoError(t, pub.Publish(events.ControlTopic, msg))
}

func nextReport(t *testing.T, reports <-chan *message.Message) (events.EventType, []byte) {
	t.Helper()

	select {
	case msg := <-reports:
		return events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey)), msg.Payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker report")

		return "", nil
	}
}

func TestRunner_SuccessReportsStartedThenSucceeded(t *testing.T) {
	executor := ExecutorFunc(func(_ context.Context, payload json.RawMessage) (string, error) {
		return "handled:" + string(payload), nil
	})

	pub, reports := startRunner(t, executor)
	publishTask(t, pub, "d1", json.RawMessage(`{"job":"one"}`))

	eventType, payload := nextReport(t, reports)
	require.Equal(t, events.TaskStartedEvent, eventType)

	var started events.TaskStarted
	require.NoError(t, json.Unmarshal(payload, &started))
	assert.Equal(t, "d1", started.DispatchID)
	assert.Equal(t, "w1", started.WorkerID)

	eventType, payload = nextReport(t, reports)
	require.Equal(t, events.TaskSucceededEvent, eventType)

	var succeeded events.TaskSucceeded
	require.NoError(t, json.Unmarshal(payload, &succeeded))
	assert.Equal(t, "d1", succeeded.DispatchID)
	assert.Equal(t, `handled:{"job":"one"}`, succeeded.Result)
}

func TestRunner_FailureCarriesDomainError(t *testing.T) {
	executor := ExecutorFunc(func(_ context.Context, _ json.RawMessage) (string, error) {
		return "", errors.New("upstream returned 503")
	})

	pub, reports := startRunner(t, executor)
	publishTask(t, pub, "d1", nil)

	eventType, _ := nextReport(t, reports)
	require.Equal(t, events.TaskStartedEvent, eventType)

	eventType, payload := nextReport(t, reports)
	require.Equal(t, events.TaskFailedEvent, eventType)

	var failed events.TaskFailed
	require.NoError(t, json.Unmarshal(payload, &failed))
	assert.Equal(t, "upstream returned 503", failed.Error)
}

func TestRunner_PanicIsContained(t *testing.T) {
	executor := ExecutorFunc(func(_ context.Context, _ json.RawMessage) (string, error) {
		panic("bad payload")
	})

	pub, reports := startRunner(t, executor)
	publishTask(t, pub, "d1", nil)

	eventType, _ := nextReport(t, reports)
	require.Equal(t, events.TaskStartedEvent, eventType)

	eventType, payload := nextReport(t, reports)
	require.Equal(t, events.TaskFailedEvent, eventType)

	var failed events.TaskFailed
	require.NoError(t, json.Unmarshal(payload, &failed))
	assert.Contains(t, failed.Error, "executor panic")

	// The runner survives and picks up the next task.
	publishTask(t, pub, "d2", nil)

	eventType, _ = nextReport(t, reports)
	require.Equal(t, events.TaskStartedEvent, eventType)
}

func TestRunner_FailureMarksSpanAsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("runner-test")

	executor := ExecutorFunc(func(_ context.Context, _ json.RawMessage) (string, error) {
		return "", errors.New("upstream returned 503")
	})

	pub, reports := startRunnerWithTracer(t, executor, tracer)
	publishTask(t, pub, "d1", nil)

	eventType, _ := nextReport(t, reports)
	require.Equal(t, events.TaskStartedEvent, eventType)

	eventType, _ = nextReport(t, reports)
	require.Equal(t, events.TaskFailedEvent, eventType)

	// The span ends after the failure report is acknowledged.
	require.Eventually(t, func() bool {
		return len(recorder.Ended()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	span := recorder.Ended()[0]
	assert.Equal(t, "worker.run", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "upstream returned 503", span.Status().Description)
	assert.Contains(t, span.Attributes(),
		attribute.String(otelhelper.StateKey, "FAILURE"))
	assert.Contains(t, span.Attributes(),
		attribute.String(otelhelper.DispatchIDKey, "d1"))
}

func TestRunner_SuccessRecordsTerminalStateOnSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("runner-test")

	executor := ExecutorFunc(func(_ context.Context, _ json.RawMessage) (string, error) {
		return "ok", nil
	})

	pub, reports := startRunnerWithTracer(t, executor, tracer)
	publishTask(t, pub, "d1", nil)

	eventType, _ := nextReport(t, reports)
	require.Equal(t, events.TaskStartedEvent, eventType)

	eventType, _ = nextReport(t, reports)
	require.Equal(t, events.TaskSucceededEvent, eventType)

	require.Eventually(t, func() bool {
		return len(recorder.Ended()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	span := recorder.Ended()[0]
	assert.Equal(t, codes.Unset, span.Status().Code)
	assert.Contains(t, span.Attributes(),
		attribute.String(otelhelper.StateKey, "SUCCESS"))
}

func TestRunner_RevokedTaskIsSkipped(t *testing.T) {
	executed := make(chan struct{}, 1)
	executor := ExecutorFunc(func(_ context.Context, _ json.RawMessage) (string, error) {
		executed <- struct{}{}

		return "", nil
	})

	pub, reports := startRunner(t, executor)

	// The revoke lands before the dispatch message does.
	publishRevoke(t, pub, "d1")
	publishTask(t, pub, "d1", nil)

	select {
	case <-executed:
		t.Fatal("revoked task was executed")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-reports:
		t.Fatalf("unexpected report for revoked task: %s", msg.Metadata.Get(events.EventTypeMetadataKey))
	case <-time.After(100 * time.Millisecond):
	}
}
