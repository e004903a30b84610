// Package mocks provides testify mock implementations of the dispatcher and
// event bus interfaces for scheduler tests.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/taskdhq/taskd/pkg/dispatcher"
	"github.com/taskdhq/taskd/pkg/models"
)

// MockDispatcher is a mock implementation of dispatcher.Dispatcher.
type MockDispatcher struct {
	mock.Mock

	terminal dispatcher.TerminalFunc
}

func (m *MockDispatcher) Enqueue(ctx context.Context, task dispatcher.Task) (string, error) {
	args := m.Called(ctx, task)

	return args.String(0), args.Error(1)
}

func (m *MockDispatcher) Status(ctx context.Context, dispatchID string) (*models.TaskStatus, error) {
	args := m.Called(ctx, dispatchID)

	status, _ := args.Get(0).(*models.TaskStatus)

	return status, args.Error(1)
}

func (m *MockDispatcher) Cancel(ctx context.Context, dispatchID string) bool {
	args := m.Called(ctx, dispatchID)

	return args.Bool(0)
}

func (m *MockDispatcher) Retry(ctx context.Context, dispatchID string, maxRetries int, backoff time.Duration) error {
	args := m.Called(ctx, dispatchID, maxRetries, backoff)

	return args.Error(0)
}

func (m *MockDispatcher) PoolMetrics() dispatcher.PoolMetrics {
	args := m.Called()

	metrics, _ := args.Get(0).(dispatcher.PoolMetrics)

	return metrics
}

func (m *MockDispatcher) OnTerminal(callback dispatcher.TerminalFunc) {
	m.terminal = callback
}

// ReportTerminal drives the registered terminal callback, standing in for a
// worker report arriving from the run queue.
func (m *MockDispatcher) ReportTerminal(outcome models.Outcome) {
	if m.terminal != nil {
		m.terminal(outcome)
	}
}

func (m *MockDispatcher) Close() error {
	args := m.Called()

	return args.Error(0)
}
