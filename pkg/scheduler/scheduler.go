package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/taskdhq/taskd/pkg/dispatcher"
	"github.com/taskdhq/taskd/pkg/eventbus"
	"github.com/taskdhq/taskd/pkg/events"
	"github.com/taskdhq/taskd/pkg/graph"
	"github.com/taskdhq/taskd/pkg/models"
)

// DefaultReconcileSchedule is how often stuck ready-but-not-dispatched
// executions are retried.
const DefaultReconcileSchedule = "@every 30s"

// HistoryStore persists execution snapshots. Persistence failures are logged
// and never affect scheduling.
type HistoryStore interface {
	SaveExecution(ctx context.Context, execution *models.Execution) error
}

// SubmitRequest describes one execution to schedule.
type SubmitRequest struct {
	ExecutionID  string
	Payload      json.RawMessage
	Dependencies []string
	Priority     int
}

// BatchItem is one entry of a fan-out submission.
type BatchItem struct {
	ExecutionID string
	Payload     json.RawMessage
}

// BatchResult reports the outcome of one batch entry; a failing entry never
// aborts the remainder.
type BatchResult struct {
	ExecutionID string
	Token       string
	Err         error
}

// StatusSnapshot is what callers observe when polling an execution. Dispatch
// is populated only while the execution is running.
type StatusSnapshot struct {
	Execution *models.Execution  `json:"execution"`
	Dispatch  *models.TaskStatus `json:"dispatch,omitempty"`
}

// Metrics counts executions per state.
type Metrics struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Scheduler owns the execution registry and the dependency graph. All shared
// state is guarded by one mutex so the cycle-check-then-commit sequence and
// readiness computation stay atomic; dispatcher calls happen outside the
// critical section.
type Scheduler struct {
	mu          sync.Mutex
	graph       *graph.Graph
	executions  map[string]*models.Execution
	dispatching map[string]struct{}
	processed   map[string]struct{}

	dispatcher dispatcher.Dispatcher
	notifier   eventbus.EventPublisher
	history    HistoryStore
	logger     *slog.Logger
	cron       *cron.Cron
}

// NewScheduler creates a scheduler bound to the given dispatcher. The
// notifier and history store may be nil. The scheduler registers itself as
// the dispatcher's terminal callback.
func NewScheduler(disp dispatcher.Dispatcher, notifier eventbus.EventPublisher, history HistoryStore, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		graph:       graph.New(),
		executions:  make(map[string]*models.Execution),
		dispatching: make(map[string]struct{}),
		processed:   make(map[string]struct{}),
		dispatcher:  disp,
		notifier:    notifier,
		history:     history,
		logger:      logger.With("module", "scheduler"),
	}

	disp.OnTerminal(func(outcome models.Outcome) {
		s.OnTaskTerminal(context.Background(), outcome.ExecutionID, outcome)
	})

	return s
}

// StartReconciler begins the periodic pass that re-admits executions stuck
// in PENDING after an enqueue transport failure. The schedule uses cron
// syntax, e.g. "@every 30s".
func (s *Scheduler) StartReconciler(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}

	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		s.Reconcile(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}

	c.Start()
	s.cron = c

	s.logger.InfoContext(ctx, "Reconciler started", "schedule", schedule)

	return nil
}

// Stop halts the reconciler.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Submit registers an execution and admits it immediately when its
// dependency set is empty or already satisfied. The returned token is the
// dispatch handle when admitted now, or the execution id while the execution
// waits on dependencies (callers can poll by id either way).
//
// A cycle-introducing submission is rolled back completely: neither the
// execution record nor the graph node survives.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}

	s.mu.Lock()

	if _, exists := s.executions[executionID]; exists {
		s.mu.Unlock()

		return "", fmt.Errorf("execution %q: %w", executionID, ErrDuplicateExecution)
	}

	execution := &models.Execution{
		ID:           executionID,
		Payload:      req.Payload,
		Dependencies: append([]string(nil), req.Dependencies...),
		Priority:     req.Priority,
		State:        models.ExecutionStatePending,
		SubmittedAt:  time.Now().UTC(),
	}

	s.executions[executionID] = execution

	err := s.graph.AddTask(executionID, req.Dependencies, nil)
	if err != nil {
		delete(s.executions, executionID)
		s.mu.Unlock()

		return "", err
	}

	ready := s.graph.IsReady(executionID)
	s.mu.Unlock()

	s.persist(ctx, execution)

	if !ready {
		s.logger.InfoContext(ctx, "Execution held pending",
			"execution_id", executionID, "dependencies", req.Dependencies)

		return executionID, nil
	}

	token := s.admit(ctx, executionID)
	if token == "" {
		// Transport failure; the execution stays PENDING with the error
		// recorded and the reconciler retries it.
		return executionID, nil
	}

	return token, nil
}

// SubmitBatch submits independent executions in one call. Per-item results
// are reported; one failure never aborts the rest.
func (s *Scheduler) SubmitBatch(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, 0, len(items))

	for _, item := range items {
		token, err := s.Submit(ctx, SubmitRequest{
			ExecutionID: item.ExecutionID,
			Payload:     item.Payload,
		})

		results = append(results, BatchResult{
			ExecutionID: item.ExecutionID,
			Token:       token,
			Err:         err,
		})
	}

	return results
}

// GetStatus returns the execution snapshot, including the live dispatch
// status while the execution is running.
func (s *Scheduler) GetStatus(ctx context.Context, executionID string) (*StatusSnapshot, error) {
	s.mu.Lock()

	execution, ok := s.executions[executionID]
	if !ok {
		s.mu.Unlock()

		return nil, fmt.Errorf("execution %q: %w", executionID, ErrExecutionNotFound)
	}

	snapshot := &StatusSnapshot{Execution: execution.Snapshot()}
	dispatchID := execution.DispatchID
	running := execution.State == models.ExecutionStateRunning
	s.mu.Unlock()

	if running && dispatchID != "" {
		status, err := s.dispatcher.Status(ctx, dispatchID)
		if err != nil {
			s.logger.WarnContext(ctx, "Dispatch status unavailable",
				"execution_id", executionID, "dispatch_id", dispatchID, "error", err)
		} else {
			snapshot.Dispatch = status
		}
	}

	return snapshot, nil
}

// Cancel cancels an execution. A PENDING execution is cancelled without the
// dispatcher ever being involved; a RUNNING one gets a best-effort revoke and
// is marked CANCELLED immediately, without waiting for acknowledgment. The
// node is removed from the graph, as if it had never been submitted. Unknown
// or already-terminal executions return false.
func (s *Scheduler) Cancel(ctx context.Context, executionID string) bool {
	s.mu.Lock()

	execution, ok := s.executions[executionID]
	if !ok || execution.State.IsTerminal() {
		s.mu.Unlock()

		return false
	}

	oldState := execution.State
	dispatchID := execution.DispatchID

	execution.State = models.ExecutionStateCancelled
	execution.DispatchID = ""
	now := time.Now().UTC()
	execution.FinishedAt = &now

	// A late terminal report for this execution must be ignored.
	s.processed[executionID] = struct{}{}
	s.graph.RemoveTask(executionID)
	s.mu.Unlock()

	if oldState == models.ExecutionStateRunning && dispatchID != "" {
		s.dispatcher.Cancel(ctx, dispatchID)
	}

	s.logger.InfoContext(ctx, "Execution cancelled", "execution_id", executionID, "was", oldState)
	s.notify(executionID, oldState, models.ExecutionStateCancelled, "")
	s.persist(ctx, s.snapshotOf(executionID))

	return true
}

// OnTaskTerminal applies a terminal outcome reported by the dispatcher or a
// polling loop, then admits every dependent the completion made ready.
// Duplicate notifications for the same execution are ignored, as are reports
// for executions that were cancelled in the meantime.
func (s *Scheduler) OnTaskTerminal(ctx context.Context, executionID string, outcome models.Outcome) {
	s.mu.Lock()

	execution, ok := s.executions[executionID]
	if !ok {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "Terminal report for unknown execution", "execution_id", executionID)

		return
	}

	if _, done := s.processed[executionID]; done || execution.State.IsTerminal() {
		s.mu.Unlock()

		return
	}

	s.processed[executionID] = struct{}{}

	oldState := execution.State
	now := time.Now().UTC()
	execution.FinishedAt = &now
	execution.DispatchID = ""

	var newState models.ExecutionState

	if outcome.Success {
		newState = models.ExecutionStateCompleted
		execution.State = newState
		execution.Result = outcome.Result
		s.graph.MarkCompleted(executionID)
	} else {
		newState = models.ExecutionStateFailed
		execution.State = newState
		execution.Error = outcome.Error
		s.graph.MarkFailed(executionID)
	}

	released := s.readyCandidatesLocked()
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Execution finished",
		"execution_id", executionID, "state", newState, "released", len(released))

	s.notify(executionID, oldState, newState, outcome.Error)
	s.persist(ctx, s.snapshotOf(executionID))

	for _, id := range released {
		s.admit(ctx, id)
	}
}

// Reconcile retries enqueueing executions that are ready but stuck in
// PENDING after a transport failure.
func (s *Scheduler) Reconcile(ctx context.Context) {
	s.mu.Lock()

	stuck := make([]string, 0)

	for id, execution := range s.executions {
		if execution.State == models.ExecutionStatePending &&
			execution.EnqueueError != "" &&
			s.graph.IsReady(id) {
			stuck = append(stuck, id)
		}
	}

	s.sortByAdmissionOrderLocked(stuck)
	s.mu.Unlock()

	if len(stuck) == 0 {
		return
	}

	s.logger.InfoContext(ctx, "Reconciling stuck executions", "count", len(stuck))

	for _, id := range stuck {
		s.admit(ctx, id)
	}
}

// Metrics returns execution counts per state.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics := Metrics{Total: len(s.executions)}

	for _, execution := range s.executions {
		switch execution.State {
		case models.ExecutionStatePending:
			metrics.Pending++
		case models.ExecutionStateRunning:
			metrics.Running++
		case models.ExecutionStateCompleted:
			metrics.Completed++
		case models.ExecutionStateFailed:
			metrics.Failed++
		case models.ExecutionStateCancelled:
			metrics.Cancelled++
		}
	}

	return metrics
}

// Executions returns snapshots of every tracked execution, oldest first.
func (s *Scheduler) Executions() []*models.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]*models.Execution, 0, len(s.executions))
	for _, execution := range s.executions {
		list = append(list, execution.Snapshot())
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].SubmittedAt.Equal(list[j].SubmittedAt) {
			return list[i].ID < list[j].ID
		}

		return list[i].SubmittedAt.Before(list[j].SubmittedAt)
	})

	return list
}

// TopologicalOrder returns every tracked execution id in dependency order.
func (s *Scheduler) TopologicalOrder() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.graph.TopologicalOrder()
}

// GraphStats summarizes the dependency graph.
func (s *Scheduler) GraphStats() graph.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.graph.Stats()
}

// admit transitions a pending execution to RUNNING by enqueueing it. The
// enqueue happens outside the lock; the handle (or the transport error) is
// recorded under a re-acquired lock. Returns the dispatch handle, or "" when
// the execution could not be admitted.
func (s *Scheduler) admit(ctx context.Context, executionID string) string {
	s.mu.Lock()

	execution, ok := s.executions[executionID]
	if !ok || execution.State != models.ExecutionStatePending {
		s.mu.Unlock()

		return ""
	}

	if _, busy := s.dispatching[executionID]; busy {
		s.mu.Unlock()

		return ""
	}

	s.dispatching[executionID] = struct{}{}
	task := dispatcher.Task{
		ExecutionID: executionID,
		Payload:     execution.Payload,
		Priority:    execution.Priority,
	}
	s.mu.Unlock()

	handle, err := s.dispatcher.Enqueue(ctx, task)

	s.mu.Lock()
	delete(s.dispatching, executionID)

	execution, ok = s.executions[executionID]
	if !ok {
		s.mu.Unlock()

		return ""
	}

	if err != nil {
		if execution.State == models.ExecutionStatePending {
			execution.EnqueueError = err.Error()
		}
		s.mu.Unlock()

		s.logger.ErrorContext(ctx, "Failed to enqueue execution",
			"execution_id", executionID, "error", err)
		s.persist(ctx, s.snapshotOf(executionID))

		return ""
	}

	if execution.State != models.ExecutionStatePending {
		// Cancelled while the enqueue was in flight; revoke the orphan.
		s.mu.Unlock()
		s.dispatcher.Cancel(ctx, handle)

		return ""
	}

	oldState := execution.State
	execution.State = models.ExecutionStateRunning
	execution.DispatchID = handle
	execution.EnqueueError = ""
	now := time.Now().UTC()
	execution.StartedAt = &now
	s.graph.MarkRunning(executionID)
	s.mu.Unlock()

	s.notify(executionID, oldState, models.ExecutionStateRunning, "")
	s.persist(ctx, s.snapshotOf(executionID))

	return handle
}

// readyCandidatesLocked returns pending executions whose dependencies are
// satisfied, ordered by priority descending and submission order ascending.
// Caller holds the lock.
func (s *Scheduler) readyCandidatesLocked() []string {
	ready := make([]string, 0)

	for _, id := range s.graph.ReadyTasks() {
		execution, ok := s.executions[id]
		if !ok || execution.State != models.ExecutionStatePending {
			continue
		}

		if _, busy := s.dispatching[id]; busy {
			continue
		}

		ready = append(ready, id)
	}

	s.sortByAdmissionOrderLocked(ready)

	return ready
}

// sortByAdmissionOrderLocked orders ids by priority desc, then submission
// time asc. Caller holds the lock; ids arriving from ReadyTasks are already
// in submission order, so the stable sort only reorders across priorities.
func (s *Scheduler) sortByAdmissionOrderLocked(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, okA := s.executions[ids[i]]
		b, okB := s.executions[ids[j]]

		if !okA || !okB {
			return ids[i] < ids[j]
		}

		return a.Priority > b.Priority
	})
}

// notify emits a state-change event to external observers. Fire and forget:
// a publish failure is logged and never affects the transition.
func (s *Scheduler) notify(executionID string, oldState, newState models.ExecutionState, errMsg string) {
	if s.notifier == nil {
		return
	}

	event := events.ExecutionStateChanged{
		BaseEvent: events.NewBaseEvent(events.ExecutionStateChangedEvent, executionID),
		OldState:  oldState,
		NewState:  newState,
		Error:     errMsg,
	}

	go func() {
		err := s.notifier.Publish(context.Background(), executionID, event)
		if err != nil {
			s.logger.Error("Failed to publish state change",
				"execution_id", executionID, "new_state", newState, "error", err)
		}
	}()
}

// persist writes an execution snapshot to the history store, best effort.
func (s *Scheduler) persist(ctx context.Context, execution *models.Execution) {
	if s.history == nil || execution == nil {
		return
	}

	err := s.history.SaveExecution(ctx, execution)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to persist execution",
			"execution_id", execution.ID, "error", err)
	}
}

func (s *Scheduler) snapshotOf(executionID string) *models.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	if execution, ok := s.executions[executionID]; ok {
		return execution.Snapshot()
	}

	return nil
}
