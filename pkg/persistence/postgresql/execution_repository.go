package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taskdhq/taskd/pkg/models"
	"github.com/taskdhq/taskd/pkg/persistence"
)

// ExecutionRepository handles execution-related database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Save upserts an execution snapshot.
func (er *ExecutionRepository) Save(ctx context.Context, execution *models.Execution) error {
	dependenciesJSON, err := json.Marshal(execution.Dependencies)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID,
			fmt.Errorf("failed to marshal dependencies: %w", err))
	}

	var payload any
	if len(execution.Payload) > 0 {
		payload = []byte(execution.Payload)
	}

	query := `
		INSERT INTO executions (
			id, payload, dependencies, priority, state, dispatch_id,
			result, error_message, enqueue_error, submitted_at, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			payload = EXCLUDED.payload,
			dependencies = EXCLUDED.dependencies,
			priority = EXCLUDED.priority,
			state = EXCLUDED.state,
			dispatch_id = EXCLUDED.dispatch_id,
			result = EXCLUDED.result,
			error_message = EXCLUDED.error_message,
			enqueue_error = EXCLUDED.enqueue_error,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at
	`

	_, err = er.db.ExecContext(ctx, query,
		execution.ID,
		payload,
		dependenciesJSON,
		execution.Priority,
		execution.State,
		nullableString(execution.DispatchID),
		nullableString(execution.Result),
		nullableString(execution.Error),
		nullableString(execution.EnqueueError),
		execution.SubmittedAt,
		execution.StartedAt,
		execution.FinishedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

// GetByID retrieves an execution snapshot by its ID.
func (er *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	row := er.db.QueryRowContext(ctx, selectExecutionSQL+" WHERE id = $1", id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return execution, nil
}

// GetAll retrieves every stored execution snapshot, oldest first.
func (er *ExecutionRepository) GetAll(ctx context.Context) ([]*models.Execution, error) {
	rows, err := er.db.QueryContext(ctx, selectExecutionSQL+" ORDER BY submitted_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	return collectExecutions(rows)
}

// GetByState retrieves stored executions in the given state, oldest first.
func (er *ExecutionRepository) GetByState(ctx context.Context, state models.ExecutionState) ([]*models.Execution, error) {
	rows, err := er.db.QueryContext(ctx, selectExecutionSQL+" WHERE state = $1 ORDER BY submitted_at, id", state)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions by state: %w", err)
	}

	return collectExecutions(rows)
}

// Delete removes an execution snapshot.
func (er *ExecutionRepository) Delete(ctx context.Context, id string) error {
	result, err := er.db.ExecContext(ctx, "DELETE FROM executions WHERE id = $1", id)
	if err != nil {
		return persistence.NewExecutionError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("Delete", id, err)
	}

	if affected == 0 {
		return persistence.NewExecutionError("Delete", id, persistence.ErrExecutionNotFound)
	}

	return nil
}

const selectExecutionSQL = `
	SELECT id, payload, dependencies, priority, state, dispatch_id,
		   result, error_message, enqueue_error, submitted_at, started_at, finished_at
	FROM executions
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var (
		execution        models.Execution
		payload          []byte
		dependenciesJSON []byte
		dispatchID       sql.NullString
		result           sql.NullString
		errorMessage     sql.NullString
		enqueueError     sql.NullString
		startedAt        sql.NullTime
		finishedAt       sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&payload,
		&dependenciesJSON,
		&execution.Priority,
		&execution.State,
		&dispatchID,
		&result,
		&errorMessage,
		&enqueueError,
		&execution.SubmittedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		execution.Payload = json.RawMessage(payload)
	}

	err = json.Unmarshal(dependenciesJSON, &execution.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
	}

	execution.DispatchID = dispatchID.String
	execution.Result = result.String
	execution.Error = errorMessage.String
	execution.EnqueueError = enqueueError.String

	if startedAt.Valid {
		execution.StartedAt = &startedAt.Time
	}

	if finishedAt.Valid {
		execution.FinishedAt = &finishedAt.Time
	}

	return &execution, nil
}

func collectExecutions(rows *sql.Rows) ([]*models.Execution, error) {
	defer func() {
		_ = rows.Close()
	}()

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err := rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}

	return executions, nil
}

func nullableString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
