// Package persistence provides the storage abstraction for execution history.
package persistence

import (
	"context"

	"github.com/taskdhq/taskd/pkg/models"
)

type Persistence interface {
	SaveExecution(ctx context.Context, execution *models.Execution) error
	ExecutionByID(ctx context.Context, id string) (*models.Execution, error)
	Executions(ctx context.Context) ([]*models.Execution, error)
	ExecutionsByState(ctx context.Context, state models.ExecutionState) ([]*models.Execution, error)
	DeleteExecution(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
