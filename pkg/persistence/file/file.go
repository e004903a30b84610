// Package file provides file-based persistence for execution history. It is
// intended for local development and tests; every execution is stored as one
// JSON document under <root>/executions.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/taskdhq/taskd/pkg/models"
	"github.com/taskdhq/taskd/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root string
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{root: cleanRoot}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// validateExecutionID guards against path traversal through execution ids.
func validateExecutionID(executionID string) error {
	if executionID == "" {
		return fmt.Errorf("%w: empty", persistence.ErrInvalidExecutionID)
	}

	if strings.Contains(executionID, "..") || strings.Contains(executionID, "/") || strings.Contains(executionID, "\\") {
		return fmt.Errorf("%w: %q", persistence.ErrInvalidExecutionID, executionID)
	}

	return nil
}

// SaveExecution writes an execution snapshot to the file system, replacing
// any previous snapshot of the same execution.
func (fp *Persistence) SaveExecution(_ context.Context, execution *models.Execution) error {
	if err := validateExecutionID(execution.ID); err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	executionsDir := filepath.Join(fp.root, "executions")

	err := os.MkdirAll(executionsDir, 0750)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID,
			fmt.Errorf("failed to create executions directory: %w", err))
	}

	data, err := json.Marshal(execution)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID,
			fmt.Errorf("failed to marshal execution: %w", err))
	}

	filePath := filepath.Join(executionsDir, execution.ID+".json")

	err = os.WriteFile(filePath, data, 0600)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID,
			fmt.Errorf("failed to write execution: %w", err))
	}

	return nil
}

// ExecutionByID retrieves an execution snapshot by its ID.
func (fp *Persistence) ExecutionByID(_ context.Context, id string) (*models.Execution, error) {
	if err := validateExecutionID(id); err != nil {
		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	filePath := filepath.Join(fp.root, "executions", id+".json")

	data, err := os.ReadFile(filePath) // #nosec G304 -- filePath is validated and constructed safely
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id,
			fmt.Errorf("failed to read execution: %w", err))
	}

	var execution models.Execution

	err = json.Unmarshal(data, &execution)
	if err != nil {
		return nil, persistence.NewExecutionError("GetByID", id,
			fmt.Errorf("failed to unmarshal execution: %w", err))
	}

	return &execution, nil
}

// Executions returns every stored execution snapshot, oldest first.
func (fp *Persistence) Executions(ctx context.Context) ([]*models.Execution, error) {
	executionsDir := filepath.Join(fp.root, "executions")

	entries, err := os.ReadDir(executionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Execution{}, nil
		}

		return nil, fmt.Errorf("failed to read executions directory: %w", err)
	}

	executions := make([]*models.Execution, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), ".json")

		execution, err := fp.ExecutionByID(ctx, id)
		if err != nil {
			if persistence.IsExecutionNotFound(err) {
				continue
			}

			return nil, err
		}

		executions = append(executions, execution)
	}

	sort.Slice(executions, func(i, j int) bool {
		if executions[i].SubmittedAt.Equal(executions[j].SubmittedAt) {
			return executions[i].ID < executions[j].ID
		}

		return executions[i].SubmittedAt.Before(executions[j].SubmittedAt)
	})

	return executions, nil
}

// ExecutionsByState returns stored executions in the given state, oldest first.
func (fp *Persistence) ExecutionsByState(ctx context.Context, state models.ExecutionState) ([]*models.Execution, error) {
	executions, err := fp.Executions(ctx)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.Execution, 0, len(executions))

	for _, execution := range executions {
		if execution.State == state {
			filtered = append(filtered, execution)
		}
	}

	return filtered, nil
}

// DeleteExecution removes an execution snapshot. Deleting an unknown
// execution returns ErrExecutionNotFound.
func (fp *Persistence) DeleteExecution(_ context.Context, id string) error {
	if err := validateExecutionID(id); err != nil {
		return persistence.NewExecutionError("Delete", id, err)
	}

	filePath := filepath.Join(fp.root, "executions", id+".json")

	err := os.Remove(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return persistence.NewExecutionError("Delete", id, persistence.ErrExecutionNotFound)
		}

		return persistence.NewExecutionError("Delete", id,
			fmt.Errorf("failed to delete execution: %w", err))
	}

	return nil
}
