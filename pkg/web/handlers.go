// Package web provides the HTTP handlers for the execution scheduling API.
package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/taskdhq/taskd/pkg/dispatcher"
	"github.com/taskdhq/taskd/pkg/models"
	"github.com/taskdhq/taskd/pkg/persistence"
	"github.com/taskdhq/taskd/pkg/scheduler"
)

// TaskMetadata is the durable dispatch-handle bookkeeping kept outside the
// process (Redis). Satisfied by *dispatcher.MetadataStore.
type TaskMetadata interface {
	Get(ctx context.Context, dispatchID string) (*models.TaskStatus, error)
	Count(ctx context.Context) (int, error)
}

type APIHandlers struct {
	scheduler     *scheduler.Scheduler
	dispatcher    dispatcher.Dispatcher
	history       persistence.Persistence
	metadata      TaskMetadata
	validator     *validator.Validate
	payloadSchema *gojsonschema.Schema
}

// NewAPIHandlers creates the handler set. The history store, metadata store
// and payload schema may be nil; without a schema, payloads pass through
// unchecked.
func NewAPIHandlers(
	sched *scheduler.Scheduler,
	disp dispatcher.Dispatcher,
	history persistence.Persistence,
	metadata TaskMetadata,
	validate *validator.Validate,
	payloadSchema *gojsonschema.Schema,
) *APIHandlers {
	return &APIHandlers{
		scheduler:     sched,
		dispatcher:    disp,
		history:       history,
		metadata:      metadata,
		validator:     validate,
		payloadSchema: payloadSchema,
	}
}

func (h *APIHandlers) SubmitExecution(c fiber.Ctx) error {
	var req SubmitExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.validatePayload(req.Payload); err != nil {
		return badRequest(c, err.Error())
	}

	executionID := req.ID
	if executionID == "" {
		executionID = uuid.New().String()
	}

	token, err := h.scheduler.Submit(c.Context(), scheduler.SubmitRequest{
		ExecutionID:  executionID,
		Payload:      req.Payload,
		Dependencies: req.Dependencies,
		Priority:     req.Priority,
	})
	if err != nil {
		return handleSchedulerError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(SubmitExecutionResponse{
		ExecutionID: executionID,
		Token:       token,
	})
}

func (h *APIHandlers) SubmitBatch(c fiber.Ctx) error {
	var req BatchSubmitRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	items := make([]scheduler.BatchItem, 0, len(req.Executions))

	for _, execution := range req.Executions {
		if err := h.validatePayload(execution.Payload); err != nil {
			return badRequest(c, err.Error())
		}

		id := execution.ID
		if id == "" {
			id = uuid.New().String()
		}

		items = append(items, scheduler.BatchItem{
			ExecutionID: id,
			Payload:     execution.Payload,
		})
	}

	results := h.scheduler.SubmitBatch(c.Context(), items)

	return c.JSON(fiber.Map{
		"results": TransformBatchResponse(results),
	})
}

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	executions := h.scheduler.Executions()

	if stateStr := c.Query("state"); stateStr != "" {
		state := models.ExecutionState(strings.ToUpper(stateStr))
		filtered := make([]*models.Execution, 0, len(executions))

		for _, execution := range executions {
			if execution.State == state {
				filtered = append(filtered, execution)
			}
		}

		executions = filtered
	}

	return c.JSON(fiber.Map{
		"executions":  executions,
		"total_count": len(executions),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	snapshot, err := h.scheduler.GetStatus(c.Context(), id)
	if err != nil {
		return handleSchedulerError(c, err)
	}

	// The in-memory dispatcher forgets handles across restarts; fall back to
	// the mirrored metadata when it cannot answer.
	if snapshot.Dispatch == nil && h.metadata != nil && snapshot.Execution.DispatchID != "" {
		status, metaErr := h.metadata.Get(c.Context(), snapshot.Execution.DispatchID)
		if metaErr == nil && status != nil {
			snapshot.Dispatch = status
		}
	}

	return c.JSON(snapshot)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	cancelled := h.scheduler.Cancel(c.Context(), id)
	if !cancelled {
		return notFound(c, "Execution not found or already terminal")
	}

	return c.JSON(CancelResponse{ExecutionID: id, Cancelled: true})
}

func (h *APIHandlers) GetMetrics(c fiber.Ctx) error {
	response := fiber.Map{
		"executions": h.scheduler.Metrics(),
		"pool":       h.dispatcher.PoolMetrics(),
	}

	if h.metadata != nil {
		tracked, err := h.metadata.Count(c.Context())
		if err == nil {
			response["queue"] = fiber.Map{"tracked_tasks": tracked}
		}
	}

	return c.JSON(response)
}

func (h *APIHandlers) GetGraphOrder(c fiber.Ctx) error {
	order, err := h.scheduler.TopologicalOrder()
	if err != nil {
		return handleSchedulerError(c, err)
	}

	return c.JSON(fiber.Map{"order": order})
}

func (h *APIHandlers) GetGraphStats(c fiber.Ctx) error {
	return c.JSON(h.scheduler.GraphStats())
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	historyCheck := "not configured"
	healthy := true

	if h.history != nil {
		err := h.history.HealthCheck(c.Context())
		if err != nil {
			historyCheck = err.Error()
			healthy = false
		} else {
			historyCheck = "ok"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK

	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"history": historyCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

// validatePayload checks an opaque payload against the optional JSON schema.
// The scheduler itself never inspects payloads.
func (h *APIHandlers) validatePayload(payload []byte) error {
	if h.payloadSchema == nil || len(payload) == 0 {
		return nil
	}

	result, err := h.payloadSchema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			details = append(details, resultError.String())
		}

		return fmt.Errorf("payload schema violation: %s", strings.Join(details, "; "))
	}

	return nil
}
