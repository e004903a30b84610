// Package main provides the taskd API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/xeipuuv/gojsonschema"

	"github.com/taskdhq/taskd/pkg/dispatcher"
	"github.com/taskdhq/taskd/pkg/persistence"
	"github.com/taskdhq/taskd/pkg/scheduler"
	"github.com/taskdhq/taskd/pkg/web"
)

type API struct {
	logger        *slog.Logger
	scheduler     *scheduler.Scheduler
	dispatcher    dispatcher.Dispatcher
	history       persistence.Persistence
	metadata      web.TaskMetadata
	validate      *validator.Validate
	payloadSchema *gojsonschema.Schema
}

func NewAPI(
	logger *slog.Logger,
	sched *scheduler.Scheduler,
	disp dispatcher.Dispatcher,
	history persistence.Persistence,
	metadata web.TaskMetadata,
	payloadSchema *gojsonschema.Schema,
) *API {
	return &API{
		logger:        logger,
		scheduler:     sched,
		dispatcher:    disp,
		history:       history,
		metadata:      metadata,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		payloadSchema: payloadSchema,
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.scheduler, a.dispatcher, a.history, a.metadata, a.validate, a.payloadSchema)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("taskd API")
	})

	executions := app.Group("/executions")
	executions.Post("/", handlers.SubmitExecution)
	executions.Post("/batch", handlers.SubmitBatch)
	executions.Get("/", handlers.ListExecutions)
	executions.Get("/:id", handlers.GetExecution)
	executions.Post("/:id/cancel", handlers.CancelExecution)

	app.Get("/metrics", handlers.GetMetrics)
	app.Get("/graph/order", handlers.GetGraphOrder)
	app.Get("/graph/stats", handlers.GetGraphStats)
	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
