// Package main provides the taskd worker process. It consumes dispatched
// tasks from the run queue and executes them through the configured executor.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskdhq/taskd/pkg/cmd"
	"github.com/taskdhq/taskd/pkg/config"
	"github.com/taskdhq/taskd/pkg/log"
	"github.com/taskdhq/taskd/pkg/otelhelper"
	"github.com/taskdhq/taskd/pkg/worker"
)

const defaultExecutorTimeout = 30 * time.Second

func main() {
	command := &cli.Command{
		Name:                  "taskd-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker to execute dispatched tasks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the taskd YAML configuration file",
				Value:   "./taskd.yaml",
				Sources: cli.EnvVars("TASKD_CONFIG"),
			},
			&cli.StringFlag{
				Name:     "executor-url",
				Usage:    "URL payloads are POSTed to for execution",
				Required: true,
				Sources:  cli.EnvVars("EXECUTOR_URL"),
			},
			&cli.DurationFlag{
				Name:    "executor-timeout",
				Usage:   "Timeout for a single task execution",
				Value:   defaultExecutorTimeout,
				Sources: cli.EnvVars("EXECUTOR_TIMEOUT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing for task runs",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("taskd-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing taskd worker")

			cfg := config.LoadOrDefault(command.String("config"))

			pub, sub := cmd.NewChannel(cfg.Queue.Provider, "taskd-worker", logger)

			var tracer trace.Tracer

			if command.Bool("tracing") {
				var err error

				tracer, err = otelhelper.NewTracer(ctx, "taskd-worker")
				if err != nil {
					logger.WarnContext(ctx, "Tracing unavailable", "error", err)
				}
			}

			executor := worker.NewHTTPExecutor(
				command.String("executor-url"),
				nil,
				command.Duration("executor-timeout"),
			)

			runner := worker.NewRunner(workerID, pub, sub, executor, tracer, logger)

			err := runner.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start worker", "error", err)

				return err
			}

			waitCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			<-waitCtx.Done()

			logger.InfoContext(ctx, "Shutting down taskd worker")

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
