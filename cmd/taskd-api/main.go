package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
	"github.com/xeipuuv/gojsonschema"

	"github.com/taskdhq/taskd/pkg/cmd"
	"github.com/taskdhq/taskd/pkg/config"
	"github.com/taskdhq/taskd/pkg/dispatcher"
	"github.com/taskdhq/taskd/pkg/log"
	"github.com/taskdhq/taskd/pkg/scheduler"
	"github.com/taskdhq/taskd/pkg/web"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "taskd-api",
		Usage:                 "Schedule and track dependency-aware executions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the taskd YAML configuration file",
				Value:   "./taskd.yaml",
				Sources: cli.EnvVars("TASKD_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database URL for execution history (postgres:// or a file root)",
				Value:   "./data",
				Sources: cli.EnvVars("DATABASE_URL"),
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

			logger.InfoContext(ctx, "Initializing taskd API")

			cfg := config.LoadOrDefault(command.String("config"))

			pub, sub := cmd.NewChannel(cfg.Queue.Provider, "taskd-api", logger)
			metadata := cmd.NewMetadataStore(ctx, cfg.Redis, logger)

			disp := dispatcher.NewQueueDispatcher(pub, sub, metadata, logger)
			disp.SetRetryPolicy(dispatcher.RetryPolicy{
				MaxRetries: cfg.Retry.MaxRetries,
				Backoff:    cfg.RetryBackoff(),
			})

			err := disp.Start(ctx)
			if err != nil {
				return err
			}

			defer func() {
				err := disp.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close dispatcher", "error", err)
				}
			}()

			history := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				err := history.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			notifier := cmd.NewEventBus(cfg.Queue.Provider, logger)

			sched := scheduler.NewScheduler(disp, notifier, history, logger)

			err = sched.StartReconciler(ctx, cfg.Reconcile.Schedule)
			if err != nil {
				return err
			}
			defer sched.Stop()

			payloadSchema, err := loadPayloadSchema(cfg.PayloadSchema)
			if err != nil {
				return err
			}

			// A typed nil must not reach the handlers as a non-nil interface.
			var taskMetadata web.TaskMetadata
			if metadata != nil {
				taskMetadata = metadata
			}

			api := NewAPI(logger, sched, disp, history, taskMetadata, payloadSchema)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func loadPayloadSchema(path string) (*gojsonschema.Schema, error) {
	if path == "" {
		return nil, nil
	}

	return gojsonschema.NewSchema(gojsonschema.NewReferenceLoader("file://" + path))
}
