package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/flowlane/pkg/blob"
	"github.com/dukex/flowlane/pkg/cmd"
	"github.com/dukex/flowlane/pkg/executions"
	"github.com/dukex/flowlane/pkg/log"
	"github.com/dukex/flowlane/pkg/schedule"
	"github.com/dukex/flowlane/pkg/scheduler"
)

func main() {
	command := &cli.Command{
		Name:                  "flowlane-scheduler",
		Usage:                 "Start executions of due cron schedules and clean up expired execution storage",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL of the blob store (in-memory when empty)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type for lifecycle events (kafka, gochannel, or empty to disable)",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka broker addresses",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.DurationFlag{
				Name:    "scan-interval",
				Usage:   "How often active schedules are evaluated",
				Value:   scheduler.DefaultInterval,
				Sources: cli.EnvVars("SCAN_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "scan-batch-size",
				Usage:   "Maximum number of active schedules evaluated per scan",
				Value:   scheduler.DefaultBatchSize,
				Sources: cli.EnvVars("SCAN_BATCH_SIZE"),
			},
			&cli.DurationFlag{
				Name:    "cleanup-interval",
				Usage:   "How often due storage cleanup jobs are polled",
				Value:   time.Minute,
				Sources: cli.EnvVars("CLEANUP_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "blob-inline-threshold",
				Usage:   "Largest serialized payload in bytes kept inline on the execution",
				Value:   blob.DefaultInlineThreshold,
				Sources: cli.EnvVars("BLOB_INLINE_THRESHOLD"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text or json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("flowlane-scheduler")
			logger.InfoContext(ctx, "Initializing flowlane scheduler")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			defer cmd.SetupTracing(ctx, logger, command.Bool("tracing"), "flowlane-scheduler")()

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persistence.Close(context.Background()); err != nil {
					logger.Error("Failed to close persistence", "error", err)
				}
			}()

			options := []executions.Option{executions.WithInlineThreshold(command.Int("blob-inline-threshold"))}

			if provider := command.String("event-bus"); provider != "" {
				eventBus := cmd.NewEventBus(provider, command.String("kafka-brokers"), "flowlane-scheduler", logger)
				defer func() {
					if err := eventBus.Close(); err != nil {
						logger.Error("Failed to close event bus", "error", err)
					}
				}()

				options = append(options, executions.WithPublisher(eventBus))
			}

			service := executions.NewService(persistence, cmd.NewBlobStore(ctx, logger, command.String("redis-url")), logger, options...)

			cleanupConfig := executions.DefaultCleanupWorkerConfig()
			cleanupConfig.Interval = command.Duration("cleanup-interval")

			worker := executions.NewCleanupWorker(service, persistence.CleanupJobRepository(), cleanupConfig, logger)
			worker.Start(ctx)
			defer worker.Stop()

			scanner := scheduler.NewScanner(persistence, service, schedule.NewEvaluator(logger), logger,
				scheduler.WithInterval(command.Duration("scan-interval")),
				scheduler.WithBatchSize(command.Int("scan-batch-size")),
			)
			scanner.Run(ctx)

			logger.Info("Flowlane scheduler stopped")

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
