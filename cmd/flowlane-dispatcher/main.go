package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/dukex/flowlane/pkg/blob"
	"github.com/dukex/flowlane/pkg/cmd"
	"github.com/dukex/flowlane/pkg/dispatcher"
	"github.com/dukex/flowlane/pkg/executions"
	"github.com/dukex/flowlane/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "flowlane-dispatcher",
		Usage:                 "Start executions for events received on the event bus",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dispatcher-id",
				Aliases: []string{"id"},
				Usage:   "Custom dispatcher ID (auto-generated if not provided)",
				Sources: cli.EnvVars("DISPATCHER_ID"),
			},
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
				Name:     "event-bus",
				Usage:    "Event bus type (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka broker addresses",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
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

			dispatcherID := command.String("dispatcher-id")
			if dispatcherID == "" {
				dispatcherID = fmt.Sprintf("dispatcher-%s", uuid.New().String()[:8])
			}

			logger := log.WithModule("flowlane-dispatcher").With("dispatcher_id", dispatcherID)
			logger.InfoContext(ctx, "Initializing flowlane dispatcher")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			defer cmd.SetupTracing(ctx, logger, command.Bool("tracing"), "flowlane-dispatcher")()

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persistence.Close(context.Background()); err != nil {
					logger.Error("Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "flowlane-dispatcher", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.Error("Failed to close event bus", "error", err)
				}
			}()

			service := executions.NewService(persistence, cmd.NewBlobStore(ctx, logger, command.String("redis-url")), logger,
				executions.WithPublisher(eventBus),
				executions.WithInlineThreshold(command.Int("blob-inline-threshold")),
			)

			d := dispatcher.New(persistence, service, logger)

			err := d.Register(eventBus)
			if err != nil {
				return err
			}

			err = eventBus.Subscribe(ctx)
			if err != nil {
				return fmt.Errorf("failed to subscribe to event bus: %w", err)
			}

			logger.InfoContext(ctx, "Dispatcher subscribed to event bus")

			<-ctx.Done()

			logger.Info("Flowlane dispatcher stopped")

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
