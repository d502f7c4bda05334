package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/flowlane/pkg/blob"
	"github.com/dukex/flowlane/pkg/cmd"
	"github.com/dukex/flowlane/pkg/eventbus"
	"github.com/dukex/flowlane/pkg/executions"
	"github.com/dukex/flowlane/pkg/integrations"
	"github.com/dukex/flowlane/pkg/log"
	"github.com/dukex/flowlane/pkg/processingrecords"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "flowlane-api",
		Usage:                 "Serve webhook, API key and manual triggers and the execution API",
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
				Usage:   "Event bus type (kafka, gochannel, or empty to dispatch events inline)",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
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
			&cli.StringFlag{
				Name:    "integration-url",
				Usage:   "Base URL of the integration gateway (processing records are disabled when empty)",
				Sources: cli.EnvVars("INTEGRATION_GATEWAY_URL"),
			},
			&cli.StringFlag{
				Name:    "integration-token",
				Usage:   "Bearer token sent to the integration gateway",
				Sources: cli.EnvVars("INTEGRATION_GATEWAY_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "integration-envelopes",
				Usage:   "Response envelope per integration, e.g. crm=data,erp=records",
				Sources: cli.EnvVars("INTEGRATION_ENVELOPES"),
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

			logger := log.WithModule("flowlane-api")
			logger.InfoContext(ctx, "Initializing flowlane API")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			defer cmd.SetupTracing(ctx, logger, command.Bool("tracing"), "flowlane-api")()

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persistence.Close(context.Background()); err != nil {
					logger.Error("Failed to close persistence", "error", err)
				}
			}()

			options := []executions.Option{executions.WithInlineThreshold(command.Int("blob-inline-threshold"))}

			var publisher eventbus.EventPublisher

			if provider := command.String("event-bus"); provider != "" {
				eventBus := cmd.NewEventBus(provider, command.String("kafka-brokers"), "flowlane-api", logger)
				defer func() {
					if err := eventBus.Close(); err != nil {
						logger.Error("Failed to close event bus", "error", err)
					}
				}()

				publisher = eventBus
				options = append(options, executions.WithPublisher(eventBus))
			}

			service := executions.NewService(persistence, cmd.NewBlobStore(ctx, logger, command.String("redis-url")), logger, options...)

			var records *processingrecords.Service

			if url := command.String("integration-url"); url != "" {
				envelopes, err := integrations.ParseEnvelopes(command.String("integration-envelopes"))
				if err != nil {
					return fmt.Errorf("invalid integration envelopes: %w", err)
				}

				executor := integrations.NewHTTPExecutor(url, logger, integrations.WithToken(command.String("integration-token")))
				records = processingrecords.NewService(persistence.ProcessingRecordRepository(), executor, envelopes, nil, logger)
			}

			err := NewAPI(logger, persistence, service, records, publisher).Start(ctx, command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "API server stopped with error", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
