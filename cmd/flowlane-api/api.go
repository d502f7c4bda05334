// Package main provides the flowlane API server.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/dukex/flowlane/pkg/dispatcher"
	"github.com/dukex/flowlane/pkg/eventbus"
	"github.com/dukex/flowlane/pkg/executions"
	"github.com/dukex/flowlane/pkg/persistence"
	"github.com/dukex/flowlane/pkg/processingrecords"
	"github.com/dukex/flowlane/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	executions  *executions.Service
	records     *processingrecords.Service
	publisher   eventbus.EventPublisher
	validate    *validator.Validate
}

// NewAPI wires the HTTP server. publisher and records may be nil.
func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	executions *executions.Service,
	records *processingrecords.Service,
	publisher eventbus.EventPublisher,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		executions:  executions,
		records:     records,
		publisher:   publisher,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		a.persistence,
		dispatcher.New(a.persistence, a.executions, a.logger),
		a.executions,
		a.records,
		a.publisher,
		a.validate,
		a.logger,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Flowlane API")
	})

	handlers.Register(app)

	return app
}

// Start serves on port until ctx is done.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	go func() {
		<-ctx.Done()

		if err := app.Shutdown(); err != nil {
			a.logger.Error("Failed to shutdown API server", "error", err)
		}
	}()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
