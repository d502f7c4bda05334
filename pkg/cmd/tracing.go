package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/flowlane/pkg/otelhelper"
)

// SetupTracing installs the OTLP exporter when enabled and returns its shutdown function.
func SetupTracing(ctx context.Context, logger *slog.Logger, enabled bool, serviceName string) func() {
	if !enabled {
		return func() {}
	}

	provider, err := otelhelper.InitTracer(ctx, serviceName)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to initialize tracer, continuing without tracing", "error", err)

		return func() {}
	}

	return func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown tracer provider", "error", err)
		}
	}
}
