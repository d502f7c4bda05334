// Package cmd holds the constructors shared by the flowlane binaries.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/flowlane/pkg/persistence"
	"github.com/dukex/flowlane/pkg/persistence/memory"
	"github.com/dukex/flowlane/pkg/persistence/postgresql"
)

// NewPersistence opens the storage backend selected by the URL scheme. "memory://" keeps
// everything in process.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to open postgres persistence: %w", err))
		}

		return p
	case "memory":
		logger.WarnContext(ctx, "Using in-memory persistence, state is lost on exit")

		return memory.NewPersistence()
	default:
		panic("Unsupported persistence provider: " + databaseURL)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	scheme, _, _ := strings.Cut(databaseURL, "://")

	switch scheme {
	case "postgres", "postgresql":
		return "postgres"
	case "memory":
		return "memory"
	default:
		return scheme
	}
}
