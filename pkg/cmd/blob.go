package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowlane/pkg/blob"
	blobmemory "github.com/dukex/flowlane/pkg/blob/memory"
	blobredis "github.com/dukex/flowlane/pkg/blob/redis"
)

// NewBlobStore connects to the redis URL, or keeps blobs in process when it is empty.
func NewBlobStore(ctx context.Context, logger *slog.Logger, redisURL string) blob.Store {
	if redisURL == "" {
		logger.WarnContext(ctx, "No blob store configured, offloaded payloads are kept in memory")

		return blobmemory.NewStore()
	}

	store, err := blobredis.NewStoreFromURL(ctx, redisURL, logger)
	if err != nil {
		panic(fmt.Errorf("failed to connect blob store: %w", err))
	}

	return store
}
