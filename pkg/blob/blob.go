// Package blob stores large execution payloads outside the execution row.
package blob

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNotFound indicates the blob does not exist, for example because it was already deleted.
var ErrNotFound = errors.New("blob not found")

// Store is a content store addressed by opaque storage ids.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

// DeleteQuietly deletes a blob and reports whether it was removed. Missing blobs and storage
// errors are logged and swallowed: a double delete is an expected race.
func DeleteQuietly(ctx context.Context, store Store, logger *slog.Logger, id string) bool {
	err := store.Delete(ctx, id)
	if err == nil {
		return true
	}

	if errors.Is(err, ErrNotFound) {
		logger.DebugContext(ctx, "Blob already deleted", "storage_id", id)

		return false
	}

	logger.WarnContext(ctx, "Failed to delete blob", "storage_id", id, "error", err)

	return false
}
