// Package redis stores execution blobs in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dukex/flowlane/pkg/blob"
)

const defaultKeyPrefix = "flowlane:blob:"

// Store implements blob.Store on a Redis client.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
}

// NewStore creates a store on an existing client.
func NewStore(client goredis.UniversalClient, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		logger:    logger.With("module", "redis_blob_store"),
	}
}

// NewStoreFromURL parses a redis:// URL, verifies the connection and creates a store.
func NewStoreFromURL(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewStore(client, logger), nil
}

func (s *Store) key(id string) string {
	return s.keyPrefix + id
}

func (s *Store) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	id := uuid.New().String()

	ok, err := s.client.SetNX(ctx, s.key(id), data, 0).Result()
	if err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}

	if !ok {
		return "", fmt.Errorf("blob id collision: %s", id)
	}

	s.logger.DebugContext(ctx, "Blob stored", "storage_id", id, "size", len(data), "content_type", contentType)

	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, blob.ErrNotFound
		}

		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	return data, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	if removed == 0 {
		return blob.ErrNotFound
	}

	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
