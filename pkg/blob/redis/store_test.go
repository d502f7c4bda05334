package redis_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/flowlane/pkg/blob"
	blobredis "github.com/dukex/flowlane/pkg/blob/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupStore(t *testing.T) (*blobredis.Store, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := blobredis.NewStoreFromURL(ctx, "redis://"+endpoint+"/0", logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
		require.NoError(t, container.Terminate(ctx))
		cancel()
	})

	return store, ctx
}

func TestStore_Lifecycle(t *testing.T) {
	store, ctx := setupStore(t)

	id, err := store.Put(ctx, []byte(`{"large":true}`), "application/json")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	data, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"large":true}`, string(data))

	require.NoError(t, store.Delete(ctx, id))

	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	err = store.Delete(ctx, id)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestNewStoreFromURL_Invalid(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := blobredis.NewStoreFromURL(context.Background(), "not-a-url", logger)
	assert.Error(t, err)
	assert.Nil(t, store)
}
