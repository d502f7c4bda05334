package blob_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/dukex/flowlane/pkg/blob"
	"github.com/dukex/flowlane/pkg/blob/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	*memory.Store
	deleteErr error
}

func (f *failingStore) Delete(_ context.Context, _ string) error {
	return f.deleteErr
}

func TestOffloader_Prepare(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	offloader := blob.NewOffloader(store, 64)

	t.Run("small payload stays inline", func(t *testing.T) {
		payload, err := offloader.Prepare(ctx, map[string]any{"count": 1})
		require.NoError(t, err)
		require.NotNil(t, payload.Inline)
		assert.Nil(t, payload.StorageID)
		assert.JSONEq(t, `{"count":1}`, *payload.Inline)
	})

	t.Run("large payload is offloaded", func(t *testing.T) {
		payload, err := offloader.Prepare(ctx, map[string]any{"text": strings.Repeat("x", 100)})
		require.NoError(t, err)
		assert.Nil(t, payload.Inline)
		require.NotNil(t, payload.StorageID)
		assert.True(t, store.Exists(*payload.StorageID))

		loaded, err := offloader.Load(ctx, payload.Inline, payload.StorageID)
		require.NoError(t, err)
		assert.Contains(t, string(loaded), strings.Repeat("x", 100))
	})

	t.Run("unserializable payload", func(t *testing.T) {
		_, err := offloader.Prepare(ctx, map[string]any{"ch": make(chan int)})
		assert.Error(t, err)
	})
}

func TestOffloader_Load(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	offloader := blob.NewOffloader(memory.NewStore(), 0)

	inline := `{"a":1}`
	loaded, err := offloader.Load(ctx, &inline, nil)
	require.NoError(t, err)
	assert.JSONEq(t, inline, string(loaded))

	loaded, err = offloader.Load(ctx, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	missing := "missing"
	_, err = offloader.Load(ctx, nil, &missing)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestDeleteQuietly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := memory.NewStore()

	id, err := store.Put(ctx, []byte("data"), "text/plain")
	require.NoError(t, err)

	assert.True(t, blob.DeleteQuietly(ctx, store, logger, id))
	assert.False(t, blob.DeleteQuietly(ctx, store, logger, id), "second delete is swallowed")
	assert.Equal(t, 1, store.Deletes(id))

	broken := &failingStore{Store: memory.NewStore(), deleteErr: errors.New("connection reset")}
	assert.False(t, blob.DeleteQuietly(ctx, broken, logger, "any"))
}
