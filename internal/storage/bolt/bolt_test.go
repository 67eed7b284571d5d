package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trailcam-labs/trailcam-bridge/internal/model"
	"github.com/trailcam-labs/trailcam-bridge/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTokenRoundtrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.LoadToken(ctx, "acct-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	token := &model.Token{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SaveToken(ctx, "acct-1", token))

	loaded, err := store.LoadToken(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, token, loaded)

	require.NoError(t, store.ClearToken(ctx, "acct-1"))
	_, err = store.LoadToken(ctx, "acct-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestImageCache(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first := &model.ImageRecord{ID: "img-1", DeviceID: 1, ImageURL: "https://cdn/a.jpg"}
	require.NoError(t, store.UpsertImage(ctx, first))

	// The slot is keyed per device, a newer record replaces the old one.
	second := &model.ImageRecord{ID: "img-2", DeviceID: 1, ImageURL: "https://cdn/b.jpg"}
	require.NoError(t, store.UpsertImage(ctx, second))
	require.NoError(t, store.UpsertImage(ctx, &model.ImageRecord{ID: "img-3", DeviceID: 2}))

	images, err := store.ListImages(ctx)
	require.NoError(t, err)
	require.Len(t, images, 2)

	byDevice := map[int64]string{}
	for _, image := range images {
		byDevice[image.DeviceID] = image.ID
	}
	assert.Equal(t, "img-2", byDevice[1])
	assert.Equal(t, "img-3", byDevice[2])

	require.NoError(t, store.DeleteImage(ctx, 1))
	images, err = store.ListImages(ctx)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, int64(2), images[0].DeviceID)
}

func TestEventLogAppend(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for _, entryType := range []string{model.EventDeviceAdded, model.EventSettingWritten} {
		require.NoError(t, store.AppendEventLog(ctx, &model.EventLogEntry{
			DeviceID: 1,
			Type:     entryType,
		}))
	}

	entries, err := store.ListEventLogs(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].ID)
	assert.Equal(t, uint64(2), entries[1].ID)
	assert.Equal(t, model.EventDeviceAdded, entries[0].Type)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestContextCancellation(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, store.SaveToken(ctx, "acct-1", &model.Token{}))
	_, err := store.ListImages(ctx)
	assert.Error(t, err)
}
