package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trailcam-labs/trailcam-bridge/internal/model"
	"github.com/trailcam-labs/trailcam-bridge/internal/storage/bolt"
)

func seededService(t *testing.T) *EventLogService {
	t.Helper()
	store, err := bolt.New(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	entries := []*model.EventLogEntry{
		{DeviceID: 1, Type: model.EventDeviceAdded},
		{DeviceID: 1, Type: model.EventSettingWritten, Detail: "MD=T"},
		{DeviceID: 2, Type: model.EventDeviceAdded},
		{DeviceID: 2, Type: model.EventCaptureRequested, Detail: "photo"},
	}
	for i, entry := range entries {
		entry.CreatedAt = time.Date(2026, 8, 1, 10, i, 0, 0, time.UTC)
		require.NoError(t, store.AppendEventLog(ctx, entry))
	}
	return NewEventLogService(store)
}

func TestEventLogQuery(t *testing.T) {
	svc := seededService(t)
	ctx := context.Background()

	t.Run("newest first with pagination", func(t *testing.T) {
		page, err := svc.Query(ctx, model.EventLogFilter{Page: 1, PageSize: 3})
		require.NoError(t, err)
		assert.Equal(t, 4, page.Total)
		assert.Equal(t, 2, page.Pages)
		require.Len(t, page.Data, 3)
		assert.Equal(t, model.EventCaptureRequested, page.Data[0].Type)

		page, err = svc.Query(ctx, model.EventLogFilter{Page: 2, PageSize: 3})
		require.NoError(t, err)
		require.Len(t, page.Data, 1)
		assert.Equal(t, model.EventDeviceAdded, page.Data[0].Type)
	})

	t.Run("filter by device", func(t *testing.T) {
		page, err := svc.Query(ctx, model.EventLogFilter{DeviceID: 1})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
	})

	t.Run("filter by type", func(t *testing.T) {
		page, err := svc.Query(ctx, model.EventLogFilter{Type: model.EventDeviceAdded})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
	})

	t.Run("filter by time window", func(t *testing.T) {
		begin := time.Date(2026, 8, 1, 10, 2, 0, 0, time.UTC)
		page, err := svc.Query(ctx, model.EventLogFilter{BeginTime: &begin})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
	})
}

func TestEventLogCounts(t *testing.T) {
	svc := seededService(t)
	ctx := context.Background()

	byType, err := svc.CountByType(ctx, nil, nil)
	require.NoError(t, err)
	counts := map[string]int{}
	for _, row := range byType {
		counts[row["type"].(string)] = row["count"].(int)
	}
	assert.Equal(t, 2, counts[model.EventDeviceAdded])
	assert.Equal(t, 1, counts[model.EventSettingWritten])

	byDate, err := svc.CountByDate(ctx, "day", nil, nil)
	require.NoError(t, err)
	require.Len(t, byDate, 1)
	assert.Equal(t, "2026-08-01", byDate[0]["date"])
	assert.Equal(t, 4, byDate[0]["count"])
}
