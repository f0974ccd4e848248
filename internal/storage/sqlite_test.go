package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/unipush/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "unipush.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func testMessage(id string, version int64, status models.Status) *models.Message {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.Message{
		MessageID:     id,
		Title:         "T",
		Content:       "C",
		ChannelCode:   "webhook",
		Target:        json.RawMessage(`{"url":"https://x/y"}`),
		Status:        status,
		MaxRetryCount: 3,
		Version:       version,
		CreateTime:    now,
		UpdateTime:    now.Add(time.Duration(version) * time.Second),
	}
}

func TestUpsertInsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("m1", 1, models.StatusPending)
	require.NoError(t, store.UpsertMessages(ctx, []*models.Message{msg}))

	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.JSONEq(t, `{"url":"https://x/y"}`, string(got.Target))
	assert.Nil(t, got.SuccessTime)
	assert.True(t, got.CreateTime.Equal(msg.CreateTime))
}

func TestGetMessageNotFound(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetMessage(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpsertIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("m1", 2, models.StatusPending)
	msg.Persisted = true
	for i := 0; i < 3; i++ {
		require.NoError(t, store.UpsertMessages(ctx, []*models.Message{msg}))
	}

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalMessages)
}

func TestUpsertDoesNotRegressVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	newer := testMessage("m1", 5, models.StatusSuccess)
	success := newer.UpdateTime
	newer.SuccessTime = &success
	require.NoError(t, store.UpsertMessages(ctx, []*models.Message{newer}))

	older := testMessage("m1", 3, models.StatusPending)
	older.RetryCount = 1
	require.NoError(t, store.UpsertMessages(ctx, []*models.Message{older}))

	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, got.Status)
	assert.Equal(t, int64(5), got.Version)
	assert.Equal(t, 0, got.RetryCount)
	require.NotNil(t, got.SuccessTime)
}

func TestLogsAndStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMessages(ctx, []*models.Message{
		testMessage("m1", 1, models.StatusSuccess),
		testMessage("m2", 1, models.StatusFailed),
		testMessage("m3", 1, models.StatusPending),
	}))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, typ := range []models.LogType{models.LogRetry, models.LogResponse} {
		require.NoError(t, store.CreateLog(ctx, &models.PushLog{
			ID:          "log_" + string(rune('a'+i)),
			MessageID:   "m1",
			ChannelCode: "webhook",
			LogType:     typ,
			LogLevel:    "INFO",
			Attempt:     i,
			CostTime:    12,
			CreateTime:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	logs, err := store.ListLogs(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.LogRetry, logs[0].LogType)
	assert.Equal(t, models.LogResponse, logs[1].LogType)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalMessages)
	assert.Equal(t, int64(1), stats.ByStatus["SUCCESS"])
	assert.Equal(t, int64(3), stats.ByChannel["webhook"])
	assert.Equal(t, int64(2), stats.TotalLogs)
	assert.InDelta(t, 50.0, stats.SuccessRate, 0.001)
}
