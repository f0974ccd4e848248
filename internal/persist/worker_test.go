package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/unipush/internal/cache"
	"github.com/shohag/unipush/internal/config"
	"github.com/shohag/unipush/internal/models"
	"github.com/shohag/unipush/internal/storage"
)

var testCfg = config.PersistConfig{
	Interval:         5 * time.Second,
	InitialDelay:     0,
	BatchSize:        100,
	FailureThreshold: 2,
	BreakerTimeout:   time.Minute,
	MaxBackoff:       time.Minute,
}

type flakyStore struct {
	storage.Storage
	err   error
	calls int
}

func (f *flakyStore) UpsertMessages(ctx context.Context, msgs []*models.Message) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return f.Storage.UpsertMessages(ctx, msgs)
}

func setup(t *testing.T) (*cache.RedisStore, *storage.SQLiteStorage) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 7*24*time.Hour)
	t.Cleanup(func() { _ = c.Close() })

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "persist.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return c, store
}

func seed(t *testing.T, c cache.Store, n int, due time.Time) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, n)
	for i := range ids {
		id := fmt.Sprintf("msg-%03d", i)
		ids[i] = id
		require.NoError(t, c.Put(ctx, &models.Message{
			MessageID:     id,
			Title:         "T",
			Content:       "C",
			ChannelCode:   "webhook",
			Target:        json.RawMessage(`{"url":"https://x/y"}`),
			Status:        models.StatusPending,
			MaxRetryCount: 3,
			Version:       2,
			CreateTime:    due,
			UpdateTime:    due,
		}))
		require.NoError(t, c.EnqueuePersist(ctx, id, due))
	}
	return ids
}

func TestRunOnceFlushesInBatches(t *testing.T) {
	c, store := setup(t)
	ctx := context.Background()
	w := NewWorker(c, store, testCfg, zerolog.Nop())

	ids := seed(t, c, 150, time.Now().Add(-time.Second))

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	left, err := c.PersistQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), left)

	m, err := c.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, m.Persisted)
	require.NotNil(t, m.PersistedTime)

	durable, err := store.GetMessage(ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, durable)
	assert.True(t, durable.Persisted)
	assert.Equal(t, models.StatusPending, durable.Status)

	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	left, err = c.PersistQueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(150), stats.TotalMessages)
}

func TestRunOnceSkipsFutureEntries(t *testing.T) {
	c, store := setup(t)
	w := NewWorker(c, store, testCfg, zerolog.Nop())

	seed(t, c, 3, time.Now().Add(time.Hour))

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnceDropsVanishedEntries(t *testing.T) {
	c, store := setup(t)
	ctx := context.Background()
	w := NewWorker(c, store, testCfg, zerolog.Nop())

	require.NoError(t, c.EnqueuePersist(ctx, "expired", time.Now().Add(-time.Second)))
	seed(t, c, 1, time.Now().Add(-time.Second))

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := c.PersistQueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestRunOnceKeepsQueueOnFailure(t *testing.T) {
	c, store := setup(t)
	ctx := context.Background()
	flaky := &flakyStore{Storage: store, err: errors.New("database is locked")}
	w := NewWorker(c, flaky, testCfg, zerolog.Nop())

	seed(t, c, 5, time.Now().Add(-time.Second))

	_, err := w.RunOnce(ctx)
	require.Error(t, err)

	left, err := c.PersistQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), left)
	assert.False(t, w.ready(), "a failure pauses the worker")

	// A second failure trips the breaker; the third cycle never reaches the store.
	w.recovered()
	_, err = w.RunOnce(ctx)
	require.Error(t, err)
	_, err = w.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, flaky.calls)

	flaky.err = nil
	w.breaker = NewWorker(c, flaky, testCfg, zerolog.Nop()).breaker
	w.recovered()

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, w.ready())
}

func TestRunOnceDoesNotDequeueNewerVersion(t *testing.T) {
	c, store := setup(t)
	ctx := context.Background()
	flaky := &flakyStore{Storage: store}
	w := NewWorker(c, flaky, testCfg, zerolog.Nop())

	ids := seed(t, c, 1, time.Now().Add(-time.Second))

	// Simulate a result landing between the snapshot and the mark.
	w.store = &hookStore{Storage: flaky, after: func() {
		_, err := c.Update(ctx, ids[0], func(m *models.Message, ops *cache.Ops) error {
			m.Status = models.StatusSuccess
			m.Version++
			return nil
		})
		require.NoError(t, err)
	}}

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := c.PersistQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), left, "the newer version still needs a flush")
}

type hookStore struct {
	storage.Storage
	after func()
}

func (h *hookStore) UpsertMessages(ctx context.Context, msgs []*models.Message) error {
	err := h.Storage.UpsertMessages(ctx, msgs)
	h.after()
	return err
}
