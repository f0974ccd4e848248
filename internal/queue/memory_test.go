package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runConsumer(t *testing.T, c Consumer, h Handler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestMemoryBrokerSameKeySamePartition(t *testing.T) {
	b := NewMemoryBroker(8)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "t", "msg-1", []byte(fmt.Sprint(i))))
	}

	idx := b.partitionFor("msg-1")
	p := b.topic("t")[idx]
	assert.Len(t, p.records, 5)
	assert.Equal(t, 5, b.Len("t"))
}

func TestMemoryConsumerOrderPerKey(t *testing.T) {
	b := NewMemoryBroker(4)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string][]string)
	var count atomic.Int32

	c := b.Consumer("g", "t", time.Millisecond, zerolog.Nop())
	runConsumer(t, c, func(ctx context.Context, rec *Record) error {
		mu.Lock()
		seen[string(rec.Key)] = append(seen[string(rec.Key)], string(rec.Value))
		mu.Unlock()
		count.Add(1)
		return nil
	})

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%d", i%3)
		require.NoError(t, b.Publish(ctx, "t", key, []byte(fmt.Sprint(i))))
	}

	require.Eventually(t, func() bool { return count.Load() == 20 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0", "3", "6", "9", "12", "15", "18"}, seen["k0"])
	assert.Equal(t, []string{"1", "4", "7", "10", "13", "16", "19"}, seen["k1"])
}

func TestMemoryConsumerRedeliversOnError(t *testing.T) {
	b := NewMemoryBroker(1)
	ctx := context.Background()

	var attempts atomic.Int32
	var delivered atomic.Bool
	c := b.Consumer("g", "t", time.Millisecond, zerolog.Nop())
	runConsumer(t, c, func(ctx context.Context, rec *Record) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		delivered.Store(true)
		return nil
	})

	require.NoError(t, b.Publish(ctx, "t", "k", []byte("v")))

	require.Eventually(t, delivered.Load, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestMemoryConsumerResumesFromCommittedOffset(t *testing.T) {
	b := NewMemoryBroker(1)
	ctx := context.Background()

	var first atomic.Int32
	cancel, done := runConsumer(t, b.Consumer("g", "t", time.Millisecond, zerolog.Nop()), func(ctx context.Context, rec *Record) error {
		first.Add(1)
		return nil
	})
	require.NoError(t, b.Publish(ctx, "t", "k", []byte("1")))
	require.NoError(t, b.Publish(ctx, "t", "k", []byte("2")))
	require.Eventually(t, func() bool { return first.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.NoError(t, b.Publish(ctx, "t", "k", []byte("3")))

	var mu sync.Mutex
	var values []string
	runConsumer(t, b.Consumer("g", "t", time.Millisecond, zerolog.Nop()), func(ctx context.Context, rec *Record) error {
		mu.Lock()
		values = append(values, string(rec.Value))
		mu.Unlock()
		return nil
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(values) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"3"}, values)
	mu.Unlock()
}

func TestMemoryConsumerGroupsAreIndependent(t *testing.T) {
	b := NewMemoryBroker(2)
	ctx := context.Background()

	var a, c atomic.Int32
	runConsumer(t, b.Consumer("a", "t", time.Millisecond, zerolog.Nop()), func(ctx context.Context, rec *Record) error {
		a.Add(1)
		return nil
	})
	runConsumer(t, b.Consumer("c", "t", time.Millisecond, zerolog.Nop()), func(ctx context.Context, rec *Record) error {
		c.Add(1)
		return nil
	})

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, "t", fmt.Sprint(i), nil))
	}
	require.Eventually(t, func() bool { return a.Load() == 4 && c.Load() == 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestMemoryConsumerGroupBusy(t *testing.T) {
	b := NewMemoryBroker(1)
	started := make(chan struct{})
	var once sync.Once

	runConsumer(t, b.Consumer("g", "t", time.Millisecond, zerolog.Nop()), func(ctx context.Context, rec *Record) error {
		once.Do(func() { close(started) })
		return nil
	})
	require.NoError(t, b.Publish(context.Background(), "t", "k", nil))
	<-started

	err := b.Consumer("g", "t", time.Millisecond, zerolog.Nop()).Run(context.Background(), func(ctx context.Context, rec *Record) error { return nil })
	assert.ErrorIs(t, err, ErrGroupBusy)
}

func TestMemoryBrokerClosed(t *testing.T) {
	b := NewMemoryBroker(1)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "t", "k", nil), ErrClosed)
}
