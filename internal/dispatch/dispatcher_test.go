package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/unipush/internal/models"
	"github.com/shohag/unipush/internal/queue"
)

type failingProducer struct{}

func (failingProducer) Publish(ctx context.Context, topic, key string, value []byte) error {
	return errors.New("no brokers")
}

func (failingProducer) Close() error { return nil }

func TestDispatchKeysByMessageID(t *testing.T) {
	broker := queue.NewMemoryBroker(4)
	d := New(broker, "delivery")

	m := &models.Message{
		MessageID:     "abc",
		ChannelCode:   "webhook",
		Title:         "T",
		Content:       "C",
		Target:        json.RawMessage(`{"url":"https://x/y"}`),
		Status:        models.StatusPending,
		RetryCount:    1,
		MaxRetryCount: 3,
	}
	require.NoError(t, d.Dispatch(context.Background(), m))
	require.NoError(t, d.Dispatch(context.Background(), m))

	assert.Equal(t, 2, broker.Len("delivery"))
}

func TestDispatchSurfacesPublishError(t *testing.T) {
	d := New(failingProducer{}, "delivery")

	err := d.Dispatch(context.Background(), &models.Message{MessageID: "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch abc")
}
