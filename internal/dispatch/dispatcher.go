// Package dispatch publishes delivery tasks onto the shared delivery log.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shohag/unipush/internal/models"
	"github.com/shohag/unipush/internal/queue"
)

type Dispatcher struct {
	producer queue.Producer
	topic    string
	now      func() time.Time
}

func New(producer queue.Producer, topic string) *Dispatcher {
	return &Dispatcher{producer: producer, topic: topic, now: time.Now}
}

// Dispatch publishes a task for m keyed by its message id, so every attempt
// of one message lands on the same partition. Publish errors are returned
// as is; there is no local buffering.
func (d *Dispatcher) Dispatch(ctx context.Context, m *models.Message) error {
	payload, err := json.Marshal(m.Task(d.now()))
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := d.producer.Publish(ctx, d.topic, m.MessageID, payload); err != nil {
		return fmt.Errorf("dispatch %s: %w", m.MessageID, err)
	}
	return nil
}
