// Package delivery runs the channel workers: it consumes delivery tasks for
// the channels this process owns, performs the outbound call and emits a
// delivery result for every attempt.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/shohag/unipush/internal/models"
	"github.com/shohag/unipush/internal/queue"
)

// maxUnsent bounds the results kept for records whose publish failed. A
// record whose partition moved to another group member never comes back,
// so its entry only leaves by eviction.
const maxUnsent = 1024

type Worker struct {
	sender      *Sender
	producer    queue.Producer
	resultTopic string
	owned       map[string]bool
	log         zerolog.Logger

	// unsent holds results whose publish failed, keyed by record position,
	// so a redelivered record is not sent to the channel a second time.
	unsent *lru.Cache
}

func NewWorker(sender *Sender, producer queue.Producer, resultTopic string, channels []string, log zerolog.Logger) *Worker {
	owned := make(map[string]bool, len(channels))
	for _, c := range channels {
		owned[c] = true
	}
	unsent, _ := lru.New(maxUnsent)
	return &Worker{
		sender:      sender,
		producer:    producer,
		resultTopic: resultTopic,
		owned:       owned,
		log:         log.With().Str("component", "delivery").Logger(),
		unsent:      unsent,
	}
}

// Handle is the queue handler for the delivery topic. Returning nil lets the
// consumer commit the record.
func (w *Worker) Handle(ctx context.Context, rec *queue.Record) error {
	var task models.DeliveryTask
	if err := json.Unmarshal(rec.Value, &task); err != nil {
		w.log.Error().
			Err(err).
			Int32("partition", rec.Partition).
			Int64("offset", rec.Offset).
			Msg("dropping undecodable delivery task")
		return nil
	}

	if !w.owned[task.ChannelCode] {
		return nil
	}

	pos := fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
	var result *models.DeliveryResult
	if v, ok := w.unsent.Get(pos); ok {
		result = v.(*models.DeliveryResult)
	} else {
		result = w.sender.Send(ctx, &task)
		w.logResult(&task, result)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := w.producer.Publish(ctx, w.resultTopic, result.MessageID, payload); err != nil {
		w.unsent.Add(pos, result)
		return fmt.Errorf("publish result for %s: %w", result.MessageID, err)
	}
	w.unsent.Remove(pos)
	return nil
}

func (w *Worker) logResult(task *models.DeliveryTask, result *models.DeliveryResult) {
	if result.Success {
		w.log.Info().
			Str("message_id", task.MessageID).
			Str("channel", task.ChannelCode).
			Int("retry_count", task.RetryCount).
			Int64("cost_ms", result.CostMs).
			Msg("delivery succeeded")
		return
	}
	w.log.Warn().
		Str("message_id", task.MessageID).
		Str("channel", task.ChannelCode).
		Int("retry_count", task.RetryCount).
		Int64("cost_ms", result.CostMs).
		Str("error", result.ErrorMessage).
		Msg("delivery failed")
}
