// Package queue is the partitioned log between the core service and the
// channel workers. Records with the same key land on the same partition
// and a consumer group sees each partition in order.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Handler processes one record. A nil return commits the record; an error
// keeps it uncommitted and the record is handed to the handler again.
type Handler func(ctx context.Context, rec *Record) error

type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type Consumer interface {
	// Run blocks until ctx is cancelled or the consumer fails.
	Run(ctx context.Context, h Handler) error
	Close() error
}

var ErrClosed = errors.New("queue closed")

// handleUntilDone re-runs h on a record until it succeeds or ctx ends, so
// the partition never advances past a record that has not been handled.
func handleUntilDone(ctx context.Context, h Handler, rec *Record, interval time.Duration, log zerolog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = 30 * interval
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		return h(ctx, rec)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("topic", rec.Topic).
			Int32("partition", rec.Partition).
			Int64("offset", rec.Offset).
			Dur("retry_in", wait).
			Msg("record handler failed, retrying")
	})
}
