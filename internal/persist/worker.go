// Package persist flushes the write-behind cache into the durable store.
package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/shohag/unipush/internal/cache"
	"github.com/shohag/unipush/internal/config"
	"github.com/shohag/unipush/internal/models"
	"github.com/shohag/unipush/internal/storage"
)

// Worker drains the persist queue in bounded batches. Repeated store
// failures open a circuit breaker and stretch the pause between cycles.
type Worker struct {
	cache   cache.Store
	store   storage.Storage
	cfg     config.PersistConfig
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
	log     zerolog.Logger

	mu       sync.Mutex
	cooldown *backoff.ExponentialBackOff
	until    time.Time
}

func NewWorker(c cache.Store, store storage.Storage, cfg config.PersistConfig, log zerolog.Logger) *Worker {
	log = log.With().Str("component", "persist").Logger()

	cooldown := backoff.NewExponentialBackOff()
	cooldown.InitialInterval = cfg.Interval
	cooldown.MaxInterval = cfg.MaxBackoff
	cooldown.MaxElapsedTime = 0
	cooldown.Reset()

	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 1
	}

	return &Worker{
		cache: c,
		store: store,
		cfg:   cfg,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "persist",
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("persist circuit breaker state changed")
			},
		}),
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
		cooldown: cooldown,
	}
}

func (w *Worker) Run(ctx context.Context) {
	w.log.Info().
		Dur("interval", w.cfg.Interval).
		Dur("initial_delay", w.cfg.InitialDelay).
		Int("batch_size", w.cfg.BatchSize).
		Msg("persist worker started")

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.cfg.InitialDelay):
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if w.ready() {
			if n, err := w.RunOnce(ctx); err != nil {
				w.log.Error().Err(err).Msg("persist cycle failed")
			} else if n > 0 {
				w.log.Debug().Int("flushed", n).Msg("persist cycle done")
			}
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("persist worker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.now().Before(w.until)
}

// RunOnce flushes up to one batch of due entries and returns how many
// messages were written.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.now()
	ids, err := w.cache.DuePersist(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read persist queue: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	batch := make([]*models.Message, 0, len(ids))
	var vanished []string
	for _, id := range ids {
		m, err := w.cache.Get(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("read cached message %s: %w", id, err)
		}
		if m == nil {
			vanished = append(vanished, id)
			continue
		}
		snapshot := *m
		snapshot.Persisted = true
		persistedAt := now
		snapshot.PersistedTime = &persistedAt
		batch = append(batch, &snapshot)
	}

	if len(vanished) > 0 {
		w.log.Warn().Int("count", len(vanished)).Msg("dropping persist entries for expired messages")
		if err := w.cache.RemovePersist(ctx, vanished...); err != nil {
			w.log.Error().Err(err).Msg("failed to drop vanished persist entries")
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}

	_, err = w.breaker.Execute(func() (interface{}, error) {
		return nil, w.store.UpsertMessages(ctx, batch)
	})
	if err != nil {
		wait := w.backOff(now)
		return 0, fmt.Errorf("upsert %d messages (next attempt in %s): %w", len(batch), wait, err)
	}
	w.recovered()

	for _, m := range batch {
		if err := w.cache.MarkPersisted(ctx, m.MessageID, m.Version, now); err != nil {
			w.log.Error().Err(err).Str("message_id", m.MessageID).Msg("failed to mark message persisted")
		}
	}
	return len(batch), nil
}

func (w *Worker) backOff(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	wait := w.cooldown.NextBackOff()
	w.until = now.Add(wait)
	return wait
}

func (w *Worker) recovered() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cooldown.Reset()
	w.until = time.Time{}
}
