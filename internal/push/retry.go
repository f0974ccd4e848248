package push

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/unipush/internal/models"
)

// RetryScheduler dispatches parked attempts once their next retry time has
// passed. Entries are removed only after a successful publish, so several
// instances may dispatch the same entry; the result guard absorbs that.
type RetryScheduler struct {
	svc       *Service
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
}

func NewRetryScheduler(svc *Service, interval time.Duration, batchSize int, log zerolog.Logger) *RetryScheduler {
	return &RetryScheduler{
		svc:       svc,
		interval:  interval,
		batchSize: batchSize,
		log:       log.With().Str("component", "retry").Logger(),
	}
}

func (r *RetryScheduler) Run(ctx context.Context) {
	r.log.Info().Dur("interval", r.interval).Msg("retry scheduler started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("retry scheduler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error().Err(err).Msg("retry cycle failed")
			}
		}
	}
}

// RunOnce dispatches every due entry, up to the batch size, and reports how
// many were dispatched.
func (r *RetryScheduler) RunOnce(ctx context.Context) (int, error) {
	now := r.svc.now()
	ids, err := r.svc.cache.DueRetries(ctx, now, r.batchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, id := range ids {
		ok, err := r.dispatchOne(ctx, id, now)
		if err != nil {
			r.log.Error().Err(err).Str("message_id", id).Msg("retry dispatch failed")
			continue
		}
		if ok {
			dispatched++
		}
	}
	return dispatched, nil
}

// dispatchOne only clears entries that were due at polled; a retry that was
// rescheduled meanwhile keeps its new entry.
func (r *RetryScheduler) dispatchOne(ctx context.Context, id string, polled time.Time) (bool, error) {
	m, err := r.svc.load(ctx, id)
	if err != nil {
		return false, err
	}
	if m == nil || m.Status != models.StatusPending {
		return false, r.svc.cache.RemoveRetry(ctx, id, polled)
	}

	if err := r.svc.dispatcher.Dispatch(ctx, m); err != nil {
		return false, err
	}
	return true, r.svc.cache.RemoveRetry(ctx, id, polled)
}
