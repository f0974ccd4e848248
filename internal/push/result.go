package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shohag/unipush/internal/cache"
	"github.com/shohag/unipush/internal/models"
)

type outcome int

const (
	outcomeIgnored outcome = iota
	outcomeSuccess
	outcomeRetry
	outcomeFailed
)

const maxBackoffShift = 20

// redispatchGrace is how long an immediate retry stays parked before the
// retry scheduler treats its redispatch as lost.
const redispatchGrace = 30 * time.Second

// Backoff is the wait before the next attempt of a message that has already
// been retried retryCount times: base * 2^retryCount.
func Backoff(retryCount int, base time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxBackoffShift {
		retryCount = maxBackoffShift
	}
	return base << uint(retryCount)
}

// HandleDeliveryResult applies one delivery outcome to its message. It is
// safe to call again with the same result: outcomes for an attempt that is
// no longer current, or for a message already in a terminal state, change
// nothing.
func (s *Service) HandleDeliveryResult(ctx context.Context, r *models.DeliveryResult) error {
	log := s.log.With().Str("message_id", r.MessageID).Logger()

	current, err := s.load(ctx, r.MessageID)
	if err != nil {
		return err
	}
	if current == nil {
		log.Warn().Msg("delivery result for unknown message")
		return nil
	}

	now := s.now()
	var result outcome
	m, err := s.cache.Update(ctx, r.MessageID, func(m *models.Message, ops *cache.Ops) error {
		result = apply(m, r, now, s.opts.RetryBaseDelay)
		if result == outcomeIgnored {
			return cache.ErrSkip
		}
		ops.EnqueuePersist(now)
		if result == outcomeRetry {
			if s.opts.DeferredRetry {
				ops.ScheduleRetry(*m.NextRetryTime)
			} else {
				ops.ScheduleRetry(now.Add(redispatchGrace))
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return fmt.Errorf("message %s left the cache while applying result: %w", r.MessageID, err)
		}
		return err
	}

	if result == outcomeIgnored {
		log.Debug().
			Str("status", string(m.Status)).
			Int("retry_count", m.RetryCount).
			Int("result_retry_count", r.RetryCount).
			Msg("ignoring stale or duplicate delivery result")
		return nil
	}

	s.writeLog(ctx, m, r, result)

	switch result {
	case outcomeSuccess:
		log.Info().Int("retry_count", m.RetryCount).Msg("message delivered")
		s.notify(m)
	case outcomeFailed:
		log.Warn().Int("retry_count", m.RetryCount).Str("error", m.ErrorMessage).Msg("message failed permanently")
		s.notify(m)
	case outcomeRetry:
		log.Info().
			Int("retry_count", m.RetryCount).
			Time("next_retry", *m.NextRetryTime).
			Msg("delivery retry scheduled")
		if !s.opts.DeferredRetry {
			return s.redispatch(ctx, m, now)
		}
	}
	return nil
}

// apply runs the state machine on m and reports what happened.
func apply(m *models.Message, r *models.DeliveryResult, now time.Time, base time.Duration) outcome {
	if m.Status != models.StatusPending || r.RetryCount != m.RetryCount {
		return outcomeIgnored
	}

	var result outcome
	switch {
	case r.Success:
		m.Status = models.StatusSuccess
		successTime := now
		m.SuccessTime = &successTime
		m.ErrorMessage = ""
		m.NextRetryTime = nil
		result = outcomeSuccess
	case m.RetryCount < m.MaxRetryCount:
		next := now.Add(Backoff(m.RetryCount, base))
		m.RetryCount++
		m.ErrorMessage = r.ErrorMessage
		m.NextRetryTime = &next
		result = outcomeRetry
	default:
		m.Status = models.StatusFailed
		m.ErrorMessage = r.ErrorMessage
		m.NextRetryTime = nil
		result = outcomeFailed
	}

	m.UpdateTime = now
	m.Version++
	return result
}

// redispatch sends the next attempt right away. The attempt was parked on
// the retry queue in the same transaction that scheduled it; the entry is
// cleared once the publish succeeds and otherwise left for the scheduler.
func (s *Service) redispatch(ctx context.Context, m *models.Message, now time.Time) error {
	log := s.log.With().Str("message_id", m.MessageID).Logger()
	if err := s.dispatcher.Dispatch(ctx, m); err != nil {
		log.Error().Err(err).Msg("redispatch failed, left on retry queue")
		return nil
	}
	if err := s.cache.RemoveRetry(ctx, m.MessageID, now.Add(redispatchGrace)); err != nil {
		log.Warn().Err(err).Msg("failed to clear parked retry")
	}
	return nil
}

func (s *Service) writeLog(ctx context.Context, m *models.Message, r *models.DeliveryResult, result outcome) {
	entry := &models.PushLog{
		ID:           s.ids.LogID("log"),
		MessageID:    m.MessageID,
		ChannelCode:  m.ChannelCode,
		Attempt:      r.RetryCount + 1,
		ErrorMessage: r.ErrorMessage,
		CostTime:     r.CostMs,
		CreateTime:   s.now(),
	}
	switch result {
	case outcomeSuccess:
		entry.LogType, entry.LogLevel = models.LogResponse, "INFO"
	case outcomeRetry:
		entry.LogType, entry.LogLevel = models.LogRetry, "WARN"
	default:
		entry.LogType, entry.LogLevel = models.LogFailed, "ERROR"
	}
	if err := s.store.CreateLog(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("message_id", m.MessageID).Msg("failed to write push log")
	}
}

func (s *Service) notify(m *models.Message) {
	if s.opts.Notifier == nil || m.CallbackURL == "" {
		return
	}
	s.opts.Notifier.Notify(m.CallbackURL, &models.CallbackEvent{
		MessageID:    m.MessageID,
		ChannelCode:  m.ChannelCode,
		Status:       m.Status.Code(),
		StatusName:   m.Status,
		ErrorMessage: m.ErrorMessage,
		RetryCount:   m.RetryCount,
		ExtInfo:      m.ExtInfo,
		Timestamp:    s.now().UnixMilli(),
	})
}
