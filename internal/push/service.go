// Package push owns the message lifecycle: it accepts push tasks, answers
// status queries and folds delivery results back into message state.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/shohag/unipush/internal/cache"
	"github.com/shohag/unipush/internal/channel"
	"github.com/shohag/unipush/internal/idgen"
	"github.com/shohag/unipush/internal/models"
	"github.com/shohag/unipush/internal/storage"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrMessageNotFound = errors.New("message not found")
	// ErrDispatchDeferred comes back together with a message id: the message
	// was accepted but its first dispatch failed and is left to the retry
	// scheduler.
	ErrDispatchDeferred = errors.New("dispatch deferred")
)

type Dispatcher interface {
	Dispatch(ctx context.Context, m *models.Message) error
}

// Notifier receives terminal-status events for messages with a callback URL.
type Notifier interface {
	Notify(url string, event *models.CallbackEvent)
}

type Options struct {
	MaxRetryCount int
	MaxClockSkew  time.Duration
	// RetryBaseDelay is the backoff unit: attempt n waits RetryBaseDelay * 2^n.
	RetryBaseDelay time.Duration
	// DeferredRetry parks failed attempts on the retry queue until their
	// next retry time instead of redispatching right away.
	DeferredRetry bool
	Notifier      Notifier
}

type Service struct {
	cache      cache.Store
	store      storage.Storage
	dispatcher Dispatcher
	channels   *channel.Registry
	ids        *idgen.Generator
	validate   *validator.Validate
	opts       Options
	now        func() time.Time
	log        zerolog.Logger
}

func NewService(c cache.Store, store storage.Storage, dispatcher Dispatcher, channels *channel.Registry, ids *idgen.Generator, opts Options, log zerolog.Logger) *Service {
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Minute
	}
	return &Service{
		cache:      c,
		store:      store,
		dispatcher: dispatcher,
		channels:   channels,
		ids:        ids,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.With().Str("component", "push").Logger(),
	}
}

// CreatePushTask stores a new message in the cache, queues it for
// persistence and dispatches its first attempt. It returns once the cache
// write and the publish are done. A failed publish yields the id together
// with ErrDispatchDeferred.
func (s *Service) CreatePushTask(ctx context.Context, req *models.SendRequest) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.checkTimestamp(req.Timestamp); err != nil {
		return "", err
	}
	return s.create(ctx, req)
}

// CreateBatchPushTask creates one message per channel. A failing channel is
// reported in its item and does not stop the others.
func (s *Service) CreateBatchPushTask(ctx context.Context, req *models.BatchSendRequest) ([]models.BatchResultItem, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.checkTimestamp(req.Timestamp); err != nil {
		return nil, err
	}

	items := make([]models.BatchResultItem, 0, len(req.Channels))
	for _, ch := range req.Channels {
		single := &models.SendRequest{
			Title:       req.Title,
			Content:     req.Content,
			Channel:     ch,
			Target:      req.Targets[ch],
			Template:    req.Template,
			Topic:       req.Topic,
			CallbackURL: req.CallbackURL,
			Timestamp:   req.Timestamp,
		}

		item := models.BatchResultItem{Channel: ch}
		id, err := s.createValidated(ctx, single)
		switch {
		case err == nil:
			item.MessageID = id
			item.Code = 200
			item.Msg = "ok"
		case errors.Is(err, ErrDispatchDeferred):
			item.MessageID = id
			item.Code = 200
			item.Msg = err.Error()
		case errors.Is(err, ErrValidation):
			item.Code = 400
			item.Msg = err.Error()
		default:
			item.Code = 500
			item.Msg = err.Error()
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) createValidated(ctx context.Context, req *models.SendRequest) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.create(ctx, req)
}

func (s *Service) create(ctx context.Context, req *models.SendRequest) (string, error) {
	if _, err := s.channels.Get(req.Channel); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	target, err := json.Marshal(req.Target)
	if err != nil {
		return "", fmt.Errorf("%w: target: %v", ErrValidation, err)
	}

	id, err := s.ids.MessageID()
	if err != nil {
		return "", err
	}

	now := s.now()
	m := &models.Message{
		MessageID:     id,
		Title:         req.Title,
		Content:       req.Content,
		ChannelCode:   req.Channel,
		Target:        target,
		TemplateCode:  req.Template,
		Topic:         req.Topic,
		CallbackURL:   req.CallbackURL,
		Status:        models.StatusInit,
		MaxRetryCount: s.opts.MaxRetryCount,
		Version:       1,
		CreateTime:    now,
		UpdateTime:    now,
	}

	if err := s.cache.Put(ctx, m); err != nil {
		return "", fmt.Errorf("cache message %s: %w", id, err)
	}
	if err := s.cache.EnqueuePersist(ctx, id, now); err != nil {
		return "", fmt.Errorf("enqueue persist %s: %w", id, err)
	}

	pending, err := s.cache.Update(ctx, id, func(m *models.Message, ops *cache.Ops) error {
		m.Status = models.StatusPending
		sendTime := now
		m.SendTime = &sendTime
		m.UpdateTime = now
		m.Version++
		ops.EnqueuePersist(now)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("mark pending %s: %w", id, err)
	}

	if err := s.dispatcher.Dispatch(ctx, pending); err != nil {
		return s.parkNew(ctx, id, now, err)
	}

	s.log.Info().
		Str("message_id", id).
		Str("channel", m.ChannelCode).
		Msg("push task created")
	return id, nil
}

// parkNew hands a message whose first dispatch failed to the retry
// scheduler. If even that fails the message is removed so no PENDING
// message is left without a task.
func (s *Service) parkNew(ctx context.Context, id string, now time.Time, dispatchErr error) (string, error) {
	log := s.log.With().Str("message_id", id).Logger()

	qerr := s.cache.ScheduleRetry(ctx, id, now)
	if qerr == nil {
		log.Warn().Err(dispatchErr).Msg("first dispatch failed, parked on retry queue")
		return id, fmt.Errorf("%w: %v", ErrDispatchDeferred, dispatchErr)
	}

	log.Error().Err(dispatchErr).AnErr("park_error", qerr).Msg("first dispatch failed, dropping message")
	if derr := s.cache.Delete(ctx, id); derr != nil {
		log.Error().Err(derr).Msg("failed to drop undispatched message")
		return "", errors.Join(dispatchErr, qerr, derr)
	}
	return "", errors.Join(dispatchErr, qerr)
}

func (s *Service) checkTimestamp(ts int64) error {
	if ts == 0 || s.opts.MaxClockSkew <= 0 {
		return nil
	}
	skew := s.now().Sub(time.UnixMilli(ts))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.opts.MaxClockSkew {
		return fmt.Errorf("%w: timestamp is %s away from server time", ErrValidation, skew.Round(time.Second))
	}
	return nil
}

// GetMessageResult returns the freshest known snapshot: the cache first,
// then the durable store.
func (s *Service) GetMessageResult(ctx context.Context, messageID string) (*models.Message, error) {
	m, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrMessageNotFound
	}
	return m, nil
}

// load reads the cache and falls back to the durable store, re-seeding the
// cache on a store hit. It returns (nil, nil) when neither has the message.
func (s *Service) load(ctx context.Context, messageID string) (*models.Message, error) {
	m, err := s.cache.Get(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("read cache %s: %w", messageID, err)
	}
	if m != nil {
		return m, nil
	}

	m, err = s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("read store %s: %w", messageID, err)
	}
	if m == nil {
		return nil, nil
	}
	if err := s.cache.Put(ctx, m); err != nil {
		s.log.Warn().Err(err).Str("message_id", messageID).Msg("failed to re-seed cache")
	}
	return m, nil
}

func (s *Service) ListLogs(ctx context.Context, messageID string) ([]models.PushLog, error) {
	return s.store.ListLogs(ctx, messageID)
}

type Stats struct {
	*storage.Stats
	PersistBacklog int64 `json:"persist_backlog"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	st, err := s.store.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	backlog, err := s.cache.PersistQueueSize(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Stats: st, PersistBacklog: backlog}, nil
}
