package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shohag/unipush/internal/config"
	"github.com/shohag/unipush/internal/models"
)

const maxTxRetries = 16

var _ Store = (*RedisStore)(nil)

type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedis(cfg config.RedisConfig, ttl time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return NewRedisWithClient(rdb, ttl)
}

func NewRedisWithClient(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Get(ctx context.Context, messageID string) (*models.Message, error) {
	data, err := s.rdb.Get(ctx, MessageKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (s *RedisStore) Put(ctx context.Context, m *models.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, MessageKey(m.MessageID), payload, s.ttl).Err()
}

func (s *RedisStore) Update(ctx context.Context, messageID string, fn func(m *models.Message, ops *Ops) error) (*models.Message, error) {
	key := MessageKey(messageID)

	for i := 0; i < maxTxRetries; i++ {
		var out *models.Message
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			m, err := decode(data)
			if err != nil {
				return err
			}
			var ops Ops
			if err := fn(m, &ops); err != nil {
				if errors.Is(err, ErrSkip) {
					out = m
					return nil
				}
				return err
			}
			payload, err := json.Marshal(m)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				if ops.persistAt != nil {
					pipe.ZAdd(ctx, PersistQueueKey, redis.Z{Score: score(*ops.persistAt), Member: messageID})
				}
				if ops.retryAt != nil {
					pipe.ZAdd(ctx, RetryQueueKey, redis.Z{Score: score(*ops.retryAt), Member: messageID})
				}
				return nil
			})
			out = m
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("update %s: %w", messageID, ErrConflict)
}

func (s *RedisStore) Delete(ctx context.Context, messageID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, MessageKey(messageID))
		pipe.ZRem(ctx, PersistQueueKey, messageID)
		pipe.ZRem(ctx, RetryQueueKey, messageID)
		return nil
	})
	return err
}

// --- Persist queue ---

func (s *RedisStore) EnqueuePersist(ctx context.Context, messageID string, due time.Time) error {
	return s.rdb.ZAdd(ctx, PersistQueueKey, redis.Z{Score: score(due), Member: messageID}).Err()
}

func (s *RedisStore) DuePersist(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.dueMembers(ctx, PersistQueueKey, now, limit)
}

func (s *RedisStore) MarkPersisted(ctx context.Context, messageID string, flushedVersion int64, at time.Time) error {
	key := MessageKey(messageID)

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return tx.ZRem(ctx, PersistQueueKey, messageID).Err()
			}
			if err != nil {
				return err
			}
			m, err := decode(data)
			if err != nil {
				return err
			}
			m.Persisted = true
			persistedAt := at
			m.PersistedTime = &persistedAt
			payload, err := json.Marshal(m)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				if m.Version <= flushedVersion {
					pipe.ZRem(ctx, PersistQueueKey, messageID)
				}
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("mark persisted %s: %w", messageID, ErrConflict)
}

func (s *RedisStore) RemovePersist(ctx context.Context, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return s.rdb.ZRem(ctx, PersistQueueKey, toMembers(messageIDs)...).Err()
}

func (s *RedisStore) PersistQueueSize(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, PersistQueueKey).Result()
}

// --- Retry queue ---

func (s *RedisStore) ScheduleRetry(ctx context.Context, messageID string, at time.Time) error {
	return s.rdb.ZAdd(ctx, RetryQueueKey, redis.Z{Score: score(at), Member: messageID}).Err()
}

func (s *RedisStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.dueMembers(ctx, RetryQueueKey, now, limit)
}

func (s *RedisStore) RemoveRetry(ctx context.Context, messageID string, notAfter time.Time) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			at, err := tx.ZScore(ctx, RetryQueueKey, messageID).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			if at > score(notAfter) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, RetryQueueKey, messageID)
				return nil
			})
			return err
		}, RetryQueueKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("remove retry %s: %w", messageID, ErrConflict)
}

func (s *RedisStore) dueMembers(ctx context.Context, key string, now time.Time, limit int) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func decode(data []byte) (*models.Message, error) {
	var m models.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode cached message: %w", err)
	}
	return &m, nil
}

func toMembers(ids []string) []interface{} {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return members
}
