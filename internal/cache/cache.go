// Package cache holds the write-behind view of messages. The cache is the
// authoritative current state of a message until the persistence worker has
// flushed it, and it hosts the time-ordered persist and retry queues.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/unipush/internal/models"
)

const (
	messageKeyPrefix = "push:message:"
	PersistQueueKey  = "push:message:batch"
	RetryQueueKey    = "push:message:retry"
)

var (
	ErrNotFound = errors.New("message not in cache")
	ErrConflict = errors.New("too many concurrent updates")
	// ErrSkip tells Update not to write anything.
	ErrSkip = errors.New("skip update")
)

// Ops collects queue writes that commit in the same transaction as an Update.
type Ops struct {
	persistAt *time.Time
	retryAt   *time.Time
}

func (o *Ops) EnqueuePersist(due time.Time) { o.persistAt = &due }

func (o *Ops) ScheduleRetry(at time.Time) { o.retryAt = &at }

func MessageKey(messageID string) string {
	return messageKeyPrefix + messageID
}

type Store interface {
	// Get returns (nil, nil) when the message is absent or expired.
	Get(ctx context.Context, messageID string) (*models.Message, error)
	Put(ctx context.Context, m *models.Message) error
	// Update applies fn to the current cached message and writes the result
	// back atomically, together with any queue entries fn asked for. fn is
	// re-run if the entry changed concurrently. Returning ErrSkip from fn
	// leaves the entry untouched.
	Update(ctx context.Context, messageID string, fn func(m *models.Message, ops *Ops) error) (*models.Message, error)
	// Delete drops the message together with its persist and retry entries.
	Delete(ctx context.Context, messageID string) error

	EnqueuePersist(ctx context.Context, messageID string, due time.Time) error
	DuePersist(ctx context.Context, now time.Time, limit int) ([]string, error)
	// MarkPersisted flags the cached message as flushed and drops its
	// persist-queue entry, unless the message moved past flushedVersion.
	MarkPersisted(ctx context.Context, messageID string, flushedVersion int64, at time.Time) error
	RemovePersist(ctx context.Context, messageIDs ...string) error
	PersistQueueSize(ctx context.Context) (int64, error)

	ScheduleRetry(ctx context.Context, messageID string, at time.Time) error
	DueRetries(ctx context.Context, now time.Time, limit int) ([]string, error)
	// RemoveRetry drops the entry only if it is due at or before notAfter.
	RemoveRetry(ctx context.Context, messageID string, notAfter time.Time) error

	Close() error
}
