package storage

import (
	"context"

	"github.com/shohag/unipush/internal/models"
)

// Storage is the durable source of truth once a message has been flushed
// from the cache.
type Storage interface {
	// Messages
	UpsertMessages(ctx context.Context, msgs []*models.Message) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)

	// Push logs
	CreateLog(ctx context.Context, l *models.PushLog) error
	ListLogs(ctx context.Context, messageID string) ([]models.PushLog, error)

	// Stats
	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type Stats struct {
	TotalMessages int64            `json:"total_messages"`
	ByStatus      map[string]int64 `json:"by_status"`
	ByChannel     map[string]int64 `json:"by_channel"`
	SuccessRate   float64          `json:"success_rate"`
	TotalLogs     int64            `json:"total_logs"`
}
