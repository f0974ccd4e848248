package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shohag/unipush/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS push_message (
			message_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			channel_code TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '{}',
			template_code TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL DEFAULT '',
			callback_url TEXT NOT NULL DEFAULT '',
			ext_info TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retry_count INTEGER NOT NULL DEFAULT 3,
			next_retry_time DATETIME,
			error_message TEXT NOT NULL DEFAULT '',
			persisted INTEGER NOT NULL DEFAULT 0,
			persisted_time DATETIME,
			version INTEGER NOT NULL DEFAULT 0,
			create_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			update_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			send_time DATETIME,
			success_time DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS push_log (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			channel_code TEXT NOT NULL,
			log_type TEXT NOT NULL,
			log_level TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			cost_time INTEGER NOT NULL DEFAULT 0,
			create_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_push_message_status ON push_message(status)`,
		`CREATE INDEX IF NOT EXISTS idx_push_message_channel ON push_message(channel_code)`,
		`CREATE INDEX IF NOT EXISTS idx_push_log_message ON push_log(message_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Messages ---

// upsertMessage never lets an older snapshot overwrite a newer one: the
// update branch only fires when the incoming version is at least the stored one.
const upsertMessage = `INSERT INTO push_message (
	message_id, title, content, channel_code, target, template_code, topic, callback_url, ext_info,
	status, retry_count, max_retry_count, next_retry_time, error_message, persisted, persisted_time,
	version, create_time, update_time, send_time, success_time
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET
	status = excluded.status,
	retry_count = excluded.retry_count,
	max_retry_count = excluded.max_retry_count,
	next_retry_time = excluded.next_retry_time,
	error_message = excluded.error_message,
	persisted = excluded.persisted,
	persisted_time = excluded.persisted_time,
	version = excluded.version,
	update_time = excluded.update_time,
	send_time = excluded.send_time,
	success_time = excluded.success_time
WHERE excluded.version >= push_message.version`

func (s *SQLiteStorage) UpsertMessages(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertMessage)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		target := string(m.Target)
		if target == "" {
			target = "{}"
		}
		_, err := stmt.ExecContext(ctx,
			m.MessageID, m.Title, m.Content, m.ChannelCode, target, m.TemplateCode, m.Topic, m.CallbackURL, m.ExtInfo,
			string(m.Status), m.RetryCount, m.MaxRetryCount, m.NextRetryTime, m.ErrorMessage, boolToInt(m.Persisted), m.PersistedTime,
			m.Version, m.CreateTime, m.UpdateTime, m.SendTime, m.SuccessTime,
		)
		if err != nil {
			return fmt.Errorf("upsert message %s: %w", m.MessageID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStorage) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	var m models.Message
	var target, status string
	var persisted int
	var nextRetry, persistedTime, sendTime, successTime sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id, title, content, channel_code, target, template_code, topic, callback_url, ext_info,
			status, retry_count, max_retry_count, next_retry_time, error_message, persisted, persisted_time,
			version, create_time, update_time, send_time, success_time
		 FROM push_message WHERE message_id = ?`, messageID,
	).Scan(&m.MessageID, &m.Title, &m.Content, &m.ChannelCode, &target, &m.TemplateCode, &m.Topic, &m.CallbackURL, &m.ExtInfo,
		&status, &m.RetryCount, &m.MaxRetryCount, &nextRetry, &m.ErrorMessage, &persisted, &persistedTime,
		&m.Version, &m.CreateTime, &m.UpdateTime, &sendTime, &successTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.Target = json.RawMessage(target)
	m.Status = models.Status(status)
	m.Persisted = persisted == 1
	m.NextRetryTime = nullTime(nextRetry)
	m.PersistedTime = nullTime(persistedTime)
	m.SendTime = nullTime(sendTime)
	m.SuccessTime = nullTime(successTime)
	return &m, nil
}

// --- Push logs ---

func (s *SQLiteStorage) CreateLog(ctx context.Context, l *models.PushLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_log (id, message_id, channel_code, log_type, log_level, attempt, error_message, cost_time, create_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.MessageID, l.ChannelCode, string(l.LogType), l.LogLevel, l.Attempt, l.ErrorMessage, l.CostTime, l.CreateTime,
	)
	return err
}

func (s *SQLiteStorage) ListLogs(ctx context.Context, messageID string) ([]models.PushLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, channel_code, log_type, log_level, attempt, error_message, cost_time, create_time
		 FROM push_log WHERE message_id = ? ORDER BY create_time ASC, id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.PushLog
	for rows.Next() {
		var l models.PushLog
		var logType string
		if err := rows.Scan(&l.ID, &l.MessageID, &l.ChannelCode, &logType, &l.LogLevel, &l.Attempt, &l.ErrorMessage, &l.CostTime, &l.CreateTime); err != nil {
			return nil, err
		}
		l.LogType = models.LogType(logType)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Stats ---

func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByStatus:  make(map[string]int64),
		ByChannel: make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM push_message GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByStatus[status] = n
		stats.TotalMessages += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT channel_code, COUNT(*) FROM push_message GROUP BY channel_code`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var channel string
		var n int64
		if err := rows.Scan(&channel, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByChannel[channel] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM push_log`).Scan(&stats.TotalLogs); err != nil {
		return nil, err
	}

	done := stats.ByStatus[string(models.StatusSuccess)] + stats.ByStatus[string(models.StatusFailed)]
	if done > 0 {
		stats.SuccessRate = float64(stats.ByStatus[string(models.StatusSuccess)]) / float64(done) * 100
	}

	return stats, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
