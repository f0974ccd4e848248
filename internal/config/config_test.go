package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unipush.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5*time.Second, cfg.Persist.Interval)
	assert.Equal(t, 10*time.Second, cfg.Persist.InitialDelay)
	assert.Equal(t, 100, cfg.Persist.BatchSize)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.MessageTTL)
	assert.Equal(t, 3, cfg.Ingest.MaxRetryCount)
	assert.Equal(t, time.Minute, cfg.Retry.BaseDelay)
	assert.Equal(t, "unipush-delivery", cfg.Queue.DeliveryTopic)
	assert.Equal(t, []string{"webhook", "dingtalk", "bark"}, cfg.Delivery.Channels)
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unipush.yaml")
	yaml := `
queue:
  driver: memory
  memory:
    partitions: 4
persist:
  batch_size: 50
retry:
  deferred: false
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, 4, cfg.Queue.Memory.Partitions)
	assert.Equal(t, 50, cfg.Persist.BatchSize)
	assert.False(t, cfg.Retry.Deferred)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unipush.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))
	base, err := Load(path)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "oracle" }},
		{"unknown queue driver", func(c *Config) { c.Queue.Driver = "carrier-pigeon" }},
		{"kafka without brokers", func(c *Config) { c.Queue.Kafka.Brokers = nil }},
		{"zero persist batch", func(c *Config) { c.Persist.BatchSize = 0 }},
		{"zero retry batch", func(c *Config) { c.Retry.BatchSize = 0 }},
		{"negative max retry", func(c *Config) { c.Ingest.MaxRetryCount = -1 }},
		{"empty topic", func(c *Config) { c.Queue.ResultTopic = "" }},
		{"zero retry poll interval", func(c *Config) { c.Retry.PollInterval = 0 }},
		{"negative retry poll interval", func(c *Config) { c.Retry.PollInterval = -time.Second }},
		{"zero handler retry", func(c *Config) { c.Delivery.HandlerRetry = 0 }},
		{"zero persist max backoff", func(c *Config) { c.Persist.MaxBackoff = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			cfg.Queue.Kafka.Brokers = append([]string(nil), base.Queue.Kafka.Brokers...)
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base.Validate())
}

func TestLoadRejectsZeroPollIntervalFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unipush.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))
	t.Setenv("UNIPUSH_RETRY_POLL_INTERVAL", "0")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry.poll_interval")
}
