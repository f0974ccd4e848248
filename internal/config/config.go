package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Persist  PersistConfig  `mapstructure:"persist"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Callback CallbackConfig `mapstructure:"callback"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type QueueConfig struct {
	Driver        string      `mapstructure:"driver"`
	DeliveryTopic string      `mapstructure:"delivery_topic"`
	ResultTopic   string      `mapstructure:"result_topic"`
	CoreGroup     string      `mapstructure:"core_group"`
	WorkerGroup   string      `mapstructure:"worker_group"`
	Kafka         KafkaConfig `mapstructure:"kafka"`
	Memory        MemoryQueue `mapstructure:"memory"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	ClientID       string        `mapstructure:"client_id"`
	ProduceTimeout time.Duration `mapstructure:"produce_timeout"`
}

type MemoryQueue struct {
	Partitions int `mapstructure:"partitions"`
}

type CacheConfig struct {
	MessageTTL time.Duration `mapstructure:"message_ttl"`
}

type IngestConfig struct {
	// MaxClockSkew bounds |now - request.timestamp|; zero disables the check.
	MaxClockSkew  time.Duration `mapstructure:"max_clock_skew"`
	MaxRetryCount int           `mapstructure:"max_retry_count"`
}

type DeliveryConfig struct {
	Channels        []string      `mapstructure:"channels"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	MaxConnsPerHost int           `mapstructure:"max_conns_per_host"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	BarkBaseURL     string        `mapstructure:"bark_base_url"`
	HandlerRetry    time.Duration `mapstructure:"handler_retry"`
}

type PersistConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	BatchSize        int           `mapstructure:"batch_size"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
}

type RetryConfig struct {
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	Deferred     bool          `mapstructure:"deferred"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type CallbackConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialInterval  time.Duration `mapstructure:"initial_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("unipush")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/unipush")
	}

	setDefaults(v)

	v.SetEnvPrefix("UNIPUSH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	switch c.Queue.Driver {
	case "kafka":
		if len(c.Queue.Kafka.Brokers) == 0 {
			return errors.New("queue.kafka.brokers must not be empty")
		}
	case "memory":
		if c.Queue.Memory.Partitions <= 0 {
			return errors.New("queue.memory.partitions must be positive")
		}
	default:
		return fmt.Errorf("unsupported queue driver: %s", c.Queue.Driver)
	}
	if c.Queue.DeliveryTopic == "" || c.Queue.ResultTopic == "" {
		return errors.New("queue topics must be set")
	}
	if c.Persist.BatchSize <= 0 {
		return errors.New("persist.batch_size must be positive")
	}
	if c.Persist.Interval <= 0 {
		return errors.New("persist.interval must be positive")
	}
	if c.Persist.MaxBackoff <= 0 {
		return errors.New("persist.max_backoff must be positive")
	}
	if c.Retry.BatchSize <= 0 {
		return errors.New("retry.batch_size must be positive")
	}
	if c.Retry.PollInterval <= 0 {
		return errors.New("retry.poll_interval must be positive")
	}
	if c.Delivery.HandlerRetry <= 0 {
		return errors.New("delivery.handler_retry must be positive")
	}
	if c.Ingest.MaxRetryCount < 0 {
		return errors.New("ingest.max_retry_count must not be negative")
	}
	if c.Cache.MessageTTL <= 0 {
		return errors.New("cache.message_ttl must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/unipush.db")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("queue.driver", "kafka")
	v.SetDefault("queue.delivery_topic", "unipush-delivery")
	v.SetDefault("queue.result_topic", "unipush-result")
	v.SetDefault("queue.core_group", "unipush-core")
	v.SetDefault("queue.worker_group", "unipush-worker")
	v.SetDefault("queue.kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("queue.kafka.client_id", "unipush")
	v.SetDefault("queue.kafka.produce_timeout", 5*time.Second)
	v.SetDefault("queue.memory.partitions", 8)

	v.SetDefault("cache.message_ttl", 7*24*time.Hour)

	v.SetDefault("ingest.max_clock_skew", 5*time.Minute)
	v.SetDefault("ingest.max_retry_count", 3)

	v.SetDefault("delivery.channels", []string{"webhook", "dingtalk", "bark"})
	v.SetDefault("delivery.connect_timeout", 5*time.Second)
	v.SetDefault("delivery.read_timeout", 10*time.Second)
	v.SetDefault("delivery.max_conns_per_host", 32)
	v.SetDefault("delivery.max_idle_conns", 100)
	v.SetDefault("delivery.bark_base_url", "https://api.day.app")
	v.SetDefault("delivery.handler_retry", time.Second)

	v.SetDefault("persist.interval", 5*time.Second)
	v.SetDefault("persist.initial_delay", 10*time.Second)
	v.SetDefault("persist.batch_size", 100)
	v.SetDefault("persist.failure_threshold", 3)
	v.SetDefault("persist.breaker_timeout", 30*time.Second)
	v.SetDefault("persist.max_backoff", 2*time.Minute)

	v.SetDefault("retry.base_delay", time.Minute)
	v.SetDefault("retry.deferred", true)
	v.SetDefault("retry.poll_interval", time.Second)
	v.SetDefault("retry.batch_size", 100)

	v.SetDefault("callback.enabled", true)
	v.SetDefault("callback.workers", 4)
	v.SetDefault("callback.queue_size", 1000)
	v.SetDefault("callback.timeout", 5*time.Second)
	v.SetDefault("callback.max_attempts", 3)
	v.SetDefault("callback.initial_interval", time.Second)
	v.SetDefault("callback.failure_threshold", 5)
	v.SetDefault("callback.reset_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
