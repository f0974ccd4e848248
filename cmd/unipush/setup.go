package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/unipush/internal/api"
	"github.com/shohag/unipush/internal/cache"
	"github.com/shohag/unipush/internal/callback"
	"github.com/shohag/unipush/internal/channel"
	"github.com/shohag/unipush/internal/config"
	"github.com/shohag/unipush/internal/delivery"
	"github.com/shohag/unipush/internal/dispatch"
	"github.com/shohag/unipush/internal/idgen"
	"github.com/shohag/unipush/internal/models"
	"github.com/shohag/unipush/internal/persist"
	"github.com/shohag/unipush/internal/push"
	"github.com/shohag/unipush/internal/queue"
	"github.com/shohag/unipush/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func setupCache(cfg *config.Config, log zerolog.Logger) (*cache.RedisStore, error) {
	c := cache.NewRedis(cfg.Redis, cfg.Cache.MessageTTL)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout+time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
	return c, nil
}

// transport hands out the producer and consumers for the configured queue
// driver. The memory driver only connects components in the same process.
type transport struct {
	producer queue.Producer
	consumer func(group, topic string) (queue.Consumer, error)
}

func setupTransport(cfg *config.Config, log zerolog.Logger) (*transport, error) {
	retry := cfg.Delivery.HandlerRetry
	switch cfg.Queue.Driver {
	case "memory":
		broker := queue.NewMemoryBroker(cfg.Queue.Memory.Partitions)
		log.Info().Int("partitions", cfg.Queue.Memory.Partitions).Msg("using in-memory queue")
		return &transport{
			producer: broker,
			consumer: func(group, topic string) (queue.Consumer, error) {
				return broker.Consumer(group, topic, retry, log), nil
			},
		}, nil
	case "kafka":
		producer, err := queue.NewKafkaProducer(cfg.Queue.Kafka)
		if err != nil {
			return nil, err
		}
		log.Info().Strs("brokers", cfg.Queue.Kafka.Brokers).Msg("using kafka queue")
		return &transport{
			producer: producer,
			consumer: func(group, topic string) (queue.Consumer, error) {
				return queue.NewKafkaConsumer(cfg.Queue.Kafka, group, topic, retry, log)
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Queue.Driver)
	}
}

func (t *transport) Close() error {
	return t.producer.Close()
}

// service is a set of background loops sharing one cancel and one cleanup.
type service struct {
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cleanup []func()
}

func newService(parent context.Context) (*service, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &service{cancel: cancel}, ctx
}

func (s *service) Go(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *service) onStop(fn func()) {
	s.cleanup = append(s.cleanup, fn)
}

// Stop cancels the loops, waits for them and runs cleanups in reverse order.
func (s *service) Stop() {
	s.cancel()
	s.wg.Wait()
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

func runConsumer(ctx context.Context, c queue.Consumer, h queue.Handler, name string, log zerolog.Logger) {
	if err := c.Run(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("consumer", name).Msg("consumer stopped")
	}
}

// startCore wires the ingestion API, the result consumer, the persist
// worker and the retry scheduler.
func startCore(parent context.Context, cfg *config.Config, tr *transport, log zerolog.Logger) (*service, error) {
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	c, err := setupCache(cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	resultConsumer, err := tr.consumer(cfg.Queue.CoreGroup, cfg.Queue.ResultTopic)
	if err != nil {
		c.Close()
		store.Close()
		return nil, fmt.Errorf("failed to create result consumer: %w", err)
	}

	opts := push.Options{
		MaxRetryCount:  cfg.Ingest.MaxRetryCount,
		MaxClockSkew:   cfg.Ingest.MaxClockSkew,
		RetryBaseDelay: cfg.Retry.BaseDelay,
		DeferredRetry:  cfg.Retry.Deferred,
	}
	var notifier *callback.Notifier
	if cfg.Callback.Enabled {
		notifier = callback.NewNotifier(cfg.Callback, &http.Client{Timeout: cfg.Callback.Timeout}, log)
		opts.Notifier = notifier
	}

	svc := push.NewService(
		c,
		store,
		dispatch.New(tr.producer, cfg.Queue.DeliveryTopic),
		channel.DefaultRegistry(cfg.Delivery.BarkBaseURL),
		idgen.New(),
		opts,
		log,
	)

	srv, ctx := newService(parent)
	srv.onStop(func() { store.Close() })
	srv.onStop(func() { c.Close() })
	if notifier != nil {
		srv.onStop(notifier.Close)
	}
	srv.onStop(func() { resultConsumer.Close() })

	server := api.NewServer(cfg.Server, svc, log)
	srv.onStop(func() {
		if err := server.Shutdown(shutdownTimeout); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	})
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	srv.Go(func() { persist.NewWorker(c, store, cfg.Persist, log).Run(ctx) })
	srv.Go(func() {
		push.NewRetryScheduler(svc, cfg.Retry.PollInterval, cfg.Retry.BatchSize, log).Run(ctx)
	})
	srv.Go(func() {
		runConsumer(ctx, resultConsumer, resultHandler(svc, log), "result", log)
	})
	return srv, nil
}

// resultHandler folds delivery results into message state. Results that do
// not decode are logged and acknowledged.
func resultHandler(svc *push.Service, log zerolog.Logger) queue.Handler {
	return func(ctx context.Context, rec *queue.Record) error {
		var r models.DeliveryResult
		if err := json.Unmarshal(rec.Value, &r); err != nil {
			log.Error().
				Err(err).
				Str("topic", rec.Topic).
				Int32("partition", rec.Partition).
				Int64("offset", rec.Offset).
				Msg("dropping undecodable delivery result")
			return nil
		}
		return svc.HandleDeliveryResult(ctx, &r)
	}
}

// startWorkers runs one delivery consumer for the configured channels.
func startWorkers(parent context.Context, cfg *config.Config, tr *transport, log zerolog.Logger) (*service, error) {
	consumer, err := tr.consumer(cfg.Queue.WorkerGroup, cfg.Queue.DeliveryTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery consumer: %w", err)
	}

	registry := channel.DefaultRegistry(cfg.Delivery.BarkBaseURL)
	for _, code := range cfg.Delivery.Channels {
		if _, err := registry.Get(code); err != nil {
			consumer.Close()
			return nil, err
		}
	}

	sender := delivery.NewSender(registry, delivery.NewHTTPClient(cfg.Delivery))
	worker := delivery.NewWorker(sender, tr.producer, cfg.Queue.ResultTopic, cfg.Delivery.Channels, log)

	srv, ctx := newService(parent)
	srv.onStop(func() { consumer.Close() })
	srv.Go(func() { runConsumer(ctx, consumer, worker.Handle, "delivery", log) })
	return srv, nil
}
