package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/shohag/unipush/internal/config"
)

type KafkaProducer struct {
	client  *kgo.Client
	timeout time.Duration
}

func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.ProduceRequestTimeout(cfg.ProduceTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaProducer{client: client, timeout: cfg.ProduceTimeout}, nil
}

func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, value []byte) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	p.client.Close()
	return nil
}

type KafkaConsumer struct {
	client        *kgo.Client
	retryInterval time.Duration
	log           zerolog.Logger
}

func NewKafkaConsumer(cfg config.KafkaConfig, group, topic string, retryInterval time.Duration, log zerolog.Logger) (*KafkaConsumer, error) {
	log = log.With().Str("topic", topic).Str("group", group).Logger()
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			log.Info().Interface("partitions", revoked).Msg("partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &KafkaConsumer{client: client, retryInterval: retryInterval, log: log}, nil
}

func (c *KafkaConsumer) Run(ctx context.Context, h Handler) error {
	c.log.Info().Msg("kafka consumer started")
	defer c.log.Info().Msg("kafka consumer stopped")

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.log.Error().Err(err).Str("fetch_topic", topic).Int32("partition", partition).Msg("fetch error")
		})

		var wg sync.WaitGroup
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.consumePartition(ctx, h, p.Records)
			}()
		})
		wg.Wait()

		c.client.AllowRebalance()
	}
}

// consumePartition handles records in offset order and commits everything
// handled so far. It stops at the first record it could not finish.
func (c *KafkaConsumer) consumePartition(ctx context.Context, h Handler, records []*kgo.Record) {
	done := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		rec := &Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
		}
		if err := handleUntilDone(ctx, h, rec, c.retryInterval, c.log); err != nil {
			break
		}
		done = append(done, r)
	}
	if len(done) == 0 {
		return
	}
	if err := c.client.CommitRecords(context.WithoutCancel(ctx), done...); err != nil {
		c.log.Error().Err(err).Int32("partition", done[0].Partition).Msg("failed to commit offsets")
	}
}

func (c *KafkaConsumer) Close() error {
	c.client.Close()
	return nil
}
