package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MemoryBroker is an in-process partitioned log for standalone mode and
// tests. Offsets are committed per consumer group and live as long as the
// broker does.
type MemoryBroker struct {
	partitions int

	mu      sync.Mutex
	topics  map[string][]*memPartition
	groups  map[string]bool
	offsets map[string][]int
	closed  bool
}

type memPartition struct {
	mu      sync.Mutex
	records []*Record
	signal  chan struct{}
}

var ErrGroupBusy = errors.New("consumer group already subscribed to topic")

func NewMemoryBroker(partitions int) *MemoryBroker {
	if partitions <= 0 {
		partitions = 1
	}
	return &MemoryBroker{
		partitions: partitions,
		topics:     make(map[string][]*memPartition),
		groups:     make(map[string]bool),
		offsets:    make(map[string][]int),
	}
}

func (b *MemoryBroker) topic(name string) []*memPartition {
	b.mu.Lock()
	defer b.mu.Unlock()

	parts, ok := b.topics[name]
	if !ok {
		parts = make([]*memPartition, b.partitions)
		for i := range parts {
			parts[i] = &memPartition{signal: make(chan struct{})}
		}
		b.topics[name] = parts
	}
	return parts
}

func (b *MemoryBroker) partitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.partitions))
}

func (b *MemoryBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	idx := b.partitionFor(key)
	p := b.topic(topic)[idx]

	p.mu.Lock()
	p.records = append(p.records, &Record{
		Topic:     topic,
		Partition: int32(idx),
		Offset:    int64(len(p.records)),
		Key:       []byte(key),
		Value:     append([]byte(nil), value...),
	})
	close(p.signal)
	p.signal = make(chan struct{})
	p.mu.Unlock()
	return nil
}

// Len reports how many records were ever published to topic.
func (b *MemoryBroker) Len(topic string) int {
	n := 0
	for _, p := range b.topic(topic) {
		p.mu.Lock()
		n += len(p.records)
		p.mu.Unlock()
	}
	return n
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Consumer returns a consumer for group on topic. Only one consumer per
// group and topic may run at a time; it owns every partition.
func (b *MemoryBroker) Consumer(group, topic string, retryInterval time.Duration, log zerolog.Logger) *MemoryConsumer {
	return &MemoryConsumer{
		broker:        b,
		group:         group,
		topic:         topic,
		retryInterval: retryInterval,
		log:           log.With().Str("topic", topic).Str("group", group).Logger(),
	}
}

type MemoryConsumer struct {
	broker        *MemoryBroker
	group         string
	topic         string
	retryInterval time.Duration
	log           zerolog.Logger
}

func (c *MemoryConsumer) Run(ctx context.Context, h Handler) error {
	key := c.group + "/" + c.topic
	c.broker.mu.Lock()
	if c.broker.groups[key] {
		c.broker.mu.Unlock()
		return fmt.Errorf("%s: %w", key, ErrGroupBusy)
	}
	c.broker.groups[key] = true
	if _, ok := c.broker.offsets[key]; !ok {
		c.broker.offsets[key] = make([]int, c.broker.partitions)
	}
	c.broker.mu.Unlock()
	defer func() {
		c.broker.mu.Lock()
		delete(c.broker.groups, key)
		c.broker.mu.Unlock()
	}()

	c.log.Info().Msg("memory consumer started")
	defer c.log.Info().Msg("memory consumer stopped")

	var wg sync.WaitGroup
	for i, p := range c.broker.topic(c.topic) {
		wg.Add(1)
		go func(i int, p *memPartition) {
			defer wg.Done()
			c.consumePartition(ctx, h, key, i, p)
		}(i, p)
	}
	wg.Wait()
	return nil
}

func (c *MemoryConsumer) consumePartition(ctx context.Context, h Handler, key string, idx int, p *memPartition) {
	offset := c.broker.committed(key, idx)
	for {
		p.mu.Lock()
		if offset < len(p.records) {
			rec := p.records[offset]
			p.mu.Unlock()
			if err := handleUntilDone(ctx, h, rec, c.retryInterval, c.log); err != nil {
				return
			}
			offset++
			c.broker.commit(key, idx, offset)
			continue
		}
		signal := p.signal
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-signal:
		}
	}
}

func (b *MemoryBroker) committed(key string, idx int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offsets[key][idx]
}

func (b *MemoryBroker) commit(key string, idx, offset int) {
	b.mu.Lock()
	b.offsets[key][idx] = offset
	b.mu.Unlock()
}

func (c *MemoryConsumer) Close() error {
	return nil
}
