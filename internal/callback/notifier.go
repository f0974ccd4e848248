// Package callback posts terminal-status events to the callback URL a
// message was created with. Delivery is best effort and never feeds back
// into message state.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/shohag/unipush/internal/config"
	"github.com/shohag/unipush/internal/models"
)

type job struct {
	url   string
	event *models.CallbackEvent
}

// Notifier runs a fixed worker pool over a bounded queue. Each callback host
// gets its own circuit breaker.
type Notifier struct {
	cfg    config.CallbackConfig
	client *http.Client
	queue  chan job
	log    zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewNotifier(cfg config.CallbackConfig, client *http.Client, log zerolog.Logger) *Notifier {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:      cfg,
		client:   client,
		queue:    make(chan job, cfg.QueueSize),
		log:      log.With().Str("component", "callback").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	n.log.Info().
		Int("workers", cfg.Workers).
		Int("queue_size", cfg.QueueSize).
		Msg("callback notifier started")
	return n
}

// Notify queues an event. When the queue is full the event is dropped.
func (n *Notifier) Notify(url string, event *models.CallbackEvent) {
	select {
	case n.queue <- job{url: url, event: event}:
	default:
		n.log.Error().
			Str("message_id", event.MessageID).
			Str("url", url).
			Msg("callback queue full, event dropped")
	}
}

// Close stops the workers. Queued events that were not picked up are dropped.
func (n *Notifier) Close() {
	n.cancel()
	n.wg.Wait()
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case j := <-n.queue:
			n.process(j)
		}
	}
}

func (n *Notifier) process(j job) {
	breaker := n.breaker(j.url)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.InitialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(n.cfg.MaxAttempts-1)), n.ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		_, err := breaker.Execute(func() (interface{}, error) {
			return nil, n.send(j)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	if err != nil {
		n.log.Warn().
			Err(err).
			Str("message_id", j.event.MessageID).
			Str("url", j.url).
			Int("attempts", attempt).
			Msg("callback delivery failed")
		return
	}
	n.log.Debug().
		Str("message_id", j.event.MessageID).
		Str("url", j.url).
		Msg("callback delivered")
}

func (n *Notifier) send(j job) error {
	payload, err := json.Marshal(j.event)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal event: %w", err))
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "UniPush/1.0")
	req.Header.Set("X-UniPush-ID", j.event.MessageID)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil
}

func (n *Notifier) breaker(rawURL string) *gobreaker.CircuitBreaker {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if cb, ok := n.breakers[host]; ok {
		return cb
	}
	threshold := n.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     n.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			n.log.Warn().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("callback circuit breaker state changed")
		},
	})
	n.breakers[host] = cb
	return cb
}
