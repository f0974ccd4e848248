package delivery

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/shohag/unipush/internal/channel"
	"github.com/shohag/unipush/internal/config"
	"github.com/shohag/unipush/internal/models"
)

const maxResponseBody = 4096

// NewHTTPClient builds the pooled client shared by every channel adapter.
func NewHTTPClient(cfg config.DeliveryConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
	}
}

// Sender performs one delivery attempt through the adapter registered for
// the task's channel. It never fails; every outcome becomes a result.
type Sender struct {
	registry *channel.Registry
	client   *http.Client
	now      func() time.Time
}

func NewSender(registry *channel.Registry, client *http.Client) *Sender {
	return &Sender{
		registry: registry,
		client:   client,
		now:      time.Now,
	}
}

func (s *Sender) Send(ctx context.Context, task *models.DeliveryTask) *models.DeliveryResult {
	start := s.now()
	err := s.attempt(ctx, task)

	result := &models.DeliveryResult{
		MessageID:   task.MessageID,
		ChannelCode: task.ChannelCode,
		Success:     err == nil,
		RetryCount:  task.RetryCount,
		CostMs:      s.now().Sub(start).Milliseconds(),
		Timestamp:   s.now().UnixMilli(),
	}
	if err != nil {
		result.ErrorMessage = err.Error()
	}
	return result
}

func (s *Sender) attempt(ctx context.Context, task *models.DeliveryTask) error {
	adapter, err := s.registry.Get(task.ChannelCode)
	if err != nil {
		return err
	}

	target, err := adapter.ParseTarget(task.Target)
	if err != nil {
		return err
	}

	req, err := adapter.BuildRequest(ctx, task, target)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if !IsSuccess(resp.StatusCode) {
		return fmt.Errorf("http error: %s, response: %s", resp.Status, body)
	}
	return adapter.InterpretResponse(body)
}

func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
