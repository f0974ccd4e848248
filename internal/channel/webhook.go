package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shohag/unipush/internal/models"
	"github.com/shohag/unipush/internal/signing"
)

const CodeWebhook = "webhook"

type WebhookTarget struct {
	URL     string            `json:"url"`
	Token   string            `json:"token,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type webhookPayload struct {
	MessageID string `json:"messageId"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Webhook POSTs a JSON envelope to the target URL. When the target carries a
// token the body is signed with it.
type Webhook struct {
	now func() time.Time
}

func NewWebhook(now func() time.Time) *Webhook {
	return &Webhook{now: now}
}

func (w *Webhook) Code() string { return CodeWebhook }

func (w *Webhook) ParseTarget(raw json.RawMessage) (any, error) {
	var t WebhookTarget
	if err := decodeTarget(raw, &t); err != nil {
		return nil, err
	}
	if err := checkURL(t.URL); err != nil {
		return nil, err
	}
	return &t, nil
}

func (w *Webhook) BuildRequest(ctx context.Context, task *models.DeliveryTask, target any) (*http.Request, error) {
	t, ok := target.(*WebhookTarget)
	if !ok {
		return nil, invalidTarget("unexpected target type %T", target)
	}

	now := w.now()
	payload, err := json.Marshal(webhookPayload{
		MessageID: task.MessageID,
		Title:     task.Title,
		Content:   task.Content,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-UniPush-ID", task.MessageID)
	if t.Token != "" {
		signature, timestamp := signing.Sign(t.Token, payload, now)
		req.Header.Set("X-UniPush-Timestamp", strconv.FormatInt(timestamp, 10))
		req.Header.Set("X-UniPush-Signature", signature)
	}
	return req, nil
}

// InterpretResponse accepts any 2xx body.
func (w *Webhook) InterpretResponse(body []byte) error {
	return nil
}

func checkURL(raw string) error {
	if raw == "" {
		return invalidTarget("missing url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalidTarget("bad url %q: %v", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalidTarget("bad url %q", raw)
	}
	return nil
}
