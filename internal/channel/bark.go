package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shohag/unipush/internal/models"
)

const CodeBark = "bark"

// Scalar accepts a JSON string, number or boolean and keeps its text form.
type Scalar string

func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = ""
		return nil
	}
	switch data[0] {
	case '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Scalar(str)
	case '{', '[':
		return fmt.Errorf("expected scalar, got %s", truncate(data, 32))
	default:
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = Scalar(data)
	}
	return nil
}

type BarkTarget struct {
	Key        string `json:"key"`
	Sound      Scalar `json:"sound,omitempty"`
	Icon       Scalar `json:"icon,omitempty"`
	Group      Scalar `json:"group,omitempty"`
	Level      Scalar `json:"level,omitempty"`
	URL        Scalar `json:"url,omitempty"`
	Click      Scalar `json:"click,omitempty"`
	AutoCopy   Scalar `json:"autoCopy,omitempty"`
	Copy       Scalar `json:"copy,omitempty"`
	Badge      Scalar `json:"badge,omitempty"`
	IsArchive  Scalar `json:"isArchive,omitempty"`
	AutoCancel Scalar `json:"autoCancel,omitempty"`
}

func (t *BarkTarget) params() [][2]string {
	return [][2]string{
		{"sound", string(t.Sound)},
		{"icon", string(t.Icon)},
		{"group", string(t.Group)},
		{"level", string(t.Level)},
		{"url", string(t.URL)},
		{"click", string(t.Click)},
		{"autoCopy", string(t.AutoCopy)},
		{"copy", string(t.Copy)},
		{"badge", string(t.Badge)},
		{"isArchive", string(t.IsArchive)},
		{"autoCancel", string(t.AutoCancel)},
	}
}

type barkResponse struct {
	Code    *int   `json:"code"`
	Message string `json:"message"`
}

// Bark issues a GET against {base}/{key} with the message as query
// parameters. Success is code == 200 in the response body.
type Bark struct {
	baseURL string
}

func NewBark(baseURL string) *Bark {
	return &Bark{baseURL: strings.TrimRight(baseURL, "/")}
}

func (b *Bark) Code() string { return CodeBark }

func (b *Bark) ParseTarget(raw json.RawMessage) (any, error) {
	var t BarkTarget
	if err := decodeTarget(raw, &t); err != nil {
		return nil, err
	}
	if strings.TrimSpace(t.Key) == "" {
		return nil, invalidTarget("missing key")
	}
	return &t, nil
}

func (b *Bark) BuildRequest(ctx context.Context, task *models.DeliveryTask, target any) (*http.Request, error) {
	t, ok := target.(*BarkTarget)
	if !ok {
		return nil, invalidTarget("unexpected target type %T", target)
	}

	q := url.Values{}
	q.Set("title", task.Title)
	q.Set("body", task.Content)
	for _, p := range t.params() {
		if p[1] != "" {
			q.Set(p[0], p[1])
		}
	}
	endpoint := b.baseURL + "/" + url.PathEscape(t.Key) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

func (b *Bark) InterpretResponse(body []byte) error {
	var resp barkResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Code == nil || *resp.Code != 200 {
		return fmt.Errorf("bark error: %s", truncate(body, 512))
	}
	return nil
}
