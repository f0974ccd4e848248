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

const CodeDingTalk = "dingtalk"

type DingTalkTarget struct {
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"`
	MsgType string `json:"msgType,omitempty"`
}

type dingTalkText struct {
	Content string `json:"content"`
}

type dingTalkMarkdown struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type dingTalkPayload struct {
	MsgType  string            `json:"msgtype"`
	Text     *dingTalkText     `json:"text,omitempty"`
	Markdown *dingTalkMarkdown `json:"markdown,omitempty"`
}

type dingTalkResponse struct {
	ErrCode *int   `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// DingTalk posts to a chat robot webhook. Success is errcode == 0 in the
// response body.
type DingTalk struct {
	now func() time.Time
}

func NewDingTalk(now func() time.Time) *DingTalk {
	return &DingTalk{now: now}
}

func (d *DingTalk) Code() string { return CodeDingTalk }

func (d *DingTalk) ParseTarget(raw json.RawMessage) (any, error) {
	var t DingTalkTarget
	if err := decodeTarget(raw, &t); err != nil {
		return nil, err
	}
	if err := checkURL(t.URL); err != nil {
		return nil, err
	}
	switch t.MsgType {
	case "":
		t.MsgType = "text"
	case "text", "markdown":
	default:
		return nil, invalidTarget("unsupported msgType %q", t.MsgType)
	}
	return &t, nil
}

func (d *DingTalk) BuildRequest(ctx context.Context, task *models.DeliveryTask, target any) (*http.Request, error) {
	t, ok := target.(*DingTalkTarget)
	if !ok {
		return nil, invalidTarget("unexpected target type %T", target)
	}

	p := dingTalkPayload{MsgType: t.MsgType}
	if t.MsgType == "markdown" {
		p.Markdown = &dingTalkMarkdown{Title: task.Title, Text: task.Content}
	} else {
		p.Text = &dingTalkText{Content: robotText(task.Title, task.Content)}
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	endpoint := t.URL
	if t.Secret != "" {
		endpoint, err = signedURL(t.URL, t.Secret, d.now())
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

func (d *DingTalk) InterpretResponse(body []byte) error {
	var resp dingTalkResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.ErrCode == nil || *resp.ErrCode != 0 {
		return fmt.Errorf("dingtalk error: %s", truncate(body, 512))
	}
	return nil
}

func robotText(title, content string) string {
	if title == "" {
		return content
	}
	return "【" + title + "】\n" + content
}

func signedURL(raw, secret string, at time.Time) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", invalidTarget("bad url %q: %v", raw, err)
	}
	sign, ts := signing.RobotSign(secret, at)
	q := u.Query()
	q.Set("timestamp", strconv.FormatInt(ts, 10))
	q.Set("sign", sign)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
