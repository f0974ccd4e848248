package models

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusInit    Status = "INIT"
	StatusPending Status = "PENDING"
	// StatusSending is part of the wire taxonomy but no component enters it;
	// a PENDING message is one that has been dispatched and awaits a result.
	StatusSending Status = "SENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Status codes exposed by getMessageResult.
const (
	StatusCodeNotFound = -1
	StatusCodeUnknown  = 0
)

func (s Status) Code() int {
	switch s {
	case StatusInit:
		return 1
	case StatusPending:
		return 2
	case StatusSending:
		return 3
	case StatusSuccess:
		return 4
	case StatusFailed:
		return 5
	default:
		return StatusCodeUnknown
	}
}

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

const DefaultMaxRetryCount = 3

type Message struct {
	MessageID     string          `json:"messageId"`
	Title         string          `json:"title"`
	Content       string          `json:"content"`
	ChannelCode   string          `json:"channelCode"`
	Target        json.RawMessage `json:"target"`
	TemplateCode  string          `json:"templateCode,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	CallbackURL   string          `json:"callbackUrl,omitempty"`
	ExtInfo       string          `json:"extInfo,omitempty"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retryCount"`
	MaxRetryCount int             `json:"maxRetryCount"`
	NextRetryTime *time.Time      `json:"nextRetryTime,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	Persisted     bool            `json:"persisted"`
	PersistedTime *time.Time      `json:"persistedTime,omitempty"`
	// Version increases on every mutation and guards durable upserts against
	// regressing to an older snapshot.
	Version     int64      `json:"version"`
	CreateTime  time.Time  `json:"createTime"`
	UpdateTime  time.Time  `json:"updateTime"`
	SendTime    *time.Time `json:"sendTime,omitempty"`
	SuccessTime *time.Time `json:"successTime,omitempty"`
}

// Task snapshots the fields a channel adapter needs for one attempt.
func (m *Message) Task(now time.Time) *DeliveryTask {
	return &DeliveryTask{
		MessageID:     m.MessageID,
		ChannelCode:   m.ChannelCode,
		Title:         m.Title,
		Content:       m.Content,
		Target:        m.Target,
		TemplateCode:  m.TemplateCode,
		Topic:         m.Topic,
		CallbackURL:   m.CallbackURL,
		Status:        m.Status,
		RetryCount:    m.RetryCount,
		MaxRetryCount: m.MaxRetryCount,
		Timestamp:     now.UnixMilli(),
	}
}

type DeliveryTask struct {
	MessageID     string          `json:"messageId"`
	ChannelCode   string          `json:"channelCode"`
	Title         string          `json:"title"`
	Content       string          `json:"content"`
	Target        json.RawMessage `json:"target"`
	TemplateCode  string          `json:"templateCode,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	CallbackURL   string          `json:"callbackUrl,omitempty"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retryCount"`
	MaxRetryCount int             `json:"maxRetryCount"`
	Timestamp     int64           `json:"timestamp"`
}

type DeliveryResult struct {
	MessageID    string `json:"messageId"`
	ChannelCode  string `json:"channelCode"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	// RetryCount echoes the attempt the result answers so duplicates can be
	// told apart from fresh outcomes.
	RetryCount int   `json:"retryCount"`
	CostMs     int64 `json:"costMs"`
	Timestamp  int64 `json:"timestamp"`
}
