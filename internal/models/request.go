package models

import "time"

type SendRequest struct {
	Title       string         `json:"title" validate:"required"`
	Content     string         `json:"content" validate:"required"`
	Channel     string         `json:"channel" validate:"required"`
	Target      map[string]any `json:"target" validate:"required,min=1"`
	Template    string         `json:"template,omitempty"`
	Topic       string         `json:"topic,omitempty"`
	CallbackURL string         `json:"callbackUrl,omitempty" validate:"omitempty,url"`
	Timestamp   int64          `json:"timestamp,omitempty"`
}

// BatchSendRequest fans one payload out to several channels, each with its own target.
type BatchSendRequest struct {
	Title       string                    `json:"title" validate:"required"`
	Content     string                    `json:"content" validate:"required"`
	Channels    []string                  `json:"channels" validate:"required,min=1,dive,required"`
	Targets     map[string]map[string]any `json:"targets" validate:"required"`
	Template    string                    `json:"template,omitempty"`
	Topic       string                    `json:"topic,omitempty"`
	CallbackURL string                    `json:"callbackUrl,omitempty" validate:"omitempty,url"`
	Timestamp   int64                     `json:"timestamp,omitempty"`
}

type BatchResultItem struct {
	Channel   string `json:"channel"`
	MessageID string `json:"messageId,omitempty"`
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
}

type MessageResult struct {
	MessageID    string    `json:"messageId"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	ChannelCode  string    `json:"channelCode"`
	Status       int       `json:"status"`
	StatusName   Status    `json:"statusName"`
	RetryCount   int       `json:"retryCount"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreateTime   time.Time `json:"createTime"`
	UpdateTime   time.Time `json:"updateTime"`
}

func NewMessageResult(m *Message) *MessageResult {
	return &MessageResult{
		MessageID:    m.MessageID,
		Title:        m.Title,
		Content:      m.Content,
		ChannelCode:  m.ChannelCode,
		Status:       m.Status.Code(),
		StatusName:   m.Status,
		RetryCount:   m.RetryCount,
		ErrorMessage: m.ErrorMessage,
		CreateTime:   m.CreateTime,
		UpdateTime:   m.UpdateTime,
	}
}

// CallbackEvent is posted to a message's callbackUrl once it reaches a terminal status.
type CallbackEvent struct {
	MessageID    string `json:"messageId"`
	ChannelCode  string `json:"channelCode"`
	Status       int    `json:"status"`
	StatusName   Status `json:"statusName"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	RetryCount   int    `json:"retryCount"`
	ExtInfo      string `json:"extInfo,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}
