package models

import "time"

type LogType string

const (
	LogResponse LogType = "RESPONSE"
	LogRetry    LogType = "RETRY"
	LogFailed   LogType = "FAILED"
)

// PushLog records one delivery outcome as seen by the feedback loop.
type PushLog struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"messageId"`
	ChannelCode  string    `json:"channelCode"`
	LogType      LogType   `json:"logType"`
	LogLevel     string    `json:"logLevel"`
	Attempt      int       `json:"attempt"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CostTime     int64     `json:"costTime"`
	CreateTime   time.Time `json:"createTime"`
}
