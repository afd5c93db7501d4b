package model

import "time"

// ClickEvent represents a resolved redirect waiting to be counted.
type ClickEvent struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	ClickStreamName     = "CLICKS"
	ClickStreamSubject  = "clicks.events"
	ClickConsumerName   = "click-recorder"
	ClickStreamMaxBytes = 1024 * 1024 * 100 // 100MB
)
