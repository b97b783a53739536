package notifier

import (
	"context"
	"time"
)

// Sender delivers one text message to the operator channel.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Config controls the async notification pipeline.
type Config struct {
	QueueSize       int
	RatePerMinute   int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	HistorySize     int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 20
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = time.Minute
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	return c
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

const (
	TypeSent   = "notifier.sent"
	TypeFailed = "notifier.failed"
)

// NotificationEvent is published on the event bus after each delivery attempt.
type NotificationEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
