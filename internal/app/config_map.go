package app

import (
	"time"

	"sender/internal/config"
	"sender/internal/httpapi"
	"sender/internal/notifier"
	"sender/internal/queue"
)

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	return notifier.Config{
		RatePerMinute: cfg.Notifier.RatePerMinute,
		RetryMax:      2,
		DedupWindow:   time.Minute,
	}
}

func mapQueueConfig(cfg *config.Config) queue.Config {
	return queue.Config{URL: cfg.AMQP.URL, Queue: cfg.AMQP.Queue, Prefetch: cfg.AMQP.Prefetch}
}

func mapServerConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	read, write, err := cfg.HTTPTimeouts()
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	return httpapi.ServerConfig{
		Addr:         cfg.HTTPAddr(),
		Token:        cfg.HTTP.Token,
		ReadTimeout:  read,
		WriteTimeout: write,
	}, nil
}
