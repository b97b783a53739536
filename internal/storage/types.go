package storage

import (
	"context"
	"errors"
	"time"

	"sender/internal/broadcast"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite", "postgres".
type Config struct {
	Driver string `json:"driver"`
	// Path is the file prefix (file) or database file (sqlite).
	Path string `json:"path"`
	// DSN is the postgres connection string.
	DSN         string        `json:"dsn"`
	BusyTimeout time.Duration `json:"busy_timeout"`
	// CompactEvery is the number of journal writes between snapshots (file only).
	CompactEvery int `json:"compact_every"`
}

// JobStore is the persistence surface the job controller depends on.
type JobStore interface {
	// FindJob returns broadcast.ErrJobNotFound for an unknown id.
	FindJob(ctx context.Context, id string) (broadcast.Job, error)
	// UpdateJob applies a partial update. A status change on a terminal job
	// fails with broadcast.ErrJobTerminal.
	UpdateJob(ctx context.Context, id string, u broadcast.JobUpdate) error
	AppendJobLog(ctx context.Context, id, line string) error
}

// Store is a JobStore plus record creation and lifecycle.
type Store interface {
	JobStore
	// CreateJob inserts a new job. An empty status becomes pending.
	CreateJob(ctx context.Context, job broadcast.Job) error
	// ListJobs returns jobs ordered by creation time, newest first.
	// An empty status matches every job; limit <= 0 means no limit.
	ListJobs(ctx context.Context, status broadcast.Status, limit int) ([]broadcast.Job, error)
	Close() error
}
