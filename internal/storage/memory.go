package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sender/internal/broadcast"
)

// Memory is an in-process Store. Returned jobs are copies.
type Memory struct {
	mu     sync.RWMutex
	jobs   map[string]*broadcast.Job
	closed bool
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{jobs: map[string]*broadcast.Job{}, now: time.Now}
}

func (m *Memory) CreateJob(ctx context.Context, job broadcast.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(job)
}

func (m *Memory) createLocked(job broadcast.Job) error {
	if m.closed {
		return ErrClosed
	}
	j, err := prepareNew(job, m.now())
	if err != nil {
		return err
	}
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	m.jobs[j.ID] = &j
	return nil
}

func (m *Memory) FindJob(ctx context.Context, id string) (broadcast.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return broadcast.Job{}, ErrClosed
	}
	j, ok := m.jobs[id]
	if !ok {
		return broadcast.Job{}, fmt.Errorf("%w: %s", broadcast.ErrJobNotFound, id)
	}
	return cloneJob(*j), nil
}

func (m *Memory) UpdateJob(ctx context.Context, id string, u broadcast.JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(id, u)
}

func (m *Memory) updateLocked(id string, u broadcast.JobUpdate) error {
	if m.closed {
		return ErrClosed
	}
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", broadcast.ErrJobNotFound, id)
	}
	// Apply to a copy so a rejected update leaves no trace.
	next := cloneJob(*j)
	if err := applyUpdate(&next, u); err != nil {
		return err
	}
	m.jobs[id] = &next
	return nil
}

func (m *Memory) AppendJobLog(ctx context.Context, id, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(id, line)
}

func (m *Memory) appendLocked(id, line string) error {
	if m.closed {
		return ErrClosed
	}
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", broadcast.ErrJobNotFound, id)
	}
	j.Logs = append(j.Logs, line)
	return nil
}

func (m *Memory) ListJobs(ctx context.Context, status broadcast.Status, limit int) ([]broadcast.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]broadcast.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, cloneJob(*j))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// snapshot returns every job, for file compaction. Caller holds mu.
func (m *Memory) snapshotLocked() map[string]broadcast.Job {
	out := make(map[string]broadcast.Job, len(m.jobs))
	for id, j := range m.jobs {
		out[id] = cloneJob(*j)
	}
	return out
}
