package storage

import (
	"fmt"
	"strings"
	"time"

	"sender/internal/broadcast"
)

// applyUpdate mutates job in place. It is shared by every driver so the
// terminal-status rule is identical everywhere.
func applyUpdate(job *broadcast.Job, u broadcast.JobUpdate) error {
	if u.Status != nil && job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", broadcast.ErrJobTerminal, job.ID, job.Status)
	}
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		job.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		job.CompletedAt = &t
	}
	if u.Total != nil {
		job.Total = *u.Total
	}
	if u.Successful != nil {
		job.Successful = *u.Successful
	}
	if u.Failed != nil {
		job.Failed = *u.Failed
	}
	if u.Logs != nil {
		job.Logs = append([]string(nil), u.Logs...)
	}
	return nil
}

// prepareNew validates and normalizes a job before insert.
func prepareNew(job broadcast.Job, now time.Time) (broadcast.Job, error) {
	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		return job, fmt.Errorf("%w: job id is required", broadcast.ErrInvalidConfiguration)
	}
	if job.Status == "" {
		job.Status = broadcast.StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.Logs == nil {
		job.Logs = []string{}
	}
	return cloneJob(job), nil
}

func cloneJob(j broadcast.Job) broadcast.Job {
	j.TemplateIDs = append([]string(nil), j.TemplateIDs...)
	j.RecipientIDs = append([]string(nil), j.RecipientIDs...)
	j.Logs = append([]string{}, j.Logs...)
	j.ScheduledAt = cloneTime(j.ScheduledAt)
	j.StartedAt = cloneTime(j.StartedAt)
	j.CompletedAt = cloneTime(j.CompletedAt)
	return j
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
