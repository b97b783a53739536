package jobs

import (
	"context"
	"time"

	"sender/internal/broadcast"
	"sender/internal/storage"
	logx "sender/pkg/logx"
)

// reporter writes pipeline progress to the job record. Failures are logged
// and never abort the job.
type reporter struct {
	store storage.JobStore
	jobID string
	log   logx.Logger
	now   func() time.Time
}

func (r *reporter) Log(ctx context.Context, msg string) {
	if err := r.store.AppendJobLog(ctx, r.jobID, broadcast.LogLine(r.now(), msg)); err != nil {
		r.log.Warn("job log write failed", logx.Err(err))
	}
}

func (r *reporter) Progress(ctx context.Context, successful, failed int) {
	if err := r.store.UpdateJob(ctx, r.jobID, broadcast.Progress(successful, failed)); err != nil {
		r.log.Warn("progress write failed", logx.Err(err))
	}
}
