package eventbus

import "time"

const (
	TypeJobStarted  = "job.started"
	TypeJobFinished = "job.finished"
	TypeSendResult  = "send.result"
)

type JobStarted struct {
	JobID     string
	AccountID string
	Platform  string
	Total     int
}

type JobFinished struct {
	JobID      string
	AccountID  string
	Platform   string
	Status     string
	Successful int
	Failed     int
	Total      int
	Err        string
	Duration   time.Duration
}

type SendResult struct {
	JobID   string
	Index   int
	Contact string
	// Result is one of the metrics.Result* values.
	Result string
	Err    string
}
