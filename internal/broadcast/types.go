package broadcast

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies a messaging platform driven through a browser session.
type Platform string

const (
	WhatsApp Platform = "whatsapp"
	Telegram Platform = "telegram"
)

// ParsePlatform normalizes a platform name. Unknown names are returned as-is;
// the adapter registry decides whether they are supported.
func ParsePlatform(s string) Platform {
	return Platform(strings.ToLower(strings.TrimSpace(s)))
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPaused:
		return true
	default:
		return false
	}
}

// TemplateMode controls how a message body is picked per recipient.
type TemplateMode string

const (
	ModeRandom      TemplateMode = "random"
	ModeAlternating TemplateMode = "alternating"
)

// ParseTemplateMode maps user input to a mode. Empty input means random.
func ParseTemplateMode(s string) (TemplateMode, error) {
	switch TemplateMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRandom:
		return ModeRandom, nil
	case ModeAlternating:
		return ModeAlternating, nil
	default:
		return "", fmt.Errorf("%w: template mode %q", ErrInvalidConfiguration, s)
	}
}

type Recipient struct {
	ID       string   `json:"id,omitempty"`
	Contact  string   `json:"contact_info"`
	Name     string   `json:"name,omitempty"`
	Platform Platform `json:"platform,omitempty"`
}

type Template struct {
	ID   string `json:"id"`
	Body string `json:"content"`
}

// Job is the persisted record of one broadcast.
type Job struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Name         string     `json:"name"`
	AccountID    string     `json:"account_id"`
	Platform     Platform   `json:"platform"`
	TemplateIDs  []string   `json:"template_ids"`
	RecipientIDs []string   `json:"recipient_ids"`
	Status       Status     `json:"status"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Total        int        `json:"total_recipients"`
	Successful   int        `json:"successful_sends"`
	Failed       int        `json:"failed_sends"`
	Logs         []string   `json:"logs"`
	CreatedAt    time.Time  `json:"created_at"`
}

// JobUpdate is a partial update. Nil fields are left untouched.
// A non-nil Logs replaces the whole log; use AppendJobLog for normal appends.
type JobUpdate struct {
	Status      *Status    `json:"status,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Total       *int       `json:"total_recipients,omitempty"`
	Successful  *int       `json:"successful_sends,omitempty"`
	Failed      *int       `json:"failed_sends,omitempty"`
	Logs        []string   `json:"logs,omitempty"`
}

// Progress builds an update carrying only the send counters.
func Progress(successful, failed int) JobUpdate {
	return JobUpdate{Successful: &successful, Failed: &failed}
}

// Terminate builds an update that moves a job to a terminal status.
func Terminate(st Status, at time.Time) JobUpdate {
	return JobUpdate{Status: &st, CompletedAt: &at}
}

// LogLine formats a job log entry as "[HH:MM:SS] msg".
func LogLine(at time.Time, msg string) string {
	return "[" + at.Format("15:04:05") + "] " + msg
}
