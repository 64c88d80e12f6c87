package domain

import "time"

// Schedule pairs a cron expression (or a one-shot run-at) with a task
// template the Scheduler materializes into Task Queue entries.
type Schedule struct {
	ID             string
	TenantID       string
	Name           string
	CronExpression string // empty for a one-shot schedule
	RunAt          time.Time // used only when CronExpression is empty
	TaskType       TaskType
	PayloadTemplate string // JSON template, rendered at fire time
	Enabled        bool
	NextFireAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int
}

// IsOneShot reports whether the schedule fires exactly once at RunAt rather
// than repeating on a cron expression.
func (s *Schedule) IsOneShot() bool { return s.CronExpression == "" }
