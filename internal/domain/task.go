package domain

import (
	"encoding/json"
	"time"
)

// TaskType is the closed set of task types the Task Queue will run.
type TaskType string

const (
	TaskSendEmail           TaskType = "send_email"
	TaskSendSMS             TaskType = "send_sms"
	TaskSendPush            TaskType = "send_push"
	TaskGenerateLetterAI    TaskType = "generate_letter_ai"
	TaskScrapeCreditReport  TaskType = "scrape_credit_report"
	TaskUploadBatchSFTP     TaskType = "upload_batch_sftp"
	TaskPollTrackingSFTP    TaskType = "poll_tracking_sftp"
	TaskCapturePayment      TaskType = "capture_payment"
	TaskReleasePaymentHold  TaskType = "release_payment_hold"
	TaskExpireStaleHold     TaskType = "expire_stale_hold"
	TaskSendReminder        TaskType = "send_reminder"
	TaskRunScheduledReport  TaskType = "run_scheduled_report"
	TaskEvaluateTrigger     TaskType = "evaluate_trigger"
	TaskAdvanceRound        TaskType = "advance_round"
	TaskFireDeadline        TaskType = "fire_deadline"
)

// ValidTaskTypes lists every member of the closed TaskType set, for
// enqueue-time validation.
var ValidTaskTypes = map[TaskType]bool{
	TaskSendEmail:          true,
	TaskSendSMS:            true,
	TaskSendPush:           true,
	TaskGenerateLetterAI:   true,
	TaskScrapeCreditReport: true,
	TaskUploadBatchSFTP:    true,
	TaskPollTrackingSFTP:   true,
	TaskCapturePayment:     true,
	TaskReleasePaymentHold: true,
	TaskExpireStaleHold:    true,
	TaskSendReminder:       true,
	TaskRunScheduledReport: true,
	TaskEvaluateTrigger:    true,
	TaskAdvanceRound:       true,
	TaskFireDeadline:       true,
}

// TaskState is the Task Queue lifecycle state.
type TaskState string

const (
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskDead      TaskState = "dead"
)

// DefaultMaxAttempts is the attempt budget applied when Enqueue is called
// without an explicit override.
const DefaultMaxAttempts = 5

// Task is a durable work item processed by the Task Queue.
type Task struct {
	ID             string
	TenantID       string
	Type           TaskType
	Payload        json.RawMessage
	RunAt          time.Time
	Attempt        int
	MaxAttempts    int
	State          TaskState
	LastError      string
	IdempotencyKey string
	LeasedBy       string
	LeaseExpiresAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int
}
