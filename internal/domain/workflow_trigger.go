package domain

import "time"

// TriggerAction is the closed set of actions a WorkflowTrigger may enqueue.
type TriggerAction string

const (
	ActionSendEmail        TriggerAction = "send_email"
	ActionSendSMS          TriggerAction = "send_sms"
	ActionCreateTask       TriggerAction = "create_task"
	ActionUpdateStatus     TriggerAction = "update_status"
	ActionAssignStaff      TriggerAction = "assign_staff"
	ActionAddNote          TriggerAction = "add_note"
	ActionScheduleFollowup TriggerAction = "schedule_followup"
	ActionGenerateDocument TriggerAction = "generate_document"
)

// WorkflowTrigger is a closed event -> condition -> action rule. Condition
// is a pure predicate over the event plus a read-only client snapshot;
// triggers never write state directly.
type WorkflowTrigger struct {
	ID                 string
	TenantID           string
	EventType          string
	ConditionExpression string
	Action             TriggerAction
	ActionTemplate     string
	Priority           int
	Enabled            bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Version            int
}
