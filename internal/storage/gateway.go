package storage

import (
	"context"
	"time"

	"github.com/disputeflow/core/internal/domain"
)

// Gateway is the Persistence Gateway: a transactional boundary where fn
// performs reads and staged writes through Tx and returns the domain events
// those writes produced. On commit, events are appended to the aggregate's
// event log in the same transaction and only then handed to the Event Bus —
// no event is ever delivered for a transaction that did not commit.
type Gateway interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) ([]domain.DomainEvent, error)) error

	// EventsSince returns committed events for an aggregate strictly after
	// afterSeq, in sequence order, for cursor-based consumer resume.
	EventsSince(ctx context.Context, aggregateID string, afterSeq int64) ([]domain.DomainEvent, error)
}

// Tx is the set of repositories available inside one Gateway transaction.
type Tx interface {
	Tenants() TenantRepo
	Clients() ClientRepo
	CreditReports() CreditReportRepo
	DisputeItems() DisputeItemRepo
	Rounds() RoundRepo
	Letters() LetterRepo
	LetterBatches() LetterBatchRepo
	Deadlines() DeadlineRepo
	Tasks() TaskRepo
	Schedules() ScheduleRepo
	Triggers() TriggerRepo
	Payments() PaymentRepo
	AuditLogs() AuditLogRepo
}

// TenantRepo persists Tenant rows.
type TenantRepo interface {
	Get(ctx context.Context, id string) (domain.Tenant, error)
	Put(ctx context.Context, t domain.Tenant) (domain.Tenant, error)
}

// ClientRepo persists Client rows, the aggregate the Dispute Round State
// Machine locks and writes.
type ClientRepo interface {
	Get(ctx context.Context, id string) (domain.Client, error)
	Put(ctx context.Context, c domain.Client) (domain.Client, error)
	ListByTenant(ctx context.Context, tenantID string) ([]domain.Client, error)
}

// CreditReportRepo persists CreditReport rows. Reports are never mutated
// after commit, so there is no version-checked Put, only Create and Get.
type CreditReportRepo interface {
	Create(ctx context.Context, r domain.CreditReport) (domain.CreditReport, error)
	Get(ctx context.Context, id string) (domain.CreditReport, error)
	Latest(ctx context.Context, clientID string) (domain.CreditReport, error)
}

// DisputeItemRepo persists DisputeItem rows.
type DisputeItemRepo interface {
	Get(ctx context.Context, id string) (domain.DisputeItem, error)
	Put(ctx context.Context, d domain.DisputeItem) (domain.DisputeItem, error)
	ListByClient(ctx context.Context, clientID string) ([]domain.DisputeItem, error)
}

// RoundRepo persists Round rows, the aggregate the Dispute Round State
// Machine locks and writes.
type RoundRepo interface {
	Get(ctx context.Context, id string) (domain.Round, error)
	Put(ctx context.Context, r domain.Round) (domain.Round, error)
	ByClientBureauRound(ctx context.Context, clientID string, bureau domain.Bureau, number int) (domain.Round, error)
}

// LetterRepo persists Letter rows.
type LetterRepo interface {
	Get(ctx context.Context, id string) (domain.Letter, error)
	Put(ctx context.Context, l domain.Letter) (domain.Letter, error)
	ListByBatch(ctx context.Context, batchID string) ([]domain.Letter, error)
	ListByRound(ctx context.Context, clientID string, round int) ([]domain.Letter, error)
	ListApproved(ctx context.Context, tenantID string) ([]domain.Letter, error)
	GetByTracking(ctx context.Context, trackingNumber string) (domain.Letter, error)
}

// LetterBatchRepo persists LetterBatch rows.
type LetterBatchRepo interface {
	Get(ctx context.Context, id string) (domain.LetterBatch, error)
	Put(ctx context.Context, b domain.LetterBatch) (domain.LetterBatch, error)
	ActiveForTenant(ctx context.Context, tenantID string) (domain.LetterBatch, error)
}

// DeadlineRepo persists Deadline rows.
type DeadlineRepo interface {
	Get(ctx context.Context, id string) (domain.Deadline, error)
	Put(ctx context.Context, d domain.Deadline) (domain.Deadline, error)
	UnresolvedByParent(ctx context.Context, parentKind domain.ParentKind, parentID string, kind domain.DeadlineKind) (domain.Deadline, error)
	DueUnresolved(ctx context.Context, asOf time.Time) ([]domain.Deadline, error)
}

// TaskRepo persists Task rows.
type TaskRepo interface {
	Get(ctx context.Context, id string) (domain.Task, error)
	Put(ctx context.Context, t domain.Task) (domain.Task, error)
	ByIdempotencyKey(ctx context.Context, taskType domain.TaskType, key string) (domain.Task, error)
	LeaseReady(ctx context.Context, asOf time.Time, limit int) ([]domain.Task, error)
}

// ScheduleRepo persists Schedule rows.
type ScheduleRepo interface {
	Get(ctx context.Context, id string) (domain.Schedule, error)
	Put(ctx context.Context, s domain.Schedule) (domain.Schedule, error)
	DueForFiring(ctx context.Context, asOf time.Time) ([]domain.Schedule, error)
	ListEnabled(ctx context.Context, tenantID string) ([]domain.Schedule, error)
}

// TriggerRepo persists WorkflowTrigger rows.
type TriggerRepo interface {
	Get(ctx context.Context, id string) (domain.WorkflowTrigger, error)
	Put(ctx context.Context, t domain.WorkflowTrigger) (domain.WorkflowTrigger, error)
	EnabledForEvent(ctx context.Context, tenantID, eventType string) ([]domain.WorkflowTrigger, error)
}

// PaymentRepo persists Payment rows.
type PaymentRepo interface {
	Get(ctx context.Context, id string) (domain.Payment, error)
	Put(ctx context.Context, p domain.Payment) (domain.Payment, error)
	ByProviderEventID(ctx context.Context, providerEventID string) (domain.Payment, error)
	ByProviderRef(ctx context.Context, providerRef string) (domain.Payment, error)
	// ByClientBureauRound resolves the charge a round's capture_payment task
	// is acting on, so re-running the task after a crash reuses the same
	// provider-side charge instead of creating a duplicate one.
	ByClientBureauRound(ctx context.Context, clientID string, bureau domain.Bureau, round int, kind domain.PaymentKind) (domain.Payment, error)
}

// AuditLogRepo persists append-only AuditLog rows.
type AuditLogRepo interface {
	Append(ctx context.Context, a domain.AuditLog) (domain.AuditLog, error)
	ListByResource(ctx context.Context, resource, resourceID string) ([]domain.AuditLog, error)
}
