// Package memory is an in-memory Persistence Gateway implementation, used
// by tests and local development. It follows the teacher's mutex-and-map
// shape (internal/app/storage/memory.go) generalized to the Dispute
// Orchestration Core's entity set and extended with the optimistic version
// check and event log the Gateway contract requires.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

// Store is a thread-safe in-memory Gateway. A single mutex guards the whole
// store; RunInTx holds it for the duration of the callback so the
// transaction is serialized the same way a real database transaction would
// serialize conflicting writers, while still allowing the test suite to run
// many concurrent aggregates against one Store instance safely.
type Store struct {
	mu sync.Mutex

	tenants       map[string]domain.Tenant
	clients       map[string]domain.Client
	reports       map[string]domain.CreditReport
	disputeItems  map[string]domain.DisputeItem
	rounds        map[string]domain.Round
	letters       map[string]domain.Letter
	letterBatches map[string]domain.LetterBatch
	deadlines     map[string]domain.Deadline
	tasks         map[string]domain.Task
	schedules     map[string]domain.Schedule
	triggers      map[string]domain.WorkflowTrigger
	payments      map[string]domain.Payment
	auditLogs     []domain.AuditLog

	events   []domain.DomainEvent
	nextSeq  map[string]int64 // aggregate id -> next sequence number
}

var _ storage.Gateway = (*Store)(nil)

// New creates an empty in-memory Gateway.
func New() *Store {
	return &Store{
		tenants:       make(map[string]domain.Tenant),
		clients:       make(map[string]domain.Client),
		reports:       make(map[string]domain.CreditReport),
		disputeItems:  make(map[string]domain.DisputeItem),
		rounds:        make(map[string]domain.Round),
		letters:       make(map[string]domain.Letter),
		letterBatches: make(map[string]domain.LetterBatch),
		deadlines:     make(map[string]domain.Deadline),
		tasks:         make(map[string]domain.Task),
		schedules:     make(map[string]domain.Schedule),
		triggers:      make(map[string]domain.WorkflowTrigger),
		payments:      make(map[string]domain.Payment),
		nextSeq:       make(map[string]int64),
	}
}

// RunInTx executes fn with exclusive access to the store, then appends any
// returned events to the per-aggregate event log with a dense sequence
// number. If fn returns an error, nothing it did is visible to other
// callers that only observe state through the Repo interfaces — the
// in-memory store has no rollback log, so components must construct their
// full next-state value before calling Put rather than mutating partially.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s}
	events, err := fn(ctx, tx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range events {
		ev := events[i]
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.CommitTS.IsZero() {
			ev.CommitTS = now
		}
		seq := s.nextSeq[ev.AggregateID] + 1
		ev.Sequence = seq
		s.nextSeq[ev.AggregateID] = seq
		s.events = append(s.events, ev)
	}
	return nil
}

func (s *Store) EventsSince(_ context.Context, aggregateID string, afterSeq int64) ([]domain.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []domain.DomainEvent
	for _, ev := range s.events {
		if ev.AggregateID == aggregateID && ev.Sequence > afterSeq {
			result = append(result, ev)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}

// memTx is the storage.Tx implementation backing one RunInTx callback. The
// caller already holds Store.mu, so repo methods access the maps directly.
type memTx struct {
	store *Store
}

func (t *memTx) Tenants() storage.TenantRepo             { return tenantRepo{t.store} }
func (t *memTx) Clients() storage.ClientRepo             { return clientRepo{t.store} }
func (t *memTx) CreditReports() storage.CreditReportRepo { return creditReportRepo{t.store} }
func (t *memTx) DisputeItems() storage.DisputeItemRepo   { return disputeItemRepo{t.store} }
func (t *memTx) Rounds() storage.RoundRepo               { return roundRepo{t.store} }
func (t *memTx) Letters() storage.LetterRepo             { return letterRepo{t.store} }
func (t *memTx) LetterBatches() storage.LetterBatchRepo  { return letterBatchRepo{t.store} }
func (t *memTx) Deadlines() storage.DeadlineRepo         { return deadlineRepo{t.store} }
func (t *memTx) Tasks() storage.TaskRepo                 { return taskRepo{t.store} }
func (t *memTx) Schedules() storage.ScheduleRepo         { return scheduleRepo{t.store} }
func (t *memTx) Triggers() storage.TriggerRepo           { return triggerRepo{t.store} }
func (t *memTx) Payments() storage.PaymentRepo           { return paymentRepo{t.store} }
func (t *memTx) AuditLogs() storage.AuditLogRepo         { return auditLogRepo{t.store} }

// checkVersion enforces the optimistic concurrency contract shared by every
// Put method: a zero incoming version means "create", and a nonzero version
// must match the stored row's version exactly or the write is a conflict.
func checkVersion(storedVersion, incomingVersion int) error {
	if incomingVersion == 0 {
		return nil
	}
	if incomingVersion != storedVersion {
		return storage.ErrConflict
	}
	return nil
}
