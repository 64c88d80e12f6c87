// Package postgres is the PostgreSQL-backed Persistence Gateway. It follows
// the teacher's plain database/sql store shape (internal/app/storage/postgres
// /store.go: uuid.NewString() for ids, sql.NullTime/NullString for optional
// columns, hand-written SELECT/Scan) but drives every query through
// jmoiron/sqlx's *sqlx.Tx instead of *sql.Tx, scanning into small row structs
// tagged with `db:"..."` via GetContext/SelectContext rather than positional
// Scan calls.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

// Store is a Gateway backed by a *sqlx.DB connection pool.
type Store struct {
	db *sqlx.DB
}

var _ storage.Gateway = (*Store)(nil)

// New wraps an already-opened *sql.DB (as built by internal/platform/database)
// with sqlx and returns a Gateway.
func New(db *sql.DB, driverName string) *Store {
	return &Store{db: sqlx.NewDb(db, driverName)}
}

// RunInTx opens one SQL transaction, runs fn against a pgTx, and on success
// appends fn's returned events to domain_events with a per-aggregate dense
// sequence before committing. A failure from fn, from sequence assignment, or
// from commit rolls the whole transaction back, so no event is ever visible
// for a transaction that did not durably commit.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error)) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &pgTx{tx: sqlTx}
	events, err := fn(ctx, tx)
	if err != nil {
		return err
	}

	if err := appendEvents(ctx, sqlTx, events); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// appendEvents assigns each event the next sequence number for its aggregate,
// locking the aggregate's event rows with FOR UPDATE so concurrent committers
// against the same aggregate serialize on sequence assignment.
func appendEvents(ctx context.Context, tx *sqlx.Tx, events []domain.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}

	now := time.Now().UTC()
	assigned := make(map[string]int64)

	for i := range events {
		ev := events[i]
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.CommitTS.IsZero() {
			ev.CommitTS = now
		}

		next, ok := assigned[ev.AggregateID]
		if !ok {
			var maxSeq sql.NullInt64
			if err := tx.GetContext(ctx, &maxSeq, `
				SELECT MAX(sequence) FROM domain_events WHERE aggregate_id = $1 FOR UPDATE
			`, ev.AggregateID); err != nil {
				return fmt.Errorf("lock event sequence for %s: %w", ev.AggregateID, err)
			}
			next = maxSeq.Int64
		}
		next++
		assigned[ev.AggregateID] = next
		ev.Sequence = next

		payload, err := marshalJSON(ev.Payload)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO domain_events (id, tenant_id, aggregate_type, aggregate_id, sequence, type, payload, commit_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, ev.ID, ev.TenantID, string(ev.AggregateType), ev.AggregateID, ev.Sequence, ev.Type, payload, ev.CommitTS); err != nil {
			return fmt.Errorf("append event %s: %w", ev.ID, err)
		}
	}
	return nil
}

func (s *Store) EventsSince(ctx context.Context, aggregateID string, afterSeq int64) ([]domain.DomainEvent, error) {
	var rows []domainEventRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, aggregate_type, aggregate_id, sequence, type, payload, commit_ts
		FROM domain_events
		WHERE aggregate_id = $1 AND sequence > $2
		ORDER BY sequence
	`, aggregateID, afterSeq); err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	}

	result := make([]domain.DomainEvent, 0, len(rows))
	for _, r := range rows {
		ev, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}

// pgTx is the storage.Tx implementation backing one RunInTx callback.
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) Tenants() storage.TenantRepo             { return tenantRepo{t.tx} }
func (t *pgTx) Clients() storage.ClientRepo             { return clientRepo{t.tx} }
func (t *pgTx) CreditReports() storage.CreditReportRepo { return creditReportRepo{t.tx} }
func (t *pgTx) DisputeItems() storage.DisputeItemRepo   { return disputeItemRepo{t.tx} }
func (t *pgTx) Rounds() storage.RoundRepo               { return roundRepo{t.tx} }
func (t *pgTx) Letters() storage.LetterRepo             { return letterRepo{t.tx} }
func (t *pgTx) LetterBatches() storage.LetterBatchRepo  { return letterBatchRepo{t.tx} }
func (t *pgTx) Deadlines() storage.DeadlineRepo         { return deadlineRepo{t.tx} }
func (t *pgTx) Tasks() storage.TaskRepo                 { return taskRepo{t.tx} }
func (t *pgTx) Schedules() storage.ScheduleRepo         { return scheduleRepo{t.tx} }
func (t *pgTx) Triggers() storage.TriggerRepo           { return triggerRepo{t.tx} }
func (t *pgTx) Payments() storage.PaymentRepo           { return paymentRepo{t.tx} }
func (t *pgTx) AuditLogs() storage.AuditLogRepo         { return auditLogRepo{t.tx} }

// checkVersion enforces the same optimistic concurrency contract as the
// in-memory Gateway: a zero incoming version means "create", a nonzero one
// must match the stored row or the write is a conflict. No Postgres repo's
// Put calls it: there the check is the UPDATE ... WHERE version = $n clause
// in each Put.
func checkVersion(storedVersion, incomingVersion int) error {
	if incomingVersion == 0 {
		return nil
	}
	if incomingVersion != storedVersion {
		return storage.ErrConflict
	}
	return nil
}

func wrapNotFound(err error) error {
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	return err
}
