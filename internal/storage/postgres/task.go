package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type taskRow struct {
	ID             string          `db:"id"`
	TenantID       string          `db:"tenant_id"`
	Type           string          `db:"type"`
	Payload        json.RawMessage `db:"payload"`
	RunAt          time.Time       `db:"run_at"`
	Attempt        int             `db:"attempt"`
	MaxAttempts    int             `db:"max_attempts"`
	State          string          `db:"state"`
	LastError      string          `db:"last_error"`
	IdempotencyKey string          `db:"idempotency_key"`
	LeasedBy       string          `db:"leased_by"`
	LeaseExpiresAt sql.NullTime    `db:"lease_expires_at"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
	Version        int             `db:"version"`
}

func (r taskRow) toDomain() domain.Task {
	return domain.Task{
		ID:             r.ID,
		TenantID:       r.TenantID,
		Type:           domain.TaskType(r.Type),
		Payload:        r.Payload,
		RunAt:          r.RunAt.UTC(),
		Attempt:        r.Attempt,
		MaxAttempts:    r.MaxAttempts,
		State:          domain.TaskState(r.State),
		LastError:      r.LastError,
		IdempotencyKey: r.IdempotencyKey,
		LeasedBy:       r.LeasedBy,
		LeaseExpiresAt: fromNullTime(r.LeaseExpiresAt),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		Version:        r.Version,
	}
}

type taskRepo struct{ tx *sqlx.Tx }

const taskColumns = `id, tenant_id, type, payload, run_at, attempt, max_attempts, state, last_error, idempotency_key, leased_by, lease_expires_at, created_at, updated_at, version`

func (r taskRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	var row taskRow
	if err := r.tx.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id); err != nil {
		return domain.Task{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (r taskRepo) Put(ctx context.Context, t domain.Task) (domain.Task, error) {
	payload, err := marshalJSON(t.Payload)
	if err != nil {
		return domain.Task{}, err
	}
	now := time.Now().UTC()

	if t.Version == 0 {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.MaxAttempts == 0 {
			t.MaxAttempts = domain.DefaultMaxAttempts
		}
		t.CreatedAt, t.UpdatedAt, t.Version = now, now, 1
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, t.ID, t.TenantID, string(t.Type), payload, t.RunAt, t.Attempt, t.MaxAttempts,
			string(t.State), t.LastError, t.IdempotencyKey, t.LeasedBy, toNullTime(t.LeaseExpiresAt),
			t.CreatedAt, t.UpdatedAt, t.Version); err != nil {
			return domain.Task{}, fmt.Errorf("insert task: %w", err)
		}
		return t, nil
	}

	t.UpdatedAt = now
	result, err := r.tx.ExecContext(ctx, `
		UPDATE tasks
		SET run_at = $2, attempt = $3, state = $4, last_error = $5, leased_by = $6,
		    lease_expires_at = $7, updated_at = $8, version = version + 1
		WHERE id = $1 AND version = $9
	`, t.ID, t.RunAt, t.Attempt, string(t.State), t.LastError, t.LeasedBy, toNullTime(t.LeaseExpiresAt), t.UpdatedAt, t.Version)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.Task{}, storage.ErrConflict
	}
	t.Version++
	return t, nil
}

func (r taskRepo) ByIdempotencyKey(ctx context.Context, taskType domain.TaskType, key string) (domain.Task, error) {
	var row taskRow
	if err := r.tx.GetContext(ctx, &row, `
		SELECT `+taskColumns+` FROM tasks WHERE type = $1 AND idempotency_key = $2
	`, string(taskType), key); err != nil {
		return domain.Task{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

// LeaseReady returns tasks that are ready to run: those in state ready with
// run_at <= asOf, plus any previously leased task whose lease expired
// without an Ack/Fail. FOR UPDATE SKIP LOCKED means concurrent workers
// polling at once never select the same row.
func (r taskRepo) LeaseReady(ctx context.Context, asOf time.Time, limit int) ([]domain.Task, error) {
	var rows []taskRow
	if err := r.tx.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+` FROM tasks
		WHERE (state = 'ready' AND run_at <= $1)
		   OR (state = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1)
		ORDER BY run_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, asOf.UTC(), limit); err != nil {
		return nil, fmt.Errorf("lease ready tasks: %w", err)
	}
	result := make([]domain.Task, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}
