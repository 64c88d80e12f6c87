package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type deadlineRow struct {
	ID         string       `db:"id"`
	TenantID   string       `db:"tenant_id"`
	Kind       string       `db:"kind"`
	ParentKind string       `db:"parent_kind"`
	ParentID   string       `db:"parent_id"`
	DueAt      time.Time    `db:"due_at"`
	FiredAt    sql.NullTime `db:"fired_at"`
	ResolvedAt sql.NullTime `db:"resolved_at"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
	Version    int          `db:"version"`
}

func (r deadlineRow) toDomain() domain.Deadline {
	return domain.Deadline{
		ID:         r.ID,
		TenantID:   r.TenantID,
		Kind:       domain.DeadlineKind(r.Kind),
		ParentKind: domain.ParentKind(r.ParentKind),
		ParentID:   r.ParentID,
		DueAt:      r.DueAt.UTC(),
		FiredAt:    fromNullTimePtr(r.FiredAt),
		ResolvedAt: fromNullTimePtr(r.ResolvedAt),
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
		Version:    r.Version,
	}
}

type deadlineRepo struct{ tx *sqlx.Tx }

const deadlineColumns = `id, tenant_id, kind, parent_kind, parent_id, due_at, fired_at, resolved_at, created_at, updated_at, version`

func (r deadlineRepo) Get(ctx context.Context, id string) (domain.Deadline, error) {
	var row deadlineRow
	if err := r.tx.GetContext(ctx, &row, `SELECT `+deadlineColumns+` FROM deadlines WHERE id = $1`, id); err != nil {
		return domain.Deadline{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (r deadlineRepo) Put(ctx context.Context, d domain.Deadline) (domain.Deadline, error) {
	now := time.Now().UTC()

	if d.Version == 0 {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		d.CreatedAt, d.UpdatedAt, d.Version = now, now, 1
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO deadlines (`+deadlineColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, d.ID, d.TenantID, string(d.Kind), string(d.ParentKind), d.ParentID, d.DueAt,
			toNullTimePtr(d.FiredAt), toNullTimePtr(d.ResolvedAt), d.CreatedAt, d.UpdatedAt, d.Version); err != nil {
			return domain.Deadline{}, fmt.Errorf("insert deadline: %w", err)
		}
		return d, nil
	}

	d.UpdatedAt = now
	result, err := r.tx.ExecContext(ctx, `
		UPDATE deadlines
		SET due_at = $2, fired_at = $3, resolved_at = $4, updated_at = $5, version = version + 1
		WHERE id = $1 AND version = $6
	`, d.ID, d.DueAt, toNullTimePtr(d.FiredAt), toNullTimePtr(d.ResolvedAt), d.UpdatedAt, d.Version)
	if err != nil {
		return domain.Deadline{}, fmt.Errorf("update deadline: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.Deadline{}, storage.ErrConflict
	}
	d.Version++
	return d, nil
}

func (r deadlineRepo) UnresolvedByParent(ctx context.Context, parentKind domain.ParentKind, parentID string, kind domain.DeadlineKind) (domain.Deadline, error) {
	var row deadlineRow
	if err := r.tx.GetContext(ctx, &row, `
		SELECT `+deadlineColumns+` FROM deadlines
		WHERE parent_kind = $1 AND parent_id = $2 AND kind = $3 AND resolved_at IS NULL
	`, string(parentKind), parentID, string(kind)); err != nil {
		return domain.Deadline{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (r deadlineRepo) DueUnresolved(ctx context.Context, asOf time.Time) ([]domain.Deadline, error) {
	var rows []deadlineRow
	if err := r.tx.SelectContext(ctx, &rows, `
		SELECT `+deadlineColumns+` FROM deadlines
		WHERE resolved_at IS NULL AND due_at <= $1
		ORDER BY due_at
	`, asOf.UTC()); err != nil {
		return nil, fmt.Errorf("due unresolved deadlines: %w", err)
	}
	result := make([]domain.Deadline, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}
