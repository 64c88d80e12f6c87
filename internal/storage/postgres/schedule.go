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

type scheduleRow struct {
	ID              string       `db:"id"`
	TenantID        string       `db:"tenant_id"`
	Name            string       `db:"name"`
	CronExpression  string       `db:"cron_expression"`
	RunAt           sql.NullTime `db:"run_at"`
	TaskType        string       `db:"task_type"`
	PayloadTemplate string       `db:"payload_template"`
	Enabled         bool         `db:"enabled"`
	NextFireAt      sql.NullTime `db:"next_fire_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
	Version         int          `db:"version"`
}

func (r scheduleRow) toDomain() domain.Schedule {
	return domain.Schedule{
		ID:              r.ID,
		TenantID:        r.TenantID,
		Name:            r.Name,
		CronExpression:  r.CronExpression,
		RunAt:           fromNullTime(r.RunAt),
		TaskType:        domain.TaskType(r.TaskType),
		PayloadTemplate: r.PayloadTemplate,
		Enabled:         r.Enabled,
		NextFireAt:      fromNullTime(r.NextFireAt),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		Version:         r.Version,
	}
}

type scheduleRepo struct{ tx *sqlx.Tx }

const scheduleColumns = `id, tenant_id, name, cron_expression, run_at, task_type, payload_template, enabled, next_fire_at, created_at, updated_at, version`

func (r scheduleRepo) Get(ctx context.Context, id string) (domain.Schedule, error) {
	var row scheduleRow
	if err := r.tx.GetContext(ctx, &row, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id); err != nil {
		return domain.Schedule{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (r scheduleRepo) Put(ctx context.Context, s domain.Schedule) (domain.Schedule, error) {
	now := time.Now().UTC()

	if s.Version == 0 {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		s.CreatedAt, s.UpdatedAt, s.Version = now, now, 1
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO schedules (`+scheduleColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, s.ID, s.TenantID, s.Name, s.CronExpression, toNullTime(s.RunAt), string(s.TaskType),
			s.PayloadTemplate, s.Enabled, toNullTime(s.NextFireAt), s.CreatedAt, s.UpdatedAt, s.Version); err != nil {
			return domain.Schedule{}, fmt.Errorf("insert schedule: %w", err)
		}
		return s, nil
	}

	s.UpdatedAt = now
	result, err := r.tx.ExecContext(ctx, `
		UPDATE schedules
		SET name = $2, enabled = $3, next_fire_at = $4, updated_at = $5, version = version + 1
		WHERE id = $1 AND version = $6
	`, s.ID, s.Name, s.Enabled, toNullTime(s.NextFireAt), s.UpdatedAt, s.Version)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("update schedule: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.Schedule{}, storage.ErrConflict
	}
	s.Version++
	return s, nil
}

func (r scheduleRepo) DueForFiring(ctx context.Context, asOf time.Time) ([]domain.Schedule, error) {
	var rows []scheduleRow
	if err := r.tx.SelectContext(ctx, &rows, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled AND next_fire_at <= $1
		ORDER BY next_fire_at
	`, asOf.UTC()); err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	result := make([]domain.Schedule, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (r scheduleRepo) ListEnabled(ctx context.Context, tenantID string) ([]domain.Schedule, error) {
	var rows []scheduleRow
	if err := r.tx.SelectContext(ctx, &rows, `
		SELECT `+scheduleColumns+` FROM schedules WHERE tenant_id = $1 AND enabled ORDER BY name
	`, tenantID); err != nil {
		return nil, fmt.Errorf("list enabled schedules: %w", err)
	}
	result := make([]domain.Schedule, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}
