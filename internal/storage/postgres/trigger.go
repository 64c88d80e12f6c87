package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type triggerRow struct {
	ID                  string    `db:"id"`
	TenantID            string    `db:"tenant_id"`
	EventType           string    `db:"event_type"`
	ConditionExpression string    `db:"condition_expression"`
	Action              string    `db:"action"`
	ActionTemplate      string    `db:"action_template"`
	Priority            int       `db:"priority"`
	Enabled             bool      `db:"enabled"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
	Version             int       `db:"version"`
}

func (r triggerRow) toDomain() domain.WorkflowTrigger {
	return domain.WorkflowTrigger{
		ID:                  r.ID,
		TenantID:            r.TenantID,
		EventType:           r.EventType,
		ConditionExpression: r.ConditionExpression,
		Action:              domain.TriggerAction(r.Action),
		ActionTemplate:      r.ActionTemplate,
		Priority:            r.Priority,
		Enabled:             r.Enabled,
		CreatedAt:           r.CreatedAt.UTC(),
		UpdatedAt:           r.UpdatedAt.UTC(),
		Version:             r.Version,
	}
}

type triggerRepo struct{ tx *sqlx.Tx }

const triggerColumns = `id, tenant_id, event_type, condition_expression, action, action_template, priority, enabled, created_at, updated_at, version`

func (r triggerRepo) Get(ctx context.Context, id string) (domain.WorkflowTrigger, error) {
	var row triggerRow
	if err := r.tx.GetContext(ctx, &row, `SELECT `+triggerColumns+` FROM workflow_triggers WHERE id = $1`, id); err != nil {
		return domain.WorkflowTrigger{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (r triggerRepo) Put(ctx context.Context, t domain.WorkflowTrigger) (domain.WorkflowTrigger, error) {
	now := time.Now().UTC()

	if t.Version == 0 {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.CreatedAt, t.UpdatedAt, t.Version = now, now, 1
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO workflow_triggers (`+triggerColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, t.ID, t.TenantID, t.EventType, t.ConditionExpression, string(t.Action),
			t.ActionTemplate, t.Priority, t.Enabled, t.CreatedAt, t.UpdatedAt, t.Version); err != nil {
			return domain.WorkflowTrigger{}, fmt.Errorf("insert trigger: %w", err)
		}
		return t, nil
	}

	t.UpdatedAt = now
	result, err := r.tx.ExecContext(ctx, `
		UPDATE workflow_triggers
		SET condition_expression = $2, action = $3, action_template = $4, priority = $5,
		    enabled = $6, updated_at = $7, version = version + 1
		WHERE id = $1 AND version = $8
	`, t.ID, t.ConditionExpression, string(t.Action), t.ActionTemplate, t.Priority, t.Enabled, t.UpdatedAt, t.Version)
	if err != nil {
		return domain.WorkflowTrigger{}, fmt.Errorf("update trigger: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.WorkflowTrigger{}, storage.ErrConflict
	}
	t.Version++
	return t, nil
}

func (r triggerRepo) EnabledForEvent(ctx context.Context, tenantID, eventType string) ([]domain.WorkflowTrigger, error) {
	var rows []triggerRow
	if err := r.tx.SelectContext(ctx, &rows, `
		SELECT `+triggerColumns+` FROM workflow_triggers
		WHERE tenant_id = $1 AND event_type = $2 AND enabled
		ORDER BY priority DESC
	`, tenantID, eventType); err != nil {
		return nil, fmt.Errorf("enabled triggers for event: %w", err)
	}
	result := make([]domain.WorkflowTrigger, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}
