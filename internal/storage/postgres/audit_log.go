package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/disputeflow/core/internal/domain"
)

type auditLogRow struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	Actor      string    `db:"actor"`
	Action     string    `db:"action"`
	Resource   string    `db:"resource"`
	ResourceID string    `db:"resource_id"`
	BeforeHash string    `db:"before_hash"`
	AfterHash  string    `db:"after_hash"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r auditLogRow) toDomain() domain.AuditLog {
	return domain.AuditLog{
		ID:         r.ID,
		TenantID:   r.TenantID,
		Actor:      r.Actor,
		Action:     r.Action,
		Resource:   r.Resource,
		ResourceID: r.ResourceID,
		BeforeHash: r.BeforeHash,
		AfterHash:  r.AfterHash,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

type auditLogRepo struct{ tx *sqlx.Tx }

const auditLogColumns = `id, tenant_id, actor, action, resource, resource_id, before_hash, after_hash, created_at`

func (r auditLogRepo) Append(ctx context.Context, a domain.AuditLog) (domain.AuditLog, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if _, err := r.tx.ExecContext(ctx, `
		INSERT INTO audit_logs (`+auditLogColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, a.ID, a.TenantID, a.Actor, a.Action, a.Resource, a.ResourceID, a.BeforeHash, a.AfterHash, a.CreatedAt); err != nil {
		return domain.AuditLog{}, fmt.Errorf("append audit log: %w", err)
	}
	return a, nil
}

func (r auditLogRepo) ListByResource(ctx context.Context, resource, resourceID string) ([]domain.AuditLog, error) {
	var rows []auditLogRow
	if err := r.tx.SelectContext(ctx, &rows, `
		SELECT `+auditLogColumns+` FROM audit_logs
		WHERE resource = $1 AND resource_id = $2
		ORDER BY created_at
	`, resource, resourceID); err != nil {
		return nil, fmt.Errorf("list audit logs by resource: %w", err)
	}
	result := make([]domain.AuditLog, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}
