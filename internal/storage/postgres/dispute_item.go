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

type disputeItemRow struct {
	ID              string    `db:"id"`
	TenantID        string    `db:"tenant_id"`
	ClientID        string    `db:"client_id"`
	AccountNumber   string    `db:"account_number"`
	Bureau          string    `db:"bureau"`
	Round           int       `db:"round"`
	Status          string    `db:"status"`
	EscalationStage string    `db:"escalation_stage"`
	EstimatedImpact []byte    `db:"estimated_impact"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
	Version         int       `db:"version"`
}

func (r disputeItemRow) toDomain() (domain.DisputeItem, error) {
	d := domain.DisputeItem{
		ID:              r.ID,
		TenantID:        r.TenantID,
		ClientID:        r.ClientID,
		AccountNumber:   r.AccountNumber,
		Bureau:          domain.Bureau(r.Bureau),
		Round:           r.Round,
		Status:          domain.DisputeItemStatus(r.Status),
		EscalationStage: domain.EscalationStage(r.EscalationStage),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		Version:         r.Version,
	}
	if err := unmarshalJSON(r.EstimatedImpact, &d.EstimatedImpact); err != nil {
		return domain.DisputeItem{}, err
	}
	return d, nil
}

type disputeItemRepo struct{ tx *sqlx.Tx }

func (r disputeItemRepo) Get(ctx context.Context, id string) (domain.DisputeItem, error) {
	var row disputeItemRow
	if err := r.tx.GetContext(ctx, &row, `
		SELECT id, tenant_id, client_id, account_number, bureau, round, status, escalation_stage, estimated_impact, created_at, updated_at, version
		FROM dispute_items WHERE id = $1
	`, id); err != nil {
		return domain.DisputeItem{}, wrapNotFound(err)
	}
	return row.toDomain()
}

func (r disputeItemRepo) Put(ctx context.Context, d domain.DisputeItem) (domain.DisputeItem, error) {
	impact, err := marshalJSON(d.EstimatedImpact)
	if err != nil {
		return domain.DisputeItem{}, err
	}
	now := time.Now().UTC()

	if d.Version == 0 {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		d.CreatedAt, d.UpdatedAt, d.Version = now, now, 1
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO dispute_items (id, tenant_id, client_id, account_number, bureau, round, status, escalation_stage, estimated_impact, created_at, updated_at, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, d.ID, d.TenantID, d.ClientID, d.AccountNumber, string(d.Bureau), d.Round, string(d.Status), string(d.EscalationStage), impact, d.CreatedAt, d.UpdatedAt, d.Version); err != nil {
			return domain.DisputeItem{}, fmt.Errorf("insert dispute item: %w", err)
		}
		return d, nil
	}

	d.UpdatedAt = now
	result, err := r.tx.ExecContext(ctx, `
		UPDATE dispute_items
		SET round = $2, status = $3, escalation_stage = $4, estimated_impact = $5, updated_at = $6, version = version + 1
		WHERE id = $1 AND version = $7
	`, d.ID, d.Round, string(d.Status), string(d.EscalationStage), impact, d.UpdatedAt, d.Version)
	if err != nil {
		return domain.DisputeItem{}, fmt.Errorf("update dispute item: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.DisputeItem{}, storage.ErrConflict
	}
	d.Version++
	return d, nil
}

func (r disputeItemRepo) ListByClient(ctx context.Context, clientID string) ([]domain.DisputeItem, error) {
	var rows []disputeItemRow
	if err := r.tx.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, client_id, account_number, bureau, round, status, escalation_stage, estimated_impact, created_at, updated_at, version
		FROM dispute_items WHERE client_id = $1 ORDER BY created_at
	`, clientID); err != nil {
		return nil, fmt.Errorf("list dispute items: %w", err)
	}
	result := make([]domain.DisputeItem, 0, len(rows))
	for _, row := range rows {
		d, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, nil
}
