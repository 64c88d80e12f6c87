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

type paymentRow struct {
	ID              string    `db:"id"`
	TenantID        string    `db:"tenant_id"`
	ClientID        string    `db:"client_id"`
	Kind            string    `db:"kind"`
	Bureau          string    `db:"bureau"`
	Round           int       `db:"round"`
	AmountMinor     int64     `db:"amount_minor"`
	Status          string    `db:"status"`
	ProviderRef     string    `db:"provider_ref"`
	ProviderEventID string    `db:"provider_event_id"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
	Version         int       `db:"version"`
}

func (r paymentRow) toDomain() domain.Payment {
	return domain.Payment{
		ID:              r.ID,
		TenantID:        r.TenantID,
		ClientID:        r.ClientID,
		Kind:            domain.PaymentKind(r.Kind),
		Bureau:          domain.Bureau(r.Bureau),
		Round:           r.Round,
		AmountMinor:     r.AmountMinor,
		Status:          domain.PaymentStatus(r.Status),
		ProviderRef:     r.ProviderRef,
		ProviderEventID: r.ProviderEventID,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		Version:         r.Version,
	}
}

type paymentRepo struct{ tx *sqlx.Tx }

const paymentColumns = `id, tenant_id, client_id, kind, bureau, round, amount_minor, status, provider_ref, provider_event_id, created_at, updated_at, version`

func (r paymentRepo) Get(ctx context.Context, id string) (domain.Payment, error) {
	var row paymentRow
	if err := r.tx.GetContext(ctx, &row, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id); err != nil {
		return domain.Payment{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (r paymentRepo) Put(ctx context.Context, p domain.Payment) (domain.Payment, error) {
	now := time.Now().UTC()

	if p.Version == 0 {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.CreatedAt, p.UpdatedAt, p.Version = now, now, 1
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO payments (`+paymentColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, p.ID, p.TenantID, p.ClientID, string(p.Kind), string(p.Bureau), p.Round, p.AmountMinor, string(p.Status),
			toNullString(p.ProviderRef), toNullString(p.ProviderEventID), p.CreatedAt, p.UpdatedAt, p.Version); err != nil {
			return domain.Payment{}, fmt.Errorf("insert payment: %w", err)
		}
		return p, nil
	}

	p.UpdatedAt = now
	result, err := r.tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, provider_ref = $3, provider_event_id = $4, updated_at = $5, version = version + 1
		WHERE id = $1 AND version = $6
	`, p.ID, string(p.Status), toNullString(p.ProviderRef), toNullString(p.ProviderEventID), p.UpdatedAt, p.Version)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("update payment: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.Payment{}, storage.ErrConflict
	}
	p.Version++
	return p, nil
}

func (r paymentRepo) ByProviderEventID(ctx context.Context, providerEventID string) (domain.Payment, error) {
	var row paymentRow
	if err := r.tx.GetContext(ctx, &row, `
		SELECT `+paymentColumns+` FROM payments WHERE provider_event_id = $1
	`, providerEventID); err != nil {
		return domain.Payment{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (r paymentRepo) ByProviderRef(ctx context.Context, providerRef string) (domain.Payment, error) {
	var row paymentRow
	if err := r.tx.GetContext(ctx, &row, `
		SELECT `+paymentColumns+` FROM payments WHERE provider_ref = $1
	`, providerRef); err != nil {
		return domain.Payment{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (r paymentRepo) ByClientBureauRound(ctx context.Context, clientID string, bureau domain.Bureau, round int, kind domain.PaymentKind) (domain.Payment, error) {
	var row paymentRow
	if err := r.tx.GetContext(ctx, &row, `
		SELECT `+paymentColumns+` FROM payments
		WHERE client_id = $1 AND bureau = $2 AND round = $3 AND kind = $4
		ORDER BY created_at DESC LIMIT 1
	`, clientID, string(bureau), round, string(kind)); err != nil {
		return domain.Payment{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}
