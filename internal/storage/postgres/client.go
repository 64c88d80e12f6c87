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

type clientRow struct {
	ID                       string         `db:"id"`
	TenantID                 string         `db:"tenant_id"`
	Stage                    string         `db:"stage"`
	EncryptedPII             []byte         `db:"encrypted_pii"`
	EncryptedBureauCreds     []byte         `db:"encrypted_bureau_creds"`
	CreditMonitoringProvider string         `db:"credit_monitoring_provider"`
	CardOnFileToken          string         `db:"card_on_file_token"`
	CurrentRound             int            `db:"current_round"`
	CROASignedAt             sql.NullTime   `db:"croa_signed_at"`
	CROACancellationEnd      sql.NullTime   `db:"croa_cancellation_end"`
	CROACleared              bool           `db:"croa_cleared"`
	CreatedAt                time.Time      `db:"created_at"`
	UpdatedAt                time.Time      `db:"updated_at"`
	Version                  int            `db:"version"`
}

func (r clientRow) toDomain() (domain.Client, error) {
	c := domain.Client{
		ID:                       r.ID,
		TenantID:                 r.TenantID,
		Stage:                    domain.ClientStage(r.Stage),
		EncryptedPII:             r.EncryptedPII,
		CreditMonitoringProvider: r.CreditMonitoringProvider,
		CardOnFileToken:          r.CardOnFileToken,
		CurrentRound:             r.CurrentRound,
		CROA: domain.CROAState{
			SignedAt:              fromNullTime(r.CROASignedAt),
			CancellationPeriodEnd: fromNullTime(r.CROACancellationEnd),
			Cleared:               r.CROACleared,
		},
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
		Version:   r.Version,
	}
	if err := unmarshalJSON(r.EncryptedBureauCreds, &c.EncryptedBureauCreds); err != nil {
		return domain.Client{}, err
	}
	return c, nil
}

type clientRepo struct{ tx *sqlx.Tx }

func (r clientRepo) Get(ctx context.Context, id string) (domain.Client, error) {
	var row clientRow
	if err := r.tx.GetContext(ctx, &row, `
		SELECT id, tenant_id, stage, encrypted_pii, encrypted_bureau_creds,
		       credit_monitoring_provider, card_on_file_token, current_round,
		       croa_signed_at, croa_cancellation_end, croa_cleared,
		       created_at, updated_at, version
		FROM clients WHERE id = $1
	`, id); err != nil {
		return domain.Client{}, wrapNotFound(err)
	}
	return row.toDomain()
}

func (r clientRepo) Put(ctx context.Context, c domain.Client) (domain.Client, error) {
	creds, err := marshalJSON(c.EncryptedBureauCreds)
	if err != nil {
		return domain.Client{}, err
	}
	now := time.Now().UTC()

	if c.Version == 0 {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.CreatedAt, c.UpdatedAt, c.Version = now, now, 1
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO clients (id, tenant_id, stage, encrypted_pii, encrypted_bureau_creds,
				credit_monitoring_provider, card_on_file_token, current_round,
				croa_signed_at, croa_cancellation_end, croa_cleared,
				created_at, updated_at, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, c.ID, c.TenantID, string(c.Stage), c.EncryptedPII, creds,
			c.CreditMonitoringProvider, c.CardOnFileToken, c.CurrentRound,
			toNullTime(c.CROA.SignedAt), toNullTime(c.CROA.CancellationPeriodEnd), c.CROA.Cleared,
			c.CreatedAt, c.UpdatedAt, c.Version); err != nil {
			return domain.Client{}, fmt.Errorf("insert client: %w", err)
		}
		return c, nil
	}

	c.UpdatedAt = now
	result, err := r.tx.ExecContext(ctx, `
		UPDATE clients
		SET stage = $2, encrypted_pii = $3, encrypted_bureau_creds = $4,
		    credit_monitoring_provider = $5, card_on_file_token = $6, current_round = $7,
		    croa_signed_at = $8, croa_cancellation_end = $9, croa_cleared = $10,
		    updated_at = $11, version = version + 1
		WHERE id = $1 AND version = $12
	`, c.ID, string(c.Stage), c.EncryptedPII, creds,
		c.CreditMonitoringProvider, c.CardOnFileToken, c.CurrentRound,
		toNullTime(c.CROA.SignedAt), toNullTime(c.CROA.CancellationPeriodEnd), c.CROA.Cleared,
		c.UpdatedAt, c.Version)
	if err != nil {
		return domain.Client{}, fmt.Errorf("update client: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.Client{}, storage.ErrConflict
	}
	c.Version++
	return c, nil
}

func (r clientRepo) ListByTenant(ctx context.Context, tenantID string) ([]domain.Client, error) {
	var rows []clientRow
	if err := r.tx.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, stage, encrypted_pii, encrypted_bureau_creds,
		       credit_monitoring_provider, card_on_file_token, current_round,
		       croa_signed_at, croa_cancellation_end, croa_cleared,
		       created_at, updated_at, version
		FROM clients WHERE tenant_id = $1 ORDER BY created_at
	`, tenantID); err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}

	result := make([]domain.Client, 0, len(rows))
	for _, row := range rows {
		c, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}
