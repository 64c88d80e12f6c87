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

type tenantRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Branding  []byte    `db:"branding"`
	Quota     []byte    `db:"quota"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	Version   int       `db:"version"`
}

func (r tenantRow) toDomain() (domain.Tenant, error) {
	t := domain.Tenant{
		ID:        r.ID,
		Name:      r.Name,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
		Version:   r.Version,
	}
	if err := unmarshalJSON(r.Branding, &t.Branding); err != nil {
		return domain.Tenant{}, err
	}
	if err := unmarshalJSON(r.Quota, &t.Quota); err != nil {
		return domain.Tenant{}, err
	}
	return t, nil
}

type tenantRepo struct{ tx *sqlx.Tx }

func (r tenantRepo) Get(ctx context.Context, id string) (domain.Tenant, error) {
	var row tenantRow
	if err := r.tx.GetContext(ctx, &row, `
		SELECT id, name, branding, quota, created_at, updated_at, version
		FROM tenants WHERE id = $1
	`, id); err != nil {
		return domain.Tenant{}, wrapNotFound(err)
	}
	return row.toDomain()
}

func (r tenantRepo) Put(ctx context.Context, t domain.Tenant) (domain.Tenant, error) {
	branding, err := marshalJSON(t.Branding)
	if err != nil {
		return domain.Tenant{}, err
	}
	quota, err := marshalJSON(t.Quota)
	if err != nil {
		return domain.Tenant{}, err
	}
	now := time.Now().UTC()

	if t.Version == 0 {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.CreatedAt, t.UpdatedAt, t.Version = now, now, 1
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO tenants (id, name, branding, quota, created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, t.ID, t.Name, branding, quota, t.CreatedAt, t.UpdatedAt, t.Version); err != nil {
			return domain.Tenant{}, fmt.Errorf("insert tenant: %w", err)
		}
		return t, nil
	}

	t.UpdatedAt = now
	result, err := r.tx.ExecContext(ctx, `
		UPDATE tenants
		SET name = $2, branding = $3, quota = $4, updated_at = $5, version = version + 1
		WHERE id = $1 AND version = $6
	`, t.ID, t.Name, branding, quota, t.UpdatedAt, t.Version)
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("update tenant: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.Tenant{}, storage.ErrConflict
	}
	t.Version++
	return t, nil
}
