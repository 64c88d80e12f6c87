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

type letterBatchRow struct {
	ID              string    `db:"id"`
	TenantID        string    `db:"tenant_id"`
	Status          string    `db:"status"`
	LetterIDs       []byte    `db:"letter_ids"`
	ManifestHash    string    `db:"manifest_hash"`
	CostMinor       int64     `db:"cost_minor"`
	RemoteFilenames []byte    `db:"remote_filenames"`
	TrackingCursor  string    `db:"tracking_cursor"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
	Version         int       `db:"version"`
}

func (r letterBatchRow) toDomain() (domain.LetterBatch, error) {
	b := domain.LetterBatch{
		ID:             r.ID,
		TenantID:       r.TenantID,
		Status:         domain.LetterBatchStatus(r.Status),
		ManifestHash:   r.ManifestHash,
		CostMinor:      r.CostMinor,
		TrackingCursor: r.TrackingCursor,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		Version:        r.Version,
	}
	if err := unmarshalJSON(r.LetterIDs, &b.LetterIDs); err != nil {
		return domain.LetterBatch{}, err
	}
	if err := unmarshalJSON(r.RemoteFilenames, &b.RemoteFilenames); err != nil {
		return domain.LetterBatch{}, err
	}
	return b, nil
}

type letterBatchRepo struct{ tx *sqlx.Tx }

const letterBatchColumns = `id, tenant_id, status, letter_ids, manifest_hash, cost_minor, remote_filenames, tracking_cursor, created_at, updated_at, version`

func (r letterBatchRepo) Get(ctx context.Context, id string) (domain.LetterBatch, error) {
	var row letterBatchRow
	if err := r.tx.GetContext(ctx, &row, `SELECT `+letterBatchColumns+` FROM letter_batches WHERE id = $1`, id); err != nil {
		return domain.LetterBatch{}, wrapNotFound(err)
	}
	return row.toDomain()
}

func (r letterBatchRepo) Put(ctx context.Context, b domain.LetterBatch) (domain.LetterBatch, error) {
	letterIDs, err := marshalJSON(b.LetterIDs)
	if err != nil {
		return domain.LetterBatch{}, err
	}
	remoteFilenames, err := marshalJSON(b.RemoteFilenames)
	if err != nil {
		return domain.LetterBatch{}, err
	}
	now := time.Now().UTC()

	if b.Version == 0 {
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		b.CreatedAt, b.UpdatedAt, b.Version = now, now, 1
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO letter_batches (`+letterBatchColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, b.ID, b.TenantID, string(b.Status), letterIDs, b.ManifestHash, b.CostMinor,
			remoteFilenames, b.TrackingCursor, b.CreatedAt, b.UpdatedAt, b.Version); err != nil {
			return domain.LetterBatch{}, fmt.Errorf("insert letter batch: %w", err)
		}
		return b, nil
	}

	b.UpdatedAt = now
	result, err := r.tx.ExecContext(ctx, `
		UPDATE letter_batches
		SET status = $2, letter_ids = $3, manifest_hash = $4, cost_minor = $5,
		    remote_filenames = $6, tracking_cursor = $7, updated_at = $8, version = version + 1
		WHERE id = $1 AND version = $9
	`, b.ID, string(b.Status), letterIDs, b.ManifestHash, b.CostMinor, remoteFilenames, b.TrackingCursor, b.UpdatedAt, b.Version)
	if err != nil {
		return domain.LetterBatch{}, fmt.Errorf("update letter batch: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.LetterBatch{}, storage.ErrConflict
	}
	b.Version++
	return b, nil
}

func (r letterBatchRepo) ActiveForTenant(ctx context.Context, tenantID string) (domain.LetterBatch, error) {
	var row letterBatchRow
	if err := r.tx.GetContext(ctx, &row, `
		SELECT `+letterBatchColumns+` FROM letter_batches
		WHERE tenant_id = $1 AND status IN ('draft', 'uploaded')
		LIMIT 1
	`, tenantID); err != nil {
		return domain.LetterBatch{}, wrapNotFound(err)
	}
	return row.toDomain()
}
