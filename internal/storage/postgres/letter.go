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

type letterRow struct {
	ID             string         `db:"id"`
	TenantID       string         `db:"tenant_id"`
	ClientID       string         `db:"client_id"`
	DisputeItemID  string         `db:"dispute_item_id"`
	Round          int            `db:"round"`
	Kind           string         `db:"kind"`
	Recipient      []byte         `db:"recipient"`
	Status         string         `db:"status"`
	TrackingNumber string         `db:"tracking_number"`
	BatchID        sql.NullString `db:"batch_id"`
	SHA256         string         `db:"sha256"`
	DeliveredAt    sql.NullTime   `db:"delivered_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	Version        int            `db:"version"`
}

func (r letterRow) toDomain() (domain.Letter, error) {
	l := domain.Letter{
		ID:             r.ID,
		TenantID:       r.TenantID,
		ClientID:       r.ClientID,
		DisputeItemID:  r.DisputeItemID,
		Round:          r.Round,
		Kind:           domain.LetterKind(r.Kind),
		Status:         domain.LetterStatus(r.Status),
		TrackingNumber: r.TrackingNumber,
		BatchID:        fromNullString(r.BatchID),
		SHA256:         r.SHA256,
		DeliveredAt:    fromNullTime(r.DeliveredAt),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		Version:        r.Version,
	}
	if err := unmarshalJSON(r.Recipient, &l.Recipient); err != nil {
		return domain.Letter{}, err
	}
	return l, nil
}

type letterRepo struct{ tx *sqlx.Tx }

const letterColumns = `id, tenant_id, client_id, dispute_item_id, round, kind, recipient, status, tracking_number, batch_id, sha256, delivered_at, created_at, updated_at, version`

func (r letterRepo) Get(ctx context.Context, id string) (domain.Letter, error) {
	var row letterRow
	if err := r.tx.GetContext(ctx, &row, `SELECT `+letterColumns+` FROM letters WHERE id = $1`, id); err != nil {
		return domain.Letter{}, wrapNotFound(err)
	}
	return row.toDomain()
}

func (r letterRepo) Put(ctx context.Context, l domain.Letter) (domain.Letter, error) {
	recipient, err := marshalJSON(l.Recipient)
	if err != nil {
		return domain.Letter{}, err
	}
	now := time.Now().UTC()

	if l.Version == 0 {
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		l.CreatedAt, l.UpdatedAt, l.Version = now, now, 1
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO letters (`+letterColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, l.ID, l.TenantID, l.ClientID, l.DisputeItemID, l.Round, string(l.Kind), recipient,
			string(l.Status), l.TrackingNumber, toNullString(l.BatchID), l.SHA256,
			toNullTime(l.DeliveredAt), l.CreatedAt, l.UpdatedAt, l.Version); err != nil {
			return domain.Letter{}, fmt.Errorf("insert letter: %w", err)
		}
		return l, nil
	}

	l.UpdatedAt = now
	result, err := r.tx.ExecContext(ctx, `
		UPDATE letters
		SET status = $2, tracking_number = $3, batch_id = $4, sha256 = $5, delivered_at = $6, updated_at = $7, version = version + 1
		WHERE id = $1 AND version = $8
	`, l.ID, string(l.Status), l.TrackingNumber, toNullString(l.BatchID), l.SHA256, toNullTime(l.DeliveredAt), l.UpdatedAt, l.Version)
	if err != nil {
		return domain.Letter{}, fmt.Errorf("update letter: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.Letter{}, storage.ErrConflict
	}
	l.Version++
	return l, nil
}

func (r letterRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.Letter, error) {
	var rows []letterRow
	if err := r.tx.SelectContext(ctx, &rows, `SELECT `+letterColumns+` FROM letters WHERE batch_id = $1 ORDER BY created_at`, batchID); err != nil {
		return nil, fmt.Errorf("list letters by batch: %w", err)
	}
	return toLetters(rows)
}

func (r letterRepo) ListByRound(ctx context.Context, clientID string, round int) ([]domain.Letter, error) {
	var rows []letterRow
	if err := r.tx.SelectContext(ctx, &rows, `
		SELECT `+letterColumns+` FROM letters WHERE client_id = $1 AND round = $2 ORDER BY created_at
	`, clientID, round); err != nil {
		return nil, fmt.Errorf("list letters by round: %w", err)
	}
	return toLetters(rows)
}

// ListApproved returns every unbatched, approved Letter for a tenant: the
// candidate pool the Batch Letter Pipeline drafts new batches from.
func (r letterRepo) ListApproved(ctx context.Context, tenantID string) ([]domain.Letter, error) {
	var rows []letterRow
	if err := r.tx.SelectContext(ctx, &rows, `
		SELECT `+letterColumns+` FROM letters
		WHERE tenant_id = $1 AND status = $2 AND (batch_id IS NULL OR batch_id = '')
		ORDER BY created_at
	`, tenantID, string(domain.LetterApproved)); err != nil {
		return nil, fmt.Errorf("list approved letters: %w", err)
	}
	return toLetters(rows)
}

// GetByTracking finds the Letter a tracking-manifest row refers to.
func (r letterRepo) GetByTracking(ctx context.Context, trackingNumber string) (domain.Letter, error) {
	var row letterRow
	if err := r.tx.GetContext(ctx, &row, `SELECT `+letterColumns+` FROM letters WHERE tracking_number = $1`, trackingNumber); err != nil {
		return domain.Letter{}, wrapNotFound(err)
	}
	return row.toDomain()
}

func toLetters(rows []letterRow) ([]domain.Letter, error) {
	result := make([]domain.Letter, 0, len(rows))
	for _, row := range rows {
		l, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, nil
}
