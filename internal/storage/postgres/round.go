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

type roundRow struct {
	ID              string    `db:"id"`
	TenantID        string    `db:"tenant_id"`
	ClientID        string    `db:"client_id"`
	Bureau          string    `db:"bureau"`
	Number          int       `db:"number"`
	State           string    `db:"state"`
	PaymentAttempts int       `db:"payment_attempts"`
	CROAHoldFired   bool      `db:"croa_hold_fired"`
	PaymentCaptured bool      `db:"payment_captured"`
	OverrideLocked  bool      `db:"override_locked"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
	Version         int       `db:"version"`
}

const roundColumns = "id, tenant_id, client_id, bureau, number, state, payment_attempts, croa_hold_fired, payment_captured, override_locked, created_at, updated_at, version"

func (r roundRow) toDomain() domain.Round {
	return domain.Round{
		ID:              r.ID,
		TenantID:        r.TenantID,
		ClientID:        r.ClientID,
		Bureau:          domain.Bureau(r.Bureau),
		Number:          r.Number,
		State:           domain.RoundState(r.State),
		PaymentAttempts: r.PaymentAttempts,
		CROAHoldFired:   r.CROAHoldFired,
		PaymentCaptured: r.PaymentCaptured,
		OverrideLocked:  r.OverrideLocked,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		Version:         r.Version,
	}
}

type roundRepo struct{ tx *sqlx.Tx }

func (r roundRepo) Get(ctx context.Context, id string) (domain.Round, error) {
	var row roundRow
	if err := r.tx.GetContext(ctx, &row, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id); err != nil {
		return domain.Round{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (r roundRepo) Put(ctx context.Context, round domain.Round) (domain.Round, error) {
	now := time.Now().UTC()

	if round.Version == 0 {
		if round.ID == "" {
			round.ID = uuid.NewString()
		}
		round.CreatedAt, round.UpdatedAt, round.Version = now, now, 1
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO rounds (id, tenant_id, client_id, bureau, number, state, payment_attempts, croa_hold_fired, payment_captured, override_locked, created_at, updated_at, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, round.ID, round.TenantID, round.ClientID, string(round.Bureau), round.Number, string(round.State), round.PaymentAttempts, round.CROAHoldFired, round.PaymentCaptured, round.OverrideLocked, round.CreatedAt, round.UpdatedAt, round.Version); err != nil {
			return domain.Round{}, fmt.Errorf("insert round: %w", err)
		}
		return round, nil
	}

	round.UpdatedAt = now
	result, err := r.tx.ExecContext(ctx, `
		UPDATE rounds
		SET state = $2, payment_attempts = $3, croa_hold_fired = $4, payment_captured = $5, override_locked = $6, updated_at = $7, version = version + 1
		WHERE id = $1 AND version = $8
	`, round.ID, string(round.State), round.PaymentAttempts, round.CROAHoldFired, round.PaymentCaptured, round.OverrideLocked, round.UpdatedAt, round.Version)
	if err != nil {
		return domain.Round{}, fmt.Errorf("update round: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.Round{}, storage.ErrConflict
	}
	round.Version++
	return round, nil
}

func (r roundRepo) ByClientBureauRound(ctx context.Context, clientID string, bureau domain.Bureau, number int) (domain.Round, error) {
	var row roundRow
	if err := r.tx.GetContext(ctx, &row, `
		SELECT `+roundColumns+` FROM rounds WHERE client_id = $1 AND bureau = $2 AND number = $3
	`, clientID, string(bureau), number); err != nil {
		return domain.Round{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}
