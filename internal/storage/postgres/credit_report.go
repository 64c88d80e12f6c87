package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/disputeflow/core/internal/domain"
)

type creditReportRow struct {
	ID            string    `db:"id"`
	TenantID      string    `db:"tenant_id"`
	ClientID      string    `db:"client_id"`
	Provider      string    `db:"provider"`
	PulledAt      time.Time `db:"pulled_at"`
	Scores        []byte    `db:"scores"`
	Accounts      []byte    `db:"accounts"`
	Inquiries     []byte    `db:"inquiries"`
	PublicRecords []byte    `db:"public_records"`
	CreatedAt     time.Time `db:"created_at"`
	Version       int       `db:"version"`
}

func (r creditReportRow) toDomain() (domain.CreditReport, error) {
	cr := domain.CreditReport{
		ID:        r.ID,
		TenantID:  r.TenantID,
		ClientID:  r.ClientID,
		Provider:  r.Provider,
		PulledAt:  r.PulledAt.UTC(),
		CreatedAt: r.CreatedAt.UTC(),
		Version:   r.Version,
	}
	if err := unmarshalJSON(r.Scores, &cr.Scores); err != nil {
		return domain.CreditReport{}, err
	}
	if err := unmarshalJSON(r.Accounts, &cr.Accounts); err != nil {
		return domain.CreditReport{}, err
	}
	if err := unmarshalJSON(r.Inquiries, &cr.Inquiries); err != nil {
		return domain.CreditReport{}, err
	}
	if err := unmarshalJSON(r.PublicRecords, &cr.PublicRecords); err != nil {
		return domain.CreditReport{}, err
	}
	return cr, nil
}

type creditReportRepo struct{ tx *sqlx.Tx }

func (r creditReportRepo) Create(ctx context.Context, cr domain.CreditReport) (domain.CreditReport, error) {
	if cr.ID == "" {
		cr.ID = uuid.NewString()
	}
	cr.CreatedAt = time.Now().UTC()
	cr.Version = 1

	scores, err := marshalJSON(cr.Scores)
	if err != nil {
		return domain.CreditReport{}, err
	}
	accounts, err := marshalJSON(cr.Accounts)
	if err != nil {
		return domain.CreditReport{}, err
	}
	inquiries, err := marshalJSON(cr.Inquiries)
	if err != nil {
		return domain.CreditReport{}, err
	}
	publicRecords, err := marshalJSON(cr.PublicRecords)
	if err != nil {
		return domain.CreditReport{}, err
	}

	if _, err := r.tx.ExecContext(ctx, `
		INSERT INTO credit_reports (id, tenant_id, client_id, provider, pulled_at, scores, accounts, inquiries, public_records, created_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, cr.ID, cr.TenantID, cr.ClientID, cr.Provider, cr.PulledAt, scores, accounts, inquiries, publicRecords, cr.CreatedAt, cr.Version); err != nil {
		return domain.CreditReport{}, fmt.Errorf("insert credit report: %w", err)
	}
	return cr, nil
}

func (r creditReportRepo) Get(ctx context.Context, id string) (domain.CreditReport, error) {
	var row creditReportRow
	if err := r.tx.GetContext(ctx, &row, `
		SELECT id, tenant_id, client_id, provider, pulled_at, scores, accounts, inquiries, public_records, created_at, version
		FROM credit_reports WHERE id = $1
	`, id); err != nil {
		return domain.CreditReport{}, wrapNotFound(err)
	}
	return row.toDomain()
}

func (r creditReportRepo) Latest(ctx context.Context, clientID string) (domain.CreditReport, error) {
	var row creditReportRow
	if err := r.tx.GetContext(ctx, &row, `
		SELECT id, tenant_id, client_id, provider, pulled_at, scores, accounts, inquiries, public_records, created_at, version
		FROM credit_reports WHERE client_id = $1
		ORDER BY pulled_at DESC LIMIT 1
	`, clientID); err != nil {
		return domain.CreditReport{}, wrapNotFound(err)
	}
	return row.toDomain()
}
