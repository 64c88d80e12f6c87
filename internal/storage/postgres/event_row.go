package postgres

import (
	"encoding/json"
	"time"

	"github.com/disputeflow/core/internal/domain"
)

type domainEventRow struct {
	ID            string          `db:"id"`
	TenantID      string          `db:"tenant_id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	Sequence      int64           `db:"sequence"`
	Type          string          `db:"type"`
	Payload       json.RawMessage `db:"payload"`
	CommitTS      time.Time       `db:"commit_ts"`
}

func (r domainEventRow) toDomain() (domain.DomainEvent, error) {
	return domain.DomainEvent{
		ID:            r.ID,
		TenantID:      r.TenantID,
		AggregateType: domain.AggregateType(r.AggregateType),
		AggregateID:   r.AggregateID,
		Type:          r.Type,
		Payload:       r.Payload,
		CommitTS:      r.CommitTS.UTC(),
		Sequence:      r.Sequence,
	}, nil
}
