package domain

import (
	"encoding/json"
	"time"
)

// AggregateType names which entity family a DomainEvent's AggregateID
// belongs to.
type AggregateType string

const (
	AggregateClient      AggregateType = "client"
	AggregateDisputeItem AggregateType = "dispute_item"
	AggregateLetter      AggregateType = "letter"
	AggregateLetterBatch AggregateType = "letter_batch"
	AggregateDeadline    AggregateType = "deadline"
	AggregateTask        AggregateType = "task"
	AggregatePayment     AggregateType = "payment"
)

// DomainEvent is one append-only log entry. Sequence is dense within an
// aggregate; consumers resume delivery by (AggregateID, Sequence) cursor.
type DomainEvent struct {
	ID            string
	TenantID      string
	AggregateType AggregateType
	AggregateID   string
	Type          string
	Payload       json.RawMessage
	CommitTS      time.Time
	Sequence      int64
}

// Envelope is the wire shape published to downstream analytics consumers,
// per the external domain event envelope contract.
type Envelope struct {
	ID            string          `json:"id"`
	Tenant        string          `json:"tenant"`
	AggregateType AggregateType   `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Type          string          `json:"type"`
	Sequence      int64           `json:"sequence"`
	CommitTS      time.Time       `json:"commit_ts"`
	Payload       json.RawMessage `json:"payload"`
}

// ToEnvelope converts a committed DomainEvent into its published wire shape.
func (e DomainEvent) ToEnvelope() Envelope {
	return Envelope{
		ID:            e.ID,
		Tenant:        e.TenantID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Type:          e.Type,
		Sequence:      e.Sequence,
		CommitTS:      e.CommitTS,
		Payload:       e.Payload,
	}
}
