package domain

import "time"

// DisputeItemStatus is the per-(client,account,bureau) dispute status.
type DisputeItemStatus string

const (
	DisputeItemPending     DisputeItemStatus = "pending"
	DisputeItemDisputed    DisputeItemStatus = "disputed"
	DisputeItemVerified    DisputeItemStatus = "verified"
	DisputeItemDeleted     DisputeItemStatus = "deleted"
	DisputeItemReinserted  DisputeItemStatus = "reinserted"
	DisputeItemResolved    DisputeItemStatus = "resolved"
)

// EscalationStage walks the statutory escalation ladder §611 -> §623 ->
// §621 -> §616/617.
type EscalationStage string

const (
	EscalationFCRA611 EscalationStage = "fcra_611"
	EscalationFCRA623 EscalationStage = "fcra_623"
	EscalationFCRA621 EscalationStage = "fcra_621"
	EscalationFCRA616617 EscalationStage = "fcra_616_617"
)

// DisputeItem is one row per {client, account, bureau}, the unit the
// Dispute Round State Machine tracks escalation and round progress for.
type DisputeItem struct {
	ID               string
	TenantID         string
	ClientID         string
	AccountNumber    string
	Bureau           Bureau
	Round            int
	Status           DisputeItemStatus
	EscalationStage  EscalationStage
	EstimatedImpact  EstimatedImpact
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          int
}

// EstimatedImpact is a snapshot of the item's estimated score impact at the
// time the dispute was opened; it is never recomputed in place.
type EstimatedImpact struct {
	ScorePoints int
	TakenAt     time.Time
}
