package domain

import "time"

// PaymentKind is the closed set of charge purposes.
type PaymentKind string

const (
	PaymentAnalysis       PaymentKind = "analysis"
	PaymentRound          PaymentKind = "round"
	PaymentSettlementFee  PaymentKind = "settlement_fee"
	PaymentSubscription   PaymentKind = "subscription"
)

// PaymentStatus is the lifecycle of a single charge.
type PaymentStatus string

const (
	PaymentHeld      PaymentStatus = "held"
	PaymentCaptured  PaymentStatus = "captured"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is one charge against a client's card-on-file token.
type Payment struct {
	ID               string
	TenantID         string
	ClientID         string
	Kind             PaymentKind
	// Bureau and Round are set for PaymentRound charges, letting a webhook
	// confirmation reconstruct the round.payment_captured/failed event
	// payload without a secondary lookup. Zero-valued for other kinds.
	Bureau           Bureau
	Round            int
	AmountMinor      int64
	Status           PaymentStatus
	ProviderRef      string
	ProviderEventID  string // dedup key for webhook replay
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          int
}
