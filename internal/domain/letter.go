package domain

import "time"

// LetterKind is the closed set of letter templates the core can produce.
type LetterKind string

const (
	LetterRound1        LetterKind = "round1"
	LetterRound2        LetterKind = "round2"
	LetterRound3        LetterKind = "round3"
	LetterRound4        LetterKind = "round4"
	LetterMOV           LetterKind = "mov"
	LetterFreeze        LetterKind = "freeze"
	LetterValidation    LetterKind = "validation"
	Letter605BBlock     LetterKind = "605b_block"
	LetterCFPBComplaint LetterKind = "cfpb_complaint"
	LetterDemand        LetterKind = "demand"
	LetterPreArb        LetterKind = "pre_arb"
)

// LetterStatus is the lifecycle of a generated letter artifact.
type LetterStatus string

const (
	LetterPendingApproval LetterStatus = "pending_approval"
	LetterApproved        LetterStatus = "approved"
	LetterQueued          LetterStatus = "queued"
	LetterSent            LetterStatus = "sent"
	LetterDelivered       LetterStatus = "delivered"
	LetterReturned        LetterStatus = "returned"
	LetterUndeliverable   LetterStatus = "undeliverable"
	LetterBlocked         LetterStatus = "blocked"
)

// RecipientKind distinguishes a bureau recipient from a furnisher recipient.
type RecipientKind string

const (
	RecipientBureau    RecipientKind = "bureau"
	RecipientFurnisher RecipientKind = "furnisher"
)

// Recipient is the postal target of a Letter.
type Recipient struct {
	Kind         RecipientKind
	Name         string
	Address1     string
	City         string
	State        string
	Zip          string
	ReturnAddressID string
}

// Letter is one generated dispute correspondence artifact.
type Letter struct {
	ID           string
	TenantID     string
	ClientID     string
	DisputeItemID string
	Round        int
	Kind         LetterKind
	Recipient    Recipient
	Status       LetterStatus
	TrackingNumber string
	BatchID      string
	SHA256       string
	DeliveredAt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Version      int
}
