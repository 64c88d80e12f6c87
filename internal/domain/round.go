package domain

import "time"

// RoundState is the Dispute Round State Machine's state for one
// (client, bureau, round number) triple. Rounds 1-4 share the same state
// shape; Number distinguishes which one a Round row tracks.
type RoundState string

const (
	RoundIntake              RoundState = "intake"
	RoundAnalysisReady       RoundState = "analysis_ready"
	RoundAnalysisDelivered   RoundState = "analysis_delivered"
	RoundCROAHold            RoundState = "croa_hold"
	RoundLettersGenerated    RoundState = "letters_generated"
	RoundPendingApproval     RoundState = "pending_approval"
	RoundInFlight            RoundState = "in_flight"
	RoundResponsesGathered   RoundState = "responses_gathered"
	RoundResolved            RoundState = "resolved"
	RoundPaymentBlocked      RoundState = "payment_blocked"
	RoundEscalatedRegulatory RoundState = "escalated_regulatory"
	RoundEscalatedPreArb     RoundState = "escalated_prearb"
	RoundLitigation          RoundState = "litigation"
	RoundClosed              RoundState = "closed"
)

// maxPaymentAttempts is the number of failed capture attempts tolerated
// before a round is parked in the payment_blocked terminal substate.
const maxPaymentAttempts = 3

// Round is the aggregate the Dispute Round State Machine owns: one row per
// (client, bureau, round number), tracking progress through the
// intake -> ... -> resolved ladder independently per bureau, since each
// bureau runs its own response clock.
type Round struct {
	ID              string
	TenantID        string
	ClientID        string
	Bureau          Bureau
	Number          int
	State           RoundState
	PaymentAttempts int
	// CROAHoldFired records that the croa_hold Deadline has already fired
	// for this round; croa_hold -> letters_generated requires both this
	// and a captured round payment, which can arrive in either order.
	CROAHoldFired bool
	// PaymentCaptured mirrors the other half of the croa_hold AND-join:
	// the round's payment has been captured (possibly before the
	// croa_hold deadline itself has fired).
	PaymentCaptured bool
	// OverrideLocked is set when a staff manual transition has overridden
	// an automatic one; while set, automatic transitions are suppressed
	// until staff clears it explicitly.
	OverrideLocked bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int
}

// PaymentAttemptsExhausted reports whether another capture failure would
// push the round past its retry budget into payment_blocked.
func (r Round) PaymentAttemptsExhausted() bool {
	return r.PaymentAttempts >= maxPaymentAttempts
}
