package domain

import "time"

// ClientStage is the client's lifecycle stage. Stages are ordered and
// monotone unless a staff override resets one backward.
type ClientStage string

const (
	StageLead          ClientStage = "lead"
	StageAnalysisPaid  ClientStage = "analysis_paid"
	StageOnboarding    ClientStage = "onboarding"
	StageActive        ClientStage = "active"
	StageDormant       ClientStage = "dormant"
	StageClosed        ClientStage = "closed"
)

// stageOrder gives the monotone ordinal of each non-terminal-branch stage,
// used to detect and reject regressions that aren't an explicit override.
var stageOrder = map[ClientStage]int{
	StageLead:         0,
	StageAnalysisPaid: 1,
	StageOnboarding:   2,
	StageActive:       3,
	StageDormant:      4,
	StageClosed:       4,
}

// IsForwardStage reports whether moving from 'from' to 'to' is a forward
// (or same-rank) transition under the normal monotone ordering.
func IsForwardStage(from, to ClientStage) bool {
	return stageOrder[to] >= stageOrder[from]
}

// CROAState tracks the 3-business-day credit-repair cancellation window
// that blocks round-1 payment capture and letter sending.
type CROAState struct {
	SignedAt             time.Time
	CancellationPeriodEnd time.Time
	Cleared              bool
}

// Client is the consumer being represented. PII and bureau credentials are
// never held in plaintext once past the adapter boundary that produced
// EncryptedPII/EncryptedBureauCreds via internal/crypto.
type Client struct {
	ID                    string
	TenantID              string
	Stage                 ClientStage
	EncryptedPII          []byte
	EncryptedBureauCreds  map[string][]byte
	CreditMonitoringProvider string
	CardOnFileToken       string
	CurrentRound          int
	CROA                  CROAState
	CreatedAt             time.Time
	UpdatedAt             time.Time
	Version               int
}
