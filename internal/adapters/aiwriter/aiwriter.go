// Package aiwriter implements the AIWriter external adapter: generates
// letter text for one (client snapshot, round, recipient, kind), tracks
// the token cost against a per-conversation budget, and classifies
// content-policy rejections as PolicyBlocked rather than Transient.
package aiwriter

import (
	"context"
	"fmt"

	"github.com/disputeflow/core/internal/adapters/adaptererr"
	"github.com/disputeflow/core/internal/domain"
)

const adapterName = "aiwriter"

// Request is the input one letter-drafting call needs.
type Request struct {
	ConversationID string
	Client         domain.Client
	Round          int
	Recipient      domain.Recipient
	Kind           domain.LetterKind
}

// Completion is a provider's raw response to a draft request.
type Completion struct {
	Text       string
	TokensUsed int
	Blocked    bool
	BlockedReason string
}

// Provider drives the actual model call. Production implementations speak
// whatever wire protocol CORE_AI_ENDPOINT names; this package supplies the
// budget accounting and error classification around it.
type Provider interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// BudgetExceededError is returned when a conversation has no tokens left
// to spend; it is intentionally a distinct type from a content-policy
// block, since a budget exhaustion is the caller's problem to grant more
// budget for, not a reason to block the dispute outright.
type BudgetExceededError struct {
	ConversationID string
	Spent, Budget  int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("aiwriter: conversation %s spent %d/%d token budget", e.ConversationID, e.Spent, e.Budget)
}

// Adapter enforces a per-conversation token budget around a Provider.
type Adapter struct {
	provider    Provider
	budgetTokens int
	spent       map[string]int
}

// New constructs an Adapter. budgetTokens mirrors CORE_AI_BUDGET_TOKENS.
func New(provider Provider, budgetTokens int) *Adapter {
	return &Adapter{provider: provider, budgetTokens: budgetTokens, spent: map[string]int{}}
}

// Draft generates letter text for req. It refuses to call the provider at
// all once the conversation's budget is exhausted, and reclassifies a
// content-policy block as PolicyBlocked so the round-level workflow can
// surface it to staff instead of retrying forever.
func (a *Adapter) Draft(ctx context.Context, req Request) (Completion, error) {
	if a.spent[req.ConversationID] >= a.budgetTokens {
		return Completion{}, adaptererr.NewPermanent(adapterName, "draft",
			&BudgetExceededError{ConversationID: req.ConversationID, Spent: a.spent[req.ConversationID], Budget: a.budgetTokens})
	}

	completion, err := a.provider.Complete(ctx, req)
	if err != nil {
		return Completion{}, adaptererr.NewTransient(adapterName, "draft", err)
	}
	a.spent[req.ConversationID] += completion.TokensUsed

	if completion.Blocked {
		return Completion{}, adaptererr.NewPolicyBlocked(adapterName, "draft", fmt.Errorf("content policy: %s", completion.BlockedReason))
	}
	return completion, nil
}

// Remaining reports the unspent token budget for a conversation.
func (a *Adapter) Remaining(conversationID string) int {
	remaining := a.budgetTokens - a.spent[conversationID]
	if remaining < 0 {
		return 0
	}
	return remaining
}
