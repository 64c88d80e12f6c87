package roundmachine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/disputeflow/core/internal/clock"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
	"github.com/disputeflow/core/internal/storage/memory"
	"github.com/disputeflow/core/internal/taskqueue"
)

var frozenNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) (storage.Gateway, *Machine) {
	t.Helper()
	store := memory.New()
	clk := clock.NewFrozen(frozenNow, "UTC", nil)
	queue := taskqueue.New(store, nil, clk, nil, taskqueue.Config{})
	return store, New(store, queue, clk, nil)
}

func putClient(t *testing.T, gw storage.Gateway, c domain.Client) domain.Client {
	t.Helper()
	var result domain.Client
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		put, err := tx.Clients().Put(ctx, c)
		result = put
		return nil, err
	})
	if err != nil {
		t.Fatalf("put client: %v", err)
	}
	return result
}

func getRound(t *testing.T, gw storage.Gateway, clientID string, bureau domain.Bureau, number int) domain.Round {
	t.Helper()
	var result domain.Round
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		found, err := tx.Rounds().ByClientBureauRound(ctx, clientID, bureau, number)
		result = found
		return nil, err
	})
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	return result
}

func TestCROASignedOpensHoldAcrossAllBureaus(t *testing.T) {
	gw, m := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageOnboarding})

	if err := m.onCROASigned(context.Background(), domain.DomainEvent{
		TenantID: "t1", AggregateType: domain.AggregateClient, AggregateID: client.ID,
	}); err != nil {
		t.Fatalf("onCROASigned: %v", err)
	}

	for _, bureau := range domain.AllBureaus {
		round := getRound(t, gw, client.ID, bureau, 1)
		if round.State != domain.RoundCROAHold {
			t.Fatalf("expected %s round 1 in croa_hold, got %s", bureau, round.State)
		}
	}
}

func roundEventJSON(t *testing.T, payload roundEventPayload) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal round event payload: %v", err)
	}
	return raw
}

func TestCROAHoldAdvancesOnlyAfterBothDeadlineAndPayment(t *testing.T) {
	gw, m := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageOnboarding})

	if err := m.onCROASigned(context.Background(), domain.DomainEvent{
		TenantID: "t1", AggregateType: domain.AggregateClient, AggregateID: client.ID,
	}); err != nil {
		t.Fatalf("onCROASigned: %v", err)
	}

	// Deadline fires first; payment hasn't captured yet, so the round must
	// stay in croa_hold.
	if err := m.onCROAHoldDeadline(context.Background(), client.ID); err != nil {
		t.Fatalf("onCROAHoldDeadline: %v", err)
	}
	for _, bureau := range domain.AllBureaus {
		if round := getRound(t, gw, client.ID, bureau, 1); round.State != domain.RoundCROAHold {
			t.Fatalf("expected %s round 1 still in croa_hold before payment, got %s", bureau, round.State)
		}
	}

	// Now the round-1 payment captures for one bureau: only that bureau's
	// round should advance.
	payload := roundEventJSON(t, roundEventPayload{ClientID: client.ID, Bureau: domain.BureauEquifax, Round: 1})
	if err := m.onPaymentCaptured(context.Background(), domain.DomainEvent{
		TenantID: "t1", Payload: payload,
	}); err != nil {
		t.Fatalf("onPaymentCaptured: %v", err)
	}

	if round := getRound(t, gw, client.ID, domain.BureauEquifax, 1); round.State != domain.RoundLettersGenerated {
		t.Fatalf("expected equifax round 1 advanced to letters_generated, got %s", round.State)
	}
	if round := getRound(t, gw, client.ID, domain.BureauExperian, 1); round.State != domain.RoundCROAHold {
		t.Fatalf("expected experian round 1 still in croa_hold, got %s", round.State)
	}
}

func TestPaymentFailureRetriesThenBlocksRound(t *testing.T) {
	gw, m := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageOnboarding})

	if err := m.onCROASigned(context.Background(), domain.DomainEvent{
		TenantID: "t1", AggregateType: domain.AggregateClient, AggregateID: client.ID,
	}); err != nil {
		t.Fatalf("onCROASigned: %v", err)
	}

	payload := roundEventJSON(t, roundEventPayload{ClientID: client.ID, Bureau: domain.BureauEquifax, Round: 1})
	for i := 0; i < 3; i++ {
		if err := m.onPaymentFailed(context.Background(), domain.DomainEvent{TenantID: "t1", Payload: payload}); err != nil {
			t.Fatalf("onPaymentFailed attempt %d: %v", i+1, err)
		}
	}

	round := getRound(t, gw, client.ID, domain.BureauEquifax, 1)
	if round.State != domain.RoundPaymentBlocked {
		t.Fatalf("expected round payment_blocked after 3 failures, got %s", round.State)
	}
}

func TestManualOverrideWinsAndSuppressesAutomaticTransitions(t *testing.T) {
	gw, m := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageOnboarding})

	if err := m.onCROASigned(context.Background(), domain.DomainEvent{
		TenantID: "t1", AggregateType: domain.AggregateClient, AggregateID: client.ID,
	}); err != nil {
		t.Fatalf("onCROASigned: %v", err)
	}
	round := getRound(t, gw, client.ID, domain.BureauEquifax, 1)

	after, err := m.ManualTransition(context.Background(), round.ID, domain.RoundResolved, "staff-1")
	if err != nil {
		t.Fatalf("manual transition: %v", err)
	}
	if after.State != domain.RoundResolved || !after.OverrideLocked {
		t.Fatalf("expected manual transition to resolved with override locked, got %+v", after)
	}

	// An automatic event arriving afterward must not move the round: the
	// override is still locked.
	payload := roundEventJSON(t, roundEventPayload{ClientID: client.ID, Bureau: domain.BureauEquifax, Round: 1})
	if err := m.onPaymentCaptured(context.Background(), domain.DomainEvent{TenantID: "t1", Payload: payload}); err != nil {
		t.Fatalf("onPaymentCaptured: %v", err)
	}

	final := getRound(t, gw, client.ID, domain.BureauEquifax, 1)
	if final.State != domain.RoundResolved {
		t.Fatalf("expected override to hold round at resolved, got %s", final.State)
	}
}

func TestHandleAdvanceRoundRecordsAuditEntryForTriggerInstruction(t *testing.T) {
	gw, m := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageActive})

	payload, err := json.Marshal(map[string]json.RawMessage{
		"instruction":     json.RawMessage(`"schedule_followup"`),
		"client_id":       json.RawMessage(`"` + client.ID + `"`),
		"action_template": json.RawMessage(`{"days":7}`),
	})
	if err != nil {
		t.Fatalf("marshal advance_round payload: %v", err)
	}

	if err := m.HandleAdvanceRound(context.Background(), domain.Task{TenantID: "t1", Payload: payload}); err != nil {
		t.Fatalf("HandleAdvanceRound: %v", err)
	}

	var entries []domain.AuditLog
	err = gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		found, err := tx.AuditLogs().ListByResource(ctx, "client", client.ID)
		entries = found
		return nil, err
	})
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "schedule_followup" {
		t.Fatalf("expected one schedule_followup audit entry, got %+v", entries)
	}
}

func TestOverdueEscalation(t *testing.T) {
	gw, m := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageActive})

	var item domain.DisputeItem
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		round, err := tx.Rounds().Put(ctx, domain.Round{
			TenantID: "t1", ClientID: client.ID, Bureau: domain.BureauEquifax, Number: 1,
			State: domain.RoundInFlight,
		})
		if err != nil {
			return nil, err
		}
		item, err = tx.DisputeItems().Put(ctx, domain.DisputeItem{
			TenantID: "t1", ClientID: client.ID, Bureau: domain.BureauEquifax, Round: round.Number,
			AccountNumber: "acct-1", Status: domain.DisputeItemDisputed,
		})
		return nil, err
	})
	if err != nil {
		t.Fatalf("seed round/dispute item: %v", err)
	}

	payload, err := json.Marshal(deadlineFiredPayload{
		Kind: domain.DeadlineOverdueEscalation, ParentKind: domain.ParentDisputeItem, ParentID: item.ID,
	})
	if err != nil {
		t.Fatalf("marshal deadline payload: %v", err)
	}
	if err := m.onDeadlineFired(context.Background(), domain.DomainEvent{TenantID: "t1", Payload: payload}); err != nil {
		t.Fatalf("onDeadlineFired: %v", err)
	}

	round := getRound(t, gw, client.ID, domain.BureauEquifax, 1)
	if round.State != domain.RoundEscalatedRegulatory {
		t.Fatalf("expected round escalated_regulatory after overdue escalation, got %s", round.State)
	}
}

// TestReinsertionDetection walks the two response.received deliveries
// spec.md's reinsertion example describes: a deletion with no reinsertion
// flag first, then a later delivery reporting the same item back, which
// must be the one and only delivery that emits reinsertion.detected.
func TestReinsertionDetection(t *testing.T) {
	gw, m := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageActive})

	deleted := roundEventJSON(t, roundEventPayload{ClientID: client.ID, Bureau: domain.BureauEquifax, Round: 1, Reinsertion: false})
	if err := m.onResponseReceived(context.Background(), domain.DomainEvent{
		TenantID: "t1", AggregateType: domain.AggregateClient, AggregateID: client.ID, Payload: deleted,
	}); err != nil {
		t.Fatalf("onResponseReceived (deletion): %v", err)
	}
	if events := eventsSince(t, gw, client.ID); len(events) != 0 {
		t.Fatalf("expected no event on a plain deletion response, got %d", len(events))
	}

	reinserted := roundEventJSON(t, roundEventPayload{ClientID: client.ID, Bureau: domain.BureauEquifax, Round: 1, Reinsertion: true})
	if err := m.onResponseReceived(context.Background(), domain.DomainEvent{
		TenantID: "t1", AggregateType: domain.AggregateClient, AggregateID: client.ID, Payload: reinserted,
	}); err != nil {
		t.Fatalf("onResponseReceived (reinsertion): %v", err)
	}

	events := eventsSince(t, gw, client.ID)
	if len(events) != 1 || events[0].Type != domain.EventReinsertionDetected {
		t.Fatalf("expected exactly one reinsertion.detected event, got %+v", events)
	}
}

func eventsSince(t *testing.T, gw storage.Gateway, aggregateID string) []domain.DomainEvent {
	t.Helper()
	events, err := gw.EventsSince(context.Background(), aggregateID, 0)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	return events
}

func TestAdvanceRoundTransitionsPendingApprovalBureaus(t *testing.T) {
	gw, m := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageActive})

	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		for _, bureau := range []domain.Bureau{domain.BureauEquifax, domain.BureauExperian} {
			if _, err := tx.Rounds().Put(ctx, domain.Round{
				TenantID: "t1", ClientID: client.ID, Bureau: bureau, Number: 1,
				State: domain.RoundPendingApproval,
			}); err != nil {
				return nil, err
			}
		}
		// TransUnion round is still mid-letter-generation; must be left untouched.
		_, err := tx.Rounds().Put(ctx, domain.Round{
			TenantID: "t1", ClientID: client.ID, Bureau: domain.BureauTransUnion, Number: 1,
			State: domain.RoundLettersGenerated,
		})
		return nil, err
	})
	if err != nil {
		t.Fatalf("seed rounds: %v", err)
	}

	advanced, err := m.AdvanceRound(context.Background(), client.ID, 1, "batch-1", "staff-1")
	if err != nil {
		t.Fatalf("AdvanceRound: %v", err)
	}
	if len(advanced) != 2 {
		t.Fatalf("expected 2 rounds advanced, got %d", len(advanced))
	}

	eq := getRound(t, gw, client.ID, domain.BureauEquifax, 1)
	if eq.State != domain.RoundInFlight || !eq.OverrideLocked {
		t.Fatalf("expected equifax round in_flight and override-locked, got %+v", eq)
	}
	tu := getRound(t, gw, client.ID, domain.BureauTransUnion, 1)
	if tu.State != domain.RoundLettersGenerated {
		t.Fatalf("expected transunion round untouched, got %s", tu.State)
	}
}

func TestAdvanceRoundWithNothingPendingApprovalErrors(t *testing.T) {
	gw, m := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageActive})

	_, err := m.AdvanceRound(context.Background(), client.ID, 1, "", "staff-1")
	if err != ErrNoAdvanceableRound {
		t.Fatalf("expected ErrNoAdvanceableRound, got %v", err)
	}
}
