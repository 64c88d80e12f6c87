package roundmachine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

// deadlineFiredPayload mirrors the Deadline & SLA Tracker's deadline.fired
// event body: enough to identify which round-level concern fired.
type deadlineFiredPayload struct {
	Kind       domain.DeadlineKind `json:"kind"`
	ParentKind domain.ParentKind   `json:"parent_kind"`
	ParentID   string              `json:"parent_id"`
}

type roundEventPayload struct {
	ClientID    string       `json:"client_id"`
	Bureau      domain.Bureau `json:"bureau"`
	Round       int          `json:"round"`
	Reinsertion bool         `json:"reinsertion"`
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("roundmachine: empty event payload")
	}
	return json.Unmarshal(raw, v)
}

// onCROASigned fires the analysis_delivered -> croa_hold transition across
// every bureau's round 1, since CROA governs the client as a whole, not a
// single bureau.
func (m *Machine) onCROASigned(ctx context.Context, ev domain.DomainEvent) error {
	clientID := ev.AggregateID
	return m.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		client, err := tx.Clients().Get(ctx, clientID)
		if err != nil {
			return nil, err
		}

		var events []domain.DomainEvent
		for _, bureau := range domain.AllBureaus {
			round, err := loadOrCreateRound(ctx, tx, client, bureau, 1)
			if err != nil {
				return nil, err
			}
			if round.OverrideLocked {
				continue
			}
			if round.State != domain.RoundAnalysisDelivered && round.State != domain.RoundIntake && round.State != domain.RoundAnalysisReady {
				continue
			}
			round.State = domain.RoundCROAHold
			if _, err := tx.Rounds().Put(ctx, round); err != nil {
				return nil, err
			}
		}
		return events, nil
	})
}

// onDeadlineFired handles the deadline half of the croa_hold AND-join and
// the two response-window deadlines: the 30-day round_response deadline
// moves an in-flight round to responses_gathered, the 35-business-day
// overdue_escalation deadline moves it to escalated_regulatory.
func (m *Machine) onDeadlineFired(ctx context.Context, ev domain.DomainEvent) error {
	var payload deadlineFiredPayload
	if err := decodePayload(ev.Payload, &payload); err != nil {
		return err
	}

	switch payload.Kind {
	case domain.DeadlineCROAHold:
		return m.onCROAHoldDeadline(ctx, payload.ParentID)
	case domain.DeadlineRoundResponse:
		return m.onResponseWindowDeadline(ctx, payload.ParentID, domain.RoundResponsesGathered)
	case domain.DeadlineOverdueEscalation:
		return m.onResponseWindowDeadline(ctx, payload.ParentID, domain.RoundEscalatedRegulatory)
	default:
		return nil
	}
}

func (m *Machine) onCROAHoldDeadline(ctx context.Context, clientID string) error {
	return m.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		for _, bureau := range domain.AllBureaus {
			round, err := tx.Rounds().ByClientBureauRound(ctx, clientID, bureau, 1)
			if err != nil {
				if err == storage.ErrNotFound {
					continue
				}
				return nil, err
			}
			if round.State != domain.RoundCROAHold || round.OverrideLocked {
				continue
			}
			round.CROAHoldFired = true
			maybeAdvancePastCROAHold(&round)
			if _, err := tx.Rounds().Put(ctx, round); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}

// onResponseWindowDeadline drives the round forward on either the
// response-window-elapsed path (target responses_gathered) or the
// 35-business-day auto-escalation path (target escalated_regulatory); the
// caller picks next from the Deadline kind that fired.
func (m *Machine) onResponseWindowDeadline(ctx context.Context, disputeItemID string, next domain.RoundState) error {
	return m.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		item, err := tx.DisputeItems().Get(ctx, disputeItemID)
		if err != nil {
			return nil, err
		}
		round, err := tx.Rounds().ByClientBureauRound(ctx, item.ClientID, item.Bureau, item.Round)
		if err != nil {
			return nil, err
		}
		if round.State != domain.RoundInFlight || round.OverrideLocked {
			return nil, nil
		}
		round.State = next
		_, err = tx.Rounds().Put(ctx, round)
		return nil, err
	})
}

func (m *Machine) onPaymentCaptured(ctx context.Context, ev domain.DomainEvent) error {
	var payload roundEventPayload
	if err := decodePayload(ev.Payload, &payload); err != nil {
		return err
	}
	return m.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		round, err := tx.Rounds().ByClientBureauRound(ctx, payload.ClientID, payload.Bureau, payload.Round)
		if err != nil {
			return nil, err
		}
		if round.State != domain.RoundCROAHold || round.OverrideLocked {
			return nil, nil
		}
		round.PaymentAttempts = 0
		round.PaymentCaptured = true
		maybeAdvancePastCROAHold(&round)
		_, err = tx.Rounds().Put(ctx, round)
		return nil, err
	})
}

// onPaymentFailed implements the croa_hold edge case: reject the
// transition, emit payment.failed (already emitted by the payment
// gateway), and schedule a reminder at +24h up to 3 attempts before
// parking the round in payment_blocked.
func (m *Machine) onPaymentFailed(ctx context.Context, ev domain.DomainEvent) error {
	var payload roundEventPayload
	if err := decodePayload(ev.Payload, &payload); err != nil {
		return err
	}

	var (
		round      domain.Round
		shouldRetry bool
	)
	err := m.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		r, err := tx.Rounds().ByClientBureauRound(ctx, payload.ClientID, payload.Bureau, payload.Round)
		if err != nil {
			return nil, err
		}
		if r.State != domain.RoundCROAHold || r.OverrideLocked {
			round = r
			return nil, nil
		}
		r.PaymentAttempts++
		if r.PaymentAttemptsExhausted() {
			r.State = domain.RoundPaymentBlocked
		} else {
			shouldRetry = true
		}
		round, err = tx.Rounds().Put(ctx, r)
		return nil, err
	})
	if err != nil {
		return err
	}
	if !shouldRetry {
		return nil
	}

	runAt := m.clk.Now().Add(paymentRetryDelay)
	key := fmt.Sprintf("advance_round:retry_capture:%s:attempt:%d", round.ID, round.PaymentAttempts)
	_, err = m.queue.Enqueue(ctx, round.TenantID, domain.TaskCapturePayment, map[string]any{
		"client_id": round.ClientID,
		"bureau":    round.Bureau,
		"round":     round.Number,
	}, runAt, key, 0)
	return err
}

// onLettersGenerated advances roundN_letters_generated -> pending_approval
// once every AI-letter task for the round's bureau/furnisher targets has
// succeeded.
func (m *Machine) onLettersGenerated(ctx context.Context, ev domain.DomainEvent) error {
	var payload roundEventPayload
	if err := decodePayload(ev.Payload, &payload); err != nil {
		return err
	}
	return m.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		round, err := tx.Rounds().ByClientBureauRound(ctx, payload.ClientID, payload.Bureau, payload.Round)
		if err != nil {
			return nil, err
		}
		if round.OverrideLocked {
			return nil, nil
		}
		switch round.State {
		case domain.RoundLettersGenerated:
			round.State = domain.RoundPendingApproval
		default:
			return nil, nil
		}
		_, err = tx.Rounds().Put(ctx, round)
		return nil, err
	})
}

// onBatchUploaded advances pending_approval -> in_flight once staff closes
// the LetterBatch and it reaches uploaded.
func (m *Machine) onBatchUploaded(ctx context.Context, ev domain.DomainEvent) error {
	var payload roundEventPayload
	if err := decodePayload(ev.Payload, &payload); err != nil {
		return err
	}
	return m.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		round, err := tx.Rounds().ByClientBureauRound(ctx, payload.ClientID, payload.Bureau, payload.Round)
		if err != nil {
			return nil, err
		}
		if round.State != domain.RoundPendingApproval || round.OverrideLocked {
			return nil, nil
		}
		round.State = domain.RoundInFlight
		_, err = tx.Rounds().Put(ctx, round)
		return nil, err
	})
}

// onResponseReceived handles a recorded bureau response; a reinsertion
// emits reinsertion.detected, which a configured WorkflowTrigger turns into
// a 605B/§611(a)(5)(B) letter task within the current round.
func (m *Machine) onResponseReceived(ctx context.Context, ev domain.DomainEvent) error {
	var payload roundEventPayload
	if err := decodePayload(ev.Payload, &payload); err != nil {
		return err
	}
	if !payload.Reinsertion {
		return nil
	}
	return m.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		return []domain.DomainEvent{{
			TenantID:      ev.TenantID,
			AggregateType: domain.AggregateClient,
			AggregateID:   payload.ClientID,
			Type:          domain.EventReinsertionDetected,
			Payload:       ev.Payload,
		}}, nil
	})
}

// maybeAdvancePastCROAHold implements the AND-join: croa_hold ->
// letters_generated only once both the deadline has fired and the round
// payment has been captured.
func maybeAdvancePastCROAHold(round *domain.Round) {
	if round.CROAHoldFired && round.PaymentCaptured {
		round.State = domain.RoundLettersGenerated
	}
}

func loadOrCreateRound(ctx context.Context, tx storage.Tx, client domain.Client, bureau domain.Bureau, number int) (domain.Round, error) {
	round, err := tx.Rounds().ByClientBureauRound(ctx, client.ID, bureau, number)
	if err == nil {
		return round, nil
	}
	if err != storage.ErrNotFound {
		return domain.Round{}, err
	}
	return tx.Rounds().Put(ctx, domain.Round{
		TenantID: client.TenantID,
		ClientID: client.ID,
		Bureau:   bureau,
		Number:   number,
		State:    domain.RoundIntake,
	})
}
