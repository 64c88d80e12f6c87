package deadlinetracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

// letterDeliveredPayload is the letter.delivered event body relevant to
// Deadline creation: which dispute item the letter answers for.
type letterDeliveredPayload struct {
	DisputeItemID string `json:"dispute_item_id"`
}

// responseReceivedPayload mirrors roundmachine's roundEventPayload: the
// fields the Deadline & SLA Tracker needs out of response.received.
type responseReceivedPayload struct {
	ClientID    string `json:"client_id"`
	Reinsertion bool   `json:"reinsertion"`
}

// onCROASigned opens the croa_hold Deadline at +3 business days from the
// signature, per spec.md's croa.signed trigger. The cancellation period
// runs through the end of its final business day, not the exact
// time-of-day the signature landed at.
func (t *Tracker) onCROASigned(ctx context.Context, ev domain.DomainEvent) error {
	clientID := ev.AggregateID
	dueAt := endOfBusinessDay(t.clk.AddBusinessDays(t.clk.Now(), croaHoldBusinessDays), t.clk.Location())
	return t.createOnce(ctx, ev.TenantID, domain.ParentClient, clientID, domain.DeadlineCROAHold, dueAt)
}

// endOfBusinessDay returns 23:59:59 on ts's calendar date in loc.
func endOfBusinessDay(ts time.Time, loc *time.Location) time.Time {
	local := ts.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 0, loc)
}

// onLetterDelivered opens both alternative paths toward responses_gathered:
// the 30-calendar-day response window, and the 35-business-day overdue
// escalation that fires regardless of whether a response arrives.
func (t *Tracker) onLetterDelivered(ctx context.Context, ev domain.DomainEvent) error {
	var payload letterDeliveredPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("decode letter.delivered payload: %w", err)
	}
	if payload.DisputeItemID == "" {
		return nil
	}

	now := t.clk.Now()
	responseDue := now.AddDate(0, 0, roundResponseCalendarDays)
	escalationDue := t.clk.AddBusinessDays(now, overdueEscalationBusinessDays)

	if err := t.createOnce(ctx, ev.TenantID, domain.ParentDisputeItem, payload.DisputeItemID, domain.DeadlineRoundResponse, responseDue); err != nil {
		return err
	}
	return t.createOnce(ctx, ev.TenantID, domain.ParentDisputeItem, payload.DisputeItemID, domain.DeadlineOverdueEscalation, escalationDue)
}

// onResponseReceived opens the reinsertion_notice Deadline when the response
// reports a reinsertion (§611(a)(5)(B) obligates notice within 5 business
// days of the reinsertion).
func (t *Tracker) onResponseReceived(ctx context.Context, ev domain.DomainEvent) error {
	var payload responseReceivedPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("decode response.received payload: %w", err)
	}
	if !payload.Reinsertion || payload.ClientID == "" {
		return nil
	}
	dueAt := t.clk.AddBusinessDays(t.clk.Now(), reinsertionNoticeBusinessDays)
	return t.createOnce(ctx, ev.TenantID, domain.ParentClient, payload.ClientID, domain.DeadlineReinsertionNotice, dueAt)
}

// createOnce enforces "at most one unresolved Deadline of a given kind per
// parent": a prior unresolved Deadline of the same kind is left untouched
// rather than duplicated.
func (t *Tracker) createOnce(ctx context.Context, tenantID string, parentKind domain.ParentKind, parentID string, kind domain.DeadlineKind, dueAt time.Time) error {
	return t.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		_, err := tx.Deadlines().UnresolvedByParent(ctx, parentKind, parentID, kind)
		if err == nil {
			return nil, nil
		}
		if err != storage.ErrNotFound {
			return nil, err
		}
		_, err = tx.Deadlines().Put(ctx, domain.Deadline{
			TenantID:   tenantID,
			Kind:       kind,
			ParentKind: parentKind,
			ParentID:   parentID,
			DueAt:      dueAt,
		})
		return nil, err
	})
}
