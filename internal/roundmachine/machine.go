// Package roundmachine implements the Dispute Round State Machine: the sole
// writer of DisputeItem, in-round Letter.Status transitions, and
// round-level Deadlines, per the round escalation ladder from
// intake through resolved/escalated terminal states.
package roundmachine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/disputeflow/core/internal/clock"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/eventbus"
	"github.com/disputeflow/core/internal/storage"
	"github.com/disputeflow/core/internal/taskqueue"
	"github.com/disputeflow/core/pkg/logger"
)

// croaHoldBusinessDays is the CROA-mandated cancellation window.
const croaHoldBusinessDays = 3

// paymentRetryDelay is how long after a failed round-1 capture the machine
// waits before scheduling the next attempt.
const paymentRetryDelay = 24 * time.Hour

// Machine is the Dispute Round State Machine.
type Machine struct {
	gateway storage.Gateway
	queue   *taskqueue.Queue
	clk     clock.Clock
	log     *logger.Logger
}

// New constructs a Machine.
func New(gateway storage.Gateway, queue *taskqueue.Queue, clk clock.Clock, log *logger.Logger) *Machine {
	if log == nil {
		log = logger.NewDefault("roundmachine")
	}
	return &Machine{gateway: gateway, queue: queue, clk: clk, log: log}
}

// Subscribe wires the machine's event handlers onto bus, returning a single
// combined unsubscribe func.
func (m *Machine) Subscribe(bus *eventbus.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(domain.EventCROASigned, "roundmachine", m.onCROASigned),
		bus.Subscribe(domain.EventDeadlineFired, "roundmachine", m.onDeadlineFired),
		bus.Subscribe(domain.EventPaymentCaptured, "roundmachine", m.onPaymentCaptured),
		bus.Subscribe(domain.EventPaymentFailed, "roundmachine", m.onPaymentFailed),
		bus.Subscribe(domain.EventLettersGenerated, "roundmachine", m.onLettersGenerated),
		bus.Subscribe(domain.EventBatchUploaded, "roundmachine", m.onBatchUploaded),
		bus.Subscribe(domain.EventResponseReceived, "roundmachine", m.onResponseReceived),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// HandleAdvanceRound is the taskqueue.TaskHandler for domain.TaskAdvanceRound,
// the sink for the four client-mutation trigger actions (update_status,
// assign_staff, add_note, schedule_followup) that the Workflow Trigger
// Engine compiles into a single task type with an instruction discriminator.
// These are advisory staff-workflow actions, not FSM transitions: the
// machine records them as audit entries rather than mutating Round state.
func (m *Machine) HandleAdvanceRound(ctx context.Context, task domain.Task) error {
	var instr struct {
		Instruction    string          `json:"instruction"`
		ClientID       string          `json:"client_id"`
		ActionTemplate json.RawMessage `json:"action_template"`
	}
	if err := json.Unmarshal(task.Payload, &instr); err != nil {
		return fmt.Errorf("roundmachine: unmarshal advance_round payload: %w", err)
	}

	return m.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		entry, err := tx.AuditLogs().Append(ctx, domain.AuditLog{
			TenantID:   task.TenantID,
			Actor:      "workflow_trigger",
			Action:     instr.Instruction,
			Resource:   "client",
			ResourceID: instr.ClientID,
			AfterHash:  mustHash(instr.ActionTemplate),
		})
		_ = entry
		return nil, err
	})
}

// ManualTransition records a staff-initiated transition, winning any
// conflicting automatic transition per the tie-break rule: the manual
// transition always wins and locks the round against further automatic
// transitions until staff explicitly clears the override.
func (m *Machine) ManualTransition(ctx context.Context, roundID string, next domain.RoundState, actor string) (domain.Round, error) {
	var result domain.Round
	err := m.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		round, err := tx.Rounds().Get(ctx, roundID)
		if err != nil {
			return nil, err
		}
		before, err := domain.ContentHash(round)
		if err != nil {
			return nil, err
		}
		round.State = next
		round.OverrideLocked = true
		result, err = tx.Rounds().Put(ctx, round)
		if err != nil {
			return nil, err
		}
		after, err := domain.ContentHash(result)
		if err != nil {
			return nil, err
		}
		if _, err := tx.AuditLogs().Append(ctx, domain.AuditLog{
			TenantID:   round.TenantID,
			Actor:      actor,
			Action:     "manual_transition",
			Resource:   "round",
			ResourceID: round.ID,
			BeforeHash: before,
			AfterHash:  after,
		}); err != nil {
			return nil, err
		}
		return []domain.DomainEvent{{
			TenantID:      round.TenantID,
			AggregateType: domain.AggregateClient,
			AggregateID:   round.ClientID,
			Type:          domain.EventOverrideLogged,
		}}, nil
	})
	return result, err
}

// AdvanceRound is the staff command entry point behind
// POST /commands/dispute/{clientId}/advance-round: it finds the client's
// round at number across every bureau and, for each currently sitting in
// pending_approval, manually transitions it to in_flight. approvedBatchID
// is recorded on the audit entry as the evidence for the transition but the
// actual batch-approval side effect (enqueuing upload_batch_sftp) is the
// Batch Letter Pipeline's job, triggered separately by the batch endpoint.
// A round not in pending_approval is left untouched; if none of the
// client's bureau rounds at number qualify, ErrNoAdvanceableRound signals
// the caller to respond 409.
func (m *Machine) AdvanceRound(ctx context.Context, clientID string, number int, approvedBatchID, actor string) ([]domain.Round, error) {
	var advanced []domain.Round
	err := m.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		var events []domain.DomainEvent
		for _, bureau := range domain.AllBureaus {
			round, err := tx.Rounds().ByClientBureauRound(ctx, clientID, bureau, number)
			if err != nil {
				if err == storage.ErrNotFound {
					continue
				}
				return nil, err
			}
			if round.State != domain.RoundPendingApproval {
				continue
			}
			before, err := domain.ContentHash(round)
			if err != nil {
				return nil, err
			}
			round.State = domain.RoundInFlight
			round.OverrideLocked = true
			round, err = tx.Rounds().Put(ctx, round)
			if err != nil {
				return nil, err
			}
			after, err := domain.ContentHash(round)
			if err != nil {
				return nil, err
			}
			if _, err := tx.AuditLogs().Append(ctx, domain.AuditLog{
				TenantID:   round.TenantID,
				Actor:      actor,
				Action:     "advance_round",
				Resource:   "round",
				ResourceID: round.ID,
				BeforeHash: before,
				AfterHash:  after,
			}); err != nil {
				return nil, err
			}
			advanced = append(advanced, round)
			events = append(events, domain.DomainEvent{
				TenantID:      round.TenantID,
				AggregateType: domain.AggregateClient,
				AggregateID:   round.ClientID,
				Type:          domain.EventOverrideLogged,
			})
		}
		if len(advanced) == 0 {
			return nil, ErrNoAdvanceableRound
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return advanced, nil
}

// ErrNoAdvanceableRound is returned by AdvanceRound when none of the
// client's bureau rounds at the requested number are in pending_approval.
var ErrNoAdvanceableRound = fmt.Errorf("roundmachine: no round at that number is pending approval")

// ClearOverride releases a round's manual-override lock, letting automatic
// transitions resume.
func (m *Machine) ClearOverride(ctx context.Context, roundID string) (domain.Round, error) {
	var result domain.Round
	err := m.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		round, err := tx.Rounds().Get(ctx, roundID)
		if err != nil {
			return nil, err
		}
		round.OverrideLocked = false
		result, err = tx.Rounds().Put(ctx, round)
		return nil, err
	})
	return result, err
}

func mustHash(v any) string {
	h, err := domain.ContentHash(v)
	if err != nil {
		return ""
	}
	return h
}
