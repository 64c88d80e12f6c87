// Package app wires the Dispute Orchestration Core's engines, adapters, and
// Task Queue handlers into a runnable service, the way cmd/gateway/main.go
// wires the teacher's services together. Nothing here carries business
// logic of its own; it decodes task payloads, calls the owning engine or
// adapter, and translates the result back into storage writes and events.
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/disputeflow/core/internal/adapters/adaptererr"
	"github.com/disputeflow/core/internal/adapters/aiwriter"
	"github.com/disputeflow/core/internal/adapters/creditscraper"
	"github.com/disputeflow/core/internal/adapters/notifier"
	"github.com/disputeflow/core/internal/adapters/paymentgateway"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
	"github.com/disputeflow/core/internal/taskqueue"
	"github.com/disputeflow/core/pkg/logger"
)

// TaskHandlers bundles the task-handler glue this package owns: every
// domain.TaskType the Batch Letter Pipeline, Dispute Round State Machine,
// Deadline & SLA Tracker, and Workflow Trigger Engine do not already
// register a handler for themselves.
type TaskHandlers struct {
	gateway         storage.Gateway
	scraper         *creditscraper.Adapter
	writer          *aiwriter.Adapter
	payments        *paymentgateway.Adapter
	notify          *notifier.Adapter
	log             *logger.Logger
	letterCostMinor int64
}

// NewTaskHandlers constructs the handler bundle. gateway should be a
// storage.NewPublishingGateway so events these handlers stage actually
// reach the Event Bus. letterCostMinor mirrors CORE_LETTER_COST_MINOR and
// prices a round's payment capture as cost-per-letter times target count.
func NewTaskHandlers(gateway storage.Gateway, scraper *creditscraper.Adapter, writer *aiwriter.Adapter, payments *paymentgateway.Adapter, notify *notifier.Adapter, log *logger.Logger, letterCostMinor int64) *TaskHandlers {
	if log == nil {
		log = logger.NewDefault("app")
	}
	return &TaskHandlers{gateway: gateway, scraper: scraper, writer: writer, payments: payments, notify: notify, log: log, letterCostMinor: letterCostMinor}
}

// Register binds every handler this package owns onto worker.
func (h *TaskHandlers) Register(worker *taskqueue.Worker) {
	worker.Register(domain.TaskScrapeCreditReport, h.HandleScrapeCreditReport)
	worker.Register(domain.TaskGenerateLetterAI, h.HandleGenerateLetterAI)
	worker.Register(domain.TaskCapturePayment, h.HandleCapturePayment)
	worker.Register(domain.TaskReleasePaymentHold, h.HandleReleasePaymentHold)
	worker.Register(domain.TaskExpireStaleHold, h.HandleExpireStaleHold)
	worker.Register(domain.TaskSendEmail, h.sendHandler(notifier.ChannelEmail))
	worker.Register(domain.TaskSendSMS, h.sendHandler(notifier.ChannelSMS))
	worker.Register(domain.TaskSendPush, h.sendHandler(notifier.ChannelPush))
}

// scrapeCreditReportPayload matches the payload ImportCreditReport enqueues.
type scrapeCreditReportPayload struct {
	ClientID string `json:"client_id"`
	Provider string `json:"provider"`
}

// HandleScrapeCreditReport is the taskqueue.TaskHandler for
// domain.TaskScrapeCreditReport. It is keyed per (client, provider) by the
// enqueuer, so concurrent imports for the same pair coalesce to one pull.
// No domain event is emitted: nothing currently subscribes to a report's
// arrival, only to the reinsertion flag a later response carries.
func (h *TaskHandlers) HandleScrapeCreditReport(ctx context.Context, task domain.Task) error {
	var payload scrapeCreditReportPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("app: unmarshal scrape_credit_report payload: %w", err)
	}

	var client domain.Client
	if err := h.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		c, err := tx.Clients().Get(ctx, payload.ClientID)
		client = c
		return nil, err
	}); err != nil {
		return err
	}

	encryptedCreds := client.EncryptedBureauCreds[payload.Provider]
	report, err := h.scraper.Pull(ctx, payload.ClientID, payload.Provider, encryptedCreds)
	if err != nil {
		return err
	}

	return h.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		_, err := tx.CreditReports().Create(ctx, report)
		return nil, err
	})
}

// generateLetterPayload is the schema an operator's generate_document
// trigger action template must populate; triggerengine.enqueueAction hands
// the template straight through as the task payload.
type generateLetterPayload struct {
	ClientID       string            `json:"client_id"`
	DisputeItemID  string            `json:"dispute_item_id"`
	Bureau         domain.Bureau     `json:"bureau"`
	Round          int               `json:"round"`
	Kind           domain.LetterKind `json:"kind"`
	Recipient      domain.Recipient  `json:"recipient"`
	ConversationID string            `json:"conversation_id"`
}

// HandleGenerateLetterAI is the taskqueue.TaskHandler for
// domain.TaskGenerateLetterAI. It drafts one letter through the AIWriter
// adapter and persists the resulting artifact. A content-policy block
// stores the letter as blocked rather than failing the task: staff need a
// record to act on, not an endless retry loop.
//
// Once every disputed item the round targets for this bureau has a
// generated letter, it emits letters.generated so the Dispute Round State
// Machine can advance letters_generated -> pending_approval.
func (h *TaskHandlers) HandleGenerateLetterAI(ctx context.Context, task domain.Task) error {
	var payload generateLetterPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("app: unmarshal generate_letter_ai payload: %w", err)
	}

	var client domain.Client
	if err := h.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		c, err := tx.Clients().Get(ctx, payload.ClientID)
		client = c
		return nil, err
	}); err != nil {
		return err
	}

	letter := domain.Letter{
		ClientID:      payload.ClientID,
		DisputeItemID: payload.DisputeItemID,
		Round:         payload.Round,
		Kind:          payload.Kind,
		Recipient:     payload.Recipient,
	}

	completion, draftErr := h.writer.Draft(ctx, aiwriter.Request{
		ConversationID: payload.ConversationID,
		Client:         client,
		Round:          payload.Round,
		Recipient:      payload.Recipient,
		Kind:           payload.Kind,
	})
	if draftErr != nil {
		if !adapterErrorIsPolicyBlocked(draftErr) {
			return draftErr
		}
		h.log.WithField("dispute_item_id", payload.DisputeItemID).WithError(draftErr).Warn("app: ai draft blocked by content policy")
		letter.Status = domain.LetterBlocked
	} else {
		letter.Status = domain.LetterPendingApproval
		letter.SHA256 = sha256Hex(completion.Text)
	}

	return h.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		letter.TenantID = client.TenantID
		stored, err := tx.Letters().Put(ctx, letter)
		if err != nil {
			return nil, err
		}

		if stored.Status == domain.LetterBlocked {
			body, err := json.Marshal(map[string]any{"letter_id": stored.ID, "reason": draftErr.Error()})
			if err != nil {
				return nil, err
			}
			return []domain.DomainEvent{{
				TenantID:      client.TenantID,
				AggregateType: domain.AggregateLetter,
				AggregateID:   stored.ID,
				Type:          domain.EventLetterBlocked,
				Payload:       body,
			}}, nil
		}

		items, err := tx.DisputeItems().ListByClient(ctx, payload.ClientID)
		if err != nil {
			return nil, err
		}
		targets := 0
		itemBureau := make(map[string]domain.Bureau, len(items))
		for _, item := range items {
			itemBureau[item.ID] = item.Bureau
			if item.Bureau == payload.Bureau && item.Round == payload.Round && item.Status == domain.DisputeItemDisputed {
				targets++
			}
		}
		letters, err := tx.Letters().ListByRound(ctx, payload.ClientID, payload.Round)
		if err != nil {
			return nil, err
		}
		generated := 0
		for _, l := range letters {
			if l.Status != domain.LetterBlocked && itemBureau[l.DisputeItemID] == payload.Bureau {
				generated++
			}
		}
		if targets == 0 || generated < targets {
			return nil, nil
		}

		body, err := json.Marshal(map[string]any{
			"client_id": payload.ClientID,
			"bureau":    payload.Bureau,
			"round":     payload.Round,
		})
		if err != nil {
			return nil, err
		}
		return []domain.DomainEvent{{
			TenantID:      client.TenantID,
			AggregateType: domain.AggregateClient,
			AggregateID:   payload.ClientID,
			Type:          domain.EventLettersGenerated,
			Payload:       body,
		}}, nil
	})
}

// capturePaymentPayload matches the payload the Dispute Round State
// Machine's croa_hold payment-retry path enqueues.
type capturePaymentPayload struct {
	ClientID string        `json:"client_id"`
	Bureau   domain.Bureau `json:"bureau"`
	Round    int           `json:"round"`
}

// HandleCapturePayment is the taskqueue.TaskHandler for
// domain.TaskCapturePayment. It is idempotent across retries: it reuses an
// existing Payment row for (client, bureau, round) rather than opening a
// second charge, and a row that already reached a provider (has a
// ProviderRef) simply has Capture retried against it.
func (h *TaskHandlers) HandleCapturePayment(ctx context.Context, task domain.Task) error {
	var payload capturePaymentPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("app: unmarshal capture_payment payload: %w", err)
	}

	var (
		payment domain.Payment
		found   bool
	)
	if err := h.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		p, err := tx.Payments().ByClientBureauRound(ctx, payload.ClientID, payload.Bureau, payload.Round, domain.PaymentRound)
		if err == nil {
			payment = p
			found = true
			return nil, nil
		}
		if err != storage.ErrNotFound {
			return nil, err
		}
		client, err := tx.Clients().Get(ctx, payload.ClientID)
		if err != nil {
			return nil, err
		}
		items, err := tx.DisputeItems().ListByClient(ctx, payload.ClientID)
		if err != nil {
			return nil, err
		}
		amount := int64(0)
		for _, item := range items {
			if item.Bureau == payload.Bureau && item.Round == payload.Round && item.Status == domain.DisputeItemDisputed {
				amount += h.letterCostMinor
			}
		}
		payment = domain.Payment{
			TenantID:    client.TenantID,
			ClientID:    payload.ClientID,
			Kind:        domain.PaymentRound,
			Bureau:      payload.Bureau,
			Round:       payload.Round,
			AmountMinor: amount,
			Status:      domain.PaymentHeld,
		}
		payment, err = tx.Payments().Put(ctx, payment)
		return nil, err
	}); err != nil {
		return err
	}

	if !found {
		ref, err := h.payments.Create(ctx, payload.ClientID, domain.PaymentRound, payment.AmountMinor)
		if err != nil {
			return err
		}
		if err := h.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
			payment.ProviderRef = ref
			var err error
			payment, err = tx.Payments().Put(ctx, payment)
			return nil, err
		}); err != nil {
			return err
		}
	}

	if payment.Status == domain.PaymentCaptured {
		return nil
	}
	return h.payments.Capture(ctx, payment.ProviderRef)
}

type releasePaymentHoldPayload struct {
	PaymentID string `json:"payment_id"`
}

// HandleReleasePaymentHold is the taskqueue.TaskHandler for
// domain.TaskReleasePaymentHold, a staff-triggered command to convert a
// held charge (e.g. the analysis fee) into a capture.
func (h *TaskHandlers) HandleReleasePaymentHold(ctx context.Context, task domain.Task) error {
	var payload releasePaymentHoldPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("app: unmarshal release_payment_hold payload: %w", err)
	}

	var payment domain.Payment
	if err := h.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		p, err := tx.Payments().Get(ctx, payload.PaymentID)
		payment = p
		return nil, err
	}); err != nil {
		return err
	}
	if payment.Status != domain.PaymentHeld {
		h.log.WithField("payment_id", payload.PaymentID).Warn("app: release_payment_hold on a payment that is not held, ignoring")
		return nil
	}
	if err := h.payments.Capture(ctx, payment.ProviderRef); err != nil {
		return err
	}
	return h.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		payment.Status = domain.PaymentCaptured
		var err error
		payment, err = tx.Payments().Put(ctx, payment)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(map[string]any{"client_id": payment.ClientID, "bureau": payment.Bureau, "round": payment.Round})
		if err != nil {
			return nil, err
		}
		if payment.Kind != domain.PaymentRound {
			return nil, nil
		}
		return []domain.DomainEvent{{
			TenantID:      payment.TenantID,
			AggregateType: domain.AggregatePayment,
			AggregateID:   payment.ID,
			Type:          domain.EventPaymentCaptured,
			Payload:       body,
		}}, nil
	})
}

type expireStaleHoldPayload struct {
	PaymentID string `json:"payment_id"`
}

// HandleExpireStaleHold is the taskqueue.TaskHandler for
// domain.TaskExpireStaleHold, scheduled by whatever enqueues a hold's
// expiry deadline. Card-network authorization holds lapse on their own
// after the processor's hold window; this only needs to reconcile our own
// ledger, not contact the provider.
func (h *TaskHandlers) HandleExpireStaleHold(ctx context.Context, task domain.Task) error {
	var payload expireStaleHoldPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("app: unmarshal expire_stale_hold payload: %w", err)
	}
	return h.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		payment, err := tx.Payments().Get(ctx, payload.PaymentID)
		if err != nil {
			return nil, err
		}
		if payment.Status != domain.PaymentHeld {
			h.log.WithField("payment_id", payload.PaymentID).Warn("app: expire_stale_hold on a payment that is not held, ignoring")
			return nil, nil
		}
		payment.Status = domain.PaymentFailed
		payment, err = tx.Payments().Put(ctx, payment)
		if err != nil {
			return nil, err
		}
		if payment.Kind != domain.PaymentRound {
			return nil, nil
		}
		body, err := json.Marshal(map[string]any{"client_id": payment.ClientID, "bureau": payment.Bureau, "round": payment.Round})
		if err != nil {
			return nil, err
		}
		return []domain.DomainEvent{{
			TenantID:      payment.TenantID,
			AggregateType: domain.AggregatePayment,
			AggregateID:   payment.ID,
			Type:          domain.EventPaymentFailed,
			Payload:       body,
		}}, nil
	})
}

// notifyPayload is the schema an operator's send_email/send_sms/send_push
// trigger action template must populate.
type notifyPayload struct {
	Recipient  string            `json:"recipient"`
	TemplateID string            `json:"template_id"`
	Variables  map[string]string `json:"variables"`
}

// sendHandler returns the taskqueue.TaskHandler for one notifier.Channel,
// shared across the three send_* task types since they differ only in
// channel.
func (h *TaskHandlers) sendHandler(channel notifier.Channel) taskqueue.TaskHandler {
	return func(ctx context.Context, task domain.Task) error {
		var payload notifyPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("app: unmarshal %s payload: %w", channel, err)
		}
		return h.notify.Send(ctx, notifier.Message{
			Channel:    channel,
			Recipient:  payload.Recipient,
			TemplateID: payload.TemplateID,
			Variables:  payload.Variables,
		})
	}
}

// adapterErrorIsPolicyBlocked reports whether err is an
// adaptererr.AdapterError classified PolicyBlocked.
func adapterErrorIsPolicyBlocked(err error) bool {
	return adaptererr.IsPolicyBlocked(err)
}

func sha256Hex(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
