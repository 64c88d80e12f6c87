package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/disputeflow/core/internal/batchpipeline"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/roundmachine"
	"github.com/disputeflow/core/internal/storage"
)

type advanceRoundRequest struct {
	Round           int    `json:"round"`
	ApprovedBatchID string `json:"approvedBatchId"`
}

// AdvanceRound handles POST /commands/dispute/{clientId}/advance-round.
func (h *Handler) AdvanceRound(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")
	var req advanceRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body", err)
		return
	}
	if req.Round <= 0 {
		badRequest(w, "round must be positive", nil)
		return
	}

	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "api"
	}

	rounds, err := h.machine.AdvanceRound(r.Context(), clientID, req.Round, req.ApprovedBatchID, actor)
	if err != nil {
		if err == roundmachine.ErrNoAdvanceableRound {
			conflict(w, "no round at that number is pending approval", err)
			return
		}
		internalError(w, "advance round failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": rounds})
}

// ApproveBatch handles POST /commands/letters/batch/{batchId}/approve.
func (h *Handler) ApproveBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchId")

	err := h.pipeline.ApproveBatch(r.Context(), batchID)
	if err != nil {
		switch err {
		case storage.ErrNotFound:
			notFound(w, "batch not found", err)
		case batchpipeline.ErrUploadInProgress:
			conflict(w, "another batch upload is already in flight for this tenant", err)
		default:
			conflict(w, "batch cannot be approved in its current state", err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID, "status": string(domain.BatchUploaded)})
}

type importCreditReportRequest struct {
	ClientID       string `json:"clientId"`
	Provider       string `json:"provider"`
	CredentialsRef string `json:"credentialsRef"`
}

// ImportCreditReport handles POST /commands/credit-report/import. It
// enqueues scrape_credit_report rather than calling the scraper inline:
// the adapter's actual pull is a Task Queue responsibility, keyed so
// concurrent imports for the same (client, provider) coalesce.
func (h *Handler) ImportCreditReport(w http.ResponseWriter, r *http.Request) {
	var req importCreditReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body", err)
		return
	}
	if req.ClientID == "" || req.Provider == "" || req.CredentialsRef == "" {
		badRequest(w, "clientId, provider, and credentialsRef are required", nil)
		return
	}

	var client domain.Client
	err := h.gateway.RunInTx(r.Context(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		var getErr error
		client, getErr = tx.Clients().Get(ctx, req.ClientID)
		return nil, getErr
	})
	if err != nil {
		if err == storage.ErrNotFound {
			notFound(w, "client not found", err)
			return
		}
		internalError(w, "could not look up client", err)
		return
	}

	key := fmt.Sprintf("scrape:%s:%s", req.ClientID, req.Provider)
	task, enqueueErr := h.queue.Enqueue(r.Context(), client.TenantID, domain.TaskScrapeCreditReport,
		map[string]string{"client_id": req.ClientID, "provider": req.Provider, "credentials_ref": req.CredentialsRef},
		h.clk.Now(), key, 0)
	if enqueueErr != nil {
		internalError(w, "could not enqueue credit report import", enqueueErr)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}

// RecordCROASignature handles POST /commands/dispute/{clientId}/croa-signature.
// It is the staff/e-signature-provider-facing counterpart to spec.md §4.6's
// "first CROA signature" trigger: nothing else in the system ever produces
// croa.signed, since the cancellation-right paperwork is signed outside the
// engine and only reported in here.
func (h *Handler) RecordCROASignature(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")

	var client domain.Client
	err := h.gateway.RunInTx(r.Context(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		var getErr error
		client, getErr = tx.Clients().Get(ctx, clientID)
		if getErr != nil {
			return nil, getErr
		}
		if !client.CROA.SignedAt.IsZero() {
			return nil, nil
		}

		now := h.clk.Now()
		client.CROA.SignedAt = now
		client.CROA.CancellationPeriodEnd = h.clk.AddBusinessDays(now, 3)
		var putErr error
		client, putErr = tx.Clients().Put(ctx, client)
		if putErr != nil {
			return nil, putErr
		}
		return []domain.DomainEvent{{
			TenantID:      client.TenantID,
			AggregateType: domain.AggregateClient,
			AggregateID:   client.ID,
			Type:          domain.EventCROASigned,
		}}, nil
	})
	if err != nil {
		if err == storage.ErrNotFound {
			notFound(w, "client not found", err)
			return
		}
		internalError(w, "could not record CROA signature", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clientId": clientID, "croa": client.CROA})
}

type recordBureauResponseRequest struct {
	Bureau      domain.Bureau `json:"bureau"`
	Round       int           `json:"round"`
	Reinsertion bool          `json:"reinsertion"`
}

// RecordBureauResponse handles POST /commands/dispute/{clientId}/bureau-response.
// Bureau responses arrive by mail or portal outside the engine, so a human
// (or a mailroom-ingestion job, out of scope here) reports their content
// through this command; the engine only reacts to what's recorded.
func (h *Handler) RecordBureauResponse(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")
	var req recordBureauResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body", err)
		return
	}
	if req.Bureau == "" || req.Round <= 0 {
		badRequest(w, "bureau and round are required", nil)
		return
	}

	err := h.gateway.RunInTx(r.Context(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		client, err := tx.Clients().Get(ctx, clientID)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Rounds().ByClientBureauRound(ctx, clientID, req.Bureau, req.Round); err != nil {
			return nil, err
		}

		payload, marshalErr := json.Marshal(struct {
			ClientID    string        `json:"client_id"`
			Bureau      domain.Bureau `json:"bureau"`
			Round       int           `json:"round"`
			Reinsertion bool          `json:"reinsertion"`
		}{clientID, req.Bureau, req.Round, req.Reinsertion})
		if marshalErr != nil {
			return nil, marshalErr
		}
		return []domain.DomainEvent{{
			TenantID:      client.TenantID,
			AggregateType: domain.AggregateClient,
			AggregateID:   clientID,
			Type:          domain.EventResponseReceived,
			Payload:       payload,
		}}, nil
	})
	if err != nil {
		if err == storage.ErrNotFound {
			notFound(w, "client or round not found", err)
			return
		}
		internalError(w, "could not record bureau response", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"clientId": clientID, "bureau": req.Bureau, "round": req.Round})
}

// PaymentWebhook handles POST /webhooks/payments.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, "could not read request body", err)
		return
	}
	sig := r.Header.Get("X-Signature")

	ev, err := h.payments.ParseWebhook(body, sig)
	if err != nil {
		unprocessable(w, "webhook verification failed", err)
		return
	}

	if h.dedup.Seen(r.Context(), "payment_webhook", ev.ProviderEventID) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	err = h.gateway.RunInTx(r.Context(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		if _, dupErr := tx.Payments().ByProviderEventID(ctx, ev.ProviderEventID); dupErr == nil {
			return nil, nil
		} else if dupErr != storage.ErrNotFound {
			return nil, dupErr
		}

		payment, findErr := tx.Payments().ByProviderRef(ctx, ev.ProviderRef)
		if findErr != nil {
			return nil, findErr
		}

		switch ev.EventType {
		case "captured":
			payment.Status = domain.PaymentCaptured
		case "failed":
			payment.Status = domain.PaymentFailed
		case "refunded":
			payment.Status = domain.PaymentRefunded
		default:
			return nil, fmt.Errorf("paymentgateway: unrecognized webhook event type %q", ev.EventType)
		}
		payment.ProviderEventID = ev.ProviderEventID
		payment, putErr := tx.Payments().Put(ctx, payment)
		if putErr != nil {
			return nil, putErr
		}

		if _, auditErr := tx.AuditLogs().Append(ctx, domain.AuditLog{
			TenantID:   payment.TenantID,
			Actor:      "payment_webhook",
			Action:     ev.EventType,
			Resource:   "payment",
			ResourceID: payment.ID,
			AfterHash:  ev.ProviderEventID,
		}); auditErr != nil {
			return nil, auditErr
		}

		if payment.Kind != domain.PaymentRound {
			return nil, nil
		}
		eventType := domain.EventPaymentCaptured
		if ev.EventType == "failed" {
			eventType = domain.EventPaymentFailed
		} else if ev.EventType == "refunded" {
			return nil, nil
		}
		payload, marshalErr := json.Marshal(map[string]any{
			"client_id": payment.ClientID,
			"bureau":    payment.Bureau,
			"round":     payment.Round,
		})
		if marshalErr != nil {
			return nil, marshalErr
		}
		return []domain.DomainEvent{{
			TenantID:      payment.TenantID,
			AggregateType: domain.AggregatePayment,
			AggregateID:   payment.ID,
			Type:          eventType,
			Payload:       payload,
		}}, nil
	})
	if err != nil {
		if err == storage.ErrNotFound {
			notFound(w, "no payment found for that provider reference", err)
			return
		}
		internalError(w, "could not process webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type clientStatusResponse struct {
	ClientID     string               `json:"clientId"`
	Stage        domain.ClientStage   `json:"stage"`
	CurrentRound int                  `json:"currentRound"`
	Rounds       []domain.Round       `json:"rounds"`
	DisputeItems []domain.DisputeItem `json:"disputeItems"`
	LatestReport *domain.CreditReport `json:"latestCreditReport,omitempty"`
}

// ClientStatus handles GET /status/client/{id}, a denormalized read
// projection for staff and client-facing UIs.
func (h *Handler) ClientStatus(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "id")

	var resp clientStatusResponse
	err := h.gateway.RunInTx(r.Context(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		client, err := tx.Clients().Get(ctx, clientID)
		if err != nil {
			return nil, err
		}
		resp.ClientID = client.ID
		resp.Stage = client.Stage
		resp.CurrentRound = client.CurrentRound

		for _, bureau := range domain.AllBureaus {
			round, err := tx.Rounds().ByClientBureauRound(ctx, clientID, bureau, client.CurrentRound)
			if err == storage.ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			resp.Rounds = append(resp.Rounds, round)
		}

		items, err := tx.DisputeItems().ListByClient(ctx, clientID)
		if err != nil {
			return nil, err
		}
		resp.DisputeItems = items

		report, err := tx.CreditReports().Latest(ctx, clientID)
		if err == nil {
			resp.LatestReport = &report
		} else if err != storage.ErrNotFound {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		if err == storage.ErrNotFound {
			notFound(w, "client not found", err)
			return
		}
		internalError(w, "could not load client status", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
