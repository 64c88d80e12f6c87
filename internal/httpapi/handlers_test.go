package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/disputeflow/core/internal/adapters/mailsftp"
	"github.com/disputeflow/core/internal/adapters/paymentgateway"
	"github.com/disputeflow/core/internal/batchpipeline"
	"github.com/disputeflow/core/internal/clock"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/eventbus"
	"github.com/disputeflow/core/internal/roundmachine"
	"github.com/disputeflow/core/internal/storage"
	"github.com/disputeflow/core/internal/storage/memory"
	"github.com/disputeflow/core/internal/taskqueue"
)

var frozenNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type noopTransport struct{}

func (noopTransport) WriteFile(context.Context, string, []byte) error    { return nil }
func (noopTransport) Rename(context.Context, string, string) error      { return nil }
func (noopTransport) ReadDir(context.Context, string) ([]string, error) { return nil, nil }
func (noopTransport) ReadFile(context.Context, string) ([]byte, error)  { return nil, nil }
func (noopTransport) Close() error                                      { return nil }

type noopPaymentProvider struct{}

func (noopPaymentProvider) Create(context.Context, string, domain.PaymentKind, int64) (string, error) {
	return "ref", nil
}
func (noopPaymentProvider) Capture(context.Context, string) error { return nil }
func (noopPaymentProvider) Refund(context.Context, string) error  { return nil }
func (noopPaymentProvider) Hold(context.Context, string, int64) (string, error) {
	return "ref", nil
}

const webhookSecret = "whsec_test"

func newHarness(t *testing.T) (storage.Gateway, *Handler) {
	t.Helper()
	store := memory.New()
	clk := clock.NewFrozen(frozenNow, "UTC", clock.DefaultUSFederalCalendar())
	bus := eventbus.New(nil)
	queue := taskqueue.New(store, bus, clk, nil, taskqueue.Config{})
	machine := roundmachine.New(store, queue, clk, nil)
	sftp := mailsftp.New(func(context.Context) (mailsftp.Transport, error) { return noopTransport{}, nil })
	pipeline := batchpipeline.New(store, queue, sftp, "outbound", 1100, clk, nil)
	payments := paymentgateway.New(noopPaymentProvider{}, webhookSecret)
	return store, New(store, queue, machine, pipeline, payments, nil, clk, nil)
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

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestAdvanceRoundReturns409WhenNothingPendingApproval(t *testing.T) {
	gw, h := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageActive})

	body, _ := json.Marshal(map[string]any{"round": 1})
	req := httptest.NewRequest(http.MethodPost, "/commands/dispute/"+client.ID+"/advance-round", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdvanceRoundSucceedsWhenPendingApproval(t *testing.T) {
	gw, h := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageActive})
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		_, err := tx.Rounds().Put(ctx, domain.Round{
			TenantID: "t1", ClientID: client.ID, Bureau: domain.BureauEquifax, Number: 1,
			State: domain.RoundPendingApproval,
		})
		return nil, err
	})
	if err != nil {
		t.Fatalf("seed round: %v", err)
	}

	body, _ := json.Marshal(map[string]any{"round": 1, "approvedBatchId": "batch-1"})
	req := httptest.NewRequest(http.MethodPost, "/commands/dispute/"+client.ID+"/advance-round", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestApproveBatchNotFoundReturns404(t *testing.T) {
	_, h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/commands/letters/batch/missing/approve", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestApproveBatchAccepted(t *testing.T) {
	gw, h := newHarness(t)
	var batch domain.LetterBatch
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		var err error
		batch, err = tx.LetterBatches().Put(ctx, domain.LetterBatch{TenantID: "t1", Status: domain.BatchDraft, LetterIDs: []string{"l1"}})
		return nil, err
	})
	if err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/commands/letters/batch/"+batch.ID+"/approve", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestImportCreditReportEnqueuesTask(t *testing.T) {
	gw, h := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageActive})

	body, _ := json.Marshal(map[string]string{"clientId": client.ID, "provider": "equifax", "credentialsRef": "cred-1"})
	req := httptest.NewRequest(http.MethodPost, "/commands/credit-report/import", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["task_id"] == "" {
		t.Fatal("expected task_id in response")
	}
}

func TestRecordCROASignatureSetsCancellationPeriod(t *testing.T) {
	gw, h := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageOnboarding})

	req := httptest.NewRequest(http.MethodPost, "/commands/dispute/"+client.ID+"/croa-signature", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		got, err := tx.Clients().Get(ctx, client.ID)
		if err != nil {
			return nil, err
		}
		if got.CROA.SignedAt.IsZero() {
			t.Fatal("expected CROA.SignedAt to be set")
		}
		if !got.CROA.CancellationPeriodEnd.After(got.CROA.SignedAt) {
			t.Fatalf("expected cancellation period to land after signing, got %v", got.CROA.CancellationPeriodEnd)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("reload client: %v", err)
	}
}

func TestRecordCROASignatureNotFound(t *testing.T) {
	_, h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/commands/dispute/missing/croa-signature", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRecordBureauResponseRejectsMissingRound(t *testing.T) {
	gw, h := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageActive})

	body, _ := json.Marshal(map[string]any{"bureau": domain.BureauEquifax, "round": 1})
	req := httptest.NewRequest(http.MethodPost, "/commands/dispute/"+client.ID+"/bureau-response", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRecordBureauResponseAccepted(t *testing.T) {
	gw, h := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageActive})
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		_, err := tx.Rounds().Put(ctx, domain.Round{
			TenantID: "t1", ClientID: client.ID, Bureau: domain.BureauEquifax, Number: 1,
			State: domain.RoundInFlight,
		})
		return nil, err
	})
	if err != nil {
		t.Fatalf("seed round: %v", err)
	}

	body, _ := json.Marshal(map[string]any{"bureau": domain.BureauEquifax, "round": 1, "reinsertion": true})
	req := httptest.NewRequest(http.MethodPost, "/commands/dispute/"+client.ID+"/bureau-response", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPaymentWebhookCapturesRoundPayment(t *testing.T) {
	gw, h := newHarness(t)
	var payment domain.Payment
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		var err error
		payment, err = tx.Payments().Put(ctx, domain.Payment{
			TenantID: "t1", ClientID: "client-1", Kind: domain.PaymentRound,
			Bureau: domain.BureauEquifax, Round: 1, AmountMinor: 1100,
			Status: domain.PaymentHeld, ProviderRef: "ref-1",
		})
		return nil, err
	})
	if err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	payload := []byte(`{"event_id":"evt_1","payment_ref":"ref-1","type":"captured","amount_minor":1100}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set("X-Signature", sign(webhookSecret, payload))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var got domain.Payment
	err = gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		var err error
		got, err = tx.Payments().Get(ctx, payment.ID)
		return nil, err
	})
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if got.Status != domain.PaymentCaptured {
		t.Fatalf("expected payment captured, got %s", got.Status)
	}
}

func TestPaymentWebhookReplayIsIdempotent(t *testing.T) {
	gw, h := newHarness(t)
	var payment domain.Payment
	errSeed := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		var err error
		payment, err = tx.Payments().Put(ctx, domain.Payment{
			TenantID: "t1", ClientID: "client-1", Kind: domain.PaymentRound,
			Bureau: domain.BureauEquifax, Round: 1, AmountMinor: 1100,
			Status: domain.PaymentHeld, ProviderRef: "ref-2",
		})
		return nil, err
	})
	if errSeed != nil {
		t.Fatalf("seed payment: %v", errSeed)
	}

	payload := []byte(`{"event_id":"evt_2","payment_ref":"ref-2","type":"captured","amount_minor":1100}`)
	sig := sign(webhookSecret, payload)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
		req.Header.Set("X-Signature", sig)
		rec := httptest.NewRecorder()
		h.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	_ = payment
}

// TestDuplicateWebhook delivers the same provider event twice and asserts
// the second delivery is a pure no-op: one payment.captured event, one
// audit log entry, one state transition.
func TestDuplicateWebhook(t *testing.T) {
	gw, h := newHarness(t)
	var payment domain.Payment
	errSeed := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		var err error
		payment, err = tx.Payments().Put(ctx, domain.Payment{
			TenantID: "t1", ClientID: "client-1", Kind: domain.PaymentRound,
			Bureau: domain.BureauEquifax, Round: 1, AmountMinor: 1100,
			Status: domain.PaymentHeld, ProviderRef: "ref-123",
		})
		return nil, err
	})
	if errSeed != nil {
		t.Fatalf("seed payment: %v", errSeed)
	}

	payload := []byte(`{"event_id":"evt_123","payment_ref":"ref-123","type":"captured","amount_minor":1100}`)
	sig := sign(webhookSecret, payload)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
		req.Header.Set("X-Signature", sig)
		rec := httptest.NewRecorder()
		h.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	events, err := gw.EventsSince(context.Background(), payment.ID, 0)
	if err != nil {
		t.Fatalf("read back events: %v", err)
	}
	var (
		audits []domain.AuditLog
		final  domain.Payment
	)
	err = gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		var err error
		audits, err = tx.AuditLogs().ListByResource(ctx, "payment", payment.ID)
		if err != nil {
			return nil, err
		}
		final, err = tx.Payments().Get(ctx, payment.ID)
		return nil, err
	})
	if err != nil {
		t.Fatalf("read back state: %v", err)
	}

	captured := 0
	for _, ev := range events {
		if ev.Type == domain.EventPaymentCaptured {
			captured++
		}
	}
	if captured != 1 {
		t.Fatalf("expected exactly one payment.captured event, got %d", captured)
	}
	if len(audits) != 1 {
		t.Fatalf("expected exactly one audit log entry, got %d", len(audits))
	}
	if final.Status != domain.PaymentCaptured {
		t.Fatalf("expected payment captured exactly once, got %s", final.Status)
	}
}

func TestPaymentWebhookBadSignatureRejected(t *testing.T) {
	_, h := newHarness(t)
	payload := []byte(`{"event_id":"evt_3","payment_ref":"ref-3","type":"captured"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set("X-Signature", sign("wrong-secret", payload))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestClientStatusReturnsDenormalizedView(t *testing.T) {
	gw, h := newHarness(t)
	client := putClient(t, gw, domain.Client{TenantID: "t1", Stage: domain.StageActive, CurrentRound: 1})
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		_, err := tx.Rounds().Put(ctx, domain.Round{
			TenantID: "t1", ClientID: client.ID, Bureau: domain.BureauEquifax, Number: 1, State: domain.RoundInFlight,
		})
		return nil, err
	})
	if err != nil {
		t.Fatalf("seed round: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status/client/"+client.ID, nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp clientStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Rounds) != 1 {
		t.Fatalf("expected 1 round in status, got %d", len(resp.Rounds))
	}
}

func TestClientStatusNotFoundReturns404(t *testing.T) {
	_, h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/status/client/missing", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}
