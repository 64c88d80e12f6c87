// Package paymentgateway implements the PaymentGateway external adapter:
// create/capture/refund/hold operations against a provider, plus mandatory
// signature verification for the payment.* webhooks the provider posts
// back. Webhook dedup is left to the caller, keyed on the extracted
// ProviderEventID.
package paymentgateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/disputeflow/core/internal/adapters/adaptererr"
	"github.com/disputeflow/core/internal/domain"
)

const adapterName = "paymentgateway"

// Provider drives the actual charge operations against the payment
// processor.
type Provider interface {
	Create(ctx context.Context, clientID string, kind domain.PaymentKind, amountMinor int64) (providerRef string, err error)
	Capture(ctx context.Context, providerRef string) error
	Refund(ctx context.Context, providerRef string) error
	Hold(ctx context.Context, clientID string, amountMinor int64) (providerRef string, err error)
}

// Adapter wraps a Provider with the error classification spec.md requires
// of every External Adapter Layer gateway.
type Adapter struct {
	provider        Provider
	webhookSecret   string
}

// New constructs an Adapter. webhookSecret mirrors
// CORE_PAYMENT_WEBHOOK_SECRET and is mandatory for ParseWebhook.
func New(provider Provider, webhookSecret string) *Adapter {
	return &Adapter{provider: provider, webhookSecret: webhookSecret}
}

func (a *Adapter) Create(ctx context.Context, clientID string, kind domain.PaymentKind, amountMinor int64) (string, error) {
	ref, err := a.provider.Create(ctx, clientID, kind, amountMinor)
	if err != nil {
		return "", adaptererr.NewTransient(adapterName, "create", err)
	}
	return ref, nil
}

func (a *Adapter) Capture(ctx context.Context, providerRef string) error {
	if err := a.provider.Capture(ctx, providerRef); err != nil {
		return adaptererr.NewTransient(adapterName, "capture", err)
	}
	return nil
}

func (a *Adapter) Refund(ctx context.Context, providerRef string) error {
	if err := a.provider.Refund(ctx, providerRef); err != nil {
		return adaptererr.NewTransient(adapterName, "refund", err)
	}
	return nil
}

func (a *Adapter) Hold(ctx context.Context, clientID string, amountMinor int64) (string, error) {
	ref, err := a.provider.Hold(ctx, clientID, amountMinor)
	if err != nil {
		return "", adaptererr.NewTransient(adapterName, "hold", err)
	}
	return ref, nil
}

// WebhookEvent is one parsed, verified payment.* webhook delivery.
type WebhookEvent struct {
	ProviderEventID string
	ProviderRef     string
	EventType       string // e.g. "captured", "refunded", "failed"
	AmountMinor     int64
}

// ErrInvalidSignature is returned by ParseWebhook when the HMAC signature
// header does not match the computed digest of the body.
var ErrInvalidSignature = fmt.Errorf("paymentgateway: invalid webhook signature")

// ParseWebhook verifies the signature header against body under the
// configured webhook secret, then extracts the event fields with gjson.
// Verification is mandatory: a missing or empty secret always fails
// closed rather than accepting unsigned payloads.
func (a *Adapter) ParseWebhook(body []byte, signatureHex string) (WebhookEvent, error) {
	if a.webhookSecret == "" {
		return WebhookEvent{}, adaptererr.NewPermanent(adapterName, "parse_webhook", fmt.Errorf("paymentgateway: no webhook secret configured"))
	}
	if !verifySignature(a.webhookSecret, body, signatureHex) {
		return WebhookEvent{}, adaptererr.NewPermanent(adapterName, "parse_webhook", ErrInvalidSignature)
	}

	parsed := gjson.ParseBytes(body)
	ev := WebhookEvent{
		ProviderEventID: parsed.Get("event_id").String(),
		ProviderRef:     parsed.Get("payment_ref").String(),
		EventType:       parsed.Get("type").String(),
		AmountMinor:     parsed.Get("amount_minor").Int(),
	}
	if ev.ProviderEventID == "" {
		return WebhookEvent{}, adaptererr.NewPermanent(adapterName, "parse_webhook", fmt.Errorf("paymentgateway: webhook missing event_id"))
	}
	return ev, nil
}

func verifySignature(secret string, body []byte, signatureHex string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	given, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, given)
}
