// Package creditscraper implements the CreditScraper external adapter: it
// decrypts one (client, provider) bureau credential pair, drives a
// per-provider headless-browser pull through a narrow ProviderClient seam,
// and returns the structured report for the task handler to persist.
// Concurrent pulls for the same (client, provider) coalesce to one task
// through the Task Queue's idempotency key, not inside this package.
package creditscraper

import (
	"context"
	"fmt"

	"github.com/disputeflow/core/internal/adapters/adaptererr"
	"github.com/disputeflow/core/internal/crypto"
	"github.com/disputeflow/core/internal/domain"
)

const adapterName = "creditscraper"

// Credentials is one decrypted (client, provider) login pair. It is never
// logged and never leaves this package in plaintext.
type Credentials struct {
	Username string
	Password string
}

// ProviderClient drives the actual per-provider headless-browser flow and
// returns the report it scraped. Production implementations are provided
// per provider by the operator; this package supplies the credential
// handling, error classification, and report plumbing around whichever
// ProviderClient is configured.
type ProviderClient interface {
	FetchReport(ctx context.Context, provider string, creds Credentials) (domain.CreditReport, error)
}

// Adapter decrypts credentials and drives a ProviderClient pull.
type Adapter struct {
	client    ProviderClient
	masterKey []byte
}

// New constructs an Adapter. masterKey is the tenant master key
// EncryptedBureauCreds was sealed under.
func New(client ProviderClient, masterKey []byte) *Adapter {
	return &Adapter{client: client, masterKey: masterKey}
}

// credentialInfo is the HKDF info string a (client, provider) pair's
// bureau-credential key is derived under; see Client.EncryptedBureauCreds.
func credentialInfo(provider string) string {
	return fmt.Sprintf("bureau_creds:%s", provider)
}

// DecryptCredentials recovers the plaintext login for one provider from a
// Client's EncryptedBureauCreds map.
func DecryptCredentials(masterKey []byte, clientID, provider string, encrypted []byte) (Credentials, error) {
	key, err := crypto.DeriveKey(masterKey, []byte(clientID), credentialInfo(provider))
	if err != nil {
		return Credentials{}, err
	}
	plaintext, err := crypto.Decrypt(key, encrypted)
	if err != nil {
		return Credentials{}, fmt.Errorf("creditscraper: decrypt credentials: %w", err)
	}
	var creds Credentials
	if err := unmarshalCredentials(plaintext, &creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// Pull decrypts the credential pair for (clientID, provider) and drives a
// ProviderClient fetch. Failures are classified: a provider login failure
// is PolicyBlocked (the credential itself is bad, retrying will not help
// and staff must re-enter it); anything else from the provider client is
// Transient.
func (a *Adapter) Pull(ctx context.Context, clientID, provider string, encryptedCreds []byte) (domain.CreditReport, error) {
	creds, err := DecryptCredentials(a.masterKey, clientID, provider, encryptedCreds)
	if err != nil {
		return domain.CreditReport{}, adaptererr.NewPermanent(adapterName, "decrypt_credentials", err)
	}

	report, err := a.client.FetchReport(ctx, provider, creds)
	if err != nil {
		if loginErr, ok := err.(*LoginError); ok {
			return domain.CreditReport{}, adaptererr.NewPolicyBlocked(adapterName, "fetch_report", loginErr)
		}
		return domain.CreditReport{}, adaptererr.NewTransient(adapterName, "fetch_report", err)
	}
	report.Provider = provider
	report.ClientID = clientID
	return report, nil
}

// LoginError signals the provider rejected the credential pair itself
// (bad password, MFA required, account locked) rather than a transient
// network or page-layout failure.
type LoginError struct{ Reason string }

func (e *LoginError) Error() string { return fmt.Sprintf("creditscraper: login rejected: %s", e.Reason) }
