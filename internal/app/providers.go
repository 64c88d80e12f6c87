package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/disputeflow/core/internal/adapters/adaptererr"
	"github.com/disputeflow/core/internal/adapters/aiwriter"
	"github.com/disputeflow/core/internal/adapters/creditscraper"
	"github.com/disputeflow/core/internal/adapters/notifier"
	"github.com/disputeflow/core/internal/adapters/paymentgateway"
	"github.com/disputeflow/core/internal/domain"
)

// unconfiguredCreditScraperClient fails every pull until an operator wires
// a real per-provider ProviderClient. creditscraper.ProviderClient is an
// operator-pluggable seam with no CORE_* endpoint of its own: each bureau
// and specialty provider needs its own headless-browser flow, which this
// module cannot ship generically.
type unconfiguredCreditScraperClient struct{}

func (unconfiguredCreditScraperClient) FetchReport(_ context.Context, provider string, _ creditscraper.Credentials) (domain.CreditReport, error) {
	return domain.CreditReport{}, fmt.Errorf("creditscraper: no provider client configured for %q", provider)
}

// unconfiguredPaymentProvider fails every operation until an operator wires
// a real processor integration behind paymentgateway.Provider.
type unconfiguredPaymentProvider struct{}

func (unconfiguredPaymentProvider) Create(context.Context, string, domain.PaymentKind, int64) (string, error) {
	return "", fmt.Errorf("paymentgateway: no provider configured")
}
func (unconfiguredPaymentProvider) Capture(context.Context, string) error {
	return fmt.Errorf("paymentgateway: no provider configured")
}
func (unconfiguredPaymentProvider) Refund(context.Context, string) error {
	return fmt.Errorf("paymentgateway: no provider configured")
}
func (unconfiguredPaymentProvider) Hold(context.Context, string, int64) (string, error) {
	return "", fmt.Errorf("paymentgateway: no provider configured")
}

// unconfiguredSender fails every send until an operator wires a real
// email/SMS/push transport behind notifier.Sender.
type unconfiguredSender struct{}

func (unconfiguredSender) Send(_ context.Context, msg notifier.Message) error {
	return fmt.Errorf("notifier: no sender configured for channel %q", msg.Channel)
}

// NewUnconfiguredCreditScraperClient returns the placeholder
// creditscraper.ProviderClient wired by default; operators replace it by
// constructing their own creditscraper.Adapter with a real ProviderClient.
func NewUnconfiguredCreditScraperClient() creditscraper.ProviderClient {
	return unconfiguredCreditScraperClient{}
}

// NewUnconfiguredPaymentProvider returns the placeholder
// paymentgateway.Provider wired by default.
func NewUnconfiguredPaymentProvider() paymentgateway.Provider {
	return unconfiguredPaymentProvider{}
}

// NewUnconfiguredSender returns the placeholder notifier.Sender wired by
// default.
func NewUnconfiguredSender() notifier.Sender {
	return unconfiguredSender{}
}

// httpAIProvider drives aiwriter.Provider over a plain JSON-over-HTTP
// completion endpoint, the wire shape CORE_AI_ENDPOINT names. It is the one
// external adapter seam this module ships a real transport for, since
// spec.md pins AIWriter to a single configured endpoint rather than leaving
// it fully operator-pluggable like the bureau scraper and payment
// processor.
type httpAIProvider struct {
	endpoint string
	client   *http.Client
}

// NewHTTPAIProvider constructs an aiwriter.Provider that POSTs a
// completion request to endpoint and decodes a Completion back.
func NewHTTPAIProvider(endpoint string, timeout time.Duration) aiwriter.Provider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpAIProvider{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

type aiCompletionRequest struct {
	ConversationID string            `json:"conversation_id"`
	ClientID       string            `json:"client_id"`
	Round          int               `json:"round"`
	Recipient      domain.Recipient  `json:"recipient"`
	Kind           domain.LetterKind `json:"kind"`
}

type aiCompletionResponse struct {
	Text          string `json:"text"`
	TokensUsed    int    `json:"tokens_used"`
	Blocked       bool   `json:"blocked"`
	BlockedReason string `json:"blocked_reason"`
}

func (p *httpAIProvider) Complete(ctx context.Context, req aiwriter.Request) (aiwriter.Completion, error) {
	if p.endpoint == "" {
		return aiwriter.Completion{}, fmt.Errorf("aiwriter: CORE_AI_ENDPOINT is not configured")
	}
	body, err := json.Marshal(aiCompletionRequest{
		ConversationID: req.ConversationID,
		ClientID:       req.Client.ID,
		Round:          req.Round,
		Recipient:      req.Recipient,
		Kind:           req.Kind,
	})
	if err != nil {
		return aiwriter.Completion{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return aiwriter.Completion{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return aiwriter.Completion{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return aiwriter.Completion{}, fmt.Errorf("aiwriter: endpoint returned status %d", resp.StatusCode)
	}

	var decoded aiCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return aiwriter.Completion{}, err
	}
	return aiwriter.Completion{
		Text:          decoded.Text,
		TokensUsed:    decoded.TokensUsed,
		Blocked:       decoded.Blocked,
		BlockedReason: decoded.BlockedReason,
	}, nil
}

// ParseSFTPSigner parses CORE_SFTP_KEY_REF as a PEM-encoded SSH private
// key. Operators that keep keys in an external secret store resolve the
// reference to PEM bytes before process start and pass the result in as
// this value, the same as every other CORE_* secret in this module's
// configuration.
func ParseSFTPSigner(pemKey string) (ssh.Signer, error) {
	if pemKey == "" {
		return nil, fmt.Errorf("mailsftp: CORE_SFTP_KEY_REF is not configured")
	}
	signer, err := ssh.ParsePrivateKey([]byte(pemKey))
	if err != nil {
		return nil, adaptererr.NewPermanent("mailsftp", "parse_signer", err)
	}
	return signer, nil
}
