package connector

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/kodax/payment-router/internal/domain/event"
	"github.com/kodax/payment-router/internal/domain/model"
)

// Adapter translates between the canonical payment model and one external
// processor's wire format. Implementations are pure translation: no retries,
// no state, transport delegated to the injected Transport. Capabilities
// beyond Sync are discovered by interface assertion, so a connector
// implements only the operations it supports.
type Adapter interface {
	// Name returns the connector identifier (e.g. "globalpay", "cryptopay").
	Name() string

	// Sync fetches the processor's current view of a transaction.
	Sync(ctx context.Context, creds Credentials, req SyncRequest) (*PaymentResponse, error)
}

// Authorizer initiates a payment (with automatic or manual capture).
type Authorizer interface {
	Adapter
	Authorize(ctx context.Context, creds Credentials, req AuthorizeRequest) (*PaymentResponse, error)
}

// Capturer captures previously authorized funds.
type Capturer interface {
	Adapter
	Capture(ctx context.Context, creds Credentials, req CaptureRequest) (*PaymentResponse, error)
}

// Refunder returns captured funds to the payer.
type Refunder interface {
	Adapter
	Refund(ctx context.Context, creds Credentials, req RefundRequest) (*RefundResponse, error)
}

// WebhookParser verifies and parses processor-originated notifications.
// VerifyWebhook failing means the payload must be rejected, never forwarded.
type WebhookParser interface {
	Adapter
	VerifyWebhook(creds Credentials, body []byte, headers http.Header) error
	ParseWebhook(body []byte) (*event.ConnectorEvent, error)
}

// Credentials is the opaque authentication material resolved by the
// registry. Adapters pick the fields their processor needs.
type Credentials struct {
	APIKey     string
	APISecret  string
	MerchantID string
}

// AuthorizeRequest is the canonical authorize input.
type AuthorizeRequest struct {
	AttemptID     uuid.UUID
	AmountMinor   int64
	Currency      string
	CaptureMethod model.CaptureMethod
	PaymentMethod PaymentMethod
}

// PaymentMethod carries the instrument details an adapter needs to build its
// wire request. Exactly one branch is set.
type PaymentMethod struct {
	Card   *CardDetails
	Crypto *CryptoDetails
}

type CardDetails struct {
	Number      string
	ExpiryMonth string
	ExpiryYear  string
	CVC         string
	HolderName  string
}

type CryptoDetails struct {
	PayCurrency string
	Network     string
}

// CaptureRequest captures funds for a previously authorized transaction.
type CaptureRequest struct {
	AttemptID       uuid.UUID
	ConnectorTxnRef string
	AmountMinor     int64
	Currency        string
}

// SyncRequest asks the processor for the current transaction state.
type SyncRequest struct {
	AttemptID       uuid.UUID
	ConnectorTxnRef string
}

// RefundRequest returns funds for a charged transaction.
type RefundRequest struct {
	AttemptID       uuid.UUID
	ConnectorTxnRef string
	AmountMinor     int64
	Currency        string
	Reason          string
}

// PaymentResponse is the canonical result of an authorize/capture/sync call.
type PaymentResponse struct {
	Status          model.AttemptStatus
	ConnectorTxnRef string
}

// RefundStatus is the canonical refund outcome.
type RefundStatus string

const (
	RefundSucceeded RefundStatus = "succeeded"
	RefundPending   RefundStatus = "pending"
	RefundFailed    RefundStatus = "failed"
)

// RefundResponse is the canonical result of a refund call.
type RefundResponse struct {
	Status             RefundStatus
	ConnectorRefundRef string
}

// Request is a wire-level request an adapter hands to its transport. Signing
// headers, TLS, and base URLs are transport concerns, not adapter concerns.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Response is the wire-level reply the transport hands back.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport performs one HTTP exchange with a processor. The production
// implementation lives outside this core; tests inject fakes.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}
