// Package cryptopay implements the Cryptopay crypto-payment connector.
// Crypto charges settle asynchronously and can land underpaid or overpaid,
// which is the main producer of the Unresolved canonical status.
package cryptopay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kodax/payment-router/internal/connector"
	"github.com/kodax/payment-router/internal/domain/event"
)

const Name = "cryptopay"

const signatureHeader = "X-Cryptopay-Signature"

// Adapter supports authorize (invoice creation), sync, refund, and signed
// webhooks. Capture does not exist for crypto invoices: funds either arrive
// in full, partially, or not at all.
type Adapter struct {
	transport connector.Transport
}

func New(transport connector.Transport) *Adapter {
	return &Adapter{transport: transport}
}

func (a *Adapter) Name() string { return Name }

// Authorize creates a hosted invoice. The payer is redirected to complete
// the transfer, so the immediate result is always non-terminal.
func (a *Adapter) Authorize(ctx context.Context, creds connector.Credentials, req connector.AuthorizeRequest) (*connector.PaymentResponse, error) {
	wire := invoiceRequest{
		PriceAmount:   minorToDecimal(req.AmountMinor),
		PriceCurrency: req.Currency,
		CustomID:      req.AttemptID.String(),
	}
	if req.PaymentMethod.Crypto != nil {
		wire.PayCurrency = req.PaymentMethod.Crypto.PayCurrency
		wire.Network = req.PaymentMethod.Crypto.Network
	}
	if wire.PayCurrency == "" {
		return nil, connector.InvalidRequestError(Name, "crypto payment requires a pay currency")
	}

	body, err := json.Marshal(invoiceEnvelope{Invoice: wire})
	if err != nil {
		return nil, connector.InvalidRequestError(Name, fmt.Sprintf("encode invoice request: %v", err))
	}
	return a.roundTripInvoice(ctx, creds, connector.Request{
		Method: http.MethodPost,
		Path:   "/api/invoices",
		Body:   body,
	})
}

// Sync fetches the invoice state.
func (a *Adapter) Sync(ctx context.Context, creds connector.Credentials, req connector.SyncRequest) (*connector.PaymentResponse, error) {
	if req.ConnectorTxnRef == "" {
		return nil, connector.InvalidRequestError(Name, "sync requires a connector transaction reference")
	}
	return a.roundTripInvoice(ctx, creds, connector.Request{
		Method: http.MethodGet,
		Path:   "/api/invoices/" + req.ConnectorTxnRef,
	})
}

// Refund requests a crypto refund to the payer's refund address on file.
func (a *Adapter) Refund(ctx context.Context, creds connector.Credentials, req connector.RefundRequest) (*connector.RefundResponse, error) {
	if req.ConnectorTxnRef == "" {
		return nil, connector.InvalidRequestError(Name, "refund requires a connector transaction reference")
	}
	resp, err := a.call(ctx, creds, connector.Request{
		Method: http.MethodPost,
		Path:   "/api/invoices/" + req.ConnectorTxnRef + "/refunds",
	})
	if err != nil {
		return nil, err
	}

	var wire refundEnvelope
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return nil, connector.InvalidRequestError(Name, fmt.Sprintf("decode refund response: %v", err))
	}
	switch wire.Refund.Status {
	case "completed":
		return &connector.RefundResponse{Status: connector.RefundSucceeded, ConnectorRefundRef: wire.Refund.ID}, nil
	case "new", "pending":
		return &connector.RefundResponse{Status: connector.RefundPending, ConnectorRefundRef: wire.Refund.ID}, nil
	case "failed":
		return &connector.RefundResponse{Status: connector.RefundFailed, ConnectorRefundRef: wire.Refund.ID}, nil
	}
	return nil, connector.UnmappedStatusError(Name, wire.Refund.Status)
}

// VerifyWebhook checks the HMAC-SHA256 signature Cryptopay computes over
// the raw payload with the API secret.
func (a *Adapter) VerifyWebhook(creds connector.Credentials, body []byte, headers http.Header) error {
	got := headers.Get(signatureHeader)
	if got == "" {
		return fmt.Errorf("missing %s header", signatureHeader)
	}
	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return errors.New("webhook signature mismatch")
	}
	return nil
}

// ParseWebhook translates a verified invoice notification.
func (a *Adapter) ParseWebhook(body []byte) (*event.ConnectorEvent, error) {
	var wire webhookPayload
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if wire.Data.ID == "" {
		return nil, errors.New("webhook payload missing invoice id")
	}
	status, ok := mapStatus(wire.Data.Status, wire.Data.StatusContext)
	if !ok {
		return nil, connector.UnmappedStatusError(Name, wire.Data.Status)
	}
	return &event.ConnectorEvent{
		Source:          event.SourceWebhook,
		Connector:       Name,
		ObservedStatus:  status,
		ConnectorTxnRef: wire.Data.ID,
		ObservedAt:      time.Now().UTC(),
	}, nil
}

func (a *Adapter) roundTripInvoice(ctx context.Context, creds connector.Credentials, req connector.Request) (*connector.PaymentResponse, error) {
	resp, err := a.call(ctx, creds, req)
	if err != nil {
		return nil, err
	}

	var wire invoiceResponseEnvelope
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return nil, connector.InvalidRequestError(Name, fmt.Sprintf("decode invoice response: %v", err))
	}
	status, ok := mapStatus(wire.Data.Status, wire.Data.StatusContext)
	if !ok {
		return nil, connector.UnmappedStatusError(Name, wire.Data.Status)
	}
	return &connector.PaymentResponse{Status: status, ConnectorTxnRef: wire.Data.ID}, nil
}

func (a *Adapter) call(ctx context.Context, creds connector.Credentials, req connector.Request) (*connector.Response, error) {
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["Authorization"] = "Bearer " + creds.APIKey
	req.Headers["Content-Type"] = "application/json"

	resp, err := a.transport.Do(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, connector.TimeoutError(Name, err)
		}
		return nil, connector.NetworkError(Name, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, connector.AuthenticationError(Name)
	case resp.StatusCode >= 500:
		return nil, connector.NetworkError(Name, fmt.Errorf("processor returned status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		var wire apiError
		reason := fmt.Sprintf("processor returned status %d", resp.StatusCode)
		if err := json.Unmarshal(resp.Body, &wire); err == nil && wire.Error.Message != "" {
			reason = wire.Error.Message
		}
		return nil, connector.InvalidRequestError(Name, reason)
	}
	return resp, nil
}

// minorToDecimal renders minor units as a two-decimal amount string, the
// format Cryptopay expects for fiat price amounts.
func minorToDecimal(minor int64) string {
	whole := minor / 100
	frac := minor % 100
	if frac < 0 {
		frac = -frac
	}
	return strconv.FormatInt(whole, 10) + "." + fmt.Sprintf("%02d", frac)
}
