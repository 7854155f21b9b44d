package globalpay

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kodax/payment-router/internal/connector"
	"github.com/kodax/payment-router/internal/domain/event"
	"github.com/kodax/payment-router/internal/domain/model"
)

const Name = "globalpay"

// signatureHeader carries the SHA-512 digest of payload+secret that Global
// Payments attaches to webhook deliveries.
const signatureHeader = "X-Gp-Signature"

// Adapter implements the Global Payments card connector. It supports
// authorize, capture, sync, refund, and signed webhooks.
type Adapter struct {
	transport connector.Transport
}

func New(transport connector.Transport) *Adapter {
	return &Adapter{transport: transport}
}

func (a *Adapter) Name() string { return Name }

// Authorize initiates a SALE transaction. CaptureMode AUTO charges in one
// step; LATER leaves the transaction preauthorized for an explicit capture.
func (a *Adapter) Authorize(ctx context.Context, creds connector.Credentials, req connector.AuthorizeRequest) (*connector.PaymentResponse, error) {
	captureMode := "AUTO"
	if req.CaptureMethod == model.CaptureManual {
		captureMode = "LATER"
	}

	wire := paymentRequest{
		AccountName: creds.MerchantID,
		Type:        "SALE",
		Channel:     "CNP",
		CaptureMode: captureMode,
		Amount:      strconv.FormatInt(req.AmountMinor, 10),
		Currency:    req.Currency,
		Reference:   req.AttemptID.String(),
	}
	if req.PaymentMethod.Card != nil {
		wire.PaymentMethod = &paymentMethod{
			Name:      req.PaymentMethod.Card.HolderName,
			EntryMode: "ECOM",
			Card: &card{
				Number:      req.PaymentMethod.Card.Number,
				ExpiryMonth: req.PaymentMethod.Card.ExpiryMonth,
				ExpiryYear:  req.PaymentMethod.Card.ExpiryYear,
				CVV:         req.PaymentMethod.Card.CVC,
			},
		}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, connector.InvalidRequestError(Name, fmt.Sprintf("encode authorize request: %v", err))
	}
	return a.roundTripPayment(ctx, creds, connector.Request{
		Method: http.MethodPost,
		Path:   "/ucp/transactions",
		Body:   body,
	})
}

// Capture commits a preauthorized transaction.
func (a *Adapter) Capture(ctx context.Context, creds connector.Credentials, req connector.CaptureRequest) (*connector.PaymentResponse, error) {
	if req.ConnectorTxnRef == "" {
		return nil, connector.InvalidRequestError(Name, "capture requires a connector transaction reference")
	}
	body, err := json.Marshal(captureRequest{Amount: strconv.FormatInt(req.AmountMinor, 10)})
	if err != nil {
		return nil, connector.InvalidRequestError(Name, fmt.Sprintf("encode capture request: %v", err))
	}
	return a.roundTripPayment(ctx, creds, connector.Request{
		Method: http.MethodPost,
		Path:   "/ucp/transactions/" + req.ConnectorTxnRef + "/capture",
		Body:   body,
	})
}

// Sync fetches the processor's current view of a transaction.
func (a *Adapter) Sync(ctx context.Context, creds connector.Credentials, req connector.SyncRequest) (*connector.PaymentResponse, error) {
	if req.ConnectorTxnRef == "" {
		return nil, connector.InvalidRequestError(Name, "sync requires a connector transaction reference")
	}
	return a.roundTripPayment(ctx, creds, connector.Request{
		Method: http.MethodGet,
		Path:   "/ucp/transactions/" + req.ConnectorTxnRef,
	})
}

// Refund returns captured funds.
func (a *Adapter) Refund(ctx context.Context, creds connector.Credentials, req connector.RefundRequest) (*connector.RefundResponse, error) {
	if req.ConnectorTxnRef == "" {
		return nil, connector.InvalidRequestError(Name, "refund requires a connector transaction reference")
	}
	body, err := json.Marshal(refundRequest{Amount: strconv.FormatInt(req.AmountMinor, 10)})
	if err != nil {
		return nil, connector.InvalidRequestError(Name, fmt.Sprintf("encode refund request: %v", err))
	}

	resp, err := a.call(ctx, creds, connector.Request{
		Method: http.MethodPost,
		Path:   "/ucp/transactions/" + req.ConnectorTxnRef + "/refund",
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	var wire refundResponse
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return nil, connector.InvalidRequestError(Name, fmt.Sprintf("decode refund response: %v", err))
	}
	status, ok := mapRefundStatus(wire.Status)
	if !ok {
		return nil, connector.UnmappedStatusError(Name, wire.Status)
	}
	return &connector.RefundResponse{Status: status, ConnectorRefundRef: wire.ID}, nil
}

// VerifyWebhook checks the SHA-512 digest of payload+secret against the
// signature header. Fails closed on a missing or mismatched signature.
func (a *Adapter) VerifyWebhook(creds connector.Credentials, body []byte, headers http.Header) error {
	got := headers.Get(signatureHeader)
	if got == "" {
		return fmt.Errorf("missing %s header", signatureHeader)
	}
	sum := sha512.Sum512(append(append([]byte{}, body...), []byte(creds.APISecret)...))
	want := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return errors.New("webhook signature mismatch")
	}
	return nil
}

// ParseWebhook translates a verified notification into a connector event.
// The attempt is correlated later by connector transaction reference, so
// AttemptID is left zero here.
func (a *Adapter) ParseWebhook(body []byte) (*event.ConnectorEvent, error) {
	var wire webhookPayload
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if wire.ID == "" {
		return nil, errors.New("webhook payload missing transaction id")
	}
	status, ok := mapStatus(wire.Status)
	if !ok {
		return nil, connector.UnmappedStatusError(Name, wire.Status)
	}
	return &event.ConnectorEvent{
		Source:          event.SourceWebhook,
		Connector:       Name,
		ObservedStatus:  status,
		ConnectorTxnRef: wire.ID,
		ObservedAt:      time.Now().UTC(),
	}, nil
}

func (a *Adapter) roundTripPayment(ctx context.Context, creds connector.Credentials, req connector.Request) (*connector.PaymentResponse, error) {
	resp, err := a.call(ctx, creds, req)
	if err != nil {
		return nil, err
	}

	var wire paymentResponse
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return nil, connector.InvalidRequestError(Name, fmt.Sprintf("decode payment response: %v", err))
	}
	status, ok := mapStatus(wire.Status)
	if !ok {
		return nil, connector.UnmappedStatusError(Name, wire.Status)
	}
	return &connector.PaymentResponse{Status: status, ConnectorTxnRef: wire.ID}, nil
}

// call performs one transport exchange and converts HTTP-level failures
// into typed connector errors. Adapters never retry; that policy lives in
// the polling coordinator.
func (a *Adapter) call(ctx context.Context, creds connector.Credentials, req connector.Request) (*connector.Response, error) {
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["Authorization"] = "Bearer " + creds.APIKey
	req.Headers["Content-Type"] = "application/json"
	req.Headers["X-GP-Version"] = "2021-03-22"

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
		var wire errorResponse
		reason := fmt.Sprintf("processor returned status %d", resp.StatusCode)
		if err := json.Unmarshal(resp.Body, &wire); err == nil && wire.DetailedMessage != "" {
			reason = wire.DetailedMessage
		}
		return nil, connector.InvalidRequestError(Name, reason)
	}
	return resp, nil
}
