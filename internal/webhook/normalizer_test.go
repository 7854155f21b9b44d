package webhook

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodax/payment-router/internal/connector"
	"github.com/kodax/payment-router/internal/domain/event"
	"github.com/kodax/payment-router/internal/domain/model"
	"github.com/kodax/payment-router/internal/reconcile"
	"github.com/kodax/payment-router/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Fake implementations
// ---------------------------------------------------------------------------

// parserAdapter is a scripted connector with webhook capability.
type parserAdapter struct {
	verifyErr error
	parseErr  error
	ev        *event.ConnectorEvent
}

func (a *parserAdapter) Name() string { return "globalpay" }

func (a *parserAdapter) Sync(_ context.Context, _ connector.Credentials, _ connector.SyncRequest) (*connector.PaymentResponse, error) {
	return nil, errors.New("not used")
}

func (a *parserAdapter) VerifyWebhook(_ connector.Credentials, _ []byte, _ http.Header) error {
	return a.verifyErr
}

func (a *parserAdapter) ParseWebhook(_ []byte) (*event.ConnectorEvent, error) {
	if a.parseErr != nil {
		return nil, a.parseErr
	}
	cp := *a.ev
	return &cp, nil
}

// bareAdapter has no webhook capability.
type bareAdapter struct{}

func (bareAdapter) Name() string { return "legacypay" }
func (bareAdapter) Sync(_ context.Context, _ connector.Credentials, _ connector.SyncRequest) (*connector.PaymentResponse, error) {
	return nil, errors.New("not used")
}

type fakeAttempts struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]*model.PaymentAttempt
}

func newFakeAttempts(attempts ...*model.PaymentAttempt) *fakeAttempts {
	f := &fakeAttempts{attempts: make(map[uuid.UUID]*model.PaymentAttempt)}
	for _, a := range attempts {
		f.attempts[a.ID] = a
	}
	return f
}

func (f *fakeAttempts) Create(_ context.Context, a *model.PaymentAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[a.ID] = a
	return nil
}

func (f *fakeAttempts) Get(_ context.Context, id uuid.UUID) (*model.PaymentAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.attempts[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeAttempts) GetByConnectorRef(_ context.Context, connectorName, txnRef string) (*model.PaymentAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.Connector == connectorName && a.ConnectorTxnRef != nil && *a.ConnectorTxnRef == txnRef {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAttempts) ListByPayment(_ context.Context, _ string) ([]model.PaymentAttempt, error) {
	return nil, nil
}

func (f *fakeAttempts) UpdateStatusTx(_ context.Context, _ *sql.Tx, _ store.StatusUpdate) error {
	return nil
}

func (f *fakeAttempts) IncrementRetryCount(_ context.Context, _ uuid.UUID) error { return nil }

type fakeApplier struct {
	mu       sync.Mutex
	events   []event.ConnectorEvent
	result   reconcile.Result
	err      error
	failNext int
}

func (f *fakeApplier) ApplyEvent(_ context.Context, ev event.ConnectorEvent) (reconcile.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if f.failNext > 0 {
		f.failNext--
		return reconcile.Result{}, errors.New("db unavailable")
	}
	if f.err != nil {
		return reconcile.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeApplier) applied() []event.ConnectorEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.ConnectorEvent(nil), f.events...)
}

type fakeDedupe struct {
	seen  map[string]bool
	err   error
	marks int
}

func (f *fakeDedupe) Seen(_ context.Context, connectorName, txnRef, status string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.seen[connectorName+":"+txnRef+":"+status], nil
}

func (f *fakeDedupe) Mark(_ context.Context, connectorName, txnRef, status string) error {
	if f.err != nil {
		return f.err
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	f.seen[connectorName+":"+txnRef+":"+status] = true
	f.marks++
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func chargedEvent(txnRef string) *event.ConnectorEvent {
	return &event.ConnectorEvent{
		Source:          event.SourceWebhook,
		Connector:       "globalpay",
		ObservedStatus:  model.StatusCharged,
		ConnectorTxnRef: txnRef,
		ObservedAt:      time.Now().UTC(),
	}
}

func attemptWithRef(txnRef string) *model.PaymentAttempt {
	return &model.PaymentAttempt{
		ID:              uuid.New(),
		PaymentID:       "pay_1",
		MerchantID:      "merchant_001",
		ProfileID:       "profile_001",
		Connector:       "globalpay",
		Status:          model.StatusPending,
		ConnectorTxnRef: &txnRef,
	}
}

type fixture struct {
	normalizer *Normalizer
	applier    *fakeApplier
	attempts   *fakeAttempts
}

func newFixture(adapter connector.Adapter, attempts *fakeAttempts, dedupe DedupeCache) *fixture {
	registry := connector.NewRegistry()
	registry.Register(adapter.Name(), "profile_001", adapter, connector.Credentials{APIKey: "key", APISecret: "secret"})

	applier := &fakeApplier{result: reconcile.Result{Outcome: reconcile.OutcomeApplied, Status: model.StatusCharged}}
	return &fixture{
		normalizer: NewNormalizer(registry, attempts, applier, dedupe, testLogger()),
		applier:    applier,
		attempts:   attempts,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestProcess_VerifiedDeliveryApplied(t *testing.T) {
	attempt := attemptWithRef("gp_txn_7")
	adapter := &parserAdapter{ev: chargedEvent("gp_txn_7")}
	fx := newFixture(adapter, newFakeAttempts(attempt), nil)

	result, err := fx.normalizer.Process(context.Background(), "globalpay", "profile_001", []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, result.Outcome)

	applied := fx.applier.applied()
	require.Len(t, applied, 1)
	assert.Equal(t, attempt.ID, applied[0].AttemptID, "event must be correlated by txn ref")
	assert.Equal(t, event.SourceWebhook, applied[0].Source)
}

// TestProcess_VerificationFailsClosed pins the fail-closed contract: an
// unverifiable payload is rejected and never reaches the engine.
func TestProcess_VerificationFailsClosed(t *testing.T) {
	adapter := &parserAdapter{verifyErr: errors.New("signature mismatch"), ev: chargedEvent("gp_txn_7")}
	fx := newFixture(adapter, newFakeAttempts(), nil)

	_, err := fx.normalizer.Process(context.Background(), "globalpay", "profile_001", []byte(`{}`), http.Header{})
	require.Error(t, err)
	assert.True(t, IsRejection(err))
	assert.Empty(t, fx.applier.applied(), "rejected payloads never reach the engine")
}

func TestProcess_ParseFailureRejected(t *testing.T) {
	adapter := &parserAdapter{parseErr: errors.New("not json")}
	fx := newFixture(adapter, newFakeAttempts(), nil)

	_, err := fx.normalizer.Process(context.Background(), "globalpay", "profile_001", []byte(`garbage`), http.Header{})
	require.Error(t, err)
	assert.True(t, IsRejection(err))
	assert.Empty(t, fx.applier.applied())
}

func TestProcess_UnknownConnectorRejected(t *testing.T) {
	adapter := &parserAdapter{ev: chargedEvent("x")}
	fx := newFixture(adapter, newFakeAttempts(), nil)

	_, err := fx.normalizer.Process(context.Background(), "nosuchpay", "profile_001", []byte(`{}`), http.Header{})
	require.Error(t, err)
	assert.True(t, IsRejection(err))
}

func TestProcess_ConnectorWithoutWebhooksRejected(t *testing.T) {
	fx := newFixture(bareAdapter{}, newFakeAttempts(), nil)

	_, err := fx.normalizer.Process(context.Background(), "legacypay", "profile_001", []byte(`{}`), http.Header{})
	require.Error(t, err)
	assert.True(t, IsRejection(err))
}

// TestProcess_DuplicateShortCircuited verifies the dedupe cache absorbs a
// redelivery before the engine sees it.
func TestProcess_DuplicateShortCircuited(t *testing.T) {
	attempt := attemptWithRef("gp_txn_7")
	adapter := &parserAdapter{ev: chargedEvent("gp_txn_7")}
	dedupe := &fakeDedupe{seen: map[string]bool{"globalpay:gp_txn_7:charged": true}}
	fx := newFixture(adapter, newFakeAttempts(attempt), dedupe)

	result, err := fx.normalizer.Process(context.Background(), "globalpay", "profile_001", []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeIdempotent, result.Outcome)
	assert.Empty(t, fx.applier.applied())
}

// TestProcess_DedupeOutageFallsThrough verifies a cache failure degrades to
// a redundant apply instead of dropping the delivery.
func TestProcess_DedupeOutageFallsThrough(t *testing.T) {
	attempt := attemptWithRef("gp_txn_7")
	adapter := &parserAdapter{ev: chargedEvent("gp_txn_7")}
	dedupe := &fakeDedupe{err: errors.New("redis down")}
	fx := newFixture(adapter, newFakeAttempts(attempt), dedupe)

	result, err := fx.normalizer.Process(context.Background(), "globalpay", "profile_001", []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, result.Outcome)
	require.Len(t, fx.applier.applied(), 1)
}

// TestProcess_FailedApplyStaysEligibleForRedelivery pins the ordering of the
// dedupe mark: a delivery that fails in the engine is not recorded as seen,
// so the sender's redelivery reaches the engine instead of short-circuiting
// as a duplicate.
func TestProcess_FailedApplyStaysEligibleForRedelivery(t *testing.T) {
	attempt := attemptWithRef("gp_txn_7")
	adapter := &parserAdapter{ev: chargedEvent("gp_txn_7")}
	dedupe := &fakeDedupe{}
	fx := newFixture(adapter, newFakeAttempts(attempt), dedupe)
	fx.applier.failNext = 1

	_, err := fx.normalizer.Process(context.Background(), "globalpay", "profile_001", []byte(`{}`), http.Header{})
	require.Error(t, err)
	assert.False(t, IsRejection(err), "engine failure must read as retryable")
	assert.Zero(t, dedupe.marks, "failed apply must not be recorded as seen")

	result, err := fx.normalizer.Process(context.Background(), "globalpay", "profile_001", []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, result.Outcome)
	assert.Len(t, fx.applier.applied(), 2, "redelivery must reach the engine")
	assert.Equal(t, 1, dedupe.marks)

	// Only now does the cache absorb further redeliveries.
	result, err = fx.normalizer.Process(context.Background(), "globalpay", "profile_001", []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeIdempotent, result.Outcome)
	assert.Len(t, fx.applier.applied(), 2)
}

// TestProcess_UncorrelatedReferenceIsRetryable verifies a delivery for an
// unknown txn ref fails as a processing error (5xx, redeliver), not a
// rejection, since the attempt row may simply not be visible yet.
func TestProcess_UncorrelatedReferenceIsRetryable(t *testing.T) {
	adapter := &parserAdapter{ev: chargedEvent("gp_txn_unknown")}
	fx := newFixture(adapter, newFakeAttempts(), nil)

	_, err := fx.normalizer.Process(context.Background(), "globalpay", "profile_001", []byte(`{}`), http.Header{})
	require.Error(t, err)
	assert.False(t, IsRejection(err))
}

// ---------------------------------------------------------------------------
// Server tests
// ---------------------------------------------------------------------------

func postDelivery(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_AckAndRejectionStatusCodes(t *testing.T) {
	attempt := attemptWithRef("gp_txn_7")

	t.Run("accepted delivery returns 200", func(t *testing.T) {
		adapter := &parserAdapter{ev: chargedEvent("gp_txn_7")}
		fx := newFixture(adapter, newFakeAttempts(attempt), nil)
		srv := NewServer(fx.normalizer, testLogger())

		rec := postDelivery(t, srv.Handler(), "/webhooks/globalpay/profile_001")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"outcome":"applied"`)
	})

	t.Run("bad payload returns 400", func(t *testing.T) {
		adapter := &parserAdapter{verifyErr: errors.New("signature mismatch")}
		fx := newFixture(adapter, newFakeAttempts(attempt), nil)
		srv := NewServer(fx.normalizer, testLogger())

		rec := postDelivery(t, srv.Handler(), "/webhooks/globalpay/profile_001")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("processing failure returns 500", func(t *testing.T) {
		adapter := &parserAdapter{ev: chargedEvent("gp_txn_7")}
		fx := newFixture(adapter, newFakeAttempts(attempt), nil)
		fx.applier.err = errors.New("db unavailable")
		srv := NewServer(fx.normalizer, testLogger())

		rec := postDelivery(t, srv.Handler(), "/webhooks/globalpay/profile_001")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
