package router

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodax/payment-router/internal/blocklist"
	"github.com/kodax/payment-router/internal/connector"
	"github.com/kodax/payment-router/internal/domain/event"
	"github.com/kodax/payment-router/internal/domain/model"
	"github.com/kodax/payment-router/internal/guard"
	"github.com/kodax/payment-router/internal/poller"
	"github.com/kodax/payment-router/internal/reconcile"
	"github.com/kodax/payment-router/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Fake implementations
// ---------------------------------------------------------------------------

// scriptedConnector implements the full capability set with injectable
// responses, standing in for a card processor.
type scriptedConnector struct {
	mu            sync.Mutex
	name          string
	authResp      *connector.PaymentResponse
	authErr       error
	captureResp   *connector.PaymentResponse
	captureErr    error
	syncResp      *connector.PaymentResponse
	syncErr       error
	refundResp    *connector.RefundResponse
	refundErr     error
	authorizeCnt  int
	lastAuthorize connector.AuthorizeRequest
	lastCapture   connector.CaptureRequest
	lastRefund    connector.RefundRequest
}

func (s *scriptedConnector) Name() string { return s.name }

func (s *scriptedConnector) Authorize(_ context.Context, _ connector.Credentials, req connector.AuthorizeRequest) (*connector.PaymentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorizeCnt++
	s.lastAuthorize = req
	return s.authResp, s.authErr
}

func (s *scriptedConnector) Capture(_ context.Context, _ connector.Credentials, req connector.CaptureRequest) (*connector.PaymentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCapture = req
	return s.captureResp, s.captureErr
}

func (s *scriptedConnector) Sync(context.Context, connector.Credentials, connector.SyncRequest) (*connector.PaymentResponse, error) {
	return s.syncResp, s.syncErr
}

func (s *scriptedConnector) Refund(_ context.Context, _ connector.Credentials, req connector.RefundRequest) (*connector.RefundResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefund = req
	return s.refundResp, s.refundErr
}

func (s *scriptedConnector) authorizeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorizeCnt
}

// syncOnlyConnector supports nothing beyond status lookups.
type syncOnlyConnector struct {
	resp *connector.PaymentResponse
	err  error
}

func (s *syncOnlyConnector) Name() string { return "legacypay" }

func (s *syncOnlyConnector) Sync(context.Context, connector.Credentials, connector.SyncRequest) (*connector.PaymentResponse, error) {
	return s.resp, s.err
}

type fakeAttempts struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]*model.PaymentAttempt
}

func newFakeAttempts() *fakeAttempts {
	return &fakeAttempts{attempts: make(map[uuid.UUID]*model.PaymentAttempt)}
}

func (f *fakeAttempts) Create(_ context.Context, attempt *model.PaymentAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *attempt
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	f.attempts[attempt.ID] = &cp
	return nil
}

func (f *fakeAttempts) Get(_ context.Context, id uuid.UUID) (*model.PaymentAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
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

func (f *fakeAttempts) ListByPayment(_ context.Context, paymentID string) ([]model.PaymentAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.PaymentAttempt
	for _, a := range f.attempts {
		if a.PaymentID == paymentID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAttempts) UpdateStatusTx(_ context.Context, _ *sql.Tx, update store.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[update.AttemptID]
	if !ok || a.Status != update.FromStatus {
		return store.ErrStaleAttempt
	}
	a.Status = update.ToStatus
	if update.ConnectorTxnRef != nil {
		a.ConnectorTxnRef = update.ConnectorTxnRef
	}
	observed := update.ObservedAt
	a.LastEventAt = &observed
	a.UpdatedAt = time.Now()
	return nil
}

func (f *fakeAttempts) IncrementRetryCount(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.attempts[id]; ok {
		a.RetryCount++
	}
	return nil
}

func (f *fakeAttempts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

// fakeApplier writes observations straight through to the attempt store.
type fakeApplier struct {
	mu       sync.Mutex
	attempts *fakeAttempts
	events   []event.ConnectorEvent
	err      error
}

func (f *fakeApplier) ApplyEvent(ctx context.Context, ev event.ConnectorEvent) (reconcile.Result, error) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return reconcile.Result{}, err
	}

	f.attempts.mu.Lock()
	if a, ok := f.attempts.attempts[ev.AttemptID]; ok {
		a.Status = ev.ObservedStatus
		if ev.ConnectorTxnRef != "" {
			ref := ev.ConnectorTxnRef
			a.ConnectorTxnRef = &ref
		}
	}
	f.attempts.mu.Unlock()
	return reconcile.Result{Outcome: reconcile.OutcomeApplied, Status: ev.ObservedStatus}, nil
}

func (f *fakeApplier) applied() []event.ConnectorEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.ConnectorEvent(nil), f.events...)
}

type fakeScheduler struct {
	mu        sync.Mutex
	tasks     []poller.Task
	cancelled []uuid.UUID
}

func (f *fakeScheduler) Schedule(_ context.Context, task poller.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
}

func (f *fakeScheduler) Cancel(attemptID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, attemptID)
	return true
}

func (f *fakeScheduler) scheduled() []poller.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]poller.Task(nil), f.tasks...)
}

// blocklist fakes, duplicated locally so the real guard can run in-process.

type fakeEntriesRepo struct {
	entries []model.BlocklistEntry
}

func (f *fakeEntriesRepo) Insert(context.Context, *model.BlocklistEntry) error { return nil }

func (f *fakeEntriesRepo) Delete(context.Context, string, model.FingerprintKind, string) (bool, error) {
	return false, nil
}

func (f *fakeEntriesRepo) List(context.Context, string) ([]model.BlocklistEntry, error) {
	return f.entries, nil
}

func (f *fakeEntriesRepo) FindMatch(_ context.Context, merchantID string, candidates []model.Fingerprint) (*model.BlocklistEntry, error) {
	for _, e := range f.entries {
		if e.MerchantID != merchantID {
			continue
		}
		for _, c := range candidates {
			if e.Kind == c.Kind && e.Fingerprint == c.Value {
				cp := e
				return &cp, nil
			}
		}
	}
	return nil, nil
}

type fakeGuardConfigRepo struct {
	enabled map[string]bool
}

func (f *fakeGuardConfigRepo) IsEnabled(_ context.Context, merchantID string) (bool, error) {
	return f.enabled[merchantID], nil
}

func (f *fakeGuardConfigRepo) SetEnabled(context.Context, string, bool) error { return nil }

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	service   *Service
	registry  *connector.Registry
	attempts  *fakeAttempts
	applier   *fakeApplier
	scheduler *fakeScheduler
	entries   *fakeEntriesRepo
	guardCfg  *fakeGuardConfigRepo
}

func newHarness(t *testing.T, adapter connector.Adapter) *harness {
	t.Helper()

	registry := connector.NewRegistry()
	registry.Register(adapter.Name(), "profile_001", adapter, connector.Credentials{
		APIKey:    "key",
		APISecret: "secret",
	})

	attempts := newFakeAttempts()
	applier := &fakeApplier{attempts: attempts}
	scheduler := &fakeScheduler{}
	entries := &fakeEntriesRepo{}
	guardCfg := &fakeGuardConfigRepo{enabled: map[string]bool{}}
	preflight := blocklist.NewGuard(entries, guardCfg, 16, time.Minute, testLogger())
	callGuard := guard.New(guard.Config{
		FailureThreshold: 100,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
		RPS:              100000,
		Burst:            100000,
	}, nil, testLogger())

	svc := NewService(registry, preflight, callGuard, applier, attempts, scheduler, PollPolicy{
		MaxAttempts:  5,
		WebhookGrace: 30 * time.Second,
	}, testLogger())

	return &harness{
		service:   svc,
		registry:  registry,
		attempts:  attempts,
		applier:   applier,
		scheduler: scheduler,
		entries:   entries,
		guardCfg:  guardCfg,
	}
}

func authorizeInput(connectorName string) AuthorizeInput {
	return AuthorizeInput{
		PaymentID:     "pay_001",
		MerchantID:    "merchant_1",
		ProfileID:     "profile_001",
		Connector:     connectorName,
		AmountMinor:   2500,
		Currency:      "USD",
		CaptureMethod: model.CaptureManual,
		PaymentMethod: connector.PaymentMethod{Card: &connector.CardDetails{
			Number:      "4111111111111111",
			ExpiryMonth: "09",
			ExpiryYear:  "2028",
			CVC:         "123",
		}},
		CustomerEmail: "payer@example.com",
		CustomerIP:    "198.51.100.7",
	}
}

func seedAttempt(t *testing.T, h *harness, connectorName string, status model.AttemptStatus, txnRef string) *model.PaymentAttempt {
	t.Helper()
	attempt := &model.PaymentAttempt{
		ID:         uuid.New(),
		PaymentID:  "pay_001",
		MerchantID: "merchant_1",
		ProfileID:  "profile_001",
		Connector:  connectorName,
		Status:     status,
		Currency:   "USD",
	}
	if txnRef != "" {
		attempt.ConnectorTxnRef = &txnRef
	}
	require.NoError(t, h.attempts.Create(context.Background(), attempt))
	return attempt
}

// ---------------------------------------------------------------------------
// Authorize
// ---------------------------------------------------------------------------

func TestAuthorize_NonTerminalResultSchedulesPolling(t *testing.T) {
	adapter := &scriptedConnector{
		name:     "globalpay",
		authResp: &connector.PaymentResponse{Status: model.StatusAuthorized, ConnectorTxnRef: "gp_txn_9"},
	}
	h := newHarness(t, adapter)

	attempt, err := h.service.Authorize(context.Background(), authorizeInput("globalpay"))
	require.NoError(t, err)

	assert.Equal(t, model.StatusAuthorized, attempt.Status)
	require.NotNil(t, attempt.ConnectorTxnRef)
	assert.Equal(t, "gp_txn_9", *attempt.ConnectorTxnRef)
	assert.Equal(t, 1, adapter.authorizeCalls())

	events := h.applier.applied()
	require.Len(t, events, 1)
	assert.Equal(t, event.SourceSyncCall, events[0].Source)

	tasks := h.scheduler.scheduled()
	require.Len(t, tasks, 1)
	assert.Equal(t, attempt.ID, tasks[0].AttemptID)
	assert.Equal(t, "globalpay", tasks[0].Connector)
	assert.Equal(t, 5, tasks[0].MaxAttempts)
	assert.True(t, tasks[0].NextPollAt.IsZero(), "no grace window without a webhook")
}

func TestAuthorize_TerminalResultSkipsPolling(t *testing.T) {
	adapter := &scriptedConnector{
		name:     "globalpay",
		authResp: &connector.PaymentResponse{Status: model.StatusCharged, ConnectorTxnRef: "gp_txn_10"},
	}
	h := newHarness(t, adapter)

	attempt, err := h.service.Authorize(context.Background(), authorizeInput("globalpay"))
	require.NoError(t, err)

	assert.Equal(t, model.StatusCharged, attempt.Status)
	assert.Empty(t, h.scheduler.scheduled())
}

func TestAuthorize_WebhookGraceDelaysFirstPoll(t *testing.T) {
	adapter := &scriptedConnector{
		name:     "globalpay",
		authResp: &connector.PaymentResponse{Status: model.StatusPending, ConnectorTxnRef: "gp_txn_11"},
	}
	h := newHarness(t, adapter)

	in := authorizeInput("globalpay")
	in.WebhookExpected = true
	_, err := h.service.Authorize(context.Background(), in)
	require.NoError(t, err)

	tasks := h.scheduler.scheduled()
	require.Len(t, tasks, 1)
	assert.False(t, tasks[0].NextPollAt.IsZero())
	assert.WithinDuration(t, time.Now().Add(30*time.Second), tasks[0].NextPollAt, 5*time.Second)
}

// TestAuthorize_BlockedPaymentNeverReachesConnector pins the guard's place in
// the pipeline: a blocklisted instrument is refused before any attempt row or
// adapter call exists.
func TestAuthorize_BlockedPaymentNeverReachesConnector(t *testing.T) {
	adapter := &scriptedConnector{
		name:     "globalpay",
		authResp: &connector.PaymentResponse{Status: model.StatusAuthorized},
	}
	h := newHarness(t, adapter)
	h.guardCfg.enabled["merchant_1"] = true
	h.entries.entries = []model.BlocklistEntry{{
		ID:          uuid.New(),
		MerchantID:  "merchant_1",
		Kind:        model.FingerprintCardNumber,
		Fingerprint: blocklist.FingerprintValue("4111111111111111"),
	}}

	_, err := h.service.Authorize(context.Background(), authorizeInput("globalpay"))

	var blocked *blocklist.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, 0, h.attempts.count(), "no attempt row for a blocked payment")
	assert.Equal(t, 0, adapter.authorizeCalls())
}

func TestAuthorize_DeclineSettlesAttemptAsFailure(t *testing.T) {
	adapter := &scriptedConnector{
		name:    "globalpay",
		authErr: connector.InvalidRequestError("globalpay", "card expired"),
	}
	h := newHarness(t, adapter)

	_, err := h.service.Authorize(context.Background(), authorizeInput("globalpay"))
	require.Error(t, err)

	var connErr *connector.Error
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, connector.ErrKindInvalidRequest, connErr.Kind)

	require.Equal(t, 1, h.attempts.count())
	events := h.applier.applied()
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusFailure, events[0].ObservedStatus)
	assert.Empty(t, h.scheduler.scheduled())
}

// TestAuthorize_TransportFailureLeavesAttemptOpen: when the call may or may
// not have reached the processor, the attempt must not be settled as failed.
func TestAuthorize_TransportFailureLeavesAttemptOpen(t *testing.T) {
	adapter := &scriptedConnector{
		name:    "globalpay",
		authErr: connector.NetworkError("globalpay", errors.New("connection reset")),
	}
	h := newHarness(t, adapter)

	_, err := h.service.Authorize(context.Background(), authorizeInput("globalpay"))
	require.Error(t, err)

	assert.Empty(t, h.applier.applied(), "unknown outcome must not settle the attempt")
	require.Equal(t, 1, h.attempts.count())
	for _, a := range h.attempts.attempts {
		assert.Equal(t, model.StatusCreated, a.Status)
	}
}

func TestAuthorize_SyncOnlyConnectorRejected(t *testing.T) {
	h := newHarness(t, &syncOnlyConnector{})

	_, err := h.service.Authorize(context.Background(), authorizeInput("legacypay"))
	require.ErrorIs(t, err, ErrUnsupportedOperation)
	assert.Equal(t, 0, h.attempts.count())
}

func TestAuthorize_UnknownConnectorRejected(t *testing.T) {
	h := newHarness(t, &scriptedConnector{name: "globalpay"})

	in := authorizeInput("nonexistent")
	_, err := h.service.Authorize(context.Background(), in)
	require.ErrorIs(t, err, connector.ErrConnectorNotConfigured)
}

// ---------------------------------------------------------------------------
// Capture / Sync / Refund
// ---------------------------------------------------------------------------

func TestCapture_MovesAuthorizedToCharged(t *testing.T) {
	adapter := &scriptedConnector{
		name:        "globalpay",
		captureResp: &connector.PaymentResponse{Status: model.StatusCharged, ConnectorTxnRef: "gp_txn_12"},
	}
	h := newHarness(t, adapter)
	seeded := seedAttempt(t, h, "globalpay", model.StatusAuthorized, "gp_txn_12")

	attempt, err := h.service.Capture(context.Background(), seeded.ID)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCharged, attempt.Status)
	assert.Equal(t, "gp_txn_12", adapter.lastCapture.ConnectorTxnRef)
}

func TestCapture_SyncOnlyConnectorRejected(t *testing.T) {
	h := newHarness(t, &syncOnlyConnector{})
	seeded := seedAttempt(t, h, "legacypay", model.StatusAuthorized, "lp_txn_1")

	_, err := h.service.Capture(context.Background(), seeded.ID)
	require.ErrorIs(t, err, ErrUnsupportedOperation)
}

func TestSync_ReconcilesProcessorView(t *testing.T) {
	adapter := &scriptedConnector{
		name:     "globalpay",
		syncResp: &connector.PaymentResponse{Status: model.StatusCharged, ConnectorTxnRef: "gp_txn_13"},
	}
	h := newHarness(t, adapter)
	seeded := seedAttempt(t, h, "globalpay", model.StatusPending, "gp_txn_13")

	attempt, err := h.service.Sync(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCharged, attempt.Status)
}

func TestSync_UnknownAttempt(t *testing.T) {
	h := newHarness(t, &scriptedConnector{name: "globalpay"})

	_, err := h.service.Sync(context.Background(), uuid.New())
	require.ErrorIs(t, err, reconcile.ErrAttemptNotFound)
}

func TestRefund_ReportsOutcomeWithoutMovingAttempt(t *testing.T) {
	adapter := &scriptedConnector{
		name:       "globalpay",
		refundResp: &connector.RefundResponse{Status: connector.RefundSucceeded, ConnectorRefundRef: "gp_ref_1"},
	}
	h := newHarness(t, adapter)
	seeded := seedAttempt(t, h, "globalpay", model.StatusCharged, "gp_txn_14")

	resp, err := h.service.Refund(context.Background(), seeded.ID, 2500, "requested_by_customer")
	require.NoError(t, err)

	assert.Equal(t, connector.RefundSucceeded, resp.Status)
	assert.Equal(t, "gp_ref_1", resp.ConnectorRefundRef)
	assert.Equal(t, int64(2500), adapter.lastRefund.AmountMinor)
	assert.Equal(t, "requested_by_customer", adapter.lastRefund.Reason)

	current, err := h.attempts.Get(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCharged, current.Status, "refunds do not move attempt status")
	assert.Empty(t, h.applier.applied())
}

func TestCancelPolling(t *testing.T) {
	h := newHarness(t, &scriptedConnector{name: "globalpay"})
	id := uuid.New()

	assert.True(t, h.service.CancelPolling(id))
	assert.Equal(t, []uuid.UUID{id}, h.scheduler.cancelled)
}
