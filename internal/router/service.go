package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/kodax/payment-router/internal/blocklist"
	"github.com/kodax/payment-router/internal/connector"
	"github.com/kodax/payment-router/internal/domain/event"
	"github.com/kodax/payment-router/internal/domain/model"
	"github.com/kodax/payment-router/internal/guard"
	"github.com/kodax/payment-router/internal/metrics"
	"github.com/kodax/payment-router/internal/poller"
	"github.com/kodax/payment-router/internal/reconcile"
	"github.com/kodax/payment-router/internal/store"
	"github.com/kodax/payment-router/internal/tracing"
)

// ErrUnsupportedOperation is returned when an adapter lacks the capability
// an operation needs (e.g. capturing on a connector without manual capture).
var ErrUnsupportedOperation = errors.New("operation not supported by connector")

// EventApplier is the engine surface the service needs.
type EventApplier interface {
	ApplyEvent(ctx context.Context, ev event.ConnectorEvent) (reconcile.Result, error)
}

// PollScheduler schedules and cancels background sync polling.
type PollScheduler interface {
	Schedule(ctx context.Context, task poller.Task)
	Cancel(attemptID uuid.UUID) bool
}

// PollPolicy decides how follow-up polling is scheduled after an operation
// leaves an attempt non-terminal.
type PollPolicy struct {
	MaxAttempts int
	// WebhookGrace delays the first poll for connectors that push webhooks,
	// so the webhook usually wins and the poll budget is untouched.
	WebhookGrace time.Duration
}

// Service is the inbound surface for canonical payment operations. It wires
// the pre-flight guard, registry resolution, guarded adapter calls, the
// reconcile engine, and follow-up polling into one path.
type Service struct {
	registry   *connector.Registry
	preflight  *blocklist.Guard
	callGuard  *guard.CallGuard
	engine     EventApplier
	attempts   store.AttemptRepository
	scheduler  PollScheduler
	pollPolicy PollPolicy
	logger     *slog.Logger
}

func NewService(
	registry *connector.Registry,
	preflight *blocklist.Guard,
	callGuard *guard.CallGuard,
	engine EventApplier,
	attempts store.AttemptRepository,
	scheduler PollScheduler,
	pollPolicy PollPolicy,
	logger *slog.Logger,
) *Service {
	return &Service{
		registry:   registry,
		preflight:  preflight,
		callGuard:  callGuard,
		engine:     engine,
		attempts:   attempts,
		scheduler:  scheduler,
		pollPolicy: pollPolicy,
		logger:     logger.With("component", "router"),
	}
}

// AuthorizeInput is a fully-formed canonical authorize request from the
// surrounding payment-lifecycle service.
type AuthorizeInput struct {
	PaymentID     string
	MerchantID    string
	ProfileID     string
	Connector     string
	AmountMinor   int64
	Currency      string
	CaptureMethod model.CaptureMethod
	PaymentMethod connector.PaymentMethod
	CustomerEmail string
	CustomerIP    string
	// WebhookExpected grants the connector's webhook a grace window before
	// polling starts.
	WebhookExpected bool
}

// Authorize runs the pre-flight guard, creates the attempt, and drives the
// connector's authorize call. A *blocklist.BlockedError return means the
// attempt was never created.
func (s *Service) Authorize(ctx context.Context, in AuthorizeInput) (*model.PaymentAttempt, error) {
	ctx, span := tracing.Tracer("router").Start(ctx, "router.authorize",
		otelTrace.WithAttributes(
			attribute.String("connector", in.Connector),
			attribute.String("payment_id", in.PaymentID),
		),
	)
	defer span.End()

	candidates := blocklist.DeriveCandidates(blocklist.CandidateInput{
		CardNumber: cardNumber(in.PaymentMethod),
		Email:      in.CustomerEmail,
		IP:         in.CustomerIP,
	})
	if err := s.preflight.Check(ctx, in.MerchantID, candidates); err != nil {
		return nil, err
	}

	binding, err := s.registry.Resolve(in.Connector, in.ProfileID)
	if err != nil {
		return nil, err
	}
	authorizer, ok := binding.Adapter.(connector.Authorizer)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot authorize", ErrUnsupportedOperation, in.Connector)
	}

	attempt := &model.PaymentAttempt{
		ID:          uuid.New(),
		PaymentID:   in.PaymentID,
		MerchantID:  in.MerchantID,
		ProfileID:   in.ProfileID,
		Connector:   in.Connector,
		AmountMinor: in.AmountMinor,
		Currency:    in.Currency,
		Status:      model.StatusCreated,
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	metrics.AttemptsCreatedTotal.WithLabelValues(in.Connector).Inc()

	var resp *connector.PaymentResponse
	err = s.callAdapter(ctx, in.Connector, "authorize", func(ctx context.Context) error {
		var callErr error
		resp, callErr = authorizer.Authorize(ctx, binding.Credentials, connector.AuthorizeRequest{
			AttemptID:     attempt.ID,
			AmountMinor:   in.AmountMinor,
			Currency:      in.Currency,
			CaptureMethod: in.CaptureMethod,
			PaymentMethod: in.PaymentMethod,
		})
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		s.markFailedOnTerminalError(ctx, attempt, err)
		return nil, fmt.Errorf("authorize via %s: %w", in.Connector, err)
	}

	result, err := s.applySyncResult(ctx, attempt.ID, in.Connector, resp)
	if err != nil {
		return nil, err
	}

	if !result.Status.IsTerminal() {
		s.schedulePolling(ctx, attempt, in.WebhookExpected)
	}

	return s.attempts.Get(ctx, attempt.ID)
}

// Capture commits a previously authorized attempt.
func (s *Service) Capture(ctx context.Context, attemptID uuid.UUID) (*model.PaymentAttempt, error) {
	attempt, binding, err := s.loadBound(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	capturer, ok := binding.Adapter.(connector.Capturer)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot capture", ErrUnsupportedOperation, attempt.Connector)
	}

	var resp *connector.PaymentResponse
	err = s.callAdapter(ctx, attempt.Connector, "capture", func(ctx context.Context) error {
		var callErr error
		resp, callErr = capturer.Capture(ctx, binding.Credentials, connector.CaptureRequest{
			AttemptID:       attempt.ID,
			ConnectorTxnRef: txnRef(attempt),
			AmountMinor:     attempt.AmountMinor,
			Currency:        attempt.Currency,
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("capture via %s: %w", attempt.Connector, err)
	}

	if _, err := s.applySyncResult(ctx, attempt.ID, attempt.Connector, resp); err != nil {
		return nil, err
	}
	return s.attempts.Get(ctx, attempt.ID)
}

// Sync fetches the processor's current view of an attempt and reconciles it.
func (s *Service) Sync(ctx context.Context, attemptID uuid.UUID) (*model.PaymentAttempt, error) {
	attempt, binding, err := s.loadBound(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	var resp *connector.PaymentResponse
	err = s.callAdapter(ctx, attempt.Connector, "sync", func(ctx context.Context) error {
		var callErr error
		resp, callErr = binding.Adapter.Sync(ctx, binding.Credentials, connector.SyncRequest{
			AttemptID:       attempt.ID,
			ConnectorTxnRef: txnRef(attempt),
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("sync via %s: %w", attempt.Connector, err)
	}

	if _, err := s.applySyncResult(ctx, attempt.ID, attempt.Connector, resp); err != nil {
		return nil, err
	}
	return s.attempts.Get(ctx, attempt.ID)
}

// Refund returns funds for a charged attempt. Refund outcome is reported to
// the caller but does not move the attempt's own status.
func (s *Service) Refund(ctx context.Context, attemptID uuid.UUID, amountMinor int64, reason string) (*connector.RefundResponse, error) {
	attempt, binding, err := s.loadBound(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	refunder, ok := binding.Adapter.(connector.Refunder)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot refund", ErrUnsupportedOperation, attempt.Connector)
	}

	var resp *connector.RefundResponse
	err = s.callAdapter(ctx, attempt.Connector, "refund", func(ctx context.Context) error {
		var callErr error
		resp, callErr = refunder.Refund(ctx, binding.Credentials, connector.RefundRequest{
			AttemptID:       attempt.ID,
			ConnectorTxnRef: txnRef(attempt),
			AmountMinor:     amountMinor,
			Currency:        attempt.Currency,
			Reason:          reason,
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("refund via %s: %w", attempt.Connector, err)
	}
	return resp, nil
}

// CancelPolling stops scheduled polls for an attempt, e.g. on a
// merchant-initiated void. Already-applied transitions stay applied.
func (s *Service) CancelPolling(attemptID uuid.UUID) bool {
	return s.scheduler.Cancel(attemptID)
}

func (s *Service) loadBound(ctx context.Context, attemptID uuid.UUID) (*model.PaymentAttempt, connector.Binding, error) {
	attempt, err := s.attempts.Get(ctx, attemptID)
	if err != nil {
		return nil, connector.Binding{}, fmt.Errorf("load attempt: %w", err)
	}
	if attempt == nil {
		return nil, connector.Binding{}, fmt.Errorf("%w: %s", reconcile.ErrAttemptNotFound, attemptID)
	}
	binding, err := s.registry.Resolve(attempt.Connector, attempt.ProfileID)
	if err != nil {
		return nil, connector.Binding{}, err
	}
	return attempt, binding, nil
}

func (s *Service) callAdapter(ctx context.Context, connectorName, operation string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := s.callGuard.Do(ctx, connectorName, fn)
	metrics.AdapterCallLatency.WithLabelValues(connectorName, operation).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		var connErr *connector.Error
		if errors.As(err, &connErr) {
			outcome = string(connErr.Kind)
		} else {
			outcome = "error"
		}
	}
	metrics.AdapterCallsTotal.WithLabelValues(connectorName, operation, outcome).Inc()
	return err
}

func (s *Service) applySyncResult(ctx context.Context, attemptID uuid.UUID, connectorName string, resp *connector.PaymentResponse) (reconcile.Result, error) {
	result, err := s.engine.ApplyEvent(ctx, event.ConnectorEvent{
		Source:          event.SourceSyncCall,
		AttemptID:       attemptID,
		Connector:       connectorName,
		ObservedStatus:  resp.Status,
		ConnectorTxnRef: resp.ConnectorTxnRef,
		ObservedAt:      time.Now().UTC(),
	})
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("apply %s result: %w", connectorName, err)
	}
	return result, nil
}

// markFailedOnTerminalError settles the attempt as Failure when the adapter
// error is one a retry cannot fix. Transient errors leave the attempt as-is
// so a later sync can still resolve it.
func (s *Service) markFailedOnTerminalError(ctx context.Context, attempt *model.PaymentAttempt, callErr error) {
	var connErr *connector.Error
	if !errors.As(callErr, &connErr) {
		return
	}
	switch connErr.Kind {
	case connector.ErrKindAuthentication, connector.ErrKindInvalidRequest:
	default:
		return
	}

	_, err := s.engine.ApplyEvent(ctx, event.ConnectorEvent{
		Source:         event.SourceSyncCall,
		AttemptID:      attempt.ID,
		Connector:      attempt.Connector,
		ObservedStatus: model.StatusFailure,
		ObservedAt:     time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("mark attempt failed", "attempt_id", attempt.ID, "error", err)
	}
}

func (s *Service) schedulePolling(ctx context.Context, attempt *model.PaymentAttempt, webhookExpected bool) {
	task := poller.Task{
		AttemptID:   attempt.ID,
		Connector:   attempt.Connector,
		ProfileID:   attempt.ProfileID,
		MerchantID:  attempt.MerchantID,
		MaxAttempts: s.pollPolicy.MaxAttempts,
	}
	if webhookExpected && s.pollPolicy.WebhookGrace > 0 {
		task.NextPollAt = time.Now().Add(s.pollPolicy.WebhookGrace)
	}
	s.scheduler.Schedule(ctx, task)
}

func cardNumber(pm connector.PaymentMethod) string {
	if pm.Card != nil {
		return pm.Card.Number
	}
	return ""
}

func txnRef(attempt *model.PaymentAttempt) string {
	if attempt.ConnectorTxnRef != nil {
		return *attempt.ConnectorTxnRef
	}
	return ""
}
