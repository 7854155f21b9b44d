package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/kodax/payment-router/internal/connector"
	"github.com/kodax/payment-router/internal/domain/event"
	"github.com/kodax/payment-router/internal/metrics"
	"github.com/kodax/payment-router/internal/reconcile"
	"github.com/kodax/payment-router/internal/store"
	"github.com/kodax/payment-router/internal/tracing"
)

// RejectionError is a business rejection of a webhook delivery: the payload
// failed verification or parsing and was never forwarded to the engine. The
// sender gets a 4xx and should not redeliver.
type RejectionError struct {
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook rejected (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("webhook rejected (%s)", e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// DedupeCache short-circuits redelivered notifications before they hit the
// engine. A delivery is marked only after a successful apply; a failed apply
// must stay invisible to the cache so the sender's redelivery gets through.
// Cache failures are not fatal; the engine is idempotent anyway.
type DedupeCache interface {
	Seen(ctx context.Context, connectorName, txnRef, status string) (bool, error)
	Mark(ctx context.Context, connectorName, txnRef, status string) error
}

// EventApplier is the engine surface the normalizer needs.
type EventApplier interface {
	ApplyEvent(ctx context.Context, ev event.ConnectorEvent) (reconcile.Result, error)
}

// Normalizer turns raw processor notifications into connector events:
// verify, parse, dedupe, correlate, apply. Everything before apply fails
// closed; an unverifiable payload never touches attempt state.
type Normalizer struct {
	registry *connector.Registry
	attempts store.AttemptRepository
	engine   EventApplier
	dedupe   DedupeCache
	logger   *slog.Logger
}

func NewNormalizer(
	registry *connector.Registry,
	attempts store.AttemptRepository,
	engine EventApplier,
	dedupe DedupeCache,
	logger *slog.Logger,
) *Normalizer {
	return &Normalizer{
		registry: registry,
		attempts: attempts,
		engine:   engine,
		dedupe:   dedupe,
		logger:   logger.With("component", "webhook"),
	}
}

// Process handles one inbound delivery for a connector/profile pair.
// A *RejectionError return means the payload was bad (sender's fault); any
// other error means we failed to process a good payload and the sender
// should retry delivery.
func (n *Normalizer) Process(ctx context.Context, connectorName, profileID string, body []byte, headers http.Header) (reconcile.Result, error) {
	ctx, span := tracing.Tracer("webhook").Start(ctx, "webhook.process",
		otelTrace.WithAttributes(
			attribute.String("connector", connectorName),
			attribute.String("profile", profileID),
		),
	)
	defer span.End()

	metrics.WebhooksReceivedTotal.WithLabelValues(connectorName).Inc()

	binding, err := n.registry.Resolve(connectorName, profileID)
	if err != nil {
		return n.reject(connectorName, "unknown_connector", err)
	}

	parser, ok := binding.Adapter.(connector.WebhookParser)
	if !ok {
		return n.reject(connectorName, "webhooks_unsupported",
			fmt.Errorf("connector %s does not emit webhooks", connectorName))
	}

	if err := parser.VerifyWebhook(binding.Credentials, body, headers); err != nil {
		return n.reject(connectorName, "verification_failed", err)
	}

	ev, err := parser.ParseWebhook(body)
	if err != nil {
		return n.reject(connectorName, "parse_failed", err)
	}

	if n.dedupe != nil {
		seen, err := n.dedupe.Seen(ctx, connectorName, ev.ConnectorTxnRef, ev.ObservedStatus.String())
		if err != nil {
			// Engine idempotence covers us; losing the cache only costs a
			// redundant apply.
			n.logger.Warn("dedupe cache unavailable", "connector", connectorName, "error", err)
		} else if seen {
			metrics.WebhooksDuplicateTotal.WithLabelValues(connectorName).Inc()
			n.logger.Debug("duplicate delivery short-circuited",
				"connector", connectorName,
				"txn_ref", ev.ConnectorTxnRef,
				"status", ev.ObservedStatus,
			)
			return reconcile.Result{Outcome: reconcile.OutcomeIdempotent, Status: ev.ObservedStatus}, nil
		}
	}

	if ev.AttemptID == uuid.Nil {
		attempt, err := n.attempts.GetByConnectorRef(ctx, connectorName, ev.ConnectorTxnRef)
		if err != nil {
			return reconcile.Result{}, fmt.Errorf("correlate webhook: %w", err)
		}
		if attempt == nil {
			// The attempt row may not be visible yet if the authorize call
			// is still in flight; ask the sender to redeliver.
			return reconcile.Result{}, fmt.Errorf("no attempt for connector=%s txn_ref=%s", connectorName, ev.ConnectorTxnRef)
		}
		ev.AttemptID = attempt.ID
	}

	result, err := n.engine.ApplyEvent(ctx, *ev)
	if err != nil {
		span.RecordError(err)
		return reconcile.Result{}, fmt.Errorf("apply webhook event: %w", err)
	}

	if n.dedupe != nil {
		if err := n.dedupe.Mark(ctx, connectorName, ev.ConnectorTxnRef, ev.ObservedStatus.String()); err != nil {
			n.logger.Warn("dedupe mark failed", "connector", connectorName, "error", err)
		}
	}
	return result, nil
}

func (n *Normalizer) reject(connectorName, reason string, err error) (reconcile.Result, error) {
	metrics.WebhooksRejectedTotal.WithLabelValues(connectorName, reason).Inc()
	n.logger.Warn("webhook rejected",
		"connector", connectorName,
		"reason", reason,
		"error", err,
	)
	return reconcile.Result{}, &RejectionError{Reason: reason, Err: err}
}

// IsRejection reports whether err is a business rejection rather than a
// processing failure.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}
