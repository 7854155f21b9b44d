package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kodax/payment-router/internal/alert"
	"github.com/kodax/payment-router/internal/domain/event"
	"github.com/kodax/payment-router/internal/domain/model"
	"github.com/kodax/payment-router/internal/metrics"
	"github.com/kodax/payment-router/internal/store"
)

// ErrAttemptNotFound is returned when an event references an attempt id that
// does not exist.
var ErrAttemptNotFound = errors.New("payment attempt not found")

// Outcome describes what the engine did with one connector event.
type Outcome string

const (
	// OutcomeApplied means the transition was accepted and persisted.
	OutcomeApplied Outcome = "applied"
	// OutcomeIdempotent means the event proposed the attempt's current
	// status; nothing changed, including the updated timestamp.
	OutcomeIdempotent Outcome = "idempotent"
	// OutcomeConflict means the event proposed a transition outside the
	// graph. It was discarded and logged, never applied.
	OutcomeConflict Outcome = "conflict"
)

// Result is the outcome of applying one event plus the attempt's status
// after the engine finished with it.
type Result struct {
	Outcome Outcome
	Status  model.AttemptStatus
}

// Engine owns the attempt state machine. It is the only code path that
// mutates attempt status: adapter sync results and webhook events both pass
// through ApplyEvent.
type Engine struct {
	db       store.TxRunner
	attempts store.AttemptRepository
	locks    *attemptLocks
	alerter  alert.Alerter
	logger   *slog.Logger
}

func NewEngine(db store.TxRunner, attempts store.AttemptRepository, alerter alert.Alerter, logger *slog.Logger) *Engine {
	return &Engine{
		db:       db,
		attempts: attempts,
		locks:    newAttemptLocks(),
		alerter:  alerter,
		logger:   logger.With("component", "reconcile"),
	}
}

// ApplyEvent merges one observed connector status into the attempt record.
//
// Application is serialized per attempt id: a sync-driven event and a
// webhook-driven event for the same attempt never interleave. On top of the
// in-process lock, the row update carries a compare-and-set on the current
// status, so a writer in another process cannot race us into an invalid
// state either.
//
// Conflicts are not errors. A stale or duplicate event is an expected
// consequence of at-least-once webhook delivery; the caller gets
// OutcomeConflict and the attempt is untouched.
func (e *Engine) ApplyEvent(ctx context.Context, ev event.ConnectorEvent) (Result, error) {
	if !ev.ObservedStatus.Valid() {
		return Result{}, fmt.Errorf("unknown observed status %q from connector %s", ev.ObservedStatus, ev.Connector)
	}

	e.locks.lock(ev.AttemptID)
	defer e.locks.unlock(ev.AttemptID)

	attempt, err := e.attempts.Get(ctx, ev.AttemptID)
	if err != nil {
		return Result{}, fmt.Errorf("load attempt %s: %w", ev.AttemptID, err)
	}
	if attempt == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrAttemptNotFound, ev.AttemptID)
	}

	if attempt.Status == ev.ObservedStatus {
		metrics.TransitionIdempotentTotal.WithLabelValues(ev.Connector).Inc()
		e.logger.Debug("idempotent event absorbed",
			"attempt_id", ev.AttemptID,
			"status", attempt.Status,
			"source", ev.Source,
		)
		return Result{Outcome: OutcomeIdempotent, Status: attempt.Status}, nil
	}

	if !CanTransition(attempt.Status, ev.ObservedStatus) {
		metrics.TransitionConflictsTotal.WithLabelValues(ev.Connector, "invalid_transition").Inc()
		e.logger.Warn("event discarded, transition not in graph",
			"attempt_id", ev.AttemptID,
			"current_status", attempt.Status,
			"observed_status", ev.ObservedStatus,
			"source", ev.Source,
			"observed_at", ev.ObservedAt,
		)
		return Result{Outcome: OutcomeConflict, Status: attempt.Status}, nil
	}

	// Later observation wins: keep the newest event timestamp on the row
	// even when a slow-arriving event carries an older one.
	observedAt := ev.ObservedAt
	if attempt.LastEventAt != nil && attempt.LastEventAt.After(observedAt) {
		observedAt = *attempt.LastEventAt
	}

	var txnRef *string
	if ev.ConnectorTxnRef != "" {
		txnRef = &ev.ConnectorTxnRef
	}

	err = e.db.WithinTx(ctx, func(tx *sql.Tx) error {
		return e.attempts.UpdateStatusTx(ctx, tx, store.StatusUpdate{
			AttemptID:       ev.AttemptID,
			FromStatus:      attempt.Status,
			ToStatus:        ev.ObservedStatus,
			ConnectorTxnRef: txnRef,
			ObservedAt:      observedAt,
		})
	})
	if errors.Is(err, store.ErrStaleAttempt) {
		metrics.TransitionConflictsTotal.WithLabelValues(ev.Connector, "stale_row").Inc()
		e.logger.Warn("event discarded, row moved under us",
			"attempt_id", ev.AttemptID,
			"expected_status", attempt.Status,
			"observed_status", ev.ObservedStatus,
		)
		return Result{Outcome: OutcomeConflict, Status: attempt.Status}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("persist transition: %w", err)
	}

	metrics.TransitionsAppliedTotal.WithLabelValues(ev.Connector, ev.ObservedStatus.String()).Inc()
	e.logger.Info("transition applied",
		"attempt_id", ev.AttemptID,
		"from", attempt.Status,
		"to", ev.ObservedStatus,
		"source", ev.Source,
	)

	if ev.ObservedStatus == model.StatusUnresolved {
		e.notifyUnresolved(ctx, attempt, ev)
	}

	return Result{Outcome: OutcomeApplied, Status: ev.ObservedStatus}, nil
}

func (e *Engine) notifyUnresolved(ctx context.Context, attempt *model.PaymentAttempt, ev event.ConnectorEvent) {
	err := e.alerter.Send(ctx, alert.Alert{
		Type:      alert.AlertTypeUnresolved,
		Connector: ev.Connector,
		Merchant:  attempt.MerchantID,
		Title:     "Attempt moved to unresolved",
		Message:   "Funds are in an ambiguous state and require manual review",
		Fields: map[string]string{
			"attempt_id": attempt.ID.String(),
			"payment_id": attempt.PaymentID,
			"txn_ref":    ev.ConnectorTxnRef,
		},
	})
	if err != nil {
		e.logger.Warn("unresolved alert failed", "attempt_id", attempt.ID, "error", err)
	}
}
