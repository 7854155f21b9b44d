package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kodax/payment-router/internal/domain/model"
	"github.com/kodax/payment-router/internal/store"
)

const attemptColumns = `id, payment_id, merchant_id, profile_id, connector, amount_minor, currency,
		status, connector_txn_ref, retry_count, last_event_at, created_at, updated_at`

type AttemptRepo struct {
	db *DB
}

func NewAttemptRepo(db *DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

func (r *AttemptRepo) Create(ctx context.Context, a *model.PaymentAttempt) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO payment_attempts
			(id, payment_id, merchant_id, profile_id, connector, amount_minor, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, a.ID, a.PaymentID, a.MerchantID, a.ProfileID, a.Connector, a.AmountMinor, a.Currency, a.Status,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment attempt: %w", err)
	}
	return nil
}

func (r *AttemptRepo) Get(ctx context.Context, id uuid.UUID) (*model.PaymentAttempt, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE id = $1
	`, id)
	return scanAttempt(row)
}

func (r *AttemptRepo) GetByConnectorRef(ctx context.Context, connectorName, txnRef string) (*model.PaymentAttempt, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE connector = $1 AND connector_txn_ref = $2
	`, connectorName, txnRef)
	return scanAttempt(row)
}

func (r *AttemptRepo) ListByPayment(ctx context.Context, paymentID string) ([]model.PaymentAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE payment_id = $1
		ORDER BY created_at
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("query attempts by payment: %w", err)
	}
	defer rows.Close()

	var attempts []model.PaymentAttempt
	for rows.Next() {
		var a model.PaymentAttempt
		if err := rows.Scan(
			&a.ID, &a.PaymentID, &a.MerchantID, &a.ProfileID, &a.Connector,
			&a.AmountMinor, &a.Currency, &a.Status, &a.ConnectorTxnRef,
			&a.RetryCount, &a.LastEventAt, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan payment attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// UpdateStatusTx applies an accepted transition with a compare-and-set on
// the current status. The WHERE guard is what keeps two processes from
// interleaving into an invalid state when in-process locking does not cover
// them.
func (r *AttemptRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, update store.StatusUpdate) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE payment_attempts
		SET status = $1,
			connector_txn_ref = COALESCE($2, connector_txn_ref),
			last_event_at = $3,
			updated_at = now()
		WHERE id = $4 AND status = $5
	`, update.ToStatus, update.ConnectorTxnRef, update.ObservedAt, update.AttemptID, update.FromStatus)
	if err != nil {
		return fmt.Errorf("update attempt status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update attempt status rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrStaleAttempt
	}
	return nil
}

// ListStuck returns non-terminal attempts with no connector event since
// olderThan. Attempts the connector never referenced fall back to their
// creation time.
func (r *AttemptRepo) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]model.PaymentAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE status NOT IN ('charged', 'failure', 'voided', 'unresolved')
		  AND COALESCE(last_event_at, created_at) < $1
		ORDER BY COALESCE(last_event_at, created_at)
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.PaymentAttempt
	for rows.Next() {
		var a model.PaymentAttempt
		if err := rows.Scan(
			&a.ID, &a.PaymentID, &a.MerchantID, &a.ProfileID, &a.Connector,
			&a.AmountMinor, &a.Currency, &a.Status, &a.ConnectorTxnRef,
			&a.RetryCount, &a.LastEventAt, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan payment attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r *AttemptRepo) IncrementRetryCount(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_attempts
		SET retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("increment retry count: %w", err)
	}
	return nil
}

type attemptScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row attemptScanner) (*model.PaymentAttempt, error) {
	var a model.PaymentAttempt
	err := row.Scan(
		&a.ID, &a.PaymentID, &a.MerchantID, &a.ProfileID, &a.Connector,
		&a.AmountMinor, &a.Currency, &a.Status, &a.ConnectorTxnRef,
		&a.RetryCount, &a.LastEventAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment attempt: %w", err)
	}
	return &a, nil
}
