package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kodax/payment-router/internal/domain/model"
)

// ErrStaleAttempt is returned by UpdateStatusTx when the compare-and-set
// condition fails, meaning another writer moved the attempt first.
var ErrStaleAttempt = errors.New("attempt status changed concurrently")

// TxRunner runs a function within a database transaction, committing on nil
// return and rolling back otherwise.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// StatusUpdate describes one accepted transition to persist. FromStatus is
// the compare-and-set guard; the update must not apply if the row's status
// no longer matches it.
type StatusUpdate struct {
	AttemptID       uuid.UUID
	FromStatus      model.AttemptStatus
	ToStatus        model.AttemptStatus
	ConnectorTxnRef *string // set only when newly assigned
	ObservedAt      time.Time
}

// AttemptRepository provides access to payment attempt rows. Attempts are
// append-only history: created once, mutated only through status updates,
// never deleted.
type AttemptRepository interface {
	Create(ctx context.Context, attempt *model.PaymentAttempt) error
	Get(ctx context.Context, id uuid.UUID) (*model.PaymentAttempt, error)
	GetByConnectorRef(ctx context.Context, connectorName, txnRef string) (*model.PaymentAttempt, error)
	ListByPayment(ctx context.Context, paymentID string) ([]model.PaymentAttempt, error)
	UpdateStatusTx(ctx context.Context, tx *sql.Tx, update StatusUpdate) error
	IncrementRetryCount(ctx context.Context, id uuid.UUID) error
}

// BlocklistRepository provides access to merchant blocklist entries.
type BlocklistRepository interface {
	Insert(ctx context.Context, entry *model.BlocklistEntry) error
	Delete(ctx context.Context, merchantID string, kind model.FingerprintKind, fingerprint string) (bool, error)
	List(ctx context.Context, merchantID string) ([]model.BlocklistEntry, error)
	// FindMatch returns the first entry matching any candidate fingerprint,
	// or nil when none match.
	FindMatch(ctx context.Context, merchantID string, candidates []model.Fingerprint) (*model.BlocklistEntry, error)
}

// GuardConfigRepository provides access to the per-merchant guard toggle.
type GuardConfigRepository interface {
	IsEnabled(ctx context.Context, merchantID string) (bool, error)
	SetEnabled(ctx context.Context, merchantID string, enabled bool) error
}
