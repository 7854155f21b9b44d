package model

import (
	"time"

	"github.com/google/uuid"
)

// PaymentAttempt is one execution of a payment operation against one
// connector. Amount and currency are immutable after creation; Status moves
// only through the reconcile engine's transition table.
type PaymentAttempt struct {
	ID              uuid.UUID     `db:"id"`
	PaymentID       string        `db:"payment_id"`
	MerchantID      string        `db:"merchant_id"`
	ProfileID       string        `db:"profile_id"`
	Connector       string        `db:"connector"`
	AmountMinor     int64         `db:"amount_minor"` // integer minor units
	Currency        string        `db:"currency"`     // ISO 4217 alpha code
	Status          AttemptStatus `db:"status"`
	ConnectorTxnRef *string       `db:"connector_txn_ref"` // nil until the connector assigns one
	RetryCount      int           `db:"retry_count"`
	LastEventAt     *time.Time    `db:"last_event_at"` // observed_at of the last applied connector event
	CreatedAt       time.Time     `db:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at"`
}

// CaptureMethod controls whether authorized funds are captured immediately
// or by a later explicit capture call.
type CaptureMethod string

const (
	CaptureAutomatic CaptureMethod = "automatic"
	CaptureManual    CaptureMethod = "manual"
)
