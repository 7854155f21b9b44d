package model

import (
	"time"

	"github.com/google/uuid"
)

// FingerprintKind identifies what a blocklist fingerprint was derived from.
type FingerprintKind string

const (
	FingerprintCardNumber FingerprintKind = "card_number"
	FingerprintEmail      FingerprintKind = "email"
	FingerprintIP         FingerprintKind = "ip"
)

func (k FingerprintKind) Valid() bool {
	switch k {
	case FingerprintCardNumber, FingerprintEmail, FingerprintIP:
		return true
	}
	return false
}

// BlocklistEntry is a merchant-curated fingerprint that rejects attempt
// creation on exact match. Unique per (merchant_id, kind, fingerprint).
// Entries never reference attempts; deleting one never rewrites history.
type BlocklistEntry struct {
	ID          uuid.UUID       `db:"id"`
	MerchantID  string          `db:"merchant_id"`
	Kind        FingerprintKind `db:"fingerprint_kind"`
	Fingerprint string          `db:"fingerprint"`
	CreatedAt   time.Time       `db:"created_at"`
}

// Fingerprint is a candidate derived from an inbound payment request,
// matched against BlocklistEntry rows during the pre-flight check.
type Fingerprint struct {
	Kind  FingerprintKind
	Value string
}

// BlocklistGuardConfig is the per-merchant toggle for the pre-flight check.
// Default disabled.
type BlocklistGuardConfig struct {
	MerchantID string    `db:"merchant_id"`
	Enabled    bool      `db:"enabled"`
	UpdatedAt  time.Time `db:"updated_at"`
}
