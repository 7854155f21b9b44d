package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

type GuardConfigRepo struct {
	db *DB
}

func NewGuardConfigRepo(db *DB) *GuardConfigRepo {
	return &GuardConfigRepo{db: db}
}

// IsEnabled returns the merchant's guard toggle. A missing row means the
// guard was never enabled, which is the default.
func (r *GuardConfigRepo) IsEnabled(ctx context.Context, merchantID string) (bool, error) {
	var enabled bool
	err := r.db.QueryRowContext(ctx, `
		SELECT enabled FROM blocklist_guard_config WHERE merchant_id = $1
	`, merchantID).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query guard config: %w", err)
	}
	return enabled, nil
}

func (r *GuardConfigRepo) SetEnabled(ctx context.Context, merchantID string, enabled bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blocklist_guard_config (merchant_id, enabled)
		VALUES ($1, $2)
		ON CONFLICT (merchant_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			updated_at = now()
	`, merchantID, enabled)
	if err != nil {
		return fmt.Errorf("upsert guard config: %w", err)
	}
	return nil
}
