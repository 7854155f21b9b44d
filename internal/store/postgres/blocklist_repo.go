package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/kodax/payment-router/internal/domain/model"
)

type BlocklistRepo struct {
	db *DB
}

func NewBlocklistRepo(db *DB) *BlocklistRepo {
	return &BlocklistRepo{db: db}
}

func (r *BlocklistRepo) Insert(ctx context.Context, entry *model.BlocklistEntry) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO blocklist_entries (id, merchant_id, fingerprint_kind, fingerprint)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (merchant_id, fingerprint_kind, fingerprint) DO UPDATE SET
			merchant_id = EXCLUDED.merchant_id
		RETURNING created_at
	`, entry.ID, entry.MerchantID, entry.Kind, entry.Fingerprint).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert blocklist entry: %w", err)
	}
	return nil
}

func (r *BlocklistRepo) Delete(ctx context.Context, merchantID string, kind model.FingerprintKind, fingerprint string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM blocklist_entries
		WHERE merchant_id = $1 AND fingerprint_kind = $2 AND fingerprint = $3
	`, merchantID, kind, fingerprint)
	if err != nil {
		return false, fmt.Errorf("delete blocklist entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete blocklist entry rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *BlocklistRepo) List(ctx context.Context, merchantID string) ([]model.BlocklistEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, merchant_id, fingerprint_kind, fingerprint, created_at
		FROM blocklist_entries
		WHERE merchant_id = $1
		ORDER BY created_at
	`, merchantID)
	if err != nil {
		return nil, fmt.Errorf("query blocklist entries: %w", err)
	}
	defer rows.Close()

	var entries []model.BlocklistEntry
	for rows.Next() {
		var e model.BlocklistEntry
		if err := rows.Scan(&e.ID, &e.MerchantID, &e.Kind, &e.Fingerprint, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan blocklist entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindMatch checks all candidate fingerprints in one round trip. Match is
// exact per (kind, fingerprint); no heuristic scoring.
func (r *BlocklistRepo) FindMatch(ctx context.Context, merchantID string, candidates []model.Fingerprint) (*model.BlocklistEntry, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	kinds := make([]string, len(candidates))
	values := make([]string, len(candidates))
	for i, c := range candidates {
		kinds[i] = string(c.Kind)
		values[i] = c.Value
	}

	var e model.BlocklistEntry
	err := r.db.QueryRowContext(ctx, `
		SELECT b.id, b.merchant_id, b.fingerprint_kind, b.fingerprint, b.created_at
		FROM blocklist_entries b
		JOIN unnest($2::text[], $3::text[]) AS c(kind, fingerprint)
			ON b.fingerprint_kind = c.kind AND b.fingerprint = c.fingerprint
		WHERE b.merchant_id = $1
		LIMIT 1
	`, merchantID, pq.Array(kinds), pq.Array(values),
	).Scan(&e.ID, &e.MerchantID, &e.Kind, &e.Fingerprint, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match blocklist entries: %w", err)
	}
	return &e, nil
}
