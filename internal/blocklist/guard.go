package blocklist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kodax/payment-router/internal/cache"
	"github.com/kodax/payment-router/internal/domain/model"
	"github.com/kodax/payment-router/internal/metrics"
	"github.com/kodax/payment-router/internal/store"
)

// BlockedError rejects attempt creation before any connector is touched.
// It names the matched kind, never the fingerprint value itself.
type BlockedError struct {
	Kind model.FingerprintKind
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("payment blocked by %s fingerprint match", e.Kind)
}

// Guard performs the pre-flight blocklist check. Matching is exact per
// (kind, fingerprint); merchants curate entries, the guard never guesses.
type Guard struct {
	entries     store.BlocklistRepository
	guardConfig store.GuardConfigRepository
	enabledLRU  *cache.ShardedLRU[string, bool]
	logger      *slog.Logger
}

func NewGuard(
	entries store.BlocklistRepository,
	guardConfig store.GuardConfigRepository,
	cacheSize int,
	cacheTTL time.Duration,
	logger *slog.Logger,
) *Guard {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Guard{
		entries:     entries,
		guardConfig: guardConfig,
		// The toggle cache sits on the authorize hot path; sharding keeps
		// merchants from contending on one lock.
		enabledLRU:  cache.NewShardedLRU[string, bool](cacheSize, cacheTTL, func(k string) string { return k }),
		logger:      logger.With("component", "blocklist"),
	}
}

// Check evaluates the candidate fingerprints for a merchant. Returns a
// *BlockedError on a match when the merchant's guard is enabled, nil
// otherwise. A disabled guard never blocks regardless of entries.
func (g *Guard) Check(ctx context.Context, merchantID string, candidates []model.Fingerprint) error {
	enabled, err := g.isEnabled(ctx, merchantID)
	if err != nil {
		return fmt.Errorf("load guard config: %w", err)
	}
	if !enabled {
		metrics.BlocklistChecksTotal.WithLabelValues("disabled").Inc()
		return nil
	}

	match, err := g.entries.FindMatch(ctx, merchantID, candidates)
	if err != nil {
		return fmt.Errorf("match blocklist: %w", err)
	}
	if match == nil {
		metrics.BlocklistChecksTotal.WithLabelValues("pass").Inc()
		return nil
	}

	metrics.BlocklistChecksTotal.WithLabelValues("blocked").Inc()
	metrics.BlocklistHitsTotal.WithLabelValues(string(match.Kind)).Inc()
	g.logger.Info("attempt blocked",
		"merchant_id", merchantID,
		"fingerprint_kind", match.Kind,
	)
	return &BlockedError{Kind: match.Kind}
}

// Invalidate drops the cached guard toggle for a merchant. Called after the
// toggle operation so the change applies without waiting out the TTL.
func (g *Guard) Invalidate(merchantID string) {
	g.enabledLRU.Remove(merchantID)
}

func (g *Guard) isEnabled(ctx context.Context, merchantID string) (bool, error) {
	if enabled, ok := g.enabledLRU.Get(merchantID); ok {
		metrics.GuardConfigCacheHits.Inc()
		return enabled, nil
	}
	metrics.GuardConfigCacheMisses.Inc()

	enabled, err := g.guardConfig.IsEnabled(ctx, merchantID)
	if err != nil {
		return false, err
	}
	g.enabledLRU.Put(merchantID, enabled)
	return enabled, nil
}
