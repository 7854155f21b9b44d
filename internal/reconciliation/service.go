// Package reconciliation sweeps for payment attempts stuck in a non-terminal
// status. Polling covers the normal path; the sweeper is the safety net for
// attempts that fell out of it, such as rows orphaned by a restart or a
// webhook grace window that never produced a delivery.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kodax/payment-router/internal/alert"
	"github.com/kodax/payment-router/internal/domain/model"
	"github.com/kodax/payment-router/internal/metrics"
)

// AttemptLister provides the stuck-attempt scan.
type AttemptLister interface {
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]model.PaymentAttempt, error)
}

// Syncer forces one reconciling sync against the connector.
type Syncer interface {
	Sync(ctx context.Context, id uuid.UUID) (*model.PaymentAttempt, error)
}

// Config controls sweep cadence and scope.
type Config struct {
	Interval   time.Duration // time between sweeps
	StuckAfter time.Duration // quiet period before an attempt counts as stuck
	BatchSize  int           // max attempts examined per sweep
}

// RunResult aggregates one sweep.
type RunResult struct {
	Scanned    int       `json:"scanned"`
	Resolved   int       `json:"resolved"`
	StillStuck int       `json:"still_stuck"`
	Errors     int       `json:"errors"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Service struct {
	attempts AttemptLister
	syncer   Syncer
	alerter  alert.Alerter
	cfg      Config
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewService(attempts AttemptLister, syncer Syncer, alerter alert.Alerter, cfg Config, logger *slog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Service{
		attempts: attempts,
		syncer:   syncer,
		alerter:  alerter,
		cfg:      cfg,
		logger:   logger.With("component", "sweeper"),
	}
}

// Start launches the periodic sweep loop. The first sweep waits one full
// interval so a restart storm does not hammer connectors immediately.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("sweep failed", "error", err)
				}
			}
		}
	}()
}

// Wait blocks until the sweep loop has exited.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Run executes one sweep: scan for stuck attempts, force a sync on each, and
// alert on attempts that stay non-terminal even after the forced sync.
func (s *Service) Run(ctx context.Context) (RunResult, error) {
	result := RunResult{StartedAt: time.Now().UTC()}

	cutoff := result.StartedAt.Add(-s.cfg.StuckAfter)
	stuck, err := s.attempts.ListStuck(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return result, fmt.Errorf("list stuck attempts: %w", err)
	}
	result.Scanned = len(stuck)

	for i := range stuck {
		attempt := &stuck[i]
		synced, err := s.syncer.Sync(ctx, attempt.ID)
		if err != nil {
			result.Errors++
			s.logger.Warn("forced sync failed",
				"attempt_id", attempt.ID,
				"connector", attempt.Connector,
				"error", err,
			)
			continue
		}
		if synced.Status.IsTerminal() {
			result.Resolved++
			continue
		}
		result.StillStuck++
		s.alertStuck(ctx, synced)
	}

	result.FinishedAt = time.Now().UTC()
	metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
	metrics.SweepStuckAttempts.Set(float64(result.StillStuck))

	if result.Scanned > 0 {
		s.logger.Info("sweep complete",
			"scanned", result.Scanned,
			"resolved", result.Resolved,
			"still_stuck", result.StillStuck,
			"errors", result.Errors,
			"duration", result.FinishedAt.Sub(result.StartedAt),
		)
	}
	return result, nil
}

func (s *Service) alertStuck(ctx context.Context, attempt *model.PaymentAttempt) {
	err := s.alerter.Send(ctx, alert.Alert{
		Type:      alert.AlertTypeStuckAttempt,
		Connector: attempt.Connector,
		Merchant:  attempt.MerchantID,
		Title:     "Payment attempt stuck in non-terminal status",
		Message:   fmt.Sprintf("attempt %s has been %s with no connector event since the sweep cutoff", attempt.ID, attempt.Status),
		Fields: map[string]string{
			"attempt_id": attempt.ID.String(),
			"payment_id": attempt.PaymentID,
			"status":     string(attempt.Status),
		},
	})
	if err != nil {
		s.logger.Warn("stuck attempt alert failed", "attempt_id", attempt.ID, "error", err)
	}
}
