package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kodax/payment-router/internal/alert"
	"github.com/kodax/payment-router/internal/connector"
	"github.com/kodax/payment-router/internal/domain/event"
	"github.com/kodax/payment-router/internal/domain/model"
	"github.com/kodax/payment-router/internal/guard"
	"github.com/kodax/payment-router/internal/metrics"
	"github.com/kodax/payment-router/internal/reconcile"
	"github.com/kodax/payment-router/internal/retry"
	"github.com/kodax/payment-router/internal/store"
)

// ErrSyncExhausted is returned when the poll budget runs out before the
// attempt reaches a terminal status. The attempt itself is untouched; the
// caller sees "still pending", not a rollback.
var ErrSyncExhausted = errors.New("sync attempts exhausted without terminal status")

// BackoffPolicy selects how poll intervals grow between attempts.
type BackoffPolicy string

const (
	BackoffFixed       BackoffPolicy = "fixed"
	BackoffExponential BackoffPolicy = "exponential"
)

const (
	defaultMaxAttempts = 5
	defaultInterval    = 10 * time.Second
	defaultMaxInterval = 5 * time.Minute
)

// Task schedules repeated syncs for one attempt. NextPollAt delays the first
// sync, giving an expected webhook a grace window to arrive first.
type Task struct {
	AttemptID      uuid.UUID
	Connector      string
	ProfileID      string
	MerchantID     string
	MaxAttempts    int
	NextPollAt     time.Time
	TerminalTarget model.AttemptStatus // empty means any terminal status
}

// Config holds the coordinator's backoff policy and defaults.
type Config struct {
	Policy      BackoffPolicy
	Interval    time.Duration
	MaxInterval time.Duration
	MaxAttempts int
}

// EventApplier is the engine surface the poller needs.
type EventApplier interface {
	ApplyEvent(ctx context.Context, ev event.ConnectorEvent) (reconcile.Result, error)
}

// Coordinator drives Sync polls for attempts awaiting external confirmation.
// Each attempt's polling runs as its own goroutine; nothing blocks across
// attempts.
type Coordinator struct {
	registry  *connector.Registry
	callGuard *guard.CallGuard
	engine    EventApplier
	attempts  store.AttemptRepository
	alerter   alert.Alerter
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup

	sleepFn func(ctx context.Context, d time.Duration) error
	nowFn   func() time.Time
}

func NewCoordinator(
	registry *connector.Registry,
	callGuard *guard.CallGuard,
	engine EventApplier,
	attempts store.AttemptRepository,
	alerter alert.Alerter,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultMaxInterval
	}
	if cfg.Policy == "" {
		cfg.Policy = BackoffFixed
	}
	return &Coordinator{
		registry:  registry,
		callGuard: callGuard,
		engine:    engine,
		attempts:  attempts,
		alerter:   alerter,
		cfg:       cfg,
		logger:    logger.With("component", "poller"),
		cancels:   make(map[uuid.UUID]context.CancelFunc),
		nowFn:     time.Now,
	}
}

// Schedule starts a background poll run for task. The run ends on terminal
// status, budget exhaustion, abort, or cancellation; errors are logged, not
// returned, since nobody is waiting on them.
func (c *Coordinator) Schedule(ctx context.Context, task Task) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.Run(ctx, task)
		switch {
		case err == nil:
		case errors.Is(err, ErrSyncExhausted):
			// Already alerted inside Run.
		case errors.Is(err, context.Canceled):
			c.logger.Info("poll run cancelled", "attempt_id", task.AttemptID)
		default:
			c.logger.Error("poll run failed", "attempt_id", task.AttemptID, "error", err)
		}
	}()
}

// Cancel stops future polls for an attempt. Already-applied transitions are
// not undone. Returns false when no run is active for the attempt.
func (c *Coordinator) Cancel(attemptID uuid.UUID) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[attemptID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Wait blocks until all scheduled runs have finished. Called on shutdown
// after the parent context is cancelled.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Run polls the connector until the attempt reaches a terminal status or
// the budget runs out. It issues at most task.MaxAttempts Sync calls.
func (c *Coordinator) Run(ctx context.Context, task Task) error {
	start := c.nowFn()
	defer func() {
		metrics.PollerRunLatency.WithLabelValues(task.Connector).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.register(task.AttemptID, cancel)
	defer c.unregister(task.AttemptID)

	binding, err := c.registry.Resolve(task.Connector, task.ProfileID)
	if err != nil {
		return fmt.Errorf("resolve connector for polling: %w", err)
	}

	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.MaxAttempts
	}

	if wait := time.Until(task.NextPollAt); wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			metrics.PollerCancelledTotal.WithLabelValues(task.Connector).Inc()
			return err
		}
	}

	var lastStatus model.AttemptStatus
	for attemptsMade := 1; attemptsMade <= maxAttempts; attemptsMade++ {
		if attemptsMade > 1 {
			if err := c.sleep(ctx, c.backoff(attemptsMade-1)); err != nil {
				metrics.PollerCancelledTotal.WithLabelValues(task.Connector).Inc()
				return err
			}
		}

		attempt, err := c.attempts.Get(ctx, task.AttemptID)
		if err != nil {
			return fmt.Errorf("load attempt for polling: %w", err)
		}
		if attempt == nil {
			return fmt.Errorf("%w: %s", reconcile.ErrAttemptNotFound, task.AttemptID)
		}
		if attempt.Status.IsTerminal() {
			// A webhook resolved it while we were waiting.
			c.logger.Info("attempt already terminal, poll run done",
				"attempt_id", task.AttemptID,
				"status", attempt.Status,
			)
			return nil
		}
		lastStatus = attempt.Status

		req := connector.SyncRequest{AttemptID: task.AttemptID}
		if attempt.ConnectorTxnRef != nil {
			req.ConnectorTxnRef = *attempt.ConnectorTxnRef
		}

		metrics.PollerSyncsTotal.WithLabelValues(task.Connector).Inc()
		var resp *connector.PaymentResponse
		err = c.callGuard.Do(ctx, task.Connector, func(ctx context.Context) error {
			var callErr error
			resp, callErr = binding.Adapter.Sync(ctx, binding.Credentials, req)
			return callErr
		})

		if err := c.attempts.IncrementRetryCount(ctx, task.AttemptID); err != nil {
			c.logger.Warn("increment retry count failed", "attempt_id", task.AttemptID, "error", err)
		}

		if err != nil {
			if ctx.Err() != nil {
				metrics.PollerCancelledTotal.WithLabelValues(task.Connector).Inc()
				return ctx.Err()
			}
			decision := retry.Classify(err)
			if !decision.IsTransient() {
				// Auth, invalid request, unmapped status: another call
				// cannot succeed, stop burning the budget.
				return fmt.Errorf("sync aborted: %w", err)
			}
			c.logger.Warn("sync poll failed, will retry",
				"attempt_id", task.AttemptID,
				"connector", task.Connector,
				"attempts_made", attemptsMade,
				"error", err,
			)
			continue
		}

		result, err := c.engine.ApplyEvent(ctx, event.ConnectorEvent{
			Source:          event.SourceSyncCall,
			AttemptID:       task.AttemptID,
			Connector:       task.Connector,
			ObservedStatus:  resp.Status,
			ConnectorTxnRef: resp.ConnectorTxnRef,
			ObservedAt:      c.nowFn().UTC(),
		})
		if err != nil {
			return fmt.Errorf("apply sync result: %w", err)
		}
		lastStatus = result.Status

		if result.Status.IsTerminal() {
			if task.TerminalTarget != "" && result.Status != task.TerminalTarget {
				c.logger.Warn("attempt settled on unexpected terminal status",
					"attempt_id", task.AttemptID,
					"want", task.TerminalTarget,
					"got", result.Status,
				)
			}
			return nil
		}
	}

	metrics.PollerExhaustedTotal.WithLabelValues(task.Connector).Inc()
	c.notifyExhausted(ctx, task, lastStatus, maxAttempts)
	return ErrSyncExhausted
}

func (c *Coordinator) notifyExhausted(ctx context.Context, task Task, lastStatus model.AttemptStatus, attemptsMade int) {
	if c.alerter == nil {
		return
	}
	err := c.alerter.Send(ctx, alert.Alert{
		Type:      alert.AlertTypeSyncExhausted,
		Connector: task.Connector,
		Merchant:  task.MerchantID,
		Title:     "Poll budget exhausted",
		Message:   "Attempt did not reach a terminal status within the poll budget",
		Fields: map[string]string{
			"attempt_id":    task.AttemptID.String(),
			"last_status":   lastStatus.String(),
			"attempts_made": fmt.Sprintf("%d", attemptsMade),
		},
	})
	if err != nil {
		c.logger.Warn("exhaustion alert failed", "attempt_id", task.AttemptID, "error", err)
	}
}

func (c *Coordinator) backoff(attemptsMade int) time.Duration {
	if c.cfg.Policy == BackoffFixed {
		return c.cfg.Interval
	}
	d := c.cfg.Interval
	for i := 1; i < attemptsMade; i++ {
		d *= 2
		if d >= c.cfg.MaxInterval {
			return c.cfg.MaxInterval
		}
	}
	return d
}

func (c *Coordinator) register(id uuid.UUID, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[id] = cancel
}

func (c *Coordinator) unregister(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, id)
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if c.sleepFn != nil {
		return c.sleepFn(ctx, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
