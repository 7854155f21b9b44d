package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kodax/payment-router/internal/alert"
	"github.com/kodax/payment-router/internal/circuitbreaker"
	"github.com/kodax/payment-router/internal/connector/ratelimit"
	"github.com/kodax/payment-router/internal/metrics"
	"github.com/kodax/payment-router/internal/retry"
)

// ErrCircuitOpen is re-exported so callers can classify rejections without
// importing the breaker package.
var ErrCircuitOpen = circuitbreaker.ErrCircuitOpen

// Config holds the per-connector breaker and rate limit settings. The same
// settings apply to every connector; connectors get independent instances.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	RPS              float64
	Burst            int
}

// CallGuard wraps every outbound adapter call with a per-connector circuit
// breaker and token-bucket rate limiter. Only transport-level failures trip
// the breaker; a processor declining a payment is a healthy response.
type CallGuard struct {
	cfg     Config
	alerter alert.Alerter
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.Breaker
	limiters map[string]*ratelimit.Limiter
}

func New(cfg Config, alerter alert.Alerter, logger *slog.Logger) *CallGuard {
	if cfg.RPS <= 0 {
		cfg.RPS = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &CallGuard{
		cfg:      cfg,
		alerter:  alerter,
		logger:   logger.With("component", "callguard"),
		breakers: make(map[string]*circuitbreaker.Breaker),
		limiters: make(map[string]*ratelimit.Limiter),
	}
}

// Do runs fn under connectorName's rate limiter and circuit breaker.
// Returns ErrCircuitOpen without invoking fn when the circuit is open.
func (g *CallGuard) Do(ctx context.Context, connectorName string, fn func(ctx context.Context) error) error {
	breaker, limiter := g.forConnector(connectorName)

	if err := breaker.Allow(); err != nil {
		metrics.BreakerRejectionsTotal.WithLabelValues(connectorName).Inc()
		return err
	}

	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	err := fn(ctx)

	// Declines, invalid requests, and unmapped statuses are upstream being
	// responsive; only transient transport failures count against it.
	if err != nil && retry.Classify(err).IsTransient() {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	return err
}

func (g *CallGuard) forConnector(connectorName string) (*circuitbreaker.Breaker, *ratelimit.Limiter) {
	g.mu.Lock()
	defer g.mu.Unlock()

	breaker, ok := g.breakers[connectorName]
	if !ok {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: g.cfg.FailureThreshold,
			SuccessThreshold: g.cfg.SuccessThreshold,
			OpenTimeout:      g.cfg.OpenTimeout,
			OnStateChange:    g.stateChangeHook(connectorName),
		})
		g.breakers[connectorName] = breaker
	}

	limiter, ok := g.limiters[connectorName]
	if !ok {
		limiter = ratelimit.NewLimiter(g.cfg.RPS, g.cfg.Burst, connectorName)
		g.limiters[connectorName] = limiter
	}

	return breaker, limiter
}

func (g *CallGuard) stateChangeHook(connectorName string) func(from, to circuitbreaker.State) {
	return func(from, to circuitbreaker.State) {
		metrics.BreakerStateGauge.WithLabelValues(connectorName).Set(float64(to))
		g.logger.Warn("circuit breaker state changed",
			"connector", connectorName,
			"from", from.String(),
			"to", to.String(),
		)

		if to == circuitbreaker.StateOpen && g.alerter != nil {
			err := g.alerter.Send(context.Background(), alert.Alert{
				Type:      alert.AlertTypeBreakerOpen,
				Connector: connectorName,
				Title:     "Circuit breaker opened",
				Message:   "Consecutive transport failures exceeded threshold; calls fail fast until the cooldown elapses",
			})
			if err != nil {
				g.logger.Warn("breaker alert failed", "connector", connectorName, "error", err)
			}
		}
	}
}
