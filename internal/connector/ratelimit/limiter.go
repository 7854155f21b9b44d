package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/kodax/payment-router/internal/metrics"
)

// Limiter wraps a token-bucket rate limiter for outbound processor calls.
// Processors throttle aggressively; staying under their documented limit is
// cheaper than handling 429 storms.
type Limiter struct {
	limiter   *rate.Limiter
	connector string
}

// NewLimiter creates a rate limiter that allows rps requests per second
// with a burst capacity of burst tokens.
func NewLimiter(rps float64, burst int, connectorName string) *Limiter {
	return &Limiter{
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		connector: connectorName,
	}
}

// Wait blocks until the limiter allows one event, or ctx is done.
// Uses Reserve() to guarantee exactly one token is consumed per call.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.RateLimitWaitsTotal.WithLabelValues(l.connector).Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}
