package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedupe tracks webhook deliveries that have already been processed so a
// connector redelivering the same notification does not replay a transition.
type Dedupe struct {
	client *redis.Client
	ttl    time.Duration
}

func NewDedupe(url string, ttl time.Duration) (*Dedupe, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Dedupe{client: client, ttl: ttl}, nil
}

// Seen reports whether a delivery key is already recorded. It never writes;
// a delivery is only recorded by Mark after it has been fully processed, so
// a failed apply stays eligible for redelivery.
func (d *Dedupe) Seen(ctx context.Context, connectorName, txnRef, status string) (bool, error) {
	key := dedupeKey(connectorName, txnRef, status)

	n, err := d.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe exists: %w", err)
	}
	return n > 0, nil
}

// Mark records a processed delivery key so redeliveries short-circuit.
// The check-then-mark pair is not atomic; a concurrent redelivery in the
// gap is absorbed by engine idempotence.
func (d *Dedupe) Mark(ctx context.Context, connectorName, txnRef, status string) error {
	key := dedupeKey(connectorName, txnRef, status)

	if err := d.client.Set(ctx, key, "1", d.ttl).Err(); err != nil {
		return fmt.Errorf("dedupe set: %w", err)
	}
	return nil
}

// dedupeKey scopes a delivery to (connector, txn ref, status) so a status
// change on the same transaction is never treated as a duplicate.
func dedupeKey(connectorName, txnRef, status string) string {
	return fmt.Sprintf("webhook:seen:%s:%s:%s", connectorName, txnRef, status)
}

func (d *Dedupe) Close() error {
	return d.client.Close()
}

func (d *Dedupe) Client() *redis.Client {
	return d.client
}
