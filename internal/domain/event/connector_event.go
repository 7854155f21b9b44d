package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/kodax/payment-router/internal/domain/model"
)

// Source identifies how a connector observation reached the router.
type Source string

const (
	SourceSyncCall Source = "sync_call"
	SourceWebhook  Source = "webhook"
)

// ConnectorEvent is a normalized observation of connector-side state for one
// attempt. Produced by an adapter call or a webhook parse, consumed
// immediately by the reconcile engine, never persisted on its own.
type ConnectorEvent struct {
	Source          Source
	AttemptID       uuid.UUID
	Connector       string
	ObservedStatus  model.AttemptStatus
	ConnectorTxnRef string // empty when the connector has not assigned one
	ObservedAt      time.Time
}
