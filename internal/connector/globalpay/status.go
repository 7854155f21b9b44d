package globalpay

import (
	"github.com/kodax/payment-router/internal/connector"
	"github.com/kodax/payment-router/internal/domain/model"
)

// rawStatuses is the full transaction status vocabulary Global Payments
// documents. The mapping must stay total over this set; a value outside it
// is an adapter bug surfaced as UnmappedStatus, never coerced.
var rawStatuses = map[string]model.AttemptStatus{
	"INITIATED":     model.StatusAuthenticationPending,
	"PENDING":       model.StatusPending,
	"PREAUTHORIZED": model.StatusAuthorized,
	"CAPTURED":      model.StatusCharged,
	"FUNDED":        model.StatusCharged,
	"DECLINED":      model.StatusFailure,
	"REJECTED":      model.StatusFailure,
	"REVERSED":      model.StatusVoided,
}

// mapStatus translates a raw Global Payments status into the canonical
// model. Returns false when the value is not in the documented vocabulary.
func mapStatus(raw string) (model.AttemptStatus, bool) {
	status, ok := rawStatuses[raw]
	return status, ok
}

// mapRefundStatus maps raw refund outcomes. Refund calls use the same
// transaction status vocabulary on the wire.
func mapRefundStatus(raw string) (connector.RefundStatus, bool) {
	switch raw {
	case "CAPTURED", "FUNDED":
		return connector.RefundSucceeded, true
	case "INITIATED", "PENDING":
		return connector.RefundPending, true
	case "DECLINED", "REJECTED":
		return connector.RefundFailed, true
	}
	return "", false
}
