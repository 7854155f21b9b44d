package cryptopay

import "github.com/kodax/payment-router/internal/domain/model"

// mapStatus translates the Cryptopay invoice status vocabulary. The
// status_context qualifier is informational (underpaid vs overpaid vs
// paid_late); every unresolved variant maps to the same canonical status
// because the funds position is ambiguous either way.
func mapStatus(raw, statusContext string) (model.AttemptStatus, bool) {
	_ = statusContext
	switch raw {
	case "new":
		return model.StatusAuthenticationPending, true
	case "pending":
		return model.StatusPending, true
	case "completed":
		return model.StatusCharged, true
	case "unresolved":
		return model.StatusUnresolved, true
	case "refunded":
		// The charge itself completed; the refund lifecycle is tracked
		// separately.
		return model.StatusCharged, true
	case "cancelled":
		return model.StatusFailure, true
	}
	return "", false
}
