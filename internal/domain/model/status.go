package model

// AttemptStatus is the processor-independent status of a payment attempt.
// It is the single source of truth for where the money is; connector raw
// statuses are always translated into one of these values before they touch
// attempt state.
type AttemptStatus string

const (
	StatusCreated               AttemptStatus = "created"
	StatusAuthenticationPending AttemptStatus = "authentication_pending"
	StatusPending               AttemptStatus = "pending"
	StatusAuthorized            AttemptStatus = "authorized"
	StatusPartialCharged        AttemptStatus = "partial_charged"
	StatusCharged               AttemptStatus = "charged"
	StatusFailure               AttemptStatus = "failure"
	StatusVoided                AttemptStatus = "voided"
	StatusUnresolved            AttemptStatus = "unresolved"
)

func (s AttemptStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further automatic transition occurs from s.
// Unresolved is terminal for automatic reconciliation; it is only re-opened
// by manual intervention, never by the engine.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case StatusCharged, StatusFailure, StatusVoided, StatusUnresolved:
		return true
	}
	return false
}

// Valid reports whether s is a known canonical status value.
func (s AttemptStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusAuthenticationPending, StatusPending,
		StatusAuthorized, StatusPartialCharged, StatusCharged,
		StatusFailure, StatusVoided, StatusUnresolved:
		return true
	}
	return false
}

// AllStatuses lists every canonical status. Used by the transition table and
// by admin API input validation.
func AllStatuses() []AttemptStatus {
	return []AttemptStatus{
		StatusCreated,
		StatusAuthenticationPending,
		StatusPending,
		StatusAuthorized,
		StatusPartialCharged,
		StatusCharged,
		StatusFailure,
		StatusVoided,
		StatusUnresolved,
	}
}
