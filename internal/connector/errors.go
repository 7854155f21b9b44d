package connector

import "fmt"

// ErrorKind classifies adapter call failures. Network and Timeout are
// retryable within the polling budget; the rest halt retries immediately.
type ErrorKind string

const (
	ErrKindNetwork        ErrorKind = "network"
	ErrKindAuthentication ErrorKind = "authentication_failed"
	ErrKindInvalidRequest ErrorKind = "invalid_request"
	ErrKindUnmappedStatus ErrorKind = "unmapped_status"
	ErrKindTimeout        ErrorKind = "timeout"
)

// Error is the typed failure returned by every adapter operation.
type Error struct {
	Kind      ErrorKind
	Connector string
	Reason    string // invalid-request reason or unmapped raw status value
	Err       error  // underlying transport error, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("connector %s: %s", e.Connector, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NetworkError wraps a transport-level failure.
func NetworkError(name string, err error) *Error {
	return &Error{Kind: ErrKindNetwork, Connector: name, Err: err}
}

// TimeoutError wraps a deadline-exceeded failure.
func TimeoutError(name string, err error) *Error {
	return &Error{Kind: ErrKindTimeout, Connector: name, Err: err}
}

// AuthenticationError reports rejected credentials.
func AuthenticationError(name string) *Error {
	return &Error{Kind: ErrKindAuthentication, Connector: name}
}

// InvalidRequestError reports a request the processor rejected as malformed.
func InvalidRequestError(name, reason string) *Error {
	return &Error{Kind: ErrKindInvalidRequest, Connector: name, Reason: reason}
}

// UnmappedStatusError reports a raw status value missing from the adapter's
// mapping table. This is a hard failure: coercing an unknown raw value to a
// default status risks reporting a successful charge as failed, so the call
// surfaces the gap instead.
func UnmappedStatusError(name, raw string) *Error {
	return &Error{Kind: ErrKindUnmappedStatus, Connector: name, Reason: raw}
}
