package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/kodax/payment-router/internal/connector"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

// Classify decides whether a failed connector call is worth retrying.
// Typed connector errors are authoritative; everything else falls back to
// net.Error and message-token heuristics, defaulting to terminal so an
// unknown failure never burns the whole polling budget.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var connErr *connector.Error
	if errors.As(err, &connErr) {
		switch connErr.Kind {
		case connector.ErrKindNetwork:
			return Decision{Class: ClassTransient, Reason: "connector_network"}
		case connector.ErrKindTimeout:
			return Decision{Class: ClassTransient, Reason: "connector_timeout"}
		case connector.ErrKindAuthentication:
			return Decision{Class: ClassTerminal, Reason: "connector_authentication_failed"}
		case connector.ErrKindInvalidRequest:
			return Decision{Class: ClassTerminal, Reason: "connector_invalid_request"}
		case connector.ErrKindUnmappedStatus:
			return Decision{Class: ClassTerminal, Reason: "connector_unmapped_status"}
		}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Decision{Class: ClassTransient, Reason: "net_timeout"}
		}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
}
