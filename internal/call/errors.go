package call

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidTarget rejects a malformed outbound number before any
	// driver interaction.
	ErrInvalidTarget = errors.New("invalid dial target")

	// ErrCallInProgress rejects operations that need an idle engine.
	ErrCallInProgress = errors.New("another call is in progress")

	// ErrNoCall rejects operations that need a call in progress.
	ErrNoCall = errors.New("no call in progress")

	// ErrInvitePending rejects a second inbound invite while one is
	// unresolved.
	ErrInvitePending = errors.New("an invite is already pending")
)

// FailureKind buckets driver connect failures for user presentation.
type FailureKind string

const (
	FailureInvalidNumber FailureKind = "invalid-number"
	FailurePermission    FailureKind = "permission"
	FailureNetwork       FailureKind = "network"
	FailureNotPermitted  FailureKind = "not-permitted"
	FailureUnknown       FailureKind = "unknown"
)

// ClassifyFailure maps a driver error onto a failure kind and a
// user-facing message. Classification is best-effort substring matching
// on the driver's error text; anything unrecognized falls back to the
// generic message.
func ClassifyFailure(err error) (FailureKind, string) {
	if err == nil {
		return FailureUnknown, "Call failed."
	}
	text := strings.ToLower(err.Error())

	switch {
	case containsAny(text, "invalid number", "address incomplete", "not found", "404", "484"):
		return FailureInvalidNumber, "The number you dialed is invalid."
	case containsAny(text, "unauthorized", "authentication", "401", "407"):
		return FailurePermission, "Not authorized to place this call."
	case containsAny(text, "forbidden", "not permitted", "decline", "403", "603"):
		return FailureNotPermitted, "This call is not permitted."
	case containsAny(text, "timeout", "timed out", "network", "unreachable", "connection refused", "no route", "408", "503"):
		return FailureNetwork, "Network error. Check the connection and try again."
	default:
		return FailureUnknown, "Call failed."
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
