// Package telephony defines the signaling capability the call engine
// consumes. The production implementation is the SIP driver in
// internal/sip; tests substitute in-package fakes.
package telephony

import (
	"context"
	"time"
)

// Invite is an unresolved inbound call signal. The same call may be
// announced twice (push wake-up and SIP INVITE); both carry the same
// session id.
type Invite struct {
	// SessionID is the opaque call identifier. The SIP driver uses the
	// Call-ID; push payloads carry the same value as call_id.
	SessionID string
	// CallerToken is the opaque invite token from the push payload,
	// handed back to the driver on accept. Empty for invites announced
	// by the driver itself.
	CallerToken string
	// From is the caller address.
	From string
	// DisplayName is the caller display name, may be empty.
	DisplayName string
	// ReceivedAt is when this process first saw the invite.
	ReceivedAt time.Time
}

// Handle identifies one placed or answered call inside the driver.
type Handle struct {
	SessionID string
}

// Driver is the outbound half of the capability. Calls are prompt: they
// commit the request and return; progress and failure arrive through the
// Events sink from the driver's own goroutines.
type Driver interface {
	// Dial places an outbound call and returns its handle. The returned
	// handle is valid immediately; ringing/connected/disconnected events
	// follow.
	Dial(ctx context.Context, target string) (Handle, error)

	// Accept answers the given inbound invite.
	Accept(ctx context.Context, inv Invite) (Handle, error)

	// Reject declines the given inbound invite.
	Reject(ctx context.Context, inv Invite) error

	// Hangup tears down a placed or answered call. Safe to call for a
	// call that already ended remotely.
	Hangup(ctx context.Context, h Handle) error

	// SetMuted mutes or unmutes the captured audio of an answered call.
	SetMuted(ctx context.Context, h Handle, muted bool) error

	// SendTones transmits DTMF digits on an answered call.
	SendTones(ctx context.Context, h Handle, digits string) error
}

// Events is the driver's event stream. Implementations must return
// quickly; drivers deliver events sequentially per session but
// concurrently across sessions.
type Events interface {
	// CallRinging reports that an outbound call is ringing at the remote
	// party.
	CallRinging(sessionID string)

	// CallConnected reports that media is established.
	CallConnected(sessionID string)

	// CallReconnecting reports a transient signaling or media problem
	// the driver is recovering from.
	CallReconnecting(sessionID string, err error)

	// CallDisconnected reports the end of a call. A nil error means an
	// orderly termination; a non-nil error carries the failure.
	CallDisconnected(sessionID string, err error)

	// CallQuality reports a degraded-quality warning for an established
	// call.
	CallQuality(sessionID string, warning string)

	// InviteReceived announces an inbound invite observed by the driver.
	InviteReceived(inv Invite)

	// InviteCanceled reports that the remote party gave up on an inbound
	// invite before it was answered.
	InviteCanceled(sessionID string)
}
