// Package call implements the call engine: the single authoritative
// state machine for the current call, the pending-invite register, and
// the call-history emission that accompanies every termination.
package call

import "time"

// Phase is the lifecycle position of the current call.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDialing
	PhaseRinging
	PhaseActive
	PhaseEnded
	PhaseFailed
)

// String returns the lower-case phase name used in logs and API
// responses.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDialing:
		return "dialing"
	case PhaseRinging:
		return "ringing"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Direction distinguishes who initiated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// EndReason says why a call left the in-call phases.
type EndReason string

const (
	EndLocal          EndReason = "local"           // local hangup
	EndRemote         EndReason = "remote"          // orderly remote hangup
	EndDeclined       EndReason = "declined"        // inbound invite declined locally
	EndMissed         EndReason = "missed"          // inbound invite timed out unanswered
	EndRemoteCanceled EndReason = "remote-canceled" // caller gave up before answer
	EndError          EndReason = "error"           // failure, see State.Message
)

// State is one immutable snapshot of the call engine. Transitions
// replace the whole value; observers never see partial updates. Ended
// and Failed are transient: the engine publishes them and then
// immediately publishes the Idle reset, in that order.
type State struct {
	Phase     Phase
	Direction Direction

	// Target is the counterpart address while Dialing, Ringing or
	// Active.
	Target string

	// SessionID is the driver's call identifier. Empty while Dialing
	// until the driver assigns one.
	SessionID string

	// StartedAt is fixed when the call connects and carries Go's
	// monotonic clock reading; Duration is always derived from it.
	StartedAt time.Time
	Duration  time.Duration

	Muted     bool
	SpeakerOn bool

	// Reason is set on Ended snapshots.
	Reason EndReason

	// Message is the user-facing failure text on Failed snapshots.
	Message string
}

// InCall reports whether the phase is between dial/invite and
// termination.
func (s State) InCall() bool {
	switch s.Phase {
	case PhaseDialing, PhaseRinging, PhaseActive:
		return true
	default:
		return false
	}
}
