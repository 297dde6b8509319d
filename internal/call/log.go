package call

import (
	"context"
	"time"
)

// Outcome is the terminal disposition recorded in the call history.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeDeclined  Outcome = "declined"
	OutcomeMissed    Outcome = "missed"

	// OutcomeBusy marks an invite rejected at intake because another
	// call or invite held the engine. Recorded by the intake, not the
	// engine: a busy invite never reaches the engine's state machine.
	OutcomeBusy Outcome = "busy"
)

// LogEntry is handed to the history sink exactly once per terminated
// call that reached dialing or ringing. The sink owns the entry after
// Record returns.
type LogEntry struct {
	SessionID       string
	Direction       Direction
	Counterpart     string
	StartedAt       time.Time
	DurationSeconds int
	Outcome         Outcome
}

// Recorder is the call-history sink. Implementations should be prompt;
// entries are delivered on the engine's dispatch path.
type Recorder interface {
	Record(ctx context.Context, entry LogEntry) error
}

// outcomeFor maps an end reason onto the history outcome, given whether
// media ever connected.
func outcomeFor(reason EndReason, reachedActive bool) Outcome {
	switch reason {
	case EndDeclined:
		return OutcomeDeclined
	case EndMissed, EndRemoteCanceled:
		return OutcomeMissed
	case EndError:
		return OutcomeFailed
	case EndRemote:
		if reachedActive {
			return OutcomeCompleted
		}
		return OutcomeCanceled
	case EndLocal:
		if reachedActive {
			return OutcomeCompleted
		}
		return OutcomeCanceled
	default:
		return OutcomeFailed
	}
}
