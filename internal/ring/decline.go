package ring

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/platform"
	"github.com/flowpbx/flowphone/internal/telephony"
)

// DeclineHandler is the fast out-of-band decline path: a decline tap on
// the alert surface reaches it directly, without a round trip through
// the ringing supervisor. It claims the invite, rejects it at the
// driver, settles the engine state, and only then notifies whatever
// supervisor may still be ringing. Built to work even when no
// supervisor is reachable, so a decline is never lost to a torn-down
// ringing context.
type DeclineHandler struct {
	slot     *call.PendingInvite
	driver   telephony.Driver
	session  *call.Session
	alerts   platform.Alerter
	receiver *Receiver
	logger   *slog.Logger
}

// NewDeclineHandler wires the decline path.
func NewDeclineHandler(
	slot *call.PendingInvite,
	driver telephony.Driver,
	session *call.Session,
	alerts platform.Alerter,
	receiver *Receiver,
	logger *slog.Logger,
) *DeclineHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeclineHandler{
		slot:     slot,
		driver:   driver,
		session:  session,
		alerts:   alerts,
		receiver: receiver,
		logger:   logger.With("component", "decline"),
	}
}

// Decline rejects the pending invite. An empty session id declines
// whichever invite is pending; otherwise only a matching invite is
// claimed. It reports whether an invite was actually claimed and
// rejected. Losing the claim race to answer, cancel, or timeout is a
// normal outcome, not an error, and the incoming-call alert is
// dismissed regardless so a decline tap never leaves a stale alert
// behind.
func (h *DeclineHandler) Decline(sessionID string) bool {
	var (
		claimed telephony.Invite
		ok      bool
	)
	if sessionID == "" {
		claimed, ok = h.slot.ClaimAndClear()
	} else {
		claimed, ok = h.slot.Claim(sessionID)
	}

	if ok {
		h.logger.Info("declining invite", "call_id", claimed.SessionID)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := h.driver.Reject(ctx, claimed); err != nil {
			h.logger.Warn("decline reject failed", "call_id", claimed.SessionID, "error", err)
		}
		cancel()
		h.session.ResolveIncoming(claimed.SessionID, call.EndDeclined)
	} else {
		h.logger.Debug("decline found no matching invite", "call_id", sessionID)
	}

	h.alerts.DismissIncomingCall()

	if ok && h.receiver != nil {
		if sup := h.receiver.Current(); sup != nil && sup.Invite().SessionID == claimed.SessionID {
			sup.FinishDeclined()
		}
	}
	return ok
}
