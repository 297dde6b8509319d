package sip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowphone/internal/media"
	"github.com/flowpbx/flowphone/internal/telephony"
)

// ackTimeout bounds how long an answered inbound call waits for the
// caller's ACK before it is torn down.
const ackTimeout = 15 * time.Second

// handleInvite parks an inbound INVITE in the hold window, rings back
// to the caller, and announces the invite to the engine. The engine
// answers or declines through Accept/Reject; the caller may cancel; the
// janitor expires what nobody resolves.
func (d *Driver) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	if callID == "" {
		d.respondError(req, tx, 400, "Bad Request")
		return
	}

	caller := ""
	displayName := ""
	if from := req.From(); from != nil {
		caller = from.Address.User
		displayName = from.DisplayName
	}

	d.logger.Info("invite received",
		"call_id", callID,
		"from", caller,
		"source", req.Source(),
	)

	// Send 100 Trying immediately to stop retransmissions (RFC 3261 §8.2.6.1).
	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		d.logger.Error("failed to send 100 trying", "call_id", callID, "error", err)
		return
	}

	// A re-INVITE for an established call refreshes the session; answer
	// it with the description we already negotiated.
	if c := d.calls.get(callID); c != nil {
		d.logger.Info("session refresh for established call", "call_id", callID)
		ok := sip.NewResponseFromRequest(req, 200, "OK", c.localDescription())
		ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		ok.AppendHeader(sip.NewHeader("Contact", d.contactValue()))
		if err := tx.Respond(ok); err != nil {
			d.logger.Error("failed to answer session refresh", "call_id", callID, "error", err)
		}
		return
	}

	held := &heldInvite{
		sessionID:  callID,
		req:        req,
		tx:         tx,
		receivedAt: time.Now(),
	}
	claimed, err := d.held.put(held)
	if err != nil {
		switch {
		case errors.Is(err, errDuplicateInvite):
			// Retransmission; the transaction layer replays our response.
			d.logger.Debug("duplicate invite ignored", "call_id", callID)
		case errors.Is(err, errHoldFull):
			d.logger.Warn("invite rejected, hold window full", "call_id", callID)
			d.respondError(req, tx, 486, "Busy Here")
		default:
			d.respondError(req, tx, 500, "Internal Server Error")
		}
		return
	}
	if claimed {
		// An Accept was already waiting on this Call-ID; it answers the
		// transaction itself, so no ringback and no announcement.
		return
	}

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		d.logger.Error("failed to send 180 ringing", "call_id", callID, "error", err)
	}

	d.events.InviteReceived(telephony.Invite{
		SessionID:   callID,
		From:        caller,
		DisplayName: displayName,
		ReceivedAt:  time.Now(),
	})
}

// handleCancel resolves a caller giving up before the call was
// answered: 200 to the CANCEL, 487 to the parked INVITE transaction,
// and the cancellation forwarded to the engine.
func (d *Driver) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	d.logger.Info("cancel received", "call_id", callID)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		d.logger.Error("failed to respond to cancel", "call_id", callID, "error", err)
	}

	held, ok := d.held.claim(callID)
	if !ok {
		// Already answered or never seen; nothing to terminate.
		return
	}
	d.respondHeld(held, 487, "Request Terminated")
	d.events.InviteCanceled(callID)
}

// handleBye tears down an established call at the remote end's request.
func (d *Driver) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	d.logger.Info("bye received", "call_id", callID)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		d.logger.Error("failed to respond to bye", "call_id", callID, "error", err)
	}

	c := d.calls.remove(callID)
	if c == nil {
		return
	}
	c.close()
	d.events.CallDisconnected(callID, nil)
}

// Accept answers the inbound invite: it claims the parked INVITE
// transaction (waiting briefly when the push wake-up outran the SIP
// fork), negotiates an answer, and sends 200 OK. The call is reported
// connected once the caller's ACK arrives.
func (d *Driver) Accept(ctx context.Context, inv telephony.Invite) (telephony.Handle, error) {
	held, err := d.held.await(ctx, inv.SessionID)
	if err != nil {
		return telephony.Handle{}, fmt.Errorf("no invite transaction for %s: %w", inv.SessionID, err)
	}

	port, err := d.ports.Reserve()
	if err != nil {
		d.respondHeld(held, 500, "Internal Server Error")
		return telephony.Handle{}, fmt.Errorf("reserving media port: %w", err)
	}

	answer, err := media.Answer(held.req.Body(), d.mediaIP(), port.Port())
	if err != nil {
		port.Close()
		d.respondHeld(held, 488, "Not Acceptable Here")
		return telephony.Handle{}, fmt.Errorf("negotiating answer for %s: %w", inv.SessionID, err)
	}

	ok := sip.NewResponseFromRequest(held.req, 200, "OK", answer)
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	ok.AppendHeader(sip.NewHeader("Contact", d.contactValue()))
	if to := ok.To(); to != nil {
		if _, has := to.Params.Get("tag"); !has {
			to.Params.Add("tag", newTag())
		}
	}

	if err := held.tx.Respond(ok); err != nil {
		port.Close()
		return telephony.Handle{}, fmt.Errorf("answering %s: %w", inv.SessionID, err)
	}

	c := &activeCall{
		sessionID: inv.SessionID,
		outbound:  false,
		phase:     phaseAnswering,
		inviteReq: held.req,
		okRes:     ok,
		localSDP:  answer,
		audio:     port,
	}
	if cseq := held.req.CSeq(); cseq != nil {
		c.cseq.Store(cseq.SeqNo)
	}
	c.ackTimer = time.AfterFunc(ackTimeout, func() { d.ackTimedOut(inv.SessionID) })
	d.calls.add(c)

	d.logger.Info("inbound call answered", "call_id", inv.SessionID)
	return telephony.Handle{SessionID: inv.SessionID}, nil
}

// ackTimedOut gives up on an answered call whose caller never ACKed.
func (d *Driver) ackTimedOut(sessionID string) {
	c := d.calls.get(sessionID)
	if c == nil || c.established() {
		return
	}
	d.calls.remove(sessionID)
	c.close()
	d.logger.Warn("no ack for answered call, tearing down", "call_id", sessionID)
	d.events.CallDisconnected(sessionID, fmt.Errorf("no ack received within %s", ackTimeout))
}

// Reject declines the inbound invite with 603. Claiming the parked
// transaction is the race arbiter: losing the claim means the invite
// was already answered, cancelled, or expired, and that is success.
func (d *Driver) Reject(ctx context.Context, inv telephony.Invite) error {
	held, ok := d.held.claim(inv.SessionID)
	if !ok {
		d.logger.Debug("reject found no held invite", "call_id", inv.SessionID)
		return nil
	}
	d.respondHeld(held, 603, "Decline")
	d.logger.Info("inbound call declined", "call_id", inv.SessionID)
	return nil
}

func (d *Driver) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		d.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
