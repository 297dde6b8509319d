package sip

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/flowpbx/flowphone/internal/media"
	"github.com/flowpbx/flowphone/internal/telephony"
)

// dialRingTimeout bounds how long an unanswered outbound INVITE may
// ring before the driver gives up. Servers normally end ringing with
// 480 or 486 long before this fires.
const dialRingTimeout = 2 * time.Minute

// Dial places an outbound call to the target number. It commits the
// INVITE and returns; ringing, answer, and failure are reported through
// the event sink from the response collector goroutine, which runs
// until a final response or the ring timeout.
func (d *Driver) Dial(ctx context.Context, target string) (telephony.Handle, error) {
	if err := ctx.Err(); err != nil {
		return telephony.Handle{}, err
	}
	if target == "" {
		return telephony.Handle{}, fmt.Errorf("dial target is empty")
	}

	callID := uuid.NewString()

	port, err := d.ports.Reserve()
	if err != nil {
		return telephony.Handle{}, fmt.Errorf("reserving media port: %w", err)
	}
	offer := media.Offer(d.mediaIP(), port.Port())

	req, err := d.buildInvite(target, callID, offer)
	if err != nil {
		port.Close()
		return telephony.Handle{}, err
	}

	// The transaction must outlive the caller's deadline: Dial returns
	// while the call is still ringing.
	dialCtx, cancelDial := context.WithTimeout(context.Background(), dialRingTimeout)

	tx, err := d.client.TransactionRequest(dialCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		cancelDial()
		port.Close()
		return telephony.Handle{}, fmt.Errorf("sending invite: %w", err)
	}

	c := &activeCall{
		sessionID:  callID,
		outbound:   true,
		phase:      phaseCalling,
		inviteReq:  req,
		localSDP:   offer,
		audio:      port,
		cancelDial: cancelDial,
	}
	d.calls.add(c)

	d.logger.Info("outbound call placed",
		"call_id", callID,
		"target", target,
	)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.collectDial(dialCtx, c, req, tx)
	}()

	return telephony.Handle{SessionID: callID}, nil
}

// buildInvite assembles the initial INVITE. From carries our account
// identity and a fresh tag; the rest of the mandatory headers are
// filled in by the client request builder.
func (d *Driver) buildInvite(target, callID string, offer []byte) (*sip.Request, error) {
	var recipient sip.Uri
	recipientStr := fmt.Sprintf("sip:%s@%s", target, d.cfg.Server)
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, fmt.Errorf("parsing target uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(d.cfg.transport()))
	req.SetBody(offer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Call-ID", callID))

	from := &sip.FromHeader{
		DisplayName: d.cfg.DisplayName,
		Address:     sip.Uri{User: d.cfg.Username, Host: d.cfg.serverHost()},
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", newTag())
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: sip.Uri{User: target, Host: d.cfg.serverHost()},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(to)
	req.AppendHeader(sip.NewHeader("Contact", d.contactValue()))

	if d.cfg.Identity != "" {
		req.AppendHeader(sip.NewHeader(d.cfg.identityHeader(), d.cfg.Identity))
	}

	return req, nil
}

// collectDial consumes responses to an outbound INVITE until a final
// one arrives. Provisional responses surface as a single ringing event;
// one digest challenge is retried with credentials; 2xx answers the
// call and everything else ends it.
func (d *Driver) collectDial(ctx context.Context, c *activeCall, req *sip.Request, tx sip.ClientTransaction) {
	defer func() { tx.Terminate() }()

	ringing := false
	authed := false

	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			if c.wasCanceled() {
				// Hung up locally; Hangup already settled the session.
				return
			}
			d.dialFailed(c, fmt.Errorf("dial timed out: %w", ctx.Err()))
			return
		case <-tx.Done():
			if c.wasCanceled() {
				return
			}
			if txErr := tx.Err(); txErr != nil {
				d.dialFailed(c, fmt.Errorf("invite transaction: %w", txErr))
				return
			}
			d.dialFailed(c, fmt.Errorf("invite transaction ended without final response"))
			return
		case res = <-tx.Responses():
		}

		d.logger.Debug("outbound call response",
			"call_id", c.sessionID,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode < 200:
			// 100 Trying is absorbed; 180/183 ring once.
			if (res.StatusCode == 180 || res.StatusCode == 183) && !ringing {
				ringing = true
				d.events.CallRinging(c.sessionID)
			}

		case res.StatusCode == 401 || res.StatusCode == 407:
			if authed {
				// Credentials already sent and still challenged.
				tx.Terminate()
				d.dialFailed(c, fmt.Errorf("call rejected with status %d %s", res.StatusCode, res.Reason))
				return
			}
			authed = true
			tx.Terminate()
			authReq, authTx, err := d.dialAuthRetry(ctx, req, res)
			if err != nil {
				d.dialFailed(c, err)
				return
			}
			req, tx = authReq, authTx

		case res.StatusCode < 300:
			d.dialAnswered(c, req, res)
			return

		default:
			tx.Terminate()
			if res.StatusCode == 487 && c.wasCanceled() {
				// Confirmation of our own CANCEL.
				return
			}
			d.dialFailed(c, fmt.Errorf("call rejected with status %d %s", res.StatusCode, res.Reason))
			return
		}
	}
}

// dialAuthRetry answers a 401/407 digest challenge by re-sending the
// INVITE with computed credentials.
func (d *Driver) dialAuthRetry(ctx context.Context, origReq *sip.Request, challenge *sip.Response) (*sip.Request, sip.ClientTransaction, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, nil, fmt.Errorf("challenge %d without %s header", challenge.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing digest challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   origReq.Method.String(),
		URI:      origReq.Recipient.String(),
		Username: d.cfg.Username,
		Password: d.cfg.Password,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("building digest credentials: %w", err)
	}

	authReq := origReq.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := d.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("resending INVITE with credentials: %w", err)
	}
	return authReq, tx, nil
}

// dialAnswered ACKs the 2xx and reports the call connected. If the call
// was hung up while the answer was in flight, the dialog is closed
// again immediately with a BYE.
func (d *Driver) dialAnswered(c *activeCall, req *sip.Request, res *sip.Response) {
	ack := buildACKFor2xx(req, res)
	if err := d.client.WriteRequest(ack); err != nil {
		d.logger.Error("failed to send ack",
			"call_id", c.sessionID,
			"error", err,
		)
		d.dialFailed(c, fmt.Errorf("sending ack: %w", err))
		return
	}

	c.establish(req, res)

	if d.calls.get(c.sessionID) != c {
		// Hangup raced the answer. The dialog exists now, so end it
		// properly instead of leaving the far end off-hook.
		hangupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.sendBye(hangupCtx, c); err != nil {
			d.logger.Warn("failed to end call answered during hangup",
				"call_id", c.sessionID,
				"error", err,
			)
		}
		c.close()
		return
	}

	d.logger.Info("outbound call answered", "call_id", c.sessionID)
	d.events.CallConnected(c.sessionID)
}

// dialFailed ends a failed outbound call attempt and reports it, unless
// the call was already hung up locally.
func (d *Driver) dialFailed(c *activeCall, err error) {
	removed := d.calls.remove(c.sessionID)
	c.close()
	if removed == nil {
		// Already removed by Hangup or Stop; nobody is listening.
		return
	}
	d.logger.Info("outbound call failed",
		"call_id", c.sessionID,
		"error", err,
	)
	d.events.CallDisconnected(c.sessionID, err)
}

// buildACKFor2xx creates the ACK for a 2xx response to an INVITE. Per
// RFC 3261 §13.2.2.4 the ACK for a 2xx is generated by the UAC core,
// not the transaction layer. The Request-URI comes from the Contact in
// the response if present, otherwise from the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	// From mirrors the INVITE; To comes from the response so the remote
	// tag is included.
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	// Same sequence number, method changed to ACK.
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}
