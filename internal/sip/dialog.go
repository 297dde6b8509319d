package sip

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flowpbx/flowphone/internal/media"
	"github.com/flowpbx/flowphone/internal/telephony"
)

// callPhase tracks how far a call's dialog has progressed.
type callPhase int

const (
	// phaseCalling: outbound INVITE sent, awaiting the final response.
	phaseCalling callPhase = iota
	// phaseAnswering: inbound 200 sent, awaiting the caller's ACK.
	phaseAnswering
	// phaseEstablished: dialog confirmed, media may flow.
	phaseEstablished
)

// activeCall is one placed or answered call with the dialog state
// needed to build in-dialog requests (BYE, INFO).
type activeCall struct {
	sessionID string
	outbound  bool

	mu       sync.Mutex
	phase    callPhase
	muted    bool
	canceled bool
	closed   bool

	// inviteReq is our INVITE for outbound calls and the remote's for
	// inbound calls. okRes is the 200 that established the dialog.
	inviteReq *sip.Request
	okRes     *sip.Response
	localSDP  []byte

	cseq       atomic.Uint32
	audio      *media.AudioPort
	cancelDial context.CancelFunc
	ackTimer   *time.Timer
}

// confirmAnswer moves an answered inbound call to established on ACK.
// Reports false when the call was already confirmed or torn down.
func (c *activeCall) confirmAnswer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != phaseAnswering || c.closed {
		return false
	}
	c.phase = phaseEstablished
	if c.ackTimer != nil {
		c.ackTimer.Stop()
	}
	return true
}

// establish records the dialog-confirming exchange of an outbound call.
// The request is the INVITE that won (possibly the authenticated
// retry); its CSeq seeds our in-dialog sequence.
func (c *activeCall) establish(req *sip.Request, okRes *sip.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inviteReq = req
	c.okRes = okRes
	c.phase = phaseEstablished
	if cseq := req.CSeq(); cseq != nil {
		c.cseq.Store(cseq.SeqNo)
	}
}

func (c *activeCall) established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseEstablished
}

// markCanceled notes a local abort of a still-ringing outbound call so
// the response collector reports the 487 as orderly.
func (c *activeCall) markCanceled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = true
}

func (c *activeCall) wasCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

func (c *activeCall) setMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
}

func (c *activeCall) localDescription() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSDP
}

// close releases the call's timers, dial context, and media port. Safe
// to call more than once.
func (c *activeCall) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	timer := c.ackTimer
	cancel := c.cancelDial
	audio := c.audio
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	audio.Close()
}

// newInDialogRequest builds a request inside this call's dialog per
// RFC 3261 §12.2.1.1: the Request-URI targets the peer's contact, From
// carries our tag, To carries theirs, and the CSeq continues our local
// sequence.
func (c *activeCall) newInDialogRequest(method sip.RequestMethod) (*sip.Request, error) {
	c.mu.Lock()
	inviteReq, okRes := c.inviteReq, c.okRes
	c.mu.Unlock()

	if inviteReq == nil || okRes == nil {
		return nil, fmt.Errorf("call %s has no established dialog", c.sessionID)
	}

	var recipient sip.Uri
	var localHdr *sip.FromHeader
	var remoteHdr *sip.ToHeader

	if c.outbound {
		// UAC side: our identity is the INVITE's From, the peer's tag
		// came back in the 200's To, and in-dialog requests go to the
		// Contact the 200 advertised.
		if contact := okRes.Contact(); contact != nil {
			recipient = *contact.Address.Clone()
		} else {
			recipient = *inviteReq.Recipient.Clone()
		}
		from := inviteReq.From()
		to := okRes.To()
		if from == nil || to == nil {
			return nil, fmt.Errorf("call %s dialog is missing from/to", c.sessionID)
		}
		localHdr = &sip.FromHeader{
			DisplayName: from.DisplayName,
			Address:     *from.Address.Clone(),
			Params:      from.Params.Clone(),
		}
		remoteHdr = &sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     *to.Address.Clone(),
			Params:      to.Params.Clone(),
		}
	} else {
		// UAS side: the header roles swap. Our identity is the To of
		// the 200 we sent (it holds our tag); the peer is the INVITE's
		// From; requests go to the INVITE's Contact.
		if contact := inviteReq.Contact(); contact != nil {
			recipient = *contact.Address.Clone()
		} else if from := inviteReq.From(); from != nil {
			recipient = *from.Address.Clone()
		} else {
			return nil, fmt.Errorf("call %s has no routable peer address", c.sessionID)
		}
		to := okRes.To()
		from := inviteReq.From()
		if from == nil || to == nil {
			return nil, fmt.Errorf("call %s dialog is missing from/to", c.sessionID)
		}
		localHdr = &sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     *to.Address.Clone(),
			Params:      to.Params.Clone(),
		}
		remoteHdr = &sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     *from.Address.Clone(),
			Params:      from.Params.Clone(),
		}
	}

	req := sip.NewRequest(method, recipient)
	req.SetTransport(inviteReq.Transport())
	req.AppendHeader(localHdr)
	req.AppendHeader(remoteHdr)
	req.AppendHeader(sip.NewHeader("Call-ID", c.sessionID))
	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      c.cseq.Add(1),
		MethodName: method,
	})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	return req, nil
}

// callTable tracks active calls by session id.
type callTable struct {
	mu    sync.Mutex
	calls map[string]*activeCall
}

func newCallTable() *callTable {
	return &callTable{calls: make(map[string]*activeCall)}
}

func (t *callTable) add(c *activeCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[c.sessionID] = c
}

func (t *callTable) get(sessionID string) *activeCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[sessionID]
}

func (t *callTable) remove(sessionID string) *activeCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[sessionID]
	if !ok {
		return nil
	}
	delete(t.calls, sessionID)
	return c
}

func (t *callTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *callTable) drain() []*activeCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := make([]*activeCall, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	t.calls = make(map[string]*activeCall)
	return calls
}

// Hangup tears down a placed or answered call: CANCEL while an outbound
// call is still ringing, BYE once a dialog is established. A call that
// already ended remotely is gone from the table and hanging it up is a
// no-op.
func (d *Driver) Hangup(ctx context.Context, h telephony.Handle) error {
	c := d.calls.remove(h.SessionID)
	if c == nil {
		d.logger.Debug("hangup for unknown call", "call_id", h.SessionID)
		return nil
	}

	if c.outbound && !c.established() {
		c.markCanceled()
		err := d.sendCancel(ctx, c)
		c.close()
		if err != nil {
			return fmt.Errorf("canceling %s: %w", h.SessionID, err)
		}
		d.logger.Info("outbound call canceled", "call_id", h.SessionID)
		return nil
	}

	err := d.sendBye(ctx, c)
	c.close()
	if err != nil {
		return fmt.Errorf("hanging up %s: %w", h.SessionID, err)
	}
	d.logger.Info("call hung up", "call_id", h.SessionID)
	return nil
}

// sendCancel aborts the still-pending INVITE transaction. CANCEL must
// mirror the INVITE's Request-URI and Call-ID (RFC 3261 §9.1).
func (d *Driver) sendCancel(ctx context.Context, c *activeCall) error {
	c.mu.Lock()
	inviteReq := c.inviteReq
	c.mu.Unlock()
	if inviteReq == nil {
		return nil
	}

	cancelReq := sip.NewRequest(sip.CANCEL, inviteReq.Recipient)
	cancelReq.SetTransport(inviteReq.Transport())
	if cid := inviteReq.CallID(); cid != nil {
		cancelReq.AppendHeader(sip.NewHeader("Call-ID", cid.Value()))
	}

	tx, err := d.client.TransactionRequest(ctx, cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending cancel: %w", err)
	}
	tx.Terminate()
	return nil
}

// sendBye ends the established dialog.
func (d *Driver) sendBye(ctx context.Context, c *activeCall) error {
	byeReq, err := c.newInDialogRequest(sip.BYE)
	if err != nil {
		return err
	}

	tx, err := d.client.TransactionRequest(ctx, byeReq, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode != 200 {
		d.logger.Warn("bye not accepted",
			"call_id", c.sessionID,
			"status", res.StatusCode,
			"reason", res.Reason,
		)
	}
	return nil
}

// SetMuted records the capture-mute flag for an answered call. Muting
// is enforced by the device audio path; the driver keeps the flag so
// signaling state and device state can be reconciled.
func (d *Driver) SetMuted(ctx context.Context, h telephony.Handle, muted bool) error {
	c := d.calls.get(h.SessionID)
	if c == nil {
		return fmt.Errorf("no active call %s", h.SessionID)
	}
	c.setMuted(muted)
	d.logger.Debug("mute updated", "call_id", h.SessionID, "muted", muted)
	return nil
}

// SendTones transmits DTMF digits on an answered call as SIP INFO
// requests with an application/dtmf-relay body, one request per digit.
func (d *Driver) SendTones(ctx context.Context, h telephony.Handle, digits string) error {
	c := d.calls.get(h.SessionID)
	if c == nil {
		return fmt.Errorf("no active call %s", h.SessionID)
	}
	if !c.established() {
		return fmt.Errorf("call %s is not established", h.SessionID)
	}

	for _, digit := range digits {
		if !media.ValidSignal(digit) {
			return fmt.Errorf("invalid dtmf digit %q", digit)
		}
	}

	for _, digit := range digits {
		infoReq, err := c.newInDialogRequest(sip.INFO)
		if err != nil {
			return err
		}
		infoReq.SetBody(media.FormatRelay(digit, media.DefaultToneDuration))
		infoReq.AppendHeader(sip.NewHeader("Content-Type", media.RelayContentType))

		tx, err := d.client.TransactionRequest(ctx, infoReq, sipgo.ClientRequestBuild)
		if err != nil {
			return fmt.Errorf("sending dtmf %q: %w", digit, err)
		}
		res, err := getResponse(ctx, tx)
		tx.Terminate()
		if err != nil {
			return fmt.Errorf("waiting for dtmf response: %w", err)
		}
		if res.StatusCode != 200 {
			return fmt.Errorf("dtmf %q rejected with status %d %s", digit, res.StatusCode, res.Reason)
		}
	}

	d.logger.Debug("dtmf sent", "call_id", h.SessionID, "digits", len(digits))
	return nil
}

// getResponse blocks until the transaction yields a response, the
// transaction dies, or ctx ends.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// newTag generates a dialog tag.
func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
