package ring

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/platform"
	"github.com/flowpbx/flowphone/internal/telephony"
)

// ErrNotRinging rejects ring operations when no invite is ringing.
var ErrNotRinging = errors.New("no call is ringing")

// ReceiverConfig wires the invite intake.
type ReceiverConfig struct {
	Session *call.Session
	Driver  telephony.Driver
	Slot    *call.PendingInvite
	Device  platform.Device
	Logger  *slog.Logger

	// Recorder, when set, receives a busy entry for every invite
	// rejected at intake. Busy invites never reach the engine, so the
	// engine cannot log them.
	Recorder call.Recorder

	// RingTimeout overrides DefaultTimeout.
	RingTimeout time.Duration
}

// Receiver admits inbound invites into the single pending slot and runs
// one Supervisor per admitted invite. The server announces a call twice
// (push wake-up and SIP INVITE); the receiver deduplicates on session
// id. Anything beyond the one admitted invite is rejected busy: the
// first invite must resolve before a second rings.
type Receiver struct {
	session  *call.Session
	driver   telephony.Driver
	slot     *call.PendingInvite
	dev      platform.Device
	recorder call.Recorder
	timeout  time.Duration
	logger   *slog.Logger

	mu           sync.Mutex
	current      *Supervisor
	outcomes     map[string]int64
	rejectedBusy int64
}

// NewReceiver creates the intake.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	timeout := cfg.RingTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		session:  cfg.Session,
		driver:   cfg.Driver,
		slot:     cfg.Slot,
		dev:      cfg.Device,
		recorder: cfg.Recorder,
		timeout:  timeout,
		logger:   logger.With("component", "ring"),
		outcomes: make(map[string]int64),
	}
}

// HandleInvite admits one inbound invite: stores it in the slot and
// starts its supervisor. Duplicate announcements of the admitted invite
// are dropped; a different invite while one is unresolved, or any
// invite while a call is in progress, is rejected back to the driver.
func (r *Receiver) HandleInvite(inv telephony.Invite) {
	if inv.SessionID == "" {
		r.logger.Warn("dropping invite without session id", "from", inv.From)
		return
	}
	if inv.ReceivedAt.IsZero() {
		inv.ReceivedAt = time.Now()
	}

	if held, ok := r.slot.Peek(); ok {
		if held.SessionID == inv.SessionID {
			r.logger.Debug("duplicate invite announcement", "call_id", inv.SessionID)
			return
		}
		r.logger.Info("invite while another is pending, rejecting busy",
			"call_id", inv.SessionID, "pending", held.SessionID)
		r.rejectBusy(inv)
		return
	}

	if r.session.State().InCall() {
		r.logger.Info("invite during a call, rejecting busy", "call_id", inv.SessionID)
		r.rejectBusy(inv)
		return
	}

	if err := r.slot.Put(inv); err != nil {
		// Lost an admission race with another announcement.
		if held, ok := r.slot.Peek(); ok && held.SessionID == inv.SessionID {
			r.logger.Debug("duplicate invite announcement", "call_id", inv.SessionID)
			return
		}
		r.logger.Info("invite slot occupied, rejecting busy", "call_id", inv.SessionID)
		r.rejectBusy(inv)
		return
	}

	// A dial may have slipped in between the state check and the store;
	// give the invite back rather than ringing over an outbound call.
	if r.session.State().InCall() {
		if claimed, ok := r.slot.Claim(inv.SessionID); ok {
			r.logger.Info("call started during invite admission, rejecting busy",
				"call_id", inv.SessionID)
			r.rejectBusy(claimed)
		}
		return
	}

	sup := newSupervisor(inv, r.session, r.driver, r.slot, r.dev, r.timeout, r.logger, r.finish)
	r.mu.Lock()
	r.current = sup
	r.mu.Unlock()
	sup.Start()
}

// HandleCancel forwards a remote cancel from the push feed into the
// same resolution path driver-announced cancels take.
func (r *Receiver) HandleCancel(sessionID string) {
	r.session.InviteCanceled(sessionID)
}

// Current returns the live supervisor, or nil outside ringing.
func (r *Receiver) Current() *Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Ringing returns the invite currently ringing, if any.
func (r *Receiver) Ringing() (telephony.Invite, bool) {
	if sup := r.Current(); sup != nil {
		return sup.Invite(), true
	}
	return telephony.Invite{}, false
}

// Answer resolves the live ring through the engine's accept path. A
// non-empty sessionID must match the ringing invite; ErrNotRinging
// covers both no ring and a stale id.
func (r *Receiver) Answer(sessionID string) error {
	sup := r.Current()
	if sup == nil {
		return ErrNotRinging
	}
	if sessionID != "" && sup.Invite().SessionID != sessionID {
		return ErrNotRinging
	}
	return sup.Answer()
}

// SurfaceShown forwards the incoming-call surface acknowledgement to
// the live supervisor. A stale acknowledgement after the ring resolved
// is a no-op; the return value reports whether a ring was live.
func (r *Receiver) SurfaceShown() bool {
	sup := r.Current()
	if sup == nil {
		return false
	}
	sup.SurfaceShown()
	return true
}

// RingOutcomes returns resolution counts per outcome since start.
func (r *Receiver) RingOutcomes() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.outcomes)+1)
	for k, v := range r.outcomes {
		out[k] = v
	}
	if r.rejectedBusy > 0 {
		out["rejected-busy"] = r.rejectedBusy
	}
	return out
}

func (r *Receiver) finish(sup *Supervisor) {
	r.mu.Lock()
	if r.current == sup {
		r.current = nil
	}
	r.outcomes[sup.Result()]++
	r.mu.Unlock()
}

func (r *Receiver) rejectBusy(inv telephony.Invite) {
	r.mu.Lock()
	r.rejectedBusy++
	r.mu.Unlock()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.driver.Reject(ctx, inv); err != nil {
			r.logger.Warn("busy reject failed", "call_id", inv.SessionID, "error", err)
		}
		if r.recorder == nil {
			return
		}
		entry := call.LogEntry{
			SessionID:   inv.SessionID,
			Direction:   call.DirectionInbound,
			Counterpart: inv.From,
			StartedAt:   inv.ReceivedAt,
			Outcome:     call.OutcomeBusy,
		}
		if err := r.recorder.Record(ctx, entry); err != nil {
			r.logger.Warn("recording busy invite failed", "call_id", inv.SessionID, "error", err)
		}
	}()
}
