// Package ring owns the incoming-call experience: intake of inbound
// invites, the bounded-lifetime ringing supervisor with guaranteed
// cleanup, and the out-of-band decline path.
package ring

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/platform"
	"github.com/flowpbx/flowphone/internal/telephony"
)

// DefaultTimeout bounds how long one invite may ring.
const DefaultTimeout = 45 * time.Second

// wakeMargin extends the wake lock past the ring timeout so the timeout
// path itself still runs on a wakeful device.
const wakeMargin = 5 * time.Second

// Supervisor owns ringing for exactly one inbound invite. It is created
// by the Receiver when an invite is admitted and never restarted; every
// resolution path (answer, decline, remote cancel, timeout) converges
// on one cleanup routine, and whichever path fires first wins while the
// rest become no-ops. Resolution may race the startup sequence itself,
// so each startup step re-checks under the lock before taking a
// resource.
type Supervisor struct {
	inv       telephony.Invite
	session   *call.Session
	driver    telephony.Driver
	slot      *call.PendingInvite
	dev       platform.Device
	timeout   time.Duration
	logger    *slog.Logger
	startedAt time.Time

	mu          sync.Mutex
	resolved    bool
	result      string
	escalated   bool
	timer       *time.Timer
	wakeRelease func()
	unsubscribe func()

	cleanOnce sync.Once
	done      chan struct{}
	onFinish  func(*Supervisor)
}

func newSupervisor(
	inv telephony.Invite,
	session *call.Session,
	driver telephony.Driver,
	slot *call.PendingInvite,
	dev platform.Device,
	timeout time.Duration,
	logger *slog.Logger,
	onFinish func(*Supervisor),
) *Supervisor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Supervisor{
		inv:       inv,
		session:   session,
		driver:    driver,
		slot:      slot,
		dev:       dev,
		timeout:   timeout,
		logger:    logger.With("call_id", inv.SessionID),
		startedAt: time.Now(),
		done:      make(chan struct{}),
		onFinish:  onFinish,
	}
}

// Invite returns the invite this supervisor rings for.
func (sv *Supervisor) Invite() telephony.Invite {
	return sv.inv
}

// Done is closed once cleanup has run.
func (sv *Supervisor) Done() <-chan struct{} {
	return sv.done
}

// Result returns the resolution outcome once Done is closed.
func (sv *Supervisor) Result() string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.result
}

// Start runs the ringing startup sequence. Step order matters for
// reliability: the wake lock comes first so a dimmed device can render
// the alert, alerting precedes sound, and the engine is notified last
// so the UI reflects ringing only after the surfaces exist.
func (sv *Supervisor) Start() {
	sv.logger.Info("ringing started", "from", sv.inv.From, "timeout", sv.timeout)

	// Step 1: wake lock for the full ring window plus margin.
	if release, err := sv.dev.Wake.Acquire(sv.timeout + wakeMargin); err != nil {
		sv.logger.Warn("wake lock unavailable, ringing anyway", "error", err)
	} else {
		sv.mu.Lock()
		if sv.resolved {
			sv.mu.Unlock()
			release()
		} else {
			sv.wakeRelease = release
			sv.mu.Unlock()
		}
	}

	// Step 2: alert decision table keyed on screen state. Screen off
	// gets the maximal full-screen alert; screen on gets a silent alert
	// plus a direct surface attempt, escalating only if that fails.
	if !sv.dev.Screen.On() {
		sv.showAlert(true)
	} else {
		sv.showAlert(false)
		if err := sv.dev.Surface.PresentIncomingSurface(sv.inv); err != nil {
			sv.logger.Info("direct surface presentation failed, escalating alert", "error", err)
			sv.showAlert(true)
		}
	}

	// Step 3: ringtone and vibration, each best-effort. Taken under the
	// lock so a concurrent resolution cannot stop them before they
	// start.
	sv.mu.Lock()
	if !sv.resolved {
		if err := sv.dev.Ringtone.Play(); err != nil {
			sv.logger.Warn("ringtone unavailable", "error", err)
		}
		if err := sv.dev.Vibrator.Start(); err != nil {
			sv.logger.Warn("vibration unavailable", "error", err)
		}
	}
	sv.mu.Unlock()

	// Step 4: the hard ring deadline.
	sv.mu.Lock()
	if !sv.resolved {
		sv.timer = time.AfterFunc(sv.timeout, sv.timedOut)
	}
	sv.mu.Unlock()

	// Step 5: reflect ringing in the engine. The subscription comes
	// first so an answer processed through any path is never missed.
	cancel := sv.session.Subscribe(sv.onState)
	sv.mu.Lock()
	if sv.resolved {
		sv.mu.Unlock()
		cancel()
		return
	}
	sv.unsubscribe = cancel
	sv.mu.Unlock()
	if !sv.session.NoteIncoming(sv.inv) {
		// The invite was claimed away before ringing was noted, or a
		// call started during admission. Stand down; a reject goes out
		// only if the invite was still ours.
		claimed, ok := sv.slot.Claim(sv.inv.SessionID)
		if !ok {
			sv.resolve("remote-canceled")
			return
		}
		sv.resolve("rejected-busy")
		go func() {
			ctx, cancelReject := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelReject()
			if err := sv.driver.Reject(ctx, claimed); err != nil {
				sv.logger.Warn("busy reject failed", "error", err)
			}
		}()
	}
}

func (sv *Supervisor) showAlert(fullScreen bool) {
	sv.mu.Lock()
	if sv.resolved {
		sv.mu.Unlock()
		return
	}
	err := sv.dev.Alerts.ShowIncomingCall(sv.inv, fullScreen)
	if err == nil && fullScreen {
		sv.escalated = true
	}
	sv.mu.Unlock()

	if err != nil {
		sv.logger.Warn("incoming alert failed", "full_screen", fullScreen, "error", err)
	}
}

// SurfaceShown demotes a maximal-priority alert once the incoming-call
// surface reports itself visible; the surface and a heads-up alert are
// never presented together.
func (sv *Supervisor) SurfaceShown() {
	sv.mu.Lock()
	demote := sv.escalated && !sv.resolved
	sv.escalated = false
	sv.mu.Unlock()

	if !demote {
		return
	}
	if err := sv.dev.Alerts.DemoteIncomingCall(sv.inv); err != nil {
		sv.logger.Warn("alert demotion failed", "error", err)
	}
}

// Answer resolves the invite through the engine's accept path and tears
// ringing down, handing presentation over to the ongoing-call
// indicator.
func (sv *Supervisor) Answer() error {
	err := sv.session.AcceptInvite(sv.inv)
	sv.resolve("answered")
	return err
}

// Decline resolves the invite through the engine's reject path and
// tears ringing down.
func (sv *Supervisor) Decline() error {
	err := sv.session.RejectInvite(sv.inv)
	sv.resolve("declined")
	return err
}

// FinishDeclined tears ringing down after an out-of-band decline that
// already rejected the invite directly. Best-effort entry point for the
// decline signal; safe if the supervisor already resolved.
func (sv *Supervisor) FinishDeclined() {
	sv.resolve("declined")
}

// timedOut claims the invite and fires a direct driver reject; going
// around the engine's reject path is fine here because timeout
// signaling is best-effort. The engine state is resolved afterwards.
func (sv *Supervisor) timedOut() {
	if claimed, ok := sv.slot.Claim(sv.inv.SessionID); ok {
		sv.logger.Info("ring timeout, rejecting invite")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sv.driver.Reject(ctx, claimed); err != nil {
			sv.logger.Warn("timeout reject failed", "error", err)
		}
		cancel()
	}
	sv.session.ResolveIncoming(sv.inv.SessionID, call.EndMissed)
	sv.resolve("timed-out")
}

// onState watches engine publications for resolutions this supervisor
// did not trigger itself: an answer through another path, the remote
// canceling, or any terminal for this invite.
func (sv *Supervisor) onState(st call.State) {
	switch {
	case st.Phase == call.PhaseActive:
		// Answered, possibly for a different call; ringing stops either way.
		sv.resolve("answered")
	case st.Phase == call.PhaseEnded && st.SessionID == sv.inv.SessionID:
		switch st.Reason {
		case call.EndRemoteCanceled:
			// No driver reject here; the invite is already moot.
			sv.resolve("remote-canceled")
		case call.EndMissed:
			sv.resolve("timed-out")
		default:
			sv.resolve("declined")
		}
	}
}

// resolve marks the terminal outcome exactly once and runs cleanup.
// Redundant invocations are no-ops.
func (sv *Supervisor) resolve(result string) {
	sv.mu.Lock()
	if sv.resolved {
		sv.mu.Unlock()
		return
	}
	sv.resolved = true
	sv.result = result
	timer := sv.timer
	sv.timer = nil
	sv.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	sv.cleanup()
}

// cleanup releases every ringing resource. It runs exactly once and on
// every exit path: ringtone and vibration stop, the wake lock is
// released, the alert is dismissed, the engine subscription ends.
func (sv *Supervisor) cleanup() {
	sv.cleanOnce.Do(func() {
		sv.dev.Ringtone.Stop()
		sv.dev.Vibrator.Stop()

		sv.mu.Lock()
		release := sv.wakeRelease
		sv.wakeRelease = nil
		unsubscribe := sv.unsubscribe
		sv.unsubscribe = nil
		result := sv.result
		sv.mu.Unlock()

		if release != nil {
			release()
		}
		sv.dev.Alerts.DismissIncomingCall()
		if unsubscribe != nil {
			unsubscribe()
		}

		sv.logger.Info("ringing resolved",
			"result", result,
			"rang_for", time.Since(sv.startedAt).Round(time.Millisecond),
		)
		if sv.onFinish != nil {
			sv.onFinish(sv)
		}
		close(sv.done)
	})
}
