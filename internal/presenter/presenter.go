// Package presenter projects published call state onto the ongoing-call
// indicator. It holds no call state of its own; every update is derived
// from the snapshot it was handed, so indicator text can never disagree
// with the engine.
package presenter

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/platform"
)

// Presenter drives the ongoing-call indicator from engine publications.
// The incoming-call alert is owned by the ring supervisor; an inbound
// ringing snapshot therefore shows nothing here.
type Presenter struct {
	session *call.Session
	alerts  platform.Alerter
	logger  *slog.Logger

	mu      sync.Mutex
	stopped bool
	shown   bool
	cancel  func()
}

// New creates a presenter for the session.
func New(session *call.Session, alerts platform.Alerter, logger *slog.Logger) *Presenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presenter{
		session: session,
		alerts:  alerts,
		logger:  logger.With("component", "presenter"),
	}
}

// Start subscribes to the engine and projects the current state once so
// a presenter started mid-call catches up immediately.
func (p *Presenter) Start() {
	cancel := p.session.Subscribe(p.onState)
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		cancel()
		return
	}
	p.cancel = cancel
	p.mu.Unlock()
	p.onState(p.session.State())
}

// Stop unsubscribes and removes the indicator.
func (p *Presenter) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.cancel = nil
	shown := p.shown
	p.shown = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if shown {
		p.alerts.DismissOngoingCall()
	}
}

func (p *Presenter) onState(st call.State) {
	title, body, show := project(st)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	wasShown := p.shown
	p.shown = show
	p.mu.Unlock()

	if !show {
		if wasShown {
			p.alerts.DismissOngoingCall()
		}
		return
	}
	if err := p.alerts.ShowOngoingCall(title, body); err != nil {
		p.logger.Warn("ongoing-call indicator update failed", "error", err)
	}
}

// project maps one state snapshot to indicator content.
func project(st call.State) (title, body string, show bool) {
	switch st.Phase {
	case call.PhaseDialing:
		return st.Target, "Calling...", true
	case call.PhaseRinging:
		if st.Direction == call.DirectionOutbound {
			return st.Target, "Ringing...", true
		}
		return "", "", false
	case call.PhaseActive:
		return st.Target, FormatDuration(st.Duration), true
	default:
		return "", "", false
	}
}

// FormatDuration renders a call duration as rolling MM:SS.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
