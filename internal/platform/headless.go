package platform

import (
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/flowphone/internal/telephony"
)

// Headless implements every capability with logging no-ops. It is the
// default device for deployments that run the agent without local
// alerting hardware and rely on the control API alone.
type Headless struct {
	logger   *slog.Logger
	screenOn bool
}

// NewHeadless returns a headless device. screenOn is the fixed answer
// reported for screen-state queries.
func NewHeadless(logger *slog.Logger, screenOn bool) *Headless {
	return &Headless{
		logger:   logger.With("component", "platform"),
		screenOn: screenOn,
	}
}

// HeadlessDevice returns a Device with every capability backed by h.
func (h *Headless) Device() Device {
	return Device{
		Wake:     h,
		Alerts:   h,
		Surface:  h,
		Ringtone: h,
		Vibrator: h,
		Screen:   h,
		Audio:    h,
	}
}

var (
	_ WakeSource      = (*Headless)(nil)
	_ Alerter         = (*Headless)(nil)
	_ SurfaceLauncher = (*Headless)(nil)
	_ RingtonePlayer  = (*Headless)(nil)
	_ Vibrator        = (*Headless)(nil)
	_ Screen          = (*Headless)(nil)
	_ AudioPath       = (*Headless)(nil)
)

// Acquire implements WakeSource.
func (h *Headless) Acquire(d time.Duration) (func(), error) {
	h.logger.Debug("wake lock acquired", "duration", d)
	var once sync.Once
	return func() {
		once.Do(func() { h.logger.Debug("wake lock released") })
	}, nil
}

// ShowIncomingCall implements Alerter.
func (h *Headless) ShowIncomingCall(inv telephony.Invite, fullScreen bool) error {
	h.logger.Info("incoming call alert shown",
		"call_id", inv.SessionID,
		"from", inv.From,
		"full_screen", fullScreen,
	)
	return nil
}

// DemoteIncomingCall implements Alerter.
func (h *Headless) DemoteIncomingCall(inv telephony.Invite) error {
	h.logger.Debug("incoming call alert demoted", "call_id", inv.SessionID)
	return nil
}

// DismissIncomingCall implements Alerter.
func (h *Headless) DismissIncomingCall() {
	h.logger.Debug("incoming call alert dismissed")
}

// ShowOngoingCall implements Alerter.
func (h *Headless) ShowOngoingCall(title, body string) error {
	h.logger.Debug("ongoing call indicator", "title", title, "body", body)
	return nil
}

// DismissOngoingCall implements Alerter.
func (h *Headless) DismissOngoingCall() {
	h.logger.Debug("ongoing call indicator dismissed")
}

// PresentIncomingSurface implements SurfaceLauncher. The headless device
// has no surface to present, so the caller falls back to alert
// escalation.
func (h *Headless) PresentIncomingSurface(inv telephony.Invite) error {
	return ErrNoSurface
}

// Play implements RingtonePlayer.
func (h *Headless) Play() error {
	h.logger.Debug("ringtone started")
	return nil
}

// Stop implements RingtonePlayer.
func (h *Headless) Stop() {
	h.logger.Debug("ringtone stopped")
}

// Start implements Vibrator. Stop is shared with RingtonePlayer.
func (h *Headless) Start() error {
	return nil
}

// On implements Screen.
func (h *Headless) On() bool {
	return h.screenOn
}

// RequestFocus implements AudioPath.
func (h *Headless) RequestFocus() (string, error) {
	h.logger.Debug("audio focus requested")
	return "normal", nil
}

// AbandonFocus implements AudioPath.
func (h *Headless) AbandonFocus(prevMode string) error {
	h.logger.Debug("audio focus abandoned", "restored_mode", prevMode)
	return nil
}

// SetRoute implements AudioPath.
func (h *Headless) SetRoute(route Route) error {
	h.logger.Debug("audio route set", "route", route)
	return nil
}

// StopBluetooth implements AudioPath.
func (h *Headless) StopBluetooth() error {
	return nil
}
