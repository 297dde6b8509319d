// Package platform declares the device capabilities the call engine
// drives: wake locks, call alerting surfaces, ringtone and vibration,
// screen state, and the audio path. Deployments wire real device glue;
// the headless implementation in this package logs and succeeds.
package platform

import (
	"errors"
	"time"

	"github.com/flowpbx/flowphone/internal/telephony"
)

// ErrNoSurface is returned by SurfaceLauncher implementations that
// cannot present an incoming-call surface directly.
var ErrNoSurface = errors.New("no incoming-call surface available")

// Route selects the device audio output path.
type Route string

const (
	RouteEarpiece  Route = "earpiece"
	RouteSpeaker   Route = "speaker"
	RouteBluetooth Route = "bluetooth"
)

// WakeSource grants short wake locks so the device can render alerts on
// a dimmed or locked screen.
type WakeSource interface {
	// Acquire takes a wake lock for at most d. The returned release
	// function is idempotent.
	Acquire(d time.Duration) (release func(), err error)
}

// Alerter owns the two call alert surfaces: the incoming-call alert
// while ringing and the ongoing-call indicator while a call is up.
type Alerter interface {
	// ShowIncomingCall presents the incoming-call alert. With fullScreen
	// set, the platform is asked to present the incoming-call surface
	// over a locked or dimmed screen at maximal priority; otherwise the
	// alert is silent and stays in the background.
	ShowIncomingCall(inv telephony.Invite, fullScreen bool) error

	// DemoteIncomingCall downgrades a maximal-priority incoming alert to
	// the silent background form.
	DemoteIncomingCall(inv telephony.Invite) error

	// DismissIncomingCall removes the incoming-call alert if present.
	DismissIncomingCall()

	// ShowOngoingCall presents or updates the ongoing-call indicator.
	ShowOngoingCall(title, body string) error

	// DismissOngoingCall removes the ongoing-call indicator if present.
	DismissOngoingCall()
}

// SurfaceLauncher attempts a direct foreground presentation of the
// incoming-call surface, used instead of a heads-up alert while the
// screen is already on.
type SurfaceLauncher interface {
	PresentIncomingSurface(inv telephony.Invite) error
}

// RingtonePlayer loops the configured ringtone until stopped.
type RingtonePlayer interface {
	Play() error
	Stop()
}

// Vibrator runs the incoming-call vibration pattern until stopped.
type Vibrator interface {
	Start() error
	Stop()
}

// Screen reports display state.
type Screen interface {
	// On reports whether the screen is currently on and unlocked enough
	// to present UI directly.
	On() bool
}

// AudioPath controls audio focus and output routing.
type AudioPath interface {
	// RequestFocus takes transient exclusive voice focus and returns the
	// prior audio mode for later restoration.
	RequestFocus() (prevMode string, err error)

	// AbandonFocus gives up focus and restores the given mode.
	AbandonFocus(prevMode string) error

	// SetRoute switches the output path.
	SetRoute(route Route) error

	// StopBluetooth tears down any bluetooth SCO link.
	StopBluetooth() error
}

// Device bundles the capabilities one deployment provides.
type Device struct {
	Wake     WakeSource
	Alerts   Alerter
	Surface  SurfaceLauncher
	Ringtone RingtonePlayer
	Vibrator Vibrator
	Screen   Screen
	Audio    AudioPath
}
