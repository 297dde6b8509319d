// Package audio owns the device audio path for the duration of a call:
// exclusive focus acquisition, output route selection, and restoration
// of the prior state on release.
package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowpbx/flowphone/internal/platform"
)

// Router serializes all audio-path changes. Focus is held from call
// setup until teardown; route changes apply only while focus is held.
type Router struct {
	path   platform.AudioPath
	logger *slog.Logger

	mu       sync.Mutex
	held     bool
	prevMode string
	route    platform.Route
}

// NewRouter creates a router over the given audio path.
func NewRouter(path platform.AudioPath, logger *slog.Logger) *Router {
	return &Router{
		path:   path,
		logger: logger.With("component", "audio"),
	}
}

// Acquire requests transient exclusive voice focus and remembers the
// prior audio mode. Calling it while focus is already held is a no-op.
func (r *Router) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.held {
		return nil
	}

	prev, err := r.path.RequestFocus()
	if err != nil {
		return fmt.Errorf("request audio focus: %w", err)
	}
	r.held = true
	r.prevMode = prev
	r.route = platform.RouteEarpiece
	r.logger.Debug("audio focus acquired", "prev_mode", prev)
	return nil
}

// SetRoute applies the requested output route. On a device error the
// previous route stays in effect; the error is logged and returned so
// callers can reconcile any state flags.
func (r *Router) SetRoute(route platform.Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.path.SetRoute(route); err != nil {
		r.logger.Warn("audio route change failed, keeping previous",
			"requested", route,
			"current", r.route,
			"error", err,
		)
		return fmt.Errorf("set audio route %s: %w", route, err)
	}
	r.route = route
	r.logger.Debug("audio route set", "route", route)
	return nil
}

// Route returns the route currently in effect.
func (r *Router) Route() platform.Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.route
}

// Held reports whether focus is currently held.
func (r *Router) Held() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held
}

// Release abandons focus, restores the prior mode, disables the speaker
// route, and stops any bluetooth link. Safe to call repeatedly and
// before any Acquire.
func (r *Router) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.held {
		return
	}

	if r.route == platform.RouteSpeaker || r.route == platform.RouteBluetooth {
		if err := r.path.SetRoute(platform.RouteEarpiece); err != nil {
			r.logger.Warn("audio route reset failed", "error", err)
		}
	}
	if err := r.path.StopBluetooth(); err != nil {
		r.logger.Warn("bluetooth teardown failed", "error", err)
	}
	if err := r.path.AbandonFocus(r.prevMode); err != nil {
		r.logger.Warn("audio focus release failed", "error", err)
	}

	r.held = false
	r.route = ""
	r.prevMode = ""
	r.logger.Debug("audio focus released")
}
