package audio

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/flowpbx/flowphone/internal/platform"
)

// fakePath records audio-path calls and can fail on demand.
type fakePath struct {
	mu            sync.Mutex
	focusCount    int
	abandonCount  int
	abandonedMode string
	routes        []platform.Route
	btStops       int
	failFocus     bool
	failRoute     bool
}

func (f *fakePath) RequestFocus() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFocus {
		return "", errors.New("focus denied")
	}
	f.focusCount++
	return "normal", nil
}

func (f *fakePath) AbandonFocus(prevMode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandonCount++
	f.abandonedMode = prevMode
	return nil
}

func (f *fakePath) SetRoute(route platform.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRoute {
		return errors.New("route unavailable")
	}
	f.routes = append(f.routes, route)
	return nil
}

func (f *fakePath) StopBluetooth() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.btStops++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRouterAcquireIdempotent(t *testing.T) {
	path := &fakePath{}
	r := NewRouter(path, testLogger())

	if err := r.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := r.Acquire(); err != nil {
		t.Fatalf("Acquire (second): %v", err)
	}

	if path.focusCount != 1 {
		t.Errorf("focus requested %d times, want 1", path.focusCount)
	}
	if !r.Held() {
		t.Error("router should hold focus after Acquire")
	}
	if r.Route() != platform.RouteEarpiece {
		t.Errorf("route = %q, want earpiece after Acquire", r.Route())
	}
}

func TestRouterAcquireFailure(t *testing.T) {
	path := &fakePath{failFocus: true}
	r := NewRouter(path, testLogger())

	if err := r.Acquire(); err == nil {
		t.Fatal("Acquire should fail when focus is denied")
	}
	if r.Held() {
		t.Error("router should not hold focus after a failed Acquire")
	}
}

func TestRouterSetRouteFailureKeepsPrevious(t *testing.T) {
	path := &fakePath{}
	r := NewRouter(path, testLogger())
	if err := r.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	path.failRoute = true
	if err := r.SetRoute(platform.RouteSpeaker); err == nil {
		t.Fatal("SetRoute should report the device error")
	}
	if r.Route() != platform.RouteEarpiece {
		t.Errorf("route = %q, want earpiece kept after failure", r.Route())
	}
}

func TestRouterReleaseRestoresAndIsReentrant(t *testing.T) {
	path := &fakePath{}
	r := NewRouter(path, testLogger())

	// Release before any Acquire must be a no-op.
	r.Release()
	if path.abandonCount != 0 {
		t.Fatalf("release before acquire abandoned focus %d times", path.abandonCount)
	}

	if err := r.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := r.SetRoute(platform.RouteSpeaker); err != nil {
		t.Fatalf("SetRoute: %v", err)
	}

	r.Release()
	r.Release()

	if path.abandonCount != 1 {
		t.Errorf("focus abandoned %d times, want 1", path.abandonCount)
	}
	if path.abandonedMode != "normal" {
		t.Errorf("restored mode %q, want %q", path.abandonedMode, "normal")
	}
	if path.btStops != 1 {
		t.Errorf("bluetooth stopped %d times, want 1", path.btStops)
	}
	if r.Held() {
		t.Error("router still holds focus after Release")
	}
	// Speaker was active, so release must have reset the route.
	last := path.routes[len(path.routes)-1]
	if last != platform.RouteEarpiece {
		t.Errorf("last route %q, want earpiece reset on release", last)
	}
}
