package ring

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/flowphone/internal/audio"
	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/platform"
	"github.com/flowpbx/flowphone/internal/telephony"
)

type fakeDriver struct {
	mu      sync.Mutex
	accepts []string
	rejects []string
	hangups []string
}

func (d *fakeDriver) Dial(ctx context.Context, target string) (telephony.Handle, error) {
	return telephony.Handle{SessionID: "out-1"}, nil
}

func (d *fakeDriver) Accept(ctx context.Context, inv telephony.Invite) (telephony.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accepts = append(d.accepts, inv.SessionID)
	return telephony.Handle{SessionID: inv.SessionID}, nil
}

func (d *fakeDriver) Reject(ctx context.Context, inv telephony.Invite) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejects = append(d.rejects, inv.SessionID)
	return nil
}

func (d *fakeDriver) Hangup(ctx context.Context, h telephony.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangups = append(d.hangups, h.SessionID)
	return nil
}

func (d *fakeDriver) SetMuted(ctx context.Context, h telephony.Handle, muted bool) error { return nil }

func (d *fakeDriver) SendTones(ctx context.Context, h telephony.Handle, digits string) error {
	return nil
}

func (d *fakeDriver) rejected() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.rejects))
	copy(out, d.rejects)
	return out
}

func (d *fakeDriver) acceptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.accepts)
}

type fakeWake struct {
	mu       sync.Mutex
	acquires int
	releases int
}

func (w *fakeWake) Acquire(d time.Duration) (func(), error) {
	w.mu.Lock()
	w.acquires++
	w.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			w.releases++
			w.mu.Unlock()
		})
	}, nil
}

func (w *fakeWake) held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acquires > w.releases
}

type fakeAlerts struct {
	mu         sync.Mutex
	shows      []bool
	demotes    int
	dismissals int
}

func (a *fakeAlerts) ShowIncomingCall(inv telephony.Invite, fullScreen bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shows = append(a.shows, fullScreen)
	return nil
}

func (a *fakeAlerts) DemoteIncomingCall(inv telephony.Invite) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.demotes++
	return nil
}

func (a *fakeAlerts) DismissIncomingCall() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dismissals++
}

func (a *fakeAlerts) ShowOngoingCall(title, body string) error { return nil }

func (a *fakeAlerts) DismissOngoingCall() {}

func (a *fakeAlerts) snapshot() (shows []bool, demotes, dismissals int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	shows = make([]bool, len(a.shows))
	copy(shows, a.shows)
	return shows, a.demotes, a.dismissals
}

type fakeSurface struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *fakeSurface) PresentIncomingSurface(inv telephony.Invite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *fakeSurface) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeNoise struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (n *fakeNoise) Play() error { return n.begin() }

func (n *fakeNoise) Start() error { return n.begin() }

func (n *fakeNoise) begin() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.starts++
	return nil
}

func (n *fakeNoise) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stops++
}

func (n *fakeNoise) active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.starts > n.stops
}

func (n *fakeNoise) started() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.starts > 0
}

type fakeScreen struct{ on bool }

func (s fakeScreen) On() bool { return s.on }

type fakeAudioPath struct{}

func (fakeAudioPath) RequestFocus() (string, error) { return "normal", nil }

func (fakeAudioPath) AbandonFocus(prevMode string) error { return nil }

func (fakeAudioPath) SetRoute(route platform.Route) error { return nil }

func (fakeAudioPath) StopBluetooth() error { return nil }

type fakeRecorder struct {
	mu      sync.Mutex
	entries []call.LogEntry
}

func (r *fakeRecorder) Record(ctx context.Context, entry call.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *fakeRecorder) list() []call.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]call.LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type ringRig struct {
	session  *call.Session
	driver   *fakeDriver
	recorder *fakeRecorder
	slot     *call.PendingInvite
	wake     *fakeWake
	alerts   *fakeAlerts
	surface  *fakeSurface
	tone     *fakeNoise
	vibe     *fakeNoise
	receiver *Receiver
	decline  *DeclineHandler
	states   chan call.State
}

func newRingRig(t *testing.T, screenOn bool, timeout time.Duration) *ringRig {
	t.Helper()
	driver := &fakeDriver{}
	recorder := &fakeRecorder{}
	slot := call.NewPendingInvite()
	session := call.New(call.Config{
		Driver:   driver,
		Audio:    audio.NewRouter(fakeAudioPath{}, quietLogger()),
		Recorder: recorder,
		Invites:  slot,
		Logger:   quietLogger(),
	})
	t.Cleanup(session.Close)

	rig := &ringRig{
		session:  session,
		driver:   driver,
		recorder: recorder,
		slot:     slot,
		wake:     &fakeWake{},
		alerts:   &fakeAlerts{},
		surface:  &fakeSurface{},
		tone:     &fakeNoise{},
		vibe:     &fakeNoise{},
		states:   make(chan call.State, 256),
	}
	dev := platform.Device{
		Wake:     rig.wake,
		Alerts:   rig.alerts,
		Surface:  rig.surface,
		Ringtone: rig.tone,
		Vibrator: rig.vibe,
		Screen:   fakeScreen{on: screenOn},
		Audio:    fakeAudioPath{},
	}
	rig.receiver = NewReceiver(ReceiverConfig{
		Session:     session,
		Driver:      driver,
		Slot:        slot,
		Device:      dev,
		Logger:      quietLogger(),
		Recorder:    recorder,
		RingTimeout: timeout,
	})
	rig.decline = NewDeclineHandler(slot, driver, session, rig.alerts, rig.receiver, quietLogger())
	session.Subscribe(func(st call.State) { rig.states <- st })
	return rig
}

func (rig *ringRig) mustCurrent(t *testing.T) *Supervisor {
	t.Helper()
	sup := rig.receiver.Current()
	if sup == nil {
		t.Fatal("no ringing supervisor")
	}
	return sup
}

// assertCleanedUp checks that every ringing resource is back in its
// resting state.
func (rig *ringRig) assertCleanedUp(t *testing.T) {
	t.Helper()
	if rig.tone.active() {
		t.Error("ringtone still playing after resolution")
	}
	if rig.vibe.active() {
		t.Error("vibration still running after resolution")
	}
	if rig.wake.held() {
		t.Error("wake lock still held after resolution")
	}
	_, _, dismissals := rig.alerts.snapshot()
	if dismissals == 0 {
		t.Error("incoming alert never dismissed")
	}
	if sup := rig.receiver.Current(); sup != nil {
		t.Error("receiver still tracks a supervisor after resolution")
	}
}

func waitDone(t *testing.T, sup *Supervisor) {
	t.Helper()
	select {
	case <-sup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never finished cleanup")
	}
}

func waitPhase(t *testing.T, states <-chan call.State, phase call.Phase) call.State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-states:
			if st.Phase == phase {
				return st
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %s", phase)
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func ringInvite(id string) telephony.Invite {
	return telephony.Invite{
		SessionID:   id,
		From:        "+4930555123",
		DisplayName: "Anna Schmidt",
		ReceivedAt:  time.Now(),
	}
}

func TestAnswerStopsRingingAndCleansUp(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)
	inv := ringInvite("in-1")

	// Phase 1: admit the invite and verify ringing is fully up.
	rig.receiver.HandleInvite(inv)
	sup := rig.mustCurrent(t)
	if !rig.tone.active() || !rig.vibe.active() {
		t.Fatal("ringtone and vibration should run while ringing")
	}
	if !rig.wake.held() {
		t.Fatal("wake lock should be held while ringing")
	}
	waitPhase(t, rig.states, call.PhaseRinging)

	// Phase 2: answer and verify the call went up and ringing came down.
	if err := sup.Answer(); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	waitDone(t, sup)
	if got := sup.Result(); got != "answered" {
		t.Errorf("result = %q, want answered", got)
	}
	rig.assertCleanedUp(t)
	waitPhase(t, rig.states, call.PhaseActive)
	eventually(t, func() bool { return rig.driver.acceptCount() == 1 }, "driver never saw the accept")
	if _, held := rig.slot.Peek(); held {
		t.Error("invite still pending after answer")
	}
}

func TestScreenOffGetsFullScreenAlert(t *testing.T) {
	rig := newRingRig(t, false, 10*time.Second)
	rig.receiver.HandleInvite(ringInvite("in-1"))
	sup := rig.mustCurrent(t)

	shows, _, _ := rig.alerts.snapshot()
	if len(shows) != 1 || !shows[0] {
		t.Fatalf("alert shows = %v, want one full-screen show", shows)
	}
	if got := rig.surface.callCount(); got != 0 {
		t.Errorf("direct surface attempts = %d, want 0 with screen off", got)
	}

	// The surface reporting in demotes the alert exactly once.
	sup.SurfaceShown()
	sup.SurfaceShown()
	_, demotes, _ := rig.alerts.snapshot()
	if demotes != 1 {
		t.Errorf("demotes = %d, want 1", demotes)
	}

	if err := sup.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	waitDone(t, sup)
}

func TestScreenOnPrefersDirectSurface(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)
	rig.receiver.HandleInvite(ringInvite("in-1"))
	sup := rig.mustCurrent(t)

	shows, _, _ := rig.alerts.snapshot()
	if len(shows) != 1 || shows[0] {
		t.Fatalf("alert shows = %v, want one silent show", shows)
	}
	if got := rig.surface.callCount(); got != 1 {
		t.Errorf("direct surface attempts = %d, want 1", got)
	}

	// Without escalation there is nothing to demote.
	sup.SurfaceShown()
	_, demotes, _ := rig.alerts.snapshot()
	if demotes != 0 {
		t.Errorf("demotes = %d, want 0", demotes)
	}

	if err := sup.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	waitDone(t, sup)
}

func TestScreenOnEscalatesWhenSurfaceFails(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)
	rig.surface.err = platform.ErrNoSurface
	rig.receiver.HandleInvite(ringInvite("in-1"))
	sup := rig.mustCurrent(t)

	shows, _, _ := rig.alerts.snapshot()
	if len(shows) != 2 || shows[0] || !shows[1] {
		t.Fatalf("alert shows = %v, want silent then full-screen", shows)
	}

	sup.SurfaceShown()
	_, demotes, _ := rig.alerts.snapshot()
	if demotes != 1 {
		t.Errorf("demotes = %d, want 1", demotes)
	}

	if err := sup.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	waitDone(t, sup)
}

func TestRingTimeoutRejectsAndRecordsMissed(t *testing.T) {
	rig := newRingRig(t, true, 50*time.Millisecond)
	inv := ringInvite("in-1")
	rig.receiver.HandleInvite(inv)
	sup := rig.mustCurrent(t)

	waitDone(t, sup)
	if got := sup.Result(); got != "timed-out" {
		t.Errorf("result = %q, want timed-out", got)
	}
	rig.assertCleanedUp(t)

	if got := rig.driver.rejected(); len(got) != 1 || got[0] != "in-1" {
		t.Errorf("driver rejects = %v, want [in-1]", got)
	}
	if _, held := rig.slot.Peek(); held {
		t.Error("invite still pending after timeout")
	}

	st := waitPhase(t, rig.states, call.PhaseEnded)
	if st.Reason != call.EndMissed {
		t.Errorf("end reason = %q, want %q", st.Reason, call.EndMissed)
	}
	waitPhase(t, rig.states, call.PhaseIdle)
	eventually(t, func() bool { return len(rig.recorder.list()) == 1 }, "missed call never recorded")
	if entry := rig.recorder.list()[0]; entry.Outcome != call.OutcomeMissed || entry.DurationSeconds != 0 {
		t.Errorf("history entry = %+v, want missed with zero duration", entry)
	}
}

func TestRemoteCancelStopsRingingWithoutReject(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)
	rig.receiver.HandleInvite(ringInvite("in-1"))
	sup := rig.mustCurrent(t)
	waitPhase(t, rig.states, call.PhaseRinging)

	rig.receiver.HandleCancel("in-1")
	waitDone(t, sup)
	if got := sup.Result(); got != "remote-canceled" {
		t.Errorf("result = %q, want remote-canceled", got)
	}
	rig.assertCleanedUp(t)

	// The caller hung up; answering them with a reject would be wrong.
	if got := rig.driver.rejected(); len(got) != 0 {
		t.Errorf("driver rejects = %v, want none on remote cancel", got)
	}
	st := waitPhase(t, rig.states, call.PhaseEnded)
	if st.Reason != call.EndRemoteCanceled {
		t.Errorf("end reason = %q, want %q", st.Reason, call.EndRemoteCanceled)
	}
	eventually(t, func() bool { return len(rig.recorder.list()) == 1 }, "canceled ring never recorded")
	if entry := rig.recorder.list()[0]; entry.Outcome != call.OutcomeMissed {
		t.Errorf("history outcome = %q, want %q", entry.Outcome, call.OutcomeMissed)
	}
}

func TestDeclineWhileRinging(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)
	rig.receiver.HandleInvite(ringInvite("in-1"))
	sup := rig.mustCurrent(t)
	waitPhase(t, rig.states, call.PhaseRinging)

	if !rig.decline.Decline("in-1") {
		t.Fatal("Decline reported no invite claimed")
	}
	waitDone(t, sup)
	if got := sup.Result(); got != "declined" {
		t.Errorf("result = %q, want declined", got)
	}
	rig.assertCleanedUp(t)

	if got := rig.driver.rejected(); len(got) != 1 || got[0] != "in-1" {
		t.Errorf("driver rejects = %v, want [in-1]", got)
	}
	st := waitPhase(t, rig.states, call.PhaseEnded)
	if st.Reason != call.EndDeclined {
		t.Errorf("end reason = %q, want %q", st.Reason, call.EndDeclined)
	}
	eventually(t, func() bool { return len(rig.recorder.list()) == 1 }, "declined call never recorded")
	if entry := rig.recorder.list()[0]; entry.Outcome != call.OutcomeDeclined {
		t.Errorf("history outcome = %q, want %q", entry.Outcome, call.OutcomeDeclined)
	}
}

func TestDeclineUnspecifiedClaimsPendingInvite(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)
	rig.receiver.HandleInvite(ringInvite("in-1"))
	sup := rig.mustCurrent(t)

	if !rig.decline.Decline("") {
		t.Fatal("Decline reported no invite claimed")
	}
	waitDone(t, sup)
	if got := rig.driver.rejected(); len(got) != 1 || got[0] != "in-1" {
		t.Errorf("driver rejects = %v, want [in-1]", got)
	}
}

func TestDeclineWithoutInviteStillDismissesAlert(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)

	if rig.decline.Decline("in-1") {
		t.Fatal("Decline claimed an invite from an empty slot")
	}
	if got := rig.driver.rejected(); len(got) != 0 {
		t.Errorf("driver rejects = %v, want none", got)
	}
	_, _, dismissals := rig.alerts.snapshot()
	if dismissals != 1 {
		t.Errorf("alert dismissals = %d, want 1", dismissals)
	}
}

func TestDuplicateAnnouncementAdmitsOnce(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)
	inv := ringInvite("in-1")

	// The wake-up push and the inbound signaling announce the same call.
	rig.receiver.HandleInvite(inv)
	sup := rig.mustCurrent(t)
	rig.receiver.HandleInvite(inv)

	if got := rig.receiver.Current(); got != sup {
		t.Error("duplicate announcement replaced the supervisor")
	}
	if got := rig.driver.rejected(); len(got) != 0 {
		t.Errorf("driver rejects = %v, want none for a duplicate", got)
	}
	shows, _, _ := rig.alerts.snapshot()
	if len(shows) != 1 {
		t.Errorf("alert shows = %d, want 1", len(shows))
	}

	if err := sup.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	waitDone(t, sup)
}

func TestSecondInviteRejectedBusy(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)
	rig.receiver.HandleInvite(ringInvite("in-1"))
	sup := rig.mustCurrent(t)

	rig.receiver.HandleInvite(ringInvite("in-2"))
	eventually(t, func() bool {
		got := rig.driver.rejected()
		return len(got) == 1 && got[0] == "in-2"
	}, "second invite never rejected busy")

	if held, ok := rig.slot.Peek(); !ok || held.SessionID != "in-1" {
		t.Error("first invite should stay pending")
	}
	if got := rig.receiver.Current(); got != sup {
		t.Error("first supervisor should keep ringing")
	}

	if err := sup.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	waitDone(t, sup)
	outcomes := rig.receiver.RingOutcomes()
	if outcomes["rejected-busy"] != 1 {
		t.Errorf("rejected-busy count = %d, want 1", outcomes["rejected-busy"])
	}
	if outcomes["declined"] != 1 {
		t.Errorf("declined count = %d, want 1", outcomes["declined"])
	}
}

func TestInviteDuringCallRejectedBusy(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)
	if err := rig.session.Dial("+14155552671"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitPhase(t, rig.states, call.PhaseDialing)

	rig.receiver.HandleInvite(ringInvite("in-1"))
	eventually(t, func() bool {
		got := rig.driver.rejected()
		return len(got) == 1 && got[0] == "in-1"
	}, "invite during a call never rejected")

	if sup := rig.receiver.Current(); sup != nil {
		t.Error("no supervisor should ring during a call")
	}
	if _, held := rig.slot.Peek(); held {
		t.Error("slot should stay empty for a busy-rejected invite")
	}
}

func TestBusyRejectRecordsHistoryEntry(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)
	if err := rig.session.Dial("+14155552671"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitPhase(t, rig.states, call.PhaseDialing)

	rig.receiver.HandleInvite(ringInvite("in-1"))
	eventually(t, func() bool { return len(rig.recorder.list()) == 1 }, "busy reject never recorded")

	entry := rig.recorder.list()[0]
	if entry.Outcome != call.OutcomeBusy {
		t.Errorf("history outcome = %q, want %q", entry.Outcome, call.OutcomeBusy)
	}
	if entry.SessionID != "in-1" || entry.Direction != call.DirectionInbound {
		t.Errorf("history entry = %+v, want inbound in-1", entry)
	}
	if entry.Counterpart != "+4930555123" {
		t.Errorf("history counterpart = %q, want the caller", entry.Counterpart)
	}
	if entry.DurationSeconds != 0 {
		t.Errorf("history duration = %d, want 0", entry.DurationSeconds)
	}
}

func TestReceiverRingingSnapshot(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)

	if _, ok := rig.receiver.Ringing(); ok {
		t.Fatal("Ringing reported an invite before any arrived")
	}

	inv := ringInvite("in-1")
	rig.receiver.HandleInvite(inv)
	sup := rig.mustCurrent(t)

	got, ok := rig.receiver.Ringing()
	if !ok {
		t.Fatal("Ringing reported no invite while one rings")
	}
	if got.SessionID != "in-1" || got.From != inv.From {
		t.Errorf("ringing invite = %+v, want %+v", got, inv)
	}

	if err := sup.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	waitDone(t, sup)
	if _, ok := rig.receiver.Ringing(); ok {
		t.Error("Ringing still reports an invite after resolution")
	}
}

func TestReceiverAnswer(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)

	if err := rig.receiver.Answer(""); err != ErrNotRinging {
		t.Fatalf("Answer with no invite = %v, want ErrNotRinging", err)
	}

	rig.receiver.HandleInvite(ringInvite("in-1"))
	sup := rig.mustCurrent(t)
	waitPhase(t, rig.states, call.PhaseRinging)

	if err := rig.receiver.Answer("in-other"); err != ErrNotRinging {
		t.Fatalf("Answer with mismatched session = %v, want ErrNotRinging", err)
	}
	if err := rig.receiver.Answer("in-1"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	waitDone(t, sup)
	if got := sup.Result(); got != "answered" {
		t.Errorf("result = %q, want answered", got)
	}
	waitPhase(t, rig.states, call.PhaseActive)
}

func TestReceiverAnswerUnspecifiedSession(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)
	rig.receiver.HandleInvite(ringInvite("in-1"))
	sup := rig.mustCurrent(t)
	waitPhase(t, rig.states, call.PhaseRinging)

	// An empty session id answers whatever is ringing.
	if err := rig.receiver.Answer(""); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	waitDone(t, sup)
	waitPhase(t, rig.states, call.PhaseActive)
}

func TestReceiverSurfaceShown(t *testing.T) {
	rig := newRingRig(t, false, 10*time.Second)

	if rig.receiver.SurfaceShown() {
		t.Fatal("SurfaceShown acknowledged with nothing ringing")
	}

	rig.receiver.HandleInvite(ringInvite("in-1"))
	sup := rig.mustCurrent(t)

	if !rig.receiver.SurfaceShown() {
		t.Fatal("SurfaceShown not acknowledged while ringing")
	}
	_, demotes, _ := rig.alerts.snapshot()
	if demotes != 1 {
		t.Errorf("demotes = %d, want 1", demotes)
	}

	if err := sup.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	waitDone(t, sup)
}

func TestSupervisorObservesAnswerThroughEngine(t *testing.T) {
	rig := newRingRig(t, true, 10*time.Second)
	inv := ringInvite("in-1")
	rig.receiver.HandleInvite(inv)
	sup := rig.mustCurrent(t)
	waitPhase(t, rig.states, call.PhaseRinging)

	// Answer lands on the engine directly, not through the supervisor.
	if err := rig.session.AcceptInvite(inv); err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	waitDone(t, sup)
	if got := sup.Result(); got != "answered" {
		t.Errorf("result = %q, want answered", got)
	}
	rig.assertCleanedUp(t)
}

func TestAnswerDeclineRaceResolvesOnce(t *testing.T) {
	for i := 0; i < 25; i++ {
		rig := newRingRig(t, true, 10*time.Second)
		inv := ringInvite("in-1")
		rig.receiver.HandleInvite(inv)
		sup := rig.mustCurrent(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			sup.Answer()
		}()
		go func() {
			defer wg.Done()
			rig.decline.Decline("in-1")
		}()
		wg.Wait()
		waitDone(t, sup)
		rig.assertCleanedUp(t)

		// The slot claim admits exactly one winner, so once the driver
		// has seen any resolution it can never see a second.
		eventually(t, func() bool {
			return rig.driver.acceptCount()+len(rig.driver.rejected()) >= 1
		}, "driver never saw a resolution")
		accepts := rig.driver.acceptCount()
		rejects := len(rig.driver.rejected())
		if accepts+rejects != 1 {
			t.Fatalf("iteration %d: accepts=%d rejects=%d, want exactly one resolution", i, accepts, rejects)
		}
	}
}
