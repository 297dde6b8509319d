package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/flowphone/internal/audio"
	"github.com/flowpbx/flowphone/internal/platform"
	"github.com/flowpbx/flowphone/internal/telephony"
)

const (
	defaultTickInterval  = time.Second
	defaultDriverTimeout = 15 * time.Second
	recordTimeout        = 5 * time.Second
)

// Config wires a Session. Driver and Audio are required; a nil Invites
// gets a fresh slot and a nil Recorder disables history emission.
type Config struct {
	Driver   telephony.Driver
	Audio    *audio.Router
	Recorder Recorder
	Invites  *PendingInvite
	Logger   *slog.Logger

	// TickInterval overrides the 1s duration republish interval.
	TickInterval time.Duration

	// DriverTimeout bounds each driver invocation.
	DriverTimeout time.Duration
}

// queued is one unit of the ordered dispatch path: a state publication,
// a history entry, or both are never combined so order stays explicit.
type queued struct {
	state *State
	entry *LogEntry
}

type subscriber struct {
	id int
	fn func(State)
}

// Session is the single source of truth for the current call. Every
// mutation passes through its mutex; publications and history entries
// are enqueued inside the critical section and delivered FIFO by one
// dispatcher goroutine, so observers see transitions in commit order.
//
// Driver invocations never run under the mutex: prompt ones run inline
// after the transition commits, longer ones on their own goroutine with
// a generation guard so a call torn down in the meantime discards the
// result.
type Session struct {
	driver        telephony.Driver
	audio         *audio.Router
	recorder      Recorder
	invites       *PendingInvite
	logger        *slog.Logger
	tick          time.Duration
	driverTimeout time.Duration

	mu            sync.Mutex
	state         State
	handle        telephony.Handle
	haveHandle    bool
	gen           uint64
	tickStop      chan struct{}
	reachedActive bool
	attemptStart  time.Time
	subs          []subscriber
	subID         int
	queue         []queued

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates the session and starts its dispatcher.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	timeout := cfg.DriverTimeout
	if timeout <= 0 {
		timeout = defaultDriverTimeout
	}
	invites := cfg.Invites
	if invites == nil {
		invites = NewPendingInvite()
	}

	s := &Session{
		driver:        cfg.Driver,
		audio:         cfg.Audio,
		recorder:      cfg.Recorder,
		invites:       invites,
		logger:        logger.With("component", "call"),
		tick:          tick,
		driverTimeout: timeout,
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatchLoop()
	return s
}

// Close stops the duration ticker and the dispatcher after the queue
// drains. The session must not be used afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopTickerLocked()
		s.gen++
		s.mu.Unlock()
		close(s.done)
	})
	s.wg.Wait()
}

// Invites returns the pending-invite slot shared with the ring intake.
func (s *Session) Invites() *PendingInvite {
	return s.invites
}

// State returns the current snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn for every state publication, in commit order,
// delivered from the dispatcher goroutine. Callbacks may call back into
// the session. The returned function cancels the subscription.
func (s *Session) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	s.subID++
	id := s.subID
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Dial places an outbound call. The target must be a leading + followed
// by 7 to 15 digits; anything else fails with ErrInvalidTarget before
// the driver is touched. Valid only while idle.
func (s *Session) Dial(target string) error {
	if !ValidTarget(target) {
		return ErrInvalidTarget
	}

	s.mu.Lock()
	if s.state.Phase != PhaseIdle {
		s.mu.Unlock()
		return ErrCallInProgress
	}
	s.gen++
	gen := s.gen
	s.reachedActive = false
	s.attemptStart = time.Now()
	s.state = State{Phase: PhaseDialing, Direction: DirectionOutbound, Target: target}
	s.enqueueLocked(s.state)
	s.mu.Unlock()
	s.signal()

	s.logger.Info("dialing", "target", target)
	if err := s.audio.Acquire(); err != nil {
		s.logger.Warn("audio focus unavailable for outbound call", "error", err)
	} else if err := s.audio.SetRoute(platform.RouteEarpiece); err != nil {
		s.logger.Warn("earpiece route unavailable", "error", err)
	}

	go s.runDial(gen, target)
	return nil
}

func (s *Session) runDial(gen uint64, target string) {
	ctx, cancel := s.opCtx()
	defer cancel()
	h, err := s.driver.Dial(ctx, target)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if err == nil {
			s.hangupOrphan(h)
		}
		return
	}
	if err != nil {
		kind, msg := ClassifyFailure(err)
		s.logger.Error("dial failed", "target", target, "kind", kind, "error", err)
		s.failLocked(msg)
		s.mu.Unlock()
		s.signal()
		s.audio.Release()
		return
	}
	s.handle = h
	s.haveHandle = true
	if s.state.SessionID == "" {
		s.state.SessionID = h.SessionID
	}
	s.mu.Unlock()
}

// AcceptInvite answers an inbound invite. It atomically claims the
// pending-invite slot first; losing that race is a silent no-op. On a
// won claim the engine goes Active immediately and the driver accept
// runs asynchronously, failing the call if it errors.
func (s *Session) AcceptInvite(inv telephony.Invite) error {
	if _, ok := s.invites.Claim(inv.SessionID); !ok {
		s.logger.Debug("accept lost the invite race", "call_id", inv.SessionID)
		return nil
	}

	s.mu.Lock()
	st := s.state
	ringingForInvite := st.Phase == PhaseRinging &&
		st.Direction == DirectionInbound && st.SessionID == inv.SessionID
	if st.InCall() && !ringingForInvite {
		s.mu.Unlock()
		s.logger.Warn("claimed invite does not match engine state",
			"call_id", inv.SessionID, "phase", st.Phase.String())
		return ErrCallInProgress
	}
	if st.Phase == PhaseIdle {
		// Answer raced ahead of the ringing notification.
		s.attemptStart = time.Now()
	}
	s.state = State{
		Phase:     PhaseActive,
		Direction: DirectionInbound,
		Target:    inv.From,
		SessionID: inv.SessionID,
		StartedAt: time.Now(),
	}
	s.reachedActive = true
	s.enqueueLocked(s.state)
	s.startTickerLocked()
	gen := s.gen
	s.mu.Unlock()
	s.signal()

	s.logger.Info("invite accepted", "call_id", inv.SessionID, "from", inv.From)
	if err := s.audio.Acquire(); err != nil {
		s.logger.Warn("audio focus unavailable for inbound call", "error", err)
	} else if err := s.audio.SetRoute(platform.RouteEarpiece); err != nil {
		s.logger.Warn("earpiece route unavailable", "error", err)
	}

	go s.runAccept(gen, inv)
	return nil
}

func (s *Session) runAccept(gen uint64, inv telephony.Invite) {
	ctx, cancel := s.opCtx()
	defer cancel()
	h, err := s.driver.Accept(ctx, inv)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if err == nil {
			s.hangupOrphan(h)
		}
		return
	}
	if err != nil {
		kind, msg := ClassifyFailure(err)
		s.logger.Error("accept failed", "call_id", inv.SessionID, "kind", kind, "error", err)
		s.failLocked(msg)
		s.mu.Unlock()
		s.signal()
		s.audio.Release()
		return
	}
	s.handle = h
	s.haveHandle = true
	s.mu.Unlock()
}

// RejectInvite declines an inbound invite. Idempotent: multiple
// resolution paths race to call this and every loser is a silent
// no-op, so the driver sees at most one reject per invite.
func (s *Session) RejectInvite(inv telephony.Invite) error {
	return s.rejectBySessionID(inv.SessionID)
}

func (s *Session) rejectBySessionID(sessionID string) error {
	inv, ok := s.invites.Claim(sessionID)
	if !ok {
		s.logger.Debug("invite already resolved", "call_id", sessionID)
		return nil
	}

	s.logger.Info("invite declined", "call_id", sessionID, "from", inv.From)
	go func() {
		ctx, cancel := s.opCtx()
		defer cancel()
		if err := s.driver.Reject(ctx, inv); err != nil {
			s.logger.Warn("driver reject failed", "call_id", sessionID, "error", err)
		}
	}()

	s.ResolveIncoming(sessionID, EndDeclined)
	return nil
}

// Hangup tears down the current call. From inbound ringing it declines
// the invite; from dialing or outbound ringing it cancels; from active
// it disconnects. The duration ticker is cancelled inside the critical
// section, before the terminal snapshot is enqueued, so no stale tick
// can republish Active after the reset.
func (s *Session) Hangup() error {
	s.mu.Lock()
	st := s.state
	if st.Phase == PhaseRinging && st.Direction == DirectionInbound {
		sessionID := st.SessionID
		s.mu.Unlock()
		return s.rejectBySessionID(sessionID)
	}
	if !st.InCall() {
		s.mu.Unlock()
		return ErrNoCall
	}
	h, have := s.handle, s.haveHandle
	s.endLocked(EndLocal)
	s.mu.Unlock()
	s.signal()

	s.logger.Info("hangup", "call_id", st.SessionID, "phase", st.Phase.String())
	if have {
		go func() {
			ctx, cancel := s.opCtx()
			defer cancel()
			if err := s.driver.Hangup(ctx, h); err != nil {
				s.logger.Warn("driver hangup failed", "call_id", h.SessionID, "error", err)
			}
		}()
	}
	s.audio.Release()
	return nil
}

// NoteIncoming reflects a ringing inbound invite in the engine state.
// Called by the ring supervisor once alerting is underway. It reports
// whether ringing was noted; false means the invite was already claimed
// away or the engine is busy, and the supervisor should stand down.
func (s *Session) NoteIncoming(inv telephony.Invite) bool {
	s.mu.Lock()
	if s.state.Phase != PhaseIdle {
		s.mu.Unlock()
		s.logger.Warn("incoming invite while engine busy",
			"call_id", inv.SessionID, "phase", s.state.Phase.String())
		return false
	}
	if held, ok := s.invites.Peek(); !ok || held.SessionID != inv.SessionID {
		s.mu.Unlock()
		s.logger.Info("invite resolved before ringing was noted", "call_id", inv.SessionID)
		return false
	}
	s.gen++
	s.reachedActive = false
	s.attemptStart = time.Now()
	s.state = State{
		Phase:     PhaseRinging,
		Direction: DirectionInbound,
		Target:    inv.From,
		SessionID: inv.SessionID,
	}
	s.enqueueLocked(s.state)
	s.mu.Unlock()
	s.signal()
	return true
}

// ResolveIncoming finishes an inbound ringing state whose invite was
// already claimed elsewhere (ring timeout, decline signal, remote
// cancel). It reports whether the engine was ringing for that session;
// false means the state had already moved on and nothing was done.
func (s *Session) ResolveIncoming(sessionID string, reason EndReason) bool {
	s.mu.Lock()
	st := s.state
	if st.Phase != PhaseRinging || st.Direction != DirectionInbound || st.SessionID != sessionID {
		s.mu.Unlock()
		return false
	}
	s.endLocked(reason)
	s.mu.Unlock()
	s.signal()
	return true
}

// ToggleMute flips the mute flag of an active call and returns the new
// value. Outside Active it is a no-op returning the current value.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	if s.state.Phase != PhaseActive {
		muted := s.state.Muted
		s.mu.Unlock()
		return muted
	}
	s.state.Muted = !s.state.Muted
	muted := s.state.Muted
	h, have := s.handle, s.haveHandle
	s.enqueueLocked(s.state)
	s.mu.Unlock()
	s.signal()

	if have {
		go func() {
			ctx, cancel := s.opCtx()
			defer cancel()
			if err := s.driver.SetMuted(ctx, h, muted); err != nil {
				s.logger.Warn("mute change failed", "muted", muted, "error", err)
			}
		}()
	}
	return muted
}

// ToggleSpeaker flips the speaker flag of an active call, applies the
// route, and returns the value in effect. If the device refuses the
// route the flag is reverted and republished. Outside Active it is a
// no-op returning the current value.
func (s *Session) ToggleSpeaker() bool {
	s.mu.Lock()
	if s.state.Phase != PhaseActive {
		on := s.state.SpeakerOn
		s.mu.Unlock()
		return on
	}
	s.state.SpeakerOn = !s.state.SpeakerOn
	on := s.state.SpeakerOn
	gen := s.gen
	s.enqueueLocked(s.state)
	s.mu.Unlock()
	s.signal()

	route := platform.RouteEarpiece
	if on {
		route = platform.RouteSpeaker
	}
	if err := s.audio.SetRoute(route); err == nil {
		return on
	}

	// Device kept the previous route; reconcile the flag.
	s.mu.Lock()
	if s.gen == gen && s.state.Phase == PhaseActive {
		s.state.SpeakerOn = !on
		s.enqueueLocked(s.state)
	}
	on = s.state.SpeakerOn
	s.mu.Unlock()
	s.signal()
	return on
}

// SendTones forwards DTMF digits to the driver. Valid only while
// Active; no state change.
func (s *Session) SendTones(digits string) error {
	s.mu.Lock()
	if s.state.Phase != PhaseActive || !s.haveHandle {
		s.mu.Unlock()
		return ErrNoCall
	}
	h := s.handle
	s.mu.Unlock()

	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.driver.SendTones(ctx, h, digits); err != nil {
		return fmt.Errorf("send tones: %w", err)
	}
	return nil
}

// CallRinging implements part of telephony.Events.
func (s *Session) CallRinging(sessionID string) {
	s.mu.Lock()
	st := s.state
	if st.Phase == PhaseDialing && (st.SessionID == "" || st.SessionID == sessionID) {
		s.state = State{
			Phase:     PhaseRinging,
			Direction: DirectionOutbound,
			Target:    st.Target,
			SessionID: sessionID,
		}
		s.enqueueLocked(s.state)
	}
	s.mu.Unlock()
	s.signal()
}

// CallConnected implements part of telephony.Events. StartedAt is fixed
// here; every later duration derives from it.
func (s *Session) CallConnected(sessionID string) {
	s.mu.Lock()
	st := s.state
	match := st.SessionID == "" || st.SessionID == sessionID
	if !st.InCall() || !match || st.Phase == PhaseActive {
		s.mu.Unlock()
		return
	}
	s.state = State{
		Phase:     PhaseActive,
		Direction: st.Direction,
		Target:    st.Target,
		SessionID: sessionID,
		StartedAt: time.Now(),
	}
	s.reachedActive = true
	s.enqueueLocked(s.state)
	s.startTickerLocked()
	s.mu.Unlock()
	s.signal()
	s.logger.Info("call connected", "call_id", sessionID)
}

// CallReconnecting implements part of telephony.Events.
func (s *Session) CallReconnecting(sessionID string, err error) {
	s.logger.Warn("call reconnecting", "call_id", sessionID, "error", err)
}

// CallDisconnected implements part of telephony.Events. A nil error is
// an orderly ending; a non-nil error fails the call even if media had
// connected.
func (s *Session) CallDisconnected(sessionID string, err error) {
	s.mu.Lock()
	st := s.state
	match := st.SessionID == "" || st.SessionID == sessionID
	if !st.InCall() || !match {
		s.mu.Unlock()
		return
	}
	if st.Phase == PhaseRinging && st.Direction == DirectionInbound {
		// Inbound ringing resolves through the invite paths.
		s.mu.Unlock()
		return
	}
	if err != nil {
		_, msg := ClassifyFailure(err)
		if st.Phase == PhaseActive {
			msg = "Call dropped."
		}
		s.logger.Error("call disconnected with error", "call_id", sessionID, "error", err)
		s.failLocked(msg)
	} else {
		s.endLocked(EndRemote)
	}
	s.mu.Unlock()
	s.signal()
	s.audio.Release()
}

// CallQuality implements part of telephony.Events.
func (s *Session) CallQuality(sessionID string, warning string) {
	s.logger.Warn("call quality warning", "call_id", sessionID, "warning", warning)
}

// InviteCanceled implements part of telephony.Events: the remote party
// gave up before the invite was answered. Claims the slot so losers of
// the race no-op, then resolves the ringing state; the ring supervisor
// observes the publication and cleans up without any driver reject.
func (s *Session) InviteCanceled(sessionID string) {
	if _, ok := s.invites.Claim(sessionID); !ok {
		s.logger.Debug("cancel for unknown or resolved invite", "call_id", sessionID)
		return
	}
	s.logger.Info("invite canceled by remote", "call_id", sessionID)
	s.ResolveIncoming(sessionID, EndRemoteCanceled)
}

// endLocked commits an orderly terminal transition: ticker stopped,
// generation bumped, Ended published, one history entry, Idle reset.
func (s *Session) endLocked(reason EndReason) {
	s.stopTickerLocked()
	s.gen++

	st := s.state
	terminal := State{
		Phase:     PhaseEnded,
		Direction: st.Direction,
		Target:    st.Target,
		SessionID: st.SessionID,
		StartedAt: st.StartedAt,
		Reason:    reason,
	}
	if s.reachedActive && !st.StartedAt.IsZero() {
		terminal.Duration = time.Since(st.StartedAt)
	}
	s.state = terminal
	s.enqueueLocked(terminal)
	s.enqueueEntryLocked(s.entryLocked(outcomeFor(reason, s.reachedActive)))

	s.resetLocked()
}

// failLocked commits a failure terminal transition with a user-facing
// message.
func (s *Session) failLocked(message string) {
	s.stopTickerLocked()
	s.gen++

	st := s.state
	terminal := State{
		Phase:     PhaseFailed,
		Direction: st.Direction,
		Target:    st.Target,
		SessionID: st.SessionID,
		StartedAt: st.StartedAt,
		Message:   message,
	}
	if s.reachedActive && !st.StartedAt.IsZero() {
		terminal.Duration = time.Since(st.StartedAt)
	}
	s.state = terminal
	s.enqueueLocked(terminal)
	s.enqueueEntryLocked(s.entryLocked(OutcomeFailed))

	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.state = State{}
	s.enqueueLocked(s.state)
	s.handle = telephony.Handle{}
	s.haveHandle = false
}

// entryLocked builds the history entry for the terminal state currently
// committed in s.state.
func (s *Session) entryLocked(outcome Outcome) LogEntry {
	seconds := 0
	if s.reachedActive && !s.state.StartedAt.IsZero() {
		seconds = int(s.state.Duration / time.Second)
	}
	return LogEntry{
		SessionID:       s.state.SessionID,
		Direction:       s.state.Direction,
		Counterpart:     s.state.Target,
		StartedAt:       s.attemptStart,
		DurationSeconds: seconds,
		Outcome:         outcome,
	}
}

func (s *Session) startTickerLocked() {
	s.stopTickerLocked()
	stop := make(chan struct{})
	s.tickStop = stop
	go s.tickLoop(s.gen, stop)
}

func (s *Session) stopTickerLocked() {
	if s.tickStop != nil {
		close(s.tickStop)
		s.tickStop = nil
	}
}

// tickLoop republishes the active state once per tick with the duration
// rederived from the fixed StartedAt. The generation guard discards
// ticks that lost a race with a terminal transition.
func (s *Session) tickLoop(gen uint64, stop chan struct{}) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.gen != gen || s.state.Phase != PhaseActive {
				s.mu.Unlock()
				return
			}
			st := s.state
			st.Duration = time.Since(st.StartedAt)
			s.state = st
			s.enqueueLocked(st)
			s.mu.Unlock()
			s.signal()
		}
	}
}

func (s *Session) enqueueLocked(st State) {
	s.queue = append(s.queue, queued{state: &st})
}

func (s *Session) enqueueEntryLocked(entry LogEntry) {
	s.queue = append(s.queue, queued{entry: &entry})
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.notify:
			s.drain()
		case <-s.done:
			s.drain()
			return
		}
	}
}

func (s *Session) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		subs := make([]subscriber, len(s.subs))
		copy(subs, s.subs)
		s.mu.Unlock()

		if item.state != nil {
			for _, sub := range subs {
				sub.fn(*item.state)
			}
		}
		if item.entry != nil {
			s.record(*item.entry)
		}
	}
}

func (s *Session) record(entry LogEntry) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.Error("call history record failed",
			"call_id", entry.SessionID,
			"outcome", entry.Outcome,
			"error", err,
		)
	}
}

// hangupOrphan tears down a driver call whose session was already reset
// locally while the driver invocation was in flight.
func (s *Session) hangupOrphan(h telephony.Handle) {
	s.logger.Debug("hanging up orphaned driver call", "call_id", h.SessionID)
	go func() {
		ctx, cancel := s.opCtx()
		defer cancel()
		if err := s.driver.Hangup(ctx, h); err != nil {
			s.logger.Warn("orphan hangup failed", "call_id", h.SessionID, "error", err)
		}
	}()
}

func (s *Session) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.driverTimeout)
}
