package sip

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

const (
	// holdTTL bounds how long an unanswered INVITE transaction stays
	// claimable. It must outlast the ring timeout so a last-moment
	// answer still finds its transaction.
	holdTTL = 60 * time.Second

	holdSweepInterval = 5 * time.Second

	// maxHeld caps concurrently held invites; anything past the cap is
	// answered busy before it reaches the engine.
	maxHeld = 4
)

var (
	errHoldFull        = errors.New("invite hold window full")
	errDuplicateInvite = errors.New("invite already held")
)

// inviteTransaction is the slice of sip.ServerTransaction the driver
// uses on held invites, narrow so tests can substitute fakes.
type inviteTransaction interface {
	Respond(res *sip.Response) error
}

// heldInvite is an inbound INVITE whose transaction is parked until the
// engine answers, declines, the caller cancels, or the TTL runs out.
type heldInvite struct {
	sessionID  string
	req        *sip.Request
	tx         inviteTransaction
	receivedAt time.Time
}

// holdWindow parks unanswered INVITE transactions keyed by Call-ID. It
// also rendezvous-matches an Accept that arrives before its INVITE: the
// push wake-up regularly beats the forked INVITE here, so an answer may
// be waiting when the INVITE lands.
type holdWindow struct {
	mu      sync.Mutex
	held    map[string]*heldInvite
	waiters map[string][]chan *heldInvite
	logger  *slog.Logger
}

func newHoldWindow(logger *slog.Logger) *holdWindow {
	return &holdWindow{
		held:    make(map[string]*heldInvite),
		waiters: make(map[string][]chan *heldInvite),
		logger:  logger.With("subsystem", "hold"),
	}
}

// put parks an invite. When a claimant is already waiting for this
// Call-ID the invite is handed over directly and claimed reports true;
// the caller must then skip ringback and announcement.
func (w *holdWindow) put(inv *heldInvite) (claimed bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.held[inv.sessionID]; ok {
		return false, errDuplicateInvite
	}

	if chans, ok := w.waiters[inv.sessionID]; ok && len(chans) > 0 {
		ch := chans[0]
		if len(chans) == 1 {
			delete(w.waiters, inv.sessionID)
		} else {
			w.waiters[inv.sessionID] = chans[1:]
		}
		ch <- inv
		w.logger.Debug("invite delivered to waiting claimant", "call_id", inv.sessionID)
		return true, nil
	}

	if len(w.held) >= maxHeld {
		return false, errHoldFull
	}

	w.held[inv.sessionID] = inv
	w.logger.Debug("invite held", "call_id", inv.sessionID)
	return false, nil
}

// claim removes and returns the held invite for the session, if any.
func (w *holdWindow) claim(sessionID string) (*heldInvite, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	inv, ok := w.held[sessionID]
	if !ok {
		return nil, false
	}
	delete(w.held, sessionID)
	return inv, true
}

// await claims the held invite for the session, blocking until it
// arrives or ctx ends. At most one waiter receives a given invite.
func (w *holdWindow) await(ctx context.Context, sessionID string) (*heldInvite, error) {
	w.mu.Lock()
	if inv, ok := w.held[sessionID]; ok {
		delete(w.held, sessionID)
		w.mu.Unlock()
		return inv, nil
	}
	ch := make(chan *heldInvite, 1)
	w.waiters[sessionID] = append(w.waiters[sessionID], ch)
	w.mu.Unlock()

	select {
	case inv := <-ch:
		return inv, nil
	case <-ctx.Done():
		w.dropWaiter(sessionID, ch)
		// The invite may have been handed over while we were giving up.
		select {
		case inv := <-ch:
			return inv, nil
		default:
		}
		return nil, ctx.Err()
	}
}

func (w *holdWindow) dropWaiter(sessionID string, ch chan *heldInvite) {
	w.mu.Lock()
	defer w.mu.Unlock()

	chans := w.waiters[sessionID]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(w.waiters, sessionID)
	} else {
		w.waiters[sessionID] = chans
	}
}

// expire removes and returns every invite held longer than the TTL.
func (w *holdWindow) expire(now time.Time) []*heldInvite {
	w.mu.Lock()
	defer w.mu.Unlock()

	var expired []*heldInvite
	for id, inv := range w.held {
		if now.Sub(inv.receivedAt) >= holdTTL {
			expired = append(expired, inv)
			delete(w.held, id)
		}
	}
	return expired
}

// count reports currently held invites.
func (w *holdWindow) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.held)
}
