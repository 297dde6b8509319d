package call

import (
	"sync"

	"github.com/flowpbx/flowphone/internal/telephony"
)

// PendingInvite is the process-wide single-slot register for the one
// inbound invite that may be unresolved at a time. Resolution paths
// (answer, decline, remote cancel, ring timeout) race for the invite
// through Claim or ClaimAndClear; exactly one wins and every loser's
// follow-up work becomes a no-op.
//
// A second invite while the slot is occupied is refused: the first
// invite must be fully resolved before another is admitted, otherwise
// two ringing supervisors could run at once.
type PendingInvite struct {
	mu   sync.Mutex
	inv  telephony.Invite
	held bool
}

// NewPendingInvite returns an empty slot.
func NewPendingInvite() *PendingInvite {
	return &PendingInvite{}
}

// Put stores an invite in the empty slot. It returns ErrInvitePending
// if an unresolved invite is already held.
func (p *PendingInvite) Put(inv telephony.Invite) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.held {
		return ErrInvitePending
	}
	p.inv = inv
	p.held = true
	return nil
}

// ClaimAndClear atomically takes whatever invite is held and empties
// the slot. The second return is false if the slot was already empty.
func (p *PendingInvite) ClaimAndClear() (telephony.Invite, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.held {
		return telephony.Invite{}, false
	}
	inv := p.inv
	p.inv = telephony.Invite{}
	p.held = false
	return inv, true
}

// Claim takes the held invite only if its session id matches, emptying
// the slot. Claiming a mismatched or empty slot returns false.
func (p *PendingInvite) Claim(sessionID string) (telephony.Invite, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.held || p.inv.SessionID != sessionID {
		return telephony.Invite{}, false
	}
	inv := p.inv
	p.inv = telephony.Invite{}
	p.held = false
	return inv, true
}

// Peek returns the held invite without claiming it.
func (p *PendingInvite) Peek() (telephony.Invite, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inv, p.held
}
