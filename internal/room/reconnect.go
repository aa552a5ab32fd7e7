package room

import (
	"time"

	"github.com/lawlink/consult-signaling/internal/clock"
)

// ReconnectionSupervisor runs the per-participant disconnect state machine.
// Exactly one of {silent reconnection, single removal} happens per
// disconnect: the grace timer handle lives on the Participant and is
// cancelled synchronously (under the room lock) when the user resumes, and
// the expiry callback re-validates the timer generation under the same lock
// before removing anyone.
type ReconnectionSupervisor struct {
	clk   clock.Clock
	grace time.Duration

	// expire runs when the grace period lapses with no reconnection. gen
	// identifies the timer arming; a stale gen means the timer lost the race
	// and must do nothing.
	expire func(consultationID, userID string, gen uint64)
}

func newReconnectionSupervisor(clk clock.Clock, grace time.Duration, expire func(consultationID, userID string, gen uint64)) *ReconnectionSupervisor {
	return &ReconnectionSupervisor{clk: clk, grace: grace, expire: expire}
}

// markDisconnectedLocked transitions connected -> disconnected(pending
// removal) and arms the grace timer. Caller holds the room lock.
func (s *ReconnectionSupervisor) markDisconnectedLocked(r *Room, p *Participant) {
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	p.ConnectionStatus = StatusDisconnected
	p.ConnectionQuality = QualityOffline
	p.LastSeen = s.clk.Now()
	p.graceGen++

	consultationID := r.ConsultationID
	userID := p.UserID
	gen := p.graceGen
	p.graceTimer = s.clk.AfterFunc(s.grace, func() {
		s.expire(consultationID, userID, gen)
	})
}

// resumeLocked transitions disconnected -> connected when the same user
// re-establishes a connection before the timer fires. The pending timer is
// cancelled and its generation invalidated so a concurrently-firing callback
// becomes a no-op. Caller holds the room lock.
func (s *ReconnectionSupervisor) resumeLocked(p *Participant, connectionID string) {
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	p.graceGen++
	p.ConnectionID = connectionID
	p.ConnectionStatus = StatusConnected
	p.ConnectionQuality = QualityGood
	p.LastSeen = s.clk.Now()
}

// cancelLocked discards any pending removal, e.g. when the participant
// leaves explicitly while disconnected. Caller holds the room lock.
func (s *ReconnectionSupervisor) cancelLocked(p *Participant) {
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	p.graceGen++
}
