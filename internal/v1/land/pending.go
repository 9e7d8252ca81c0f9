package land

import "github.com/driftline/landsync/internal/v1/types"

// pendingTargeted is one queued targeted event awaiting the next sync flush.
// Broadcast events carry no stamp.
type pendingTargeted struct {
	target types.EventTarget
	body   []byte
	stamp  *types.MembershipStamp
}

// PendingEventManager buffers server events between sync flushes: a targeted
// list iterated per connected session, and a broadcast list shared by all.
// Bodies are pre-encoded at queue time.
type PendingEventManager struct {
	targeted  []pendingTargeted
	broadcast [][]byte
}

// NewPendingEventManager builds an empty buffer.
func NewPendingEventManager() *PendingEventManager {
	return &PendingEventManager{}
}

// QueueTargeted appends a targeted event, optionally stamped with the
// membership version it was created under.
func (p *PendingEventManager) QueueTargeted(target types.EventTarget, body []byte, stamp *types.MembershipStamp) {
	p.targeted = append(p.targeted, pendingTargeted{target: target, body: body, stamp: stamp})
}

// QueueBroadcast appends a broadcast event.
func (p *PendingEventManager) QueueBroadcast(body []byte) {
	p.broadcast = append(p.broadcast, body)
}

// StampChecker validates that a stamp is still current for its player and
// for the delivering session.
type StampChecker func(stamp types.MembershipStamp, sessionID types.SessionID) bool

// PendingTargetedBodies collects the bodies destined for one session,
// filtering by target match and by stamp currency. Returns the matched
// bodies plus the number dropped for carrying a stale stamp.
func (p *PendingEventManager) PendingTargetedBodies(
	sessionID types.SessionID,
	playerID types.PlayerID,
	stampCurrent StampChecker,
) ([][]byte, int) {
	var out [][]byte
	dropped := 0
	for _, ev := range p.targeted {
		if !targetMatches(ev.target, sessionID, playerID) {
			continue
		}
		if ev.stamp != nil && stampCurrent != nil && !stampCurrent(*ev.stamp, sessionID) {
			dropped++
			continue
		}
		out = append(out, ev.body)
	}
	return out, dropped
}

// PendingBroadcastBodies snapshots the broadcast list.
func (p *PendingEventManager) PendingBroadcastBodies() [][]byte {
	out := make([][]byte, len(p.broadcast))
	copy(out, p.broadcast)
	return out
}

// HasPending reports whether anything is queued at all.
func (p *PendingEventManager) HasPending() bool {
	return len(p.targeted) > 0 || len(p.broadcast) > 0
}

// HasBroadcast reports whether broadcast events are queued.
func (p *PendingEventManager) HasBroadcast() bool {
	return len(p.broadcast) > 0
}

// ClearAll drops both lists after a sync flush.
func (p *PendingEventManager) ClearAll() {
	p.targeted = nil
	p.broadcast = nil
}

// targetMatches reifies an EventTarget against one connected session.
func targetMatches(target types.EventTarget, sessionID types.SessionID, playerID types.PlayerID) bool {
	switch target.Kind {
	case types.TargetSession:
		return target.Session == sessionID
	case types.TargetPlayer:
		return target.Player == playerID
	case types.TargetBroadcast:
		return true
	case types.TargetBroadcastExcept:
		return target.Except != sessionID
	case types.TargetPlayers:
		for _, p := range target.Players {
			if p == playerID {
				return true
			}
		}
	}
	return false
}
