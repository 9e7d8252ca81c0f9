package land

import (
	"sort"

	"github.com/driftline/landsync/internal/v1/types"
)

// MembershipCoordinator owns every mapping table of one land: session to
// client, session to player, per-player and per-session membership versions,
// and the deterministic player-slot table. All operations are synchronous
// and assume they run inside the land's serialized domain; the coordinator
// itself takes no locks.
type MembershipCoordinator struct {
	clients        map[types.SessionID]types.ClientID
	auth           map[types.SessionID]*types.AuthInfo
	players        map[types.SessionID]types.PlayerID
	sessionVersion map[types.SessionID]uint64
	playerVersion  map[types.PlayerID]uint64
	slots          *slotTable
}

// NewMembershipCoordinator builds an empty coordinator.
func NewMembershipCoordinator() *MembershipCoordinator {
	return &MembershipCoordinator{
		clients:        make(map[types.SessionID]types.ClientID),
		auth:           make(map[types.SessionID]*types.AuthInfo),
		players:        make(map[types.SessionID]types.PlayerID),
		sessionVersion: make(map[types.SessionID]uint64),
		playerVersion:  make(map[types.PlayerID]uint64),
		slots:          newSlotTable(),
	}
}

// RegisterClient records a connected-not-joined session.
func (m *MembershipCoordinator) RegisterClient(sessionID types.SessionID, clientID types.ClientID, auth *types.AuthInfo) {
	m.clients[sessionID] = clientID
	if auth != nil {
		m.auth[sessionID] = auth
	}
}

// RegisterPlayer moves a session to the joined state: the player's version
// advances by one and the session is stamped with the new value.
func (m *MembershipCoordinator) RegisterPlayer(sessionID types.SessionID, playerID types.PlayerID, auth *types.AuthInfo) types.MembershipStamp {
	m.playerVersion[playerID]++
	version := m.playerVersion[playerID]
	m.players[sessionID] = playerID
	m.sessionVersion[sessionID] = version
	if auth != nil {
		m.auth[sessionID] = auth
	}
	return types.MembershipStamp{Player: playerID, Version: version}
}

// UnregisterSession clears every table entry for the session. The player
// slot is NOT released here; that happens only on permanent leave.
func (m *MembershipCoordinator) UnregisterSession(sessionID types.SessionID) {
	delete(m.clients, sessionID)
	delete(m.auth, sessionID)
	delete(m.players, sessionID)
	delete(m.sessionVersion, sessionID)
}

// RemoveJoinedPlayer rolls back a partially-installed join: the player's
// membership is invalidated and the session returns to connected-not-joined.
func (m *MembershipCoordinator) RemoveJoinedPlayer(sessionID types.SessionID) {
	playerID, ok := m.players[sessionID]
	if !ok {
		return
	}
	m.playerVersion[playerID]++
	delete(m.players, sessionID)
	delete(m.sessionVersion, sessionID)
}

// InvalidateMembership bumps the player's version so that stamps issued for
// the previous join episode stop validating.
func (m *MembershipCoordinator) InvalidateMembership(playerID types.PlayerID) {
	m.playerVersion[playerID]++
}

// AllocatePlayerSlot returns the player's existing slot or allocates a new
// one keyed by accountKey.
func (m *MembershipCoordinator) AllocatePlayerSlot(accountKey string, playerID types.PlayerID) (types.PlayerSlot, error) {
	return m.slots.allocate(accountKey, playerID)
}

// ReleasePlayerSlot frees the slot on permanent leave.
func (m *MembershipCoordinator) ReleasePlayerSlot(playerID types.PlayerID) {
	m.slots.release(playerID)
}

// PlayerSlot looks up the player's current slot.
func (m *MembershipCoordinator) PlayerSlot(playerID types.PlayerID) (types.PlayerSlot, bool) {
	return m.slots.slotOf(playerID)
}

// --- Queries ---

// PlayerID returns the joined player for a session, if any.
func (m *MembershipCoordinator) PlayerID(sessionID types.SessionID) (types.PlayerID, bool) {
	p, ok := m.players[sessionID]
	return p, ok
}

// ClientID returns the client tag recorded for a session.
func (m *MembershipCoordinator) ClientID(sessionID types.SessionID) (types.ClientID, bool) {
	c, ok := m.clients[sessionID]
	return c, ok
}

// AuthInfo returns the identity recorded for a session, if any.
func (m *MembershipCoordinator) AuthInfo(sessionID types.SessionID) *types.AuthInfo {
	return m.auth[sessionID]
}

// SessionIDs returns the joined sessions of a player, sorted for
// deterministic iteration.
func (m *MembershipCoordinator) SessionIDs(playerID types.PlayerID) []types.SessionID {
	var out []types.SessionID
	for sid, pid := range m.players {
		if pid == playerID {
			out = append(out, sid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FirstSession returns the first joined session of a player in sorted order.
func (m *MembershipCoordinator) FirstSession(playerID types.PlayerID) (types.SessionID, bool) {
	sessions := m.SessionIDs(playerID)
	if len(sessions) == 0 {
		return "", false
	}
	return sessions[0], true
}

// IsSessionCurrent reports whether the session's stamp still matches.
func (m *MembershipCoordinator) IsSessionCurrent(sessionID types.SessionID, expected uint64) bool {
	v, ok := m.sessionVersion[sessionID]
	return ok && v == expected
}

// IsPlayerCurrent reports whether the player's version still matches.
func (m *MembershipCoordinator) IsPlayerCurrent(playerID types.PlayerID, expected uint64) bool {
	return m.playerVersion[playerID] == expected
}

// IsJoined reports whether a session is in the joined state.
func (m *MembershipCoordinator) IsJoined(sessionID types.SessionID) bool {
	_, ok := m.players[sessionID]
	return ok
}

// IsConnected reports whether a session is known at all.
func (m *MembershipCoordinator) IsConnected(sessionID types.SessionID) bool {
	_, ok := m.clients[sessionID]
	return ok
}

// ConnectionCount returns the number of connected sessions, joined or not.
func (m *MembershipCoordinator) ConnectionCount() int {
	return len(m.clients)
}

// JoinedPlayerCount returns the number of distinct joined players.
func (m *MembershipCoordinator) JoinedPlayerCount() int {
	seen := make(map[types.PlayerID]struct{}, len(m.players))
	for _, pid := range m.players {
		seen[pid] = struct{}{}
	}
	return len(seen)
}

// SessionVersion returns the stamp version bound to a joined session.
func (m *MembershipCoordinator) SessionVersion(sessionID types.SessionID) (uint64, bool) {
	v, ok := m.sessionVersion[sessionID]
	return v, ok
}

// JoinedSessions returns every joined (session, player) pair, sorted by
// session for deterministic fan-out order.
func (m *MembershipCoordinator) JoinedSessions() []JoinedSession {
	out := make([]JoinedSession, 0, len(m.players))
	for sid, pid := range m.players {
		out = append(out, JoinedSession{Session: sid, Player: pid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}

// SessionForPlayer returns the joined session currently bound to a player.
// Used for duplicate-login detection; invariant 2 guarantees at most one.
func (m *MembershipCoordinator) SessionForPlayer(playerID types.PlayerID) (types.SessionID, bool) {
	return m.FirstSession(playerID)
}

// JoinedSession pairs one joined session with its player.
type JoinedSession struct {
	Session types.SessionID
	Player  types.PlayerID
}
