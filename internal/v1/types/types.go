// Package types holds the shared vocabulary of the gateway: identifier kinds,
// wire message shapes, state-update primitives, and the interfaces that keep
// the transport, land, and gateway packages decoupled from each other.
package types

import "strings"

// --- Core identifier kinds ---

// SessionID identifies one WebSocket connection for its lifetime.
type SessionID string

// ClientID is a short opaque tag assigned when a connection is accepted.
type ClientID string

// PlayerID is the application-meaningful identity of a player. Multiple
// sessions for one PlayerID are possible; duplicate-login rules apply.
type PlayerID string

// LandType names a registered kind of land (game room).
type LandType string

// PlayerSlot is a deterministic small integer assigned to a player for
// compact wire identification. Valid slots are in [0, 1000).
type PlayerSlot = int32

// ReplayLandSuffix marks land types that re-evaluate a recorded land and
// should reuse the primary land definition.
const ReplayLandSuffix = "-replay"

// LandID identifies one land instance: a land type plus an optional instance id.
type LandID struct {
	Type     LandType
	Instance string
}

// NewLandID builds a LandID from its parts.
func NewLandID(landType LandType, instance string) LandID {
	return LandID{Type: landType, Instance: instance}
}

// String serializes the LandID as "landType" when the instance is empty,
// else "landType:instanceId".
func (l LandID) String() string {
	if l.Instance == "" {
		return string(l.Type)
	}
	return string(l.Type) + ":" + l.Instance
}

// ParseLandID is the inverse of String.
func ParseLandID(s string) LandID {
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		return LandID{Type: LandType(s[:idx]), Instance: s[idx+1:]}
	}
	return LandID{Type: LandType(s)}
}

// BaseType strips the replay suffix so re-evaluation lands resolve to the
// primary land definition.
func (l LandID) BaseType() LandType {
	return LandType(strings.TrimSuffix(string(l.Type), ReplayLandSuffix))
}

// MembershipStamp witnesses the membership version under which a server-side
// operation was created. Stale stamps are used to discard targeted deliveries
// after a leave/rejoin.
type MembershipStamp struct {
	Player  PlayerID
	Version uint64
}

// AuthInfo carries the identity resolved from a connection's credentials.
type AuthInfo struct {
	Subject     string
	PlayerID    PlayerID
	DisplayName string
	Claims      map[string]any
}

// AuthInfoResolver validates a raw token and resolves the caller's identity.
type AuthInfoResolver interface {
	Resolve(tokenString string) (*AuthInfo, error)
}

// PlayerSession is the per-join identity handed to the land keeper.
type PlayerSession struct {
	PlayerID PlayerID
	DeviceID string
	Metadata map[string]any
	Guest    bool
}

// GuestSessionFactory mints a session for unauthenticated connections.
type GuestSessionFactory func(sessionID SessionID) *PlayerSession

// --- Event targeting ---

// TargetKind selects how an outbound frame is routed.
type TargetKind int

const (
	TargetSession TargetKind = iota
	TargetPlayer
	TargetBroadcast
	TargetBroadcastExcept
	TargetPlayers
)

// EventTarget describes the recipients of an outbound event or frame.
type EventTarget struct {
	Kind    TargetKind
	Session SessionID
	Player  PlayerID
	Except  SessionID
	Players []PlayerID
}

// ToSession targets a single session.
func ToSession(id SessionID) EventTarget {
	return EventTarget{Kind: TargetSession, Session: id}
}

// ToPlayer targets every session of one player.
func ToPlayer(id PlayerID) EventTarget {
	return EventTarget{Kind: TargetPlayer, Player: id}
}

// Broadcast targets every connected session.
func Broadcast() EventTarget {
	return EventTarget{Kind: TargetBroadcast}
}

// BroadcastExcept targets every connected session except one.
func BroadcastExcept(except SessionID) EventTarget {
	return EventTarget{Kind: TargetBroadcastExcept, Except: except}
}

// ToPlayers targets the sessions of a set of players.
func ToPlayers(ids ...PlayerID) EventTarget {
	return EventTarget{Kind: TargetPlayers, Players: ids}
}

// OutboundFrame pairs an encoded frame with its destination session.
type OutboundFrame struct {
	Session SessionID
	Frame   []byte
}

// --- Cross-package interfaces ---

// ConnectionTransport is what a land adapter needs from the WebSocket layer.
// Sends never block; frames are deposited into per-session queues.
type ConnectionTransport interface {
	Send(sessionID SessionID, frame []byte)
	SendBatch(frames []OutboundFrame)
	SendTarget(target EventTarget, frame []byte)
	RegisterPlayerSession(sessionID SessionID, playerID PlayerID)
	UnregisterPlayerSession(sessionID SessionID, playerID PlayerID)
	CloseSession(sessionID SessionID)
}

// TransportDelegate receives connection lifecycle callbacks and inbound
// frames. Implemented by the land router (multi-land mode) or directly by a
// land adapter (legacy single-land mode).
type TransportDelegate interface {
	OnConnect(sessionID SessionID, clientID ClientID, auth *AuthInfo)
	OnMessage(sessionID SessionID, frame []byte)
	OnDisconnect(sessionID SessionID, clientID ClientID)
}
