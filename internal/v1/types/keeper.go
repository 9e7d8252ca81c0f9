package types

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors a keeper may return; the adapter maps them to wire codes.
var (
	// ErrRoomFull is returned by Join when the land has no capacity left.
	ErrRoomFull = errors.New("room is full")

	// ErrActionNotRegistered is returned by HandleAction for unknown
	// typeIdentifiers.
	ErrActionNotRegistered = errors.New("action not registered")
)

// JoinDeniedError carries an application-level join denial with detail
// (level requirement, ban, custom policy).
type JoinDeniedError struct {
	Detail string
}

func (e *JoinDeniedError) Error() string {
	if e.Detail == "" {
		return "join denied"
	}
	return "join denied: " + e.Detail
}

// JoinDecision is the keeper's verdict on a join request.
type JoinDecision struct {
	Allow    bool
	PlayerID PlayerID
}

// AllowJoin accepts the join under the given player identity.
func AllowJoin(player PlayerID) JoinDecision {
	return JoinDecision{Allow: true, PlayerID: player}
}

// DenyJoin rejects the join without an error.
func DenyJoin() JoinDecision { return JoinDecision{} }

// KeeperState is the capability set the sync engine needs from domain state:
// dirty-field bookkeeping plus per-field snapshot extraction.
type KeeperState interface {
	IsDirty() bool
	DirtyFields() map[string]struct{}
	SyncFields() []SyncField

	// ExtractField returns the broadcast view of one top-level field as a
	// snapshot value tree.
	ExtractField(name string) any

	// ExtractFieldForPlayer returns the per-player view of one top-level
	// field for the given player.
	ExtractFieldForPlayer(name string, player PlayerID) any
}

// ServerEventSender lets the keeper emit events toward connected sessions.
type ServerEventSender interface {
	SendEvent(event *EventBody, target EventTarget)
}

// LandKeeper is the game-logic engine owning one land's domain state. The
// gateway consumes it as an opaque capability; it never implements one.
type LandKeeper interface {
	// Join admits or denies a player. May fail with ErrRoomFull or a
	// JoinDeniedError.
	Join(ctx context.Context, session *PlayerSession, clientID ClientID, sessionID SessionID) (JoinDecision, error)

	// Leave runs the keeper's teardown for a player. Idempotent.
	Leave(ctx context.Context, playerID PlayerID, clientID ClientID)

	// HandleAction dispatches a client action. May fail with
	// ErrActionNotRegistered or a handler error.
	HandleAction(ctx context.Context, action *Action, playerID PlayerID, clientID ClientID, sessionID SessionID) (json.RawMessage, error)

	// HandleClientEvent dispatches a client-originated event.
	HandleClientEvent(ctx context.Context, event *EventBody, playerID PlayerID, clientID ClientID, sessionID SessionID) error

	// CurrentState returns the full state, used for late-join snapshots.
	CurrentState() KeeperState

	// BeginSync opens a sync window and returns the state to snapshot, or
	// nil if another sync is already running.
	BeginSync() KeeperState

	// EndSync closes the sync window, optionally clearing dirty flags.
	EndSync(clearDirtyFlags bool)

	PlayerCount() int
	SetTransport(sender ServerEventSender)
	SetLandID(id string)
}
