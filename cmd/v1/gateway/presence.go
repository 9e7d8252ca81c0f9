package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/driftline/landsync/internal/v1/types"
)

// presenceKeeper is a minimal lobby land: it tracks who is connected and
// relays chat events. It exists so the gateway binary is usable out of the
// box; real games register their own keepers.
//
// The transport adapter serializes every call, so no locking is needed.
type presenceKeeper struct {
	landID  string
	sender  types.ServerEventSender
	players map[types.PlayerID]*presenceEntry
	dirty   map[string]struct{}
	syncing bool
}

type presenceEntry struct {
	Name     string    `json:"name,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}

func newPresenceKeeper(types.LandID) types.LandKeeper {
	return &presenceKeeper{
		players: make(map[types.PlayerID]*presenceEntry),
		dirty:   make(map[string]struct{}),
	}
}

func (k *presenceKeeper) Join(_ context.Context, session *types.PlayerSession, _ types.ClientID, _ types.SessionID) (types.JoinDecision, error) {
	name := ""
	if v, ok := session.Metadata["displayName"].(string); ok {
		name = v
	}
	k.players[session.PlayerID] = &presenceEntry{Name: name, JoinedAt: time.Now()}
	k.markDirty("players")
	return types.AllowJoin(session.PlayerID), nil
}

func (k *presenceKeeper) Leave(_ context.Context, playerID types.PlayerID, _ types.ClientID) {
	if _, ok := k.players[playerID]; ok {
		delete(k.players, playerID)
		k.markDirty("players")
	}
}

func (k *presenceKeeper) HandleAction(_ context.Context, action *types.Action, _ types.PlayerID, _ types.ClientID, _ types.SessionID) (json.RawMessage, error) {
	switch action.TypeIdentifier {
	case "presence.list":
		roster := make([]string, 0, len(k.players))
		for id := range k.players {
			roster = append(roster, string(id))
		}
		return json.Marshal(map[string]any{"players": roster})
	default:
		return nil, types.ErrActionNotRegistered
	}
}

func (k *presenceKeeper) HandleClientEvent(_ context.Context, event *types.EventBody, playerID types.PlayerID, _ types.ClientID, sessionID types.SessionID) error {
	if event.Type != "chat" || k.sender == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]any{
		"from":    playerID,
		"message": json.RawMessage(event.Payload),
	})
	if err != nil {
		return err
	}
	k.sender.SendEvent(&types.EventBody{Type: "chat", Payload: payload}, types.BroadcastExcept(sessionID))
	return nil
}

func (k *presenceKeeper) CurrentState() types.KeeperState { return (*presenceState)(k) }

func (k *presenceKeeper) BeginSync() types.KeeperState {
	if k.syncing {
		return nil
	}
	k.syncing = true
	return (*presenceState)(k)
}

func (k *presenceKeeper) EndSync(clearDirtyFlags bool) {
	k.syncing = false
	if clearDirtyFlags {
		k.dirty = make(map[string]struct{})
	}
}

func (k *presenceKeeper) PlayerCount() int { return len(k.players) }

func (k *presenceKeeper) SetTransport(sender types.ServerEventSender) { k.sender = sender }

func (k *presenceKeeper) SetLandID(id string) { k.landID = id }

func (k *presenceKeeper) markDirty(field string) { k.dirty[field] = struct{}{} }

// presenceState exposes the keeper's single broadcast field to the sync
// engine.
type presenceState presenceKeeper

func (s *presenceState) IsDirty() bool { return len(s.dirty) > 0 }

func (s *presenceState) DirtyFields() map[string]struct{} {
	out := make(map[string]struct{}, len(s.dirty))
	for f := range s.dirty {
		out[f] = struct{}{}
	}
	return out
}

func (s *presenceState) SyncFields() []types.SyncField {
	return []types.SyncField{{Name: "players", Policy: types.PolicyBroadcast}}
}

func (s *presenceState) ExtractField(name string) any {
	if name != "players" {
		return nil
	}
	out := make(map[string]any, len(s.players))
	for id, entry := range s.players {
		out[string(id)] = map[string]any{
			"name":     entry.Name,
			"joinedAt": entry.JoinedAt.UTC().Format(time.RFC3339),
		}
	}
	return out
}

func (s *presenceState) ExtractFieldForPlayer(name string, _ types.PlayerID) any {
	return s.ExtractField(name)
}
