package land

import "github.com/driftline/landsync/internal/v1/types"

// extractBroadcastSnapshot pulls the broadcast view of every selected
// broadcast field.
func extractBroadcastSnapshot(state types.KeeperState, mode types.SnapshotMode) types.Snapshot {
	snap := types.Snapshot{}
	for _, f := range state.SyncFields() {
		if f.Policy != types.PolicyBroadcast || !mode.Includes(f.Name) {
			continue
		}
		snap[f.Name] = state.ExtractField(f.Name)
	}
	return snap
}

// extractPerPlayerSnapshot pulls one player's view of every selected
// per-player field.
func extractPerPlayerSnapshot(state types.KeeperState, player types.PlayerID, mode types.SnapshotMode) types.Snapshot {
	snap := types.Snapshot{}
	for _, f := range state.SyncFields() {
		if f.Policy != types.PolicyPerPlayer || !mode.Includes(f.Name) {
			continue
		}
		snap[f.Name] = state.ExtractFieldForPlayer(f.Name, player)
	}
	return snap
}

// extractSyncSnapshot walks the field list once: broadcast fields are
// extracted immediately and per-player field names are collected so the
// caller can extract them per joined player. ServerOnly fields never leave
// the keeper.
func extractSyncSnapshot(state types.KeeperState, mode types.SnapshotMode) (types.Snapshot, []string) {
	broadcast := types.Snapshot{}
	var perPlayer []string
	for _, f := range state.SyncFields() {
		if !mode.Includes(f.Name) {
			continue
		}
		switch f.Policy {
		case types.PolicyBroadcast:
			broadcast[f.Name] = state.ExtractField(f.Name)
		case types.PolicyPerPlayer:
			perPlayer = append(perPlayer, f.Name)
		}
	}
	return broadcast, perPlayer
}

// extractNamedPerPlayer extracts the listed per-player fields for one player.
func extractNamedPerPlayer(state types.KeeperState, names []string, player types.PlayerID) types.Snapshot {
	snap := types.Snapshot{}
	for _, name := range names {
		snap[name] = state.ExtractFieldForPlayer(name, player)
	}
	return snap
}
