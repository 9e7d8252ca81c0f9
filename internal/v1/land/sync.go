package land

import "github.com/driftline/landsync/internal/v1/types"

// SyncEngine owns the diff caches of one land: the shared broadcast snapshot
// of the last cycle and one per-player snapshot per joined player. It also
// tracks first-sync progress so a player never receives a diff before its
// initial snapshot. All methods run inside the land's serialized domain.
type SyncEngine struct {
	broadcastCache types.Snapshot
	perPlayerCache map[types.PlayerID]types.Snapshot
	firstSyncDone  map[types.PlayerID]bool
	initialSyncing map[types.PlayerID]bool
}

// NewSyncEngine builds an engine with empty caches.
func NewSyncEngine() *SyncEngine {
	return &SyncEngine{
		broadcastCache: types.Snapshot{},
		perPlayerCache: make(map[types.PlayerID]types.Snapshot),
		firstSyncDone:  make(map[types.PlayerID]bool),
		initialSyncing: make(map[types.PlayerID]bool),
	}
}

// DiffBroadcast diffs the current broadcast snapshot against the cache
// without touching it. Fields absent from curr are unchanged, not removed;
// dirty extraction hands in partial snapshots.
func (s *SyncEngine) DiffBroadcast(curr types.Snapshot) []types.StatePatch {
	return diffSnapshots(s.broadcastCache, curr)
}

// CommitBroadcast merges the snapshot into the cache once its patches have
// been handed to the transport. The cache holds the last fanned-out view;
// a cycle whose fan-out fails entirely must not commit.
func (s *SyncEngine) CommitBroadcast(curr types.Snapshot) {
	for k, v := range curr {
		s.broadcastCache[k] = v
	}
}

// DiffPlayer diffs one player's per-player snapshot against that player's
// cache without touching it.
func (s *SyncEngine) DiffPlayer(player types.PlayerID, curr types.Snapshot) []types.StatePatch {
	return diffSnapshots(s.perPlayerCache[player], curr)
}

// CommitPlayer merges one player's snapshot into that player's cache once
// the frame carrying its patches has been handed to the transport.
func (s *SyncEngine) CommitPlayer(player types.PlayerID, curr types.Snapshot) {
	cache, ok := s.perPlayerCache[player]
	if !ok {
		cache = types.Snapshot{}
		s.perPlayerCache[player] = cache
	}
	for k, v := range curr {
		cache[k] = v
	}
}

// FirstSyncUpdate builds the complete initial state for a late joiner as a
// firstSync update and seeds the player's per-player cache. The shared
// broadcast cache is left alone; it advances only in the sync cycle, so a
// fresh joiner may re-receive a few already-held sets on its first diff.
func (s *SyncEngine) FirstSyncUpdate(player types.PlayerID, broadcast, perPlayer types.Snapshot) types.StateUpdate {
	merged := types.Snapshot{}
	for k, v := range broadcast {
		merged[k] = v
	}
	for k, v := range perPlayer {
		merged[k] = v
	}

	// With no first-synced player yet, nobody depends on the old broadcast
	// cache; seeding it here spares the first cycle a full re-send.
	if len(s.firstSyncDone) == 0 {
		for k, v := range broadcast {
			s.broadcastCache[k] = v
		}
	}

	cache := types.Snapshot{}
	for k, v := range perPlayer {
		cache[k] = v
	}
	s.perPlayerCache[player] = cache

	return types.FirstSync(diffSnapshots(nil, merged))
}

// MarkFirstSyncDone records that the player's initial snapshot was delivered;
// the player is eligible for diffs from the next cycle on.
func (s *SyncEngine) MarkFirstSyncDone(player types.PlayerID) {
	s.firstSyncDone[player] = true
}

// FirstSyncDone reports whether the player has received its initial snapshot.
func (s *SyncEngine) FirstSyncDone(player types.PlayerID) bool {
	return s.firstSyncDone[player]
}

// BeginInitialSync marks the start of a join episode's first-sync sequence.
// Returns false when one is already in flight so the sequence runs at most
// once per episode.
func (s *SyncEngine) BeginInitialSync(player types.PlayerID) bool {
	if s.initialSyncing[player] {
		return false
	}
	s.initialSyncing[player] = true
	return true
}

// EndInitialSync closes the join episode's first-sync sequence.
func (s *SyncEngine) EndInitialSync(player types.PlayerID) {
	delete(s.initialSyncing, player)
}

// ClearPlayer drops everything cached for a departed player. The next join
// episode starts from a clean slate and gets a fresh firstSync.
func (s *SyncEngine) ClearPlayer(player types.PlayerID) {
	delete(s.perPlayerCache, player)
	delete(s.firstSyncDone, player)
	delete(s.initialSyncing, player)
}
