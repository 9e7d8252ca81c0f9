package land

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/landsync/internal/v1/types"
)

func TestSyncEngine_BroadcastDiffAndCommit(t *testing.T) {
	e := NewSyncEngine()

	patches := e.DiffBroadcast(types.Snapshot{"score": int64(1)})
	require.Len(t, patches, 1)
	assert.Equal(t, types.OpAdd, patches[0].Op)

	// Until the commit, the cache is untouched and the diff repeats.
	assert.Len(t, e.DiffBroadcast(types.Snapshot{"score": int64(1)}), 1)

	e.CommitBroadcast(types.Snapshot{"score": int64(1)})
	assert.Empty(t, e.DiffBroadcast(types.Snapshot{"score": int64(1)}))

	// Partial snapshot touches only its own field.
	patches = e.DiffBroadcast(types.Snapshot{"round": int64(2)})
	require.Len(t, patches, 1)
	assert.Equal(t, "/round", patches[0].Path)
	e.CommitBroadcast(types.Snapshot{"round": int64(2)})

	// Earlier field still cached.
	assert.Empty(t, e.DiffBroadcast(types.Snapshot{"score": int64(1)}))
}

func TestSyncEngine_PlayerDiffIsolatedPerPlayer(t *testing.T) {
	e := NewSyncEngine()

	p1 := e.DiffPlayer("alice", types.Snapshot{"hand": []any{"a"}})
	require.Len(t, p1, 1)
	e.CommitPlayer("alice", types.Snapshot{"hand": []any{"a"}})

	// Bob's cache is separate; the same snapshot is new for him.
	p2 := e.DiffPlayer("bob", types.Snapshot{"hand": []any{"a"}})
	require.Len(t, p2, 1)

	assert.Empty(t, e.DiffPlayer("alice", types.Snapshot{"hand": []any{"a"}}))
}

func TestSyncEngine_UncommittedPlayerDiffRepeats(t *testing.T) {
	e := NewSyncEngine()

	require.Len(t, e.DiffPlayer("alice", types.Snapshot{"hand": []any{"a"}}), 1)

	// No commit: the change is still owed to the player next cycle.
	require.Len(t, e.DiffPlayer("alice", types.Snapshot{"hand": []any{"a"}}), 1)

	e.CommitPlayer("alice", types.Snapshot{"hand": []any{"a"}})
	assert.Empty(t, e.DiffPlayer("alice", types.Snapshot{"hand": []any{"a"}}))
}

func TestSyncEngine_FirstSyncUpdate(t *testing.T) {
	e := NewSyncEngine()

	update := e.FirstSyncUpdate("alice",
		types.Snapshot{"board": map[string]any{"turn": int64(1)}},
		types.Snapshot{"hand": []any{"a", "b"}},
	)

	assert.Equal(t, types.UpdateFirstSync, update.Kind)
	require.Len(t, update.Patches, 2)
	assert.Equal(t, "/board", update.Patches[0].Path)
	assert.Equal(t, "/hand", update.Patches[1].Path)

	// The per-player cache is seeded: re-extracting the same hand diffs to
	// nothing.
	assert.Empty(t, e.DiffPlayer("alice", types.Snapshot{"hand": []any{"a", "b"}}))
}

func TestSyncEngine_FirstSyncSeedsBroadcastCacheForFirstJoiner(t *testing.T) {
	e := NewSyncEngine()

	e.FirstSyncUpdate("alice", types.Snapshot{"board": int64(1)}, nil)
	e.MarkFirstSyncDone("alice")
	assert.Empty(t, e.DiffBroadcast(types.Snapshot{"board": int64(1)}))

	// A later joiner must not disturb the shared cache.
	e.FirstSyncUpdate("bob", types.Snapshot{"board": int64(2)}, nil)
	patches := e.DiffBroadcast(types.Snapshot{"board": int64(2)})
	assert.Len(t, patches, 1)
}

func TestSyncEngine_FirstSyncFlags(t *testing.T) {
	e := NewSyncEngine()
	assert.False(t, e.FirstSyncDone("alice"))

	e.MarkFirstSyncDone("alice")
	assert.True(t, e.FirstSyncDone("alice"))

	e.ClearPlayer("alice")
	assert.False(t, e.FirstSyncDone("alice"))
}

func TestSyncEngine_InitialSyncGuard(t *testing.T) {
	e := NewSyncEngine()

	require.True(t, e.BeginInitialSync("alice"))
	assert.False(t, e.BeginInitialSync("alice"))

	e.EndInitialSync("alice")
	assert.True(t, e.BeginInitialSync("alice"))
}

func TestSyncEngine_ClearPlayerForcesFreshFirstSync(t *testing.T) {
	e := NewSyncEngine()
	e.FirstSyncUpdate("alice", types.Snapshot{}, types.Snapshot{"hand": []any{"a"}})
	e.MarkFirstSyncDone("alice")

	e.ClearPlayer("alice")

	patches := e.DiffPlayer("alice", types.Snapshot{"hand": []any{"a"}})
	assert.Len(t, patches, 1)
}
