package land

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/landsync/internal/v1/types"
)

func TestMembership_RegisterClientThenPlayer(t *testing.T) {
	m := NewMembershipCoordinator()

	m.RegisterClient("s1", "c1", &types.AuthInfo{Subject: "sub", PlayerID: "alice"})
	assert.True(t, m.IsConnected("s1"))
	assert.False(t, m.IsJoined("s1"))

	stamp := m.RegisterPlayer("s1", "alice", nil)
	assert.True(t, m.IsJoined("s1"))
	assert.Equal(t, types.PlayerID("alice"), stamp.Player)
	assert.Equal(t, uint64(1), stamp.Version)

	pid, ok := m.PlayerID("s1")
	require.True(t, ok)
	assert.Equal(t, types.PlayerID("alice"), pid)
}

func TestMembership_VersionAdvancesPerJoinEpisode(t *testing.T) {
	m := NewMembershipCoordinator()
	m.RegisterClient("s1", "c1", nil)

	first := m.RegisterPlayer("s1", "alice", nil)
	m.RemoveJoinedPlayer("s1")

	m.RegisterClient("s2", "c2", nil)
	second := m.RegisterPlayer("s2", "alice", nil)

	assert.Greater(t, second.Version, first.Version)
	assert.False(t, m.IsSessionCurrent("s1", first.Version))
	assert.True(t, m.IsSessionCurrent("s2", second.Version))
}

func TestMembership_RemoveJoinedPlayerVoidsStamps(t *testing.T) {
	m := NewMembershipCoordinator()
	m.RegisterClient("s1", "c1", nil)
	stamp := m.RegisterPlayer("s1", "alice", nil)

	assert.True(t, m.IsPlayerCurrent("alice", stamp.Version))
	m.RemoveJoinedPlayer("s1")
	assert.False(t, m.IsPlayerCurrent("alice", stamp.Version))
	assert.False(t, m.IsJoined("s1"))
	assert.True(t, m.IsConnected("s1"))
}

func TestMembership_InvalidateMembership(t *testing.T) {
	m := NewMembershipCoordinator()
	m.RegisterClient("s1", "c1", nil)
	stamp := m.RegisterPlayer("s1", "alice", nil)

	m.InvalidateMembership("alice")
	assert.False(t, m.IsPlayerCurrent("alice", stamp.Version))
}

func TestMembership_UnregisterSessionKeepsSlot(t *testing.T) {
	m := NewMembershipCoordinator()
	m.RegisterClient("s1", "c1", nil)
	m.RegisterPlayer("s1", "alice", nil)

	slot, err := m.AllocatePlayerSlot("alice", "alice")
	require.NoError(t, err)

	m.UnregisterSession("s1")
	got, ok := m.PlayerSlot("alice")
	require.True(t, ok)
	assert.Equal(t, slot, got)

	m.ReleasePlayerSlot("alice")
	_, ok = m.PlayerSlot("alice")
	assert.False(t, ok)
}

func TestMembership_JoinedSessionsSorted(t *testing.T) {
	m := NewMembershipCoordinator()
	for _, s := range []types.SessionID{"s3", "s1", "s2"} {
		m.RegisterClient(s, types.ClientID("c-"+string(s)), nil)
		m.RegisterPlayer(s, types.PlayerID("p-"+string(s)), nil)
	}

	joined := m.JoinedSessions()
	require.Len(t, joined, 3)
	assert.Equal(t, types.SessionID("s1"), joined[0].Session)
	assert.Equal(t, types.SessionID("s2"), joined[1].Session)
	assert.Equal(t, types.SessionID("s3"), joined[2].Session)
}

func TestMembership_Counts(t *testing.T) {
	m := NewMembershipCoordinator()
	m.RegisterClient("s1", "c1", nil)
	m.RegisterClient("s2", "c2", nil)
	m.RegisterPlayer("s1", "alice", nil)

	assert.Equal(t, 2, m.ConnectionCount())
	assert.Equal(t, 1, m.JoinedPlayerCount())
}

func TestMembership_SessionForPlayer(t *testing.T) {
	m := NewMembershipCoordinator()
	_, ok := m.SessionForPlayer("alice")
	assert.False(t, ok)

	m.RegisterClient("s1", "c1", nil)
	m.RegisterPlayer("s1", "alice", nil)

	sid, ok := m.SessionForPlayer("alice")
	require.True(t, ok)
	assert.Equal(t, types.SessionID("s1"), sid)
}
