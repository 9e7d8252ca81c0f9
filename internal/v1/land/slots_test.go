package land

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/landsync/internal/v1/types"
)

func TestSlotTable_Deterministic(t *testing.T) {
	a := newSlotTable()
	b := newSlotTable()

	slotA, err := a.allocate("account-42", "player-42")
	require.NoError(t, err)
	slotB, err := b.allocate("account-42", "player-42")
	require.NoError(t, err)

	assert.Equal(t, slotA, slotB)
	assert.GreaterOrEqual(t, slotA, int32(0))
	assert.Less(t, slotA, int32(slotTableSize))
}

func TestSlotTable_ExistingSlotReturned(t *testing.T) {
	table := newSlotTable()

	first, err := table.allocate("acct", "p1")
	require.NoError(t, err)
	second, err := table.allocate("acct", "p1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSlotTable_CollisionProbesForward(t *testing.T) {
	table := newSlotTable()

	// Same account key hashes to the same start; distinct players must land
	// on distinct slots.
	s1, err := table.allocate("shared", "p1")
	require.NoError(t, err)
	s2, err := table.allocate("shared", "p2")
	require.NoError(t, err)

	assert.NotEqual(t, s1, s2)
}

func TestSlotTable_FullRefuses(t *testing.T) {
	table := newSlotTable()

	for i := 0; i < slotTableSize; i++ {
		_, err := table.allocate(fmt.Sprintf("acct-%d", i), playerN(i))
		require.NoError(t, err)
	}

	_, err := table.allocate("one-too-many", "p-overflow")
	assert.ErrorIs(t, err, ErrSlotTableFull)
}

func TestSlotTable_ReleaseMakesRoom(t *testing.T) {
	table := newSlotTable()

	for i := 0; i < slotTableSize; i++ {
		_, err := table.allocate(fmt.Sprintf("acct-%d", i), playerN(i))
		require.NoError(t, err)
	}

	table.release(playerN(0))
	_, err := table.allocate("latecomer", "p-late")
	assert.NoError(t, err)
}

func TestSlotTable_ReleaseUnknownIsNoop(t *testing.T) {
	table := newSlotTable()
	table.release("ghost")

	_, ok := table.slotOf("ghost")
	assert.False(t, ok)
}

func playerN(i int) types.PlayerID {
	return types.PlayerID(fmt.Sprintf("p-%d", i))
}
