package land

import (
	"errors"
	"hash/fnv"

	"github.com/driftline/landsync/internal/v1/types"
)

// slotTableSize is the fixed capacity of the per-land player-slot table.
const slotTableSize = 1000

// ErrSlotTableFull is returned when every slot is occupied. Allocation must
// refuse rather than overwrite.
var ErrSlotTableFull = errors.New("player slot table is full")

// slotTable assigns deterministic small integers to players: a stable hash
// of the account key probed linearly mod 1000. A player keeps its slot for
// the land's lifetime until a permanent leave releases it.
type slotTable struct {
	playerToSlot map[types.PlayerID]types.PlayerSlot
	slotToPlayer map[types.PlayerSlot]types.PlayerID
}

func newSlotTable() *slotTable {
	return &slotTable{
		playerToSlot: make(map[types.PlayerID]types.PlayerSlot),
		slotToPlayer: make(map[types.PlayerSlot]types.PlayerID),
	}
}

// allocate returns the player's existing slot if any, else probes from
// fnv32a(accountKey) mod 1000 until an empty bucket is found.
func (t *slotTable) allocate(accountKey string, player types.PlayerID) (types.PlayerSlot, error) {
	if slot, ok := t.playerToSlot[player]; ok {
		return slot, nil
	}
	if len(t.slotToPlayer) >= slotTableSize {
		return 0, ErrSlotTableFull
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(accountKey))
	start := types.PlayerSlot(h.Sum32() % slotTableSize)

	for i := 0; i < slotTableSize; i++ {
		slot := (start + types.PlayerSlot(i)) % slotTableSize
		if _, occupied := t.slotToPlayer[slot]; !occupied {
			t.playerToSlot[player] = slot
			t.slotToPlayer[slot] = player
			return slot, nil
		}
	}
	return 0, ErrSlotTableFull
}

// release frees the player's slot for reuse. No-op for unknown players.
func (t *slotTable) release(player types.PlayerID) {
	slot, ok := t.playerToSlot[player]
	if !ok {
		return
	}
	delete(t.playerToSlot, player)
	delete(t.slotToPlayer, slot)
}

// slotOf looks up the player's current slot.
func (t *slotTable) slotOf(player types.PlayerID) (types.PlayerSlot, bool) {
	slot, ok := t.playerToSlot[player]
	return slot, ok
}
