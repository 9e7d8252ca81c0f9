package types

// Snapshot is an ordered-field, typed value tree used as the input currency
// to the diff algorithm. Values are the JSON scalar/array/object set:
// nil | bool | int64 | float64 | string | []any | map[string]any.
type Snapshot map[string]any

// PatchOp is the operation of a single state patch.
type PatchOp int

const (
	OpSet    PatchOp = 1
	OpRemove PatchOp = 2
	OpAdd    PatchOp = 3
)

// String returns the JSON-object wire name of the op.
func (op PatchOp) String() string {
	switch op {
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	case OpAdd:
		return "add"
	}
	return "unknown"
}

// PatchOpFromName is the inverse of PatchOp.String.
func PatchOpFromName(name string) (PatchOp, bool) {
	switch name {
	case "set":
		return OpSet, true
	case "remove":
		return OpRemove, true
	case "add":
		return OpAdd, true
	}
	return 0, false
}

// StatePatch mutates one JSON-pointer path of a snapshot.
type StatePatch struct {
	Path  string  `json:"path"`
	Op    PatchOp `json:"op"`
	Value any     `json:"value,omitempty"`
}

// UpdateKind discriminates the three state-update variants. The values double
// as the state-update opcodes 0..2.
type UpdateKind int

const (
	UpdateNoChange  UpdateKind = 0
	UpdateFirstSync UpdateKind = 1
	UpdateDiff      UpdateKind = 2
)

// StateUpdate is one per-session sync payload.
type StateUpdate struct {
	Kind    UpdateKind
	Patches []StatePatch
}

// NoChange is the empty update.
func NoChange() StateUpdate { return StateUpdate{Kind: UpdateNoChange} }

// FirstSync wraps the complete initial state as patches against an empty
// snapshot.
func FirstSync(patches []StatePatch) StateUpdate {
	return StateUpdate{Kind: UpdateFirstSync, Patches: patches}
}

// Diff wraps an incremental update.
func Diff(patches []StatePatch) StateUpdate {
	return StateUpdate{Kind: UpdateDiff, Patches: patches}
}

// SyncPolicy classifies a top-level state field's visibility.
type SyncPolicy int

const (
	PolicyBroadcast SyncPolicy = iota
	PolicyPerPlayer
	PolicyServerOnly
)

// SyncField pairs a top-level state field with its sync policy.
type SyncField struct {
	Name   string
	Policy SyncPolicy
}

// SnapshotMode restricts snapshot extraction to a field subset. The zero
// value is invalid; use AllFields or DirtyFields.
type SnapshotMode struct {
	All    bool
	Fields map[string]struct{}
}

// AllFields extracts every sync field.
func AllFields() SnapshotMode { return SnapshotMode{All: true} }

// DirtyFields extracts only the named top-level fields.
func DirtyFields(names map[string]struct{}) SnapshotMode {
	return SnapshotMode{Fields: names}
}

// Includes reports whether a field participates in extraction under this mode.
func (m SnapshotMode) Includes(name string) bool {
	if m.All {
		return true
	}
	_, ok := m.Fields[name]
	return ok
}

// IsEmpty reports whether the mode selects nothing at all.
func (m SnapshotMode) IsEmpty() bool {
	return !m.All && len(m.Fields) == 0
}
