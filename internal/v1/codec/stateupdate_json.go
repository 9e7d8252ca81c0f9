package codec

import (
	"encoding/json"
	"fmt"

	"github.com/driftline/landsync/internal/v1/types"
)

// updateKindName maps update kinds to their JSON-object names.
func updateKindName(kind types.UpdateKind) string {
	switch kind {
	case types.UpdateNoChange:
		return "noChange"
	case types.UpdateFirstSync:
		return "firstSync"
	default:
		return "diff"
	}
}

func updateKindFromName(name string) (types.UpdateKind, bool) {
	switch name {
	case "noChange":
		return types.UpdateNoChange, true
	case "firstSync":
		return types.UpdateFirstSync, true
	case "diff":
		return types.UpdateDiff, true
	}
	return 0, false
}

type jsonStatePatch struct {
	Path  string `json:"path"`
	Op    string `json:"op"`
	Value any    `json:"value,omitempty"`
}

type jsonStateUpdate struct {
	Kind    string           `json:"kind"`
	Patches []jsonStatePatch `json:"patches,omitempty"`
}

// jsonStateEncoder is the JSON-object state-update form. Stateless, so it is
// safe to share across parallel encoding workers.
type jsonStateEncoder struct{}

func (e *jsonStateEncoder) Encoding() StateUpdateEncoding { return StateEncodingJSON }
func (e *jsonStateEncoder) ThreadSafe() bool              { return true }
func (e *jsonStateEncoder) ResetScope(UpdateScope)        {}

func (e *jsonStateEncoder) Encode(update types.StateUpdate, _ UpdateScope) ([]byte, error) {
	out := jsonStateUpdate{Kind: updateKindName(update.Kind)}
	for _, p := range update.Patches {
		out.Patches = append(out.Patches, jsonStatePatch{Path: p.Path, Op: p.Op.String(), Value: p.Value})
	}
	return json.Marshal(out)
}

type jsonStateDecoder struct{}

func (d *jsonStateDecoder) Decode(frame []byte, _ UpdateScope) (types.StateUpdate, error) {
	var in jsonStateUpdate
	if err := json.Unmarshal(frame, &in); err != nil {
		return types.StateUpdate{}, types.NewGatewayError(types.ErrCodeInvalidJSON, "malformed state update")
	}
	kind, ok := updateKindFromName(in.Kind)
	if !ok {
		return types.StateUpdate{}, types.NewGatewayError(types.ErrCodeInvalidMessageFormat,
			fmt.Sprintf("unknown update kind %q", in.Kind))
	}
	update := types.StateUpdate{Kind: kind}
	for _, p := range in.Patches {
		op, ok := types.PatchOpFromName(p.Op)
		if !ok {
			return types.StateUpdate{}, types.NewGatewayError(types.ErrCodeInvalidMessageFormat,
				fmt.Sprintf("unknown patch op %q", p.Op))
		}
		update.Patches = append(update.Patches, types.StatePatch{Path: p.Path, Op: op, Value: p.Value})
	}
	return update, nil
}
