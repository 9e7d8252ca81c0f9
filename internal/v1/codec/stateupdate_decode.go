package codec

import (
	"encoding/json"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/driftline/landsync/internal/v1/types"
)

// asInt coerces the numeric types the JSON and MessagePack unmarshalers
// produce into an int64.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint:
		return int64(n), true
	}
	return 0, false
}

// arrayStateDecoder decodes the opcode-array state-update forms. It mirrors
// the encoder's dynamic-key dictionaries, learning slots from definition
// entries.
type arrayStateDecoder struct {
	hashes  *pathHashTable
	msgpack bool

	mu     sync.Mutex
	scopes map[UpdateScope]map[int64]string
}

func newArrayStateDecoder(hashes map[string]uint32, useMsgpack bool) *arrayStateDecoder {
	return &arrayStateDecoder{
		hashes:  newPathHashTable(hashes),
		msgpack: useMsgpack,
		scopes:  make(map[UpdateScope]map[int64]string),
	}
}

func (d *arrayStateDecoder) Decode(frame []byte, scope UpdateScope) (types.StateUpdate, error) {
	var parts []any
	var err error
	if d.msgpack {
		err = msgpack.Unmarshal(frame, &parts)
	} else {
		err = json.Unmarshal(frame, &parts)
	}
	if err != nil || len(parts) < 2 {
		return types.StateUpdate{}, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "malformed state-update frame")
	}

	op, ok := asInt(parts[0])
	if !ok || op < 0 || op > 2 {
		return types.StateUpdate{}, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "bad state-update opcode")
	}
	update := types.StateUpdate{Kind: types.UpdateKind(op)}

	// firstSync restarts the scope dictionary, mirroring the encoder
	if update.Kind == types.UpdateFirstSync {
		d.resetScope(scope)
	}

	rawPatches, ok := parts[1].([]any)
	if !ok {
		return types.StateUpdate{}, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "patches must be an array")
	}

	for _, raw := range rawPatches {
		arr, ok := raw.([]any)
		if !ok {
			return types.StateUpdate{}, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "patch must be an array")
		}
		patch, err := d.decodePatch(arr, scope)
		if err != nil {
			return types.StateUpdate{}, err
		}
		update.Patches = append(update.Patches, patch)
	}
	return update, nil
}

func (d *arrayStateDecoder) decodePatch(arr []any, scope UpdateScope) (types.StatePatch, error) {
	badPatch := types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "malformed patch array")

	if d.hashes == nil {
		// legacy: [path, op, value?]
		if len(arr) < 2 {
			return types.StatePatch{}, badPatch
		}
		path, ok := arr[0].(string)
		if !ok {
			return types.StatePatch{}, badPatch
		}
		op, ok := asInt(arr[1])
		if !ok {
			return types.StatePatch{}, badPatch
		}
		patch := types.StatePatch{Path: path, Op: types.PatchOp(op)}
		if len(arr) > 2 {
			patch.Value = arr[2]
		}
		return patch, nil
	}

	// pathHash: [hash-or-path, dynamicKeys, op, value?]
	if len(arr) < 3 {
		return types.StatePatch{}, badPatch
	}
	op, ok := asInt(arr[2])
	if !ok {
		return types.StatePatch{}, badPatch
	}

	var path string
	if s, isString := arr[0].(string); isString {
		// fallback for unregistered patterns
		path = s
	} else {
		hash, ok := asInt(arr[0])
		if !ok {
			return types.StatePatch{}, badPatch
		}
		keys, err := d.decodeDynamicKeys(arr[1], scope)
		if err != nil {
			return types.StatePatch{}, err
		}
		path, ok = d.hashes.rebuild(uint32(hash), keys)
		if !ok {
			return types.StatePatch{}, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "unknown path hash")
		}
	}

	patch := types.StatePatch{Path: path, Op: types.PatchOp(op)}
	if len(arr) > 3 {
		patch.Value = arr[3]
	}
	return patch, nil
}

// decodeDynamicKeys resolves nil | entry | [entry...] into ordered keys,
// where entry is either a [slot, key] definition or a bare slot reference.
func (d *arrayStateDecoder) decodeDynamicKeys(v any, scope UpdateScope) ([]string, error) {
	if v == nil {
		return nil, nil
	}

	// A single definition is itself an array; distinguish it from a list of
	// entries by its second element being a string.
	if arr, ok := v.([]any); ok {
		if len(arr) == 2 {
			if _, isKey := arr[1].(string); isKey {
				key, err := d.resolveEntry(arr, scope)
				if err != nil {
					return nil, err
				}
				return []string{key}, nil
			}
		}
		keys := make([]string, 0, len(arr))
		for _, entry := range arr {
			key, err := d.resolveEntry(entry, scope)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
		return keys, nil
	}

	key, err := d.resolveEntry(v, scope)
	if err != nil {
		return nil, err
	}
	return []string{key}, nil
}

func (d *arrayStateDecoder) resolveEntry(entry any, scope UpdateScope) (string, error) {
	badEntry := types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "malformed dynamic-key entry")

	if def, ok := entry.([]any); ok {
		if len(def) != 2 {
			return "", badEntry
		}
		slot, ok := asInt(def[0])
		if !ok {
			return "", badEntry
		}
		key, ok := def[1].(string)
		if !ok {
			return "", badEntry
		}
		d.learn(scope, slot, key)
		return key, nil
	}

	slot, ok := asInt(entry)
	if !ok {
		return "", badEntry
	}
	key, ok := d.lookup(scope, slot)
	if !ok {
		return "", types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "reference to untaught dynamic-key slot")
	}
	return key, nil
}

func (d *arrayStateDecoder) learn(scope UpdateScope, slot int64, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dict, ok := d.scopes[scope]
	if !ok {
		dict = make(map[int64]string)
		d.scopes[scope] = dict
	}
	dict[slot] = key
}

func (d *arrayStateDecoder) lookup(scope UpdateScope, slot int64) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.scopes[scope][slot]
	return key, ok
}

func (d *arrayStateDecoder) resetScope(scope UpdateScope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.scopes, scope)
}
