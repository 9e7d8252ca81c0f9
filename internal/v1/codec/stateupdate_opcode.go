package codec

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/driftline/landsync/internal/v1/types"
)

// buildUpdateArray assembles the outer [updateOpcode, [patch...]] structure
// shared by the opcode-JSON and opcode-MessagePack forms.
//
// Patch shapes:
//
//	legacy:   [path, op] or [path, op, value]
//	pathHash: [hash-or-path, dynamicKeys, op] or [..., op, value]
//
// A firstSync resets the scope's dynamic-key dictionary first, forcing
// definition mode for every key.
func buildUpdateArray(update types.StateUpdate, scope UpdateScope, hashes *pathHashTable, scopes *scopeDicts) []any {
	var dict *dynamicKeyDict
	if hashes != nil {
		if update.Kind == types.UpdateFirstSync {
			scopes.reset(scope)
		}
		dict = scopes.get(scope)
	}

	patches := make([]any, 0, len(update.Patches))
	for _, p := range update.Patches {
		var arr []any
		if hashes == nil {
			arr = []any{p.Path, int(p.Op)}
		} else {
			var head any = p.Path
			var dynKeys any
			if hash, keys, ok := hashes.match(p.Path); ok {
				head = hash
				dynKeys = encodeDynamicKeys(dict, keys)
			}
			arr = []any{head, dynKeys, int(p.Op)}
		}
		if p.Op != types.OpRemove {
			arr = append(arr, p.Value)
		}
		patches = append(patches, arr)
	}

	return []any{int(update.Kind), patches}
}

// opcodeStateEncoder is the opcode-JSON-array form. With a nil hash table it
// produces the legacy [path, op, value?] patches; with one it produces
// path-hash patches with dynamic-key compression. Dictionary slot allocation
// is mutex-guarded, so the encoder is safe for parallel encoding.
type opcodeStateEncoder struct {
	hashes *pathHashTable
	scopes *scopeDicts
}

func (e *opcodeStateEncoder) Encoding() StateUpdateEncoding {
	if e.hashes == nil {
		return StateEncodingOpcodeLegacy
	}
	return StateEncodingOpcode
}

func (e *opcodeStateEncoder) ThreadSafe() bool { return true }

func (e *opcodeStateEncoder) Encode(update types.StateUpdate, scope UpdateScope) ([]byte, error) {
	return json.Marshal(buildUpdateArray(update, scope, e.hashes, e.scopes))
}

func (e *opcodeStateEncoder) ResetScope(scope UpdateScope) {
	if e.hashes != nil {
		e.scopes.reset(scope)
	}
}

// msgpackStateEncoder is the opcode-MessagePack form: the identical array
// structure serialized with MessagePack. Not declared thread-safe; it is
// excluded from parallel encoding.
type msgpackStateEncoder struct {
	hashes *pathHashTable
	scopes *scopeDicts
}

func (e *msgpackStateEncoder) Encoding() StateUpdateEncoding { return StateEncodingMsgpack }
func (e *msgpackStateEncoder) ThreadSafe() bool              { return false }

func (e *msgpackStateEncoder) Encode(update types.StateUpdate, scope UpdateScope) ([]byte, error) {
	return msgpack.Marshal(buildUpdateArray(update, scope, e.hashes, e.scopes))
}

func (e *msgpackStateEncoder) ResetScope(scope UpdateScope) {
	if e.hashes != nil {
		e.scopes.reset(scope)
	}
}
