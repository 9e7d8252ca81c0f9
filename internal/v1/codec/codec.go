// Package codec implements the wire encodings of the gateway: message frames
// in JSON-object, opcode-JSON-array, or opcode-MessagePack form, and state
// updates in the same family with optional path-hash and dynamic-key
// compression. Encoder instances are created per land; dictionaries are
// scoped per (land, player-or-broadcast).
package codec

import (
	"fmt"

	"github.com/driftline/landsync/internal/v1/types"
)

// MessageEncoding selects the framing of the request/response/event protocol.
type MessageEncoding string

const (
	MessageEncodingJSON    MessageEncoding = "json"
	MessageEncodingOpcode  MessageEncoding = "opcode-json"
	MessageEncodingMsgpack MessageEncoding = "opcode-msgpack"
)

// StateUpdateEncoding selects the framing of state-update frames.
type StateUpdateEncoding string

const (
	StateEncodingJSON         StateUpdateEncoding = "json"
	StateEncodingOpcode       StateUpdateEncoding = "opcode-json"
	StateEncodingOpcodeLegacy StateUpdateEncoding = "opcode-json-legacy"
	StateEncodingMsgpack      StateUpdateEncoding = "opcode-msgpack"
)

// Config is the per-land codec configuration.
type Config struct {
	Messages     MessageEncoding
	StateUpdates StateUpdateEncoding

	// PathHashes maps path patterns ("players.*.position.x") to stable u32
	// identifiers. Path-hash compression is enabled when non-empty.
	PathHashes map[string]uint32
}

// MergedEventsEnabled reports whether the combined 107 frame may be used:
// both sides must be MessagePack so event bodies can be re-unpacked.
func (c Config) MergedEventsEnabled() bool {
	return c.Messages == MessageEncodingMsgpack && c.StateUpdates == StateEncodingMsgpack
}

// MessageCodec frames Action/ActionResponse/Event/Join/JoinResponse/Error
// messages. Implementations are stateless and safe for concurrent use.
type MessageCodec interface {
	Encoding() MessageEncoding
	Encode(msg *types.Message) ([]byte, error)
	Decode(frame []byte) (*types.Message, error)
}

// UpdateScope identifies the dictionary scope of a state-update encoding:
// the shared broadcast view or one player's view.
type UpdateScope struct {
	PerPlayer bool
	Player    types.PlayerID
}

// BroadcastScope is the shared broadcast dictionary scope.
func BroadcastScope() UpdateScope { return UpdateScope{} }

// PlayerScope is the per-player dictionary scope.
func PlayerScope(p types.PlayerID) UpdateScope {
	return UpdateScope{PerPlayer: true, Player: p}
}

// StateUpdateEncoder frames state updates. A firstSync update resets the
// scope's dynamic-key dictionary so a late joiner never sees an untaught
// slot. ThreadSafe reports whether the encoder may be shared across the
// parallel encoding workers; only encoders returning true are eligible.
type StateUpdateEncoder interface {
	Encoding() StateUpdateEncoding
	ThreadSafe() bool
	Encode(update types.StateUpdate, scope UpdateScope) ([]byte, error)

	// ResetScope drops the dynamic-key dictionary for a scope, used when a
	// player disconnects.
	ResetScope(scope UpdateScope)
}

// StateUpdateDecoder is the counterpart used by clients and tests. It keeps
// the slot dictionaries taught by definition entries.
type StateUpdateDecoder interface {
	Decode(frame []byte, scope UpdateScope) (types.StateUpdate, error)
}

// NewMessageCodec builds the message codec for an encoding.
func NewMessageCodec(enc MessageEncoding) (MessageCodec, error) {
	switch enc {
	case MessageEncodingJSON:
		return &jsonMessageCodec{}, nil
	case MessageEncodingOpcode:
		return &opcodeMessageCodec{}, nil
	case MessageEncodingMsgpack:
		return &msgpackMessageCodec{}, nil
	}
	return nil, fmt.Errorf("unknown message encoding %q", enc)
}

// NewStateUpdateEncoder builds the state-update encoder for a config.
func NewStateUpdateEncoder(cfg Config) (StateUpdateEncoder, error) {
	switch cfg.StateUpdates {
	case StateEncodingJSON:
		return &jsonStateEncoder{}, nil
	case StateEncodingOpcodeLegacy:
		return &opcodeStateEncoder{scopes: newScopeDicts()}, nil
	case StateEncodingOpcode:
		return &opcodeStateEncoder{hashes: newPathHashTable(cfg.PathHashes), scopes: newScopeDicts()}, nil
	case StateEncodingMsgpack:
		return &msgpackStateEncoder{hashes: newPathHashTable(cfg.PathHashes), scopes: newScopeDicts()}, nil
	}
	return nil, fmt.Errorf("unknown state-update encoding %q", cfg.StateUpdates)
}

// NewStateUpdateDecoder builds the matching decoder for a config.
func NewStateUpdateDecoder(cfg Config) (StateUpdateDecoder, error) {
	switch cfg.StateUpdates {
	case StateEncodingJSON:
		return &jsonStateDecoder{}, nil
	case StateEncodingOpcodeLegacy:
		return newArrayStateDecoder(nil, false), nil
	case StateEncodingOpcode:
		return newArrayStateDecoder(cfg.PathHashes, false), nil
	case StateEncodingMsgpack:
		return newArrayStateDecoder(cfg.PathHashes, true), nil
	}
	return nil, fmt.Errorf("unknown state-update encoding %q", cfg.StateUpdates)
}
