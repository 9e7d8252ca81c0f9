package codec

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/driftline/landsync/internal/v1/types"
)

// msgpackMessageCodec frames messages as the MessagePack array
// [opcode, payload].
type msgpackMessageCodec struct{}

func (c *msgpackMessageCodec) Encoding() MessageEncoding { return MessageEncodingMsgpack }

func (c *msgpackMessageCodec) Encode(msg *types.Message) ([]byte, error) {
	op, payload, err := opcodePayload(msg)
	if err != nil {
		return nil, err
	}
	body, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal([]any{op, msgpack.RawMessage(body)})
}

func (c *msgpackMessageCodec) Decode(frame []byte) (*types.Message, error) {
	var parts []msgpack.RawMessage
	if err := msgpack.Unmarshal(frame, &parts); err != nil {
		// Joins arrive JSON-encoded even under this codec; the caller is
		// expected to try DecodeJoinFrame first.
		return nil, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "malformed MessagePack frame")
	}
	if len(parts) < 2 {
		return nil, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "frame must be [opcode, payload]")
	}

	var op int
	if err := msgpack.Unmarshal(parts[0], &op); err != nil {
		return nil, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "opcode must be an integer")
	}

	return decodeOpcodePayload(op, func(v any) error {
		return msgpack.Unmarshal(parts[1], v)
	})
}

// EncodeEventBodyMsgpack pre-encodes a server event body for queueing into a
// merged 107 frame. Returns false if the body does not encode cleanly, in
// which case the caller must fall back to a standalone event frame.
func EncodeEventBodyMsgpack(body *types.EventBody) ([]byte, bool) {
	data, err := msgpack.Marshal(body)
	if err != nil {
		return nil, false
	}
	return data, true
}

// BuildMergedFrame assembles the combined frame
// [107, stateUpdateBody, eventsArray] from an already-encoded MessagePack
// state update and pre-encoded MessagePack event bodies.
func BuildMergedFrame(stateFrame []byte, events [][]byte) ([]byte, error) {
	rawEvents := make([]msgpack.RawMessage, len(events))
	for i, ev := range events {
		rawEvents[i] = msgpack.RawMessage(ev)
	}
	return msgpack.Marshal([]any{types.OpcodeMergedSync, msgpack.RawMessage(stateFrame), rawEvents})
}

// DecodeMergedFrame splits a 107 frame back into its state update frame and
// event bodies.
func DecodeMergedFrame(frame []byte) (stateFrame []byte, events [][]byte, err error) {
	var parts []msgpack.RawMessage
	if err := msgpack.Unmarshal(frame, &parts); err != nil {
		return nil, nil, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "malformed MessagePack frame")
	}
	if len(parts) != 3 {
		return nil, nil, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "merged frame must have 3 elements")
	}

	var op int
	if err := msgpack.Unmarshal(parts[0], &op); err != nil || op != types.OpcodeMergedSync {
		return nil, nil, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "not a merged sync frame")
	}

	var rawEvents []msgpack.RawMessage
	if err := msgpack.Unmarshal(parts[2], &rawEvents); err != nil {
		return nil, nil, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "malformed events array")
	}

	events = make([][]byte, len(rawEvents))
	for i, ev := range rawEvents {
		events[i] = []byte(ev)
	}
	return []byte(parts[1]), events, nil
}
