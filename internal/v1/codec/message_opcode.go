package codec

import (
	"encoding/json"
	"fmt"

	"github.com/driftline/landsync/internal/v1/types"
)

// opcodeMessageCodec frames messages as the JSON array [opcode, payload].
type opcodeMessageCodec struct{}

func (c *opcodeMessageCodec) Encoding() MessageEncoding { return MessageEncodingOpcode }

func (c *opcodeMessageCodec) Encode(msg *types.Message) ([]byte, error) {
	op, payload, err := opcodePayload(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]any{op, payload})
}

func (c *opcodeMessageCodec) Decode(frame []byte) (*types.Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return nil, types.NewGatewayError(types.ErrCodeInvalidJSON, "malformed JSON frame")
	}
	if len(parts) < 2 {
		return nil, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "frame must be [opcode, payload]")
	}

	var op int
	if err := json.Unmarshal(parts[0], &op); err != nil {
		return nil, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "opcode must be an integer")
	}

	return decodeOpcodePayload(op, func(v any) error {
		return json.Unmarshal(parts[1], v)
	})
}

// opcodePayload returns the opcode and payload struct for a message.
func opcodePayload(msg *types.Message) (int, any, error) {
	if err := validateMessage(msg); err != nil {
		return 0, nil, err
	}
	op, _ := types.OpcodeForKind(msg.Kind)
	switch msg.Kind {
	case types.KindAction:
		return op, msg.Action, nil
	case types.KindActionResponse:
		return op, msg.ActionResponse, nil
	case types.KindEvent:
		return op, msg.Event, nil
	case types.KindJoin:
		return op, msg.Join, nil
	case types.KindJoinResponse:
		return op, msg.JoinResponse, nil
	default:
		return op, msg.Error, nil
	}
}

// decodeOpcodePayload rebuilds a message given an opcode and a payload
// unmarshal function, shared by the JSON and MessagePack array codecs.
func decodeOpcodePayload(op int, unmarshal func(any) error) (*types.Message, error) {
	kind, ok := types.KindForOpcode(op)
	if !ok {
		return nil, types.NewGatewayError(types.ErrCodeInvalidMessageFormat,
			fmt.Sprintf("unknown opcode %d", op))
	}

	msg := &types.Message{Kind: kind}
	var target any
	switch kind {
	case types.KindAction:
		msg.Action = &types.Action{}
		target = msg.Action
	case types.KindActionResponse:
		msg.ActionResponse = &types.ActionResponse{}
		target = msg.ActionResponse
	case types.KindEvent:
		msg.Event = &types.Event{}
		target = msg.Event
	case types.KindJoin:
		msg.Join = &types.Join{}
		target = msg.Join
	case types.KindJoinResponse:
		msg.JoinResponse = &types.JoinResponse{}
		target = msg.JoinResponse
	case types.KindError:
		msg.Error = &types.ErrorMessage{}
		target = msg.Error
	}

	if err := unmarshal(target); err != nil {
		return nil, types.NewGatewayError(types.ErrCodeInvalidMessageFormat, "malformed payload")
	}
	return msg, nil
}
