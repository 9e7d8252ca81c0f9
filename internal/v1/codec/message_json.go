package codec

import (
	"encoding/json"
	"fmt"

	"github.com/driftline/landsync/internal/v1/types"
)

// jsonEnvelope is the JSON-object wire form: a kind discriminator plus
// exactly one payload field.
type jsonEnvelope struct {
	Kind           types.MessageKind     `json:"kind"`
	Action         *types.Action         `json:"action,omitempty"`
	ActionResponse *types.ActionResponse `json:"actionResponse,omitempty"`
	Event          *types.Event          `json:"event,omitempty"`
	Join           *types.Join           `json:"join,omitempty"`
	JoinResponse   *types.JoinResponse   `json:"joinResponse,omitempty"`
	Error          *types.ErrorMessage   `json:"error,omitempty"`
}

type jsonMessageCodec struct{}

func (c *jsonMessageCodec) Encoding() MessageEncoding { return MessageEncodingJSON }

func (c *jsonMessageCodec) Encode(msg *types.Message) ([]byte, error) {
	env := jsonEnvelope{
		Kind:           msg.Kind,
		Action:         msg.Action,
		ActionResponse: msg.ActionResponse,
		Event:          msg.Event,
		Join:           msg.Join,
		JoinResponse:   msg.JoinResponse,
		Error:          msg.Error,
	}
	return json.Marshal(env)
}

func (c *jsonMessageCodec) Decode(frame []byte) (*types.Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, types.NewGatewayError(types.ErrCodeInvalidJSON, "malformed JSON frame")
	}
	return messageFromEnvelope(&env)
}

func messageFromEnvelope(env *jsonEnvelope) (*types.Message, error) {
	msg := &types.Message{
		Kind:           env.Kind,
		Action:         env.Action,
		ActionResponse: env.ActionResponse,
		Event:          env.Event,
		Join:           env.Join,
		JoinResponse:   env.JoinResponse,
		Error:          env.Error,
	}
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// validateMessage checks that the payload matching Kind is present.
func validateMessage(msg *types.Message) error {
	var ok bool
	switch msg.Kind {
	case types.KindAction:
		ok = msg.Action != nil
	case types.KindActionResponse:
		ok = msg.ActionResponse != nil
	case types.KindEvent:
		ok = msg.Event != nil
	case types.KindJoin:
		ok = msg.Join != nil
	case types.KindJoinResponse:
		ok = msg.JoinResponse != nil
	case types.KindError:
		ok = msg.Error != nil
	default:
		return types.NewGatewayError(types.ErrCodeInvalidMessageFormat,
			fmt.Sprintf("unknown message kind %q", msg.Kind))
	}
	if !ok {
		return types.NewGatewayError(types.ErrCodeInvalidMessageFormat,
			fmt.Sprintf("missing payload for kind %q", msg.Kind))
	}
	return nil
}

// DecodeJoinFrame attempts to read a frame as a JSON join message regardless
// of the negotiated codec. The join handshake precedes codec negotiation, so
// joins are always JSON-decodable.
func DecodeJoinFrame(frame []byte) (*types.Join, bool) {
	var env jsonEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, false
	}
	if env.Kind != types.KindJoin || env.Join == nil {
		return nil, false
	}
	return env.Join, true
}
