package types

import "encoding/json"

// MessageKind names the envelope kinds of the request/response/event protocol.
type MessageKind string

const (
	KindAction         MessageKind = "action"
	KindActionResponse MessageKind = "actionResponse"
	KindEvent          MessageKind = "event"
	KindJoin           MessageKind = "join"
	KindJoinResponse   MessageKind = "joinResponse"
	KindError          MessageKind = "error"
)

// Message-kind opcodes used by the opcode-array encodings.
const (
	OpcodeAction         = 101
	OpcodeActionResponse = 102
	OpcodeEvent          = 103
	OpcodeJoin           = 104
	OpcodeJoinResponse   = 105
	OpcodeError          = 106

	// OpcodeMergedSync is the combined state-update + events frame, produced
	// only under pure-MessagePack configurations.
	OpcodeMergedSync = 107
)

// KindForOpcode maps an opcode back to its message kind.
func KindForOpcode(op int) (MessageKind, bool) {
	switch op {
	case OpcodeAction:
		return KindAction, true
	case OpcodeActionResponse:
		return KindActionResponse, true
	case OpcodeEvent:
		return KindEvent, true
	case OpcodeJoin:
		return KindJoin, true
	case OpcodeJoinResponse:
		return KindJoinResponse, true
	case OpcodeError:
		return KindError, true
	}
	return "", false
}

// OpcodeForKind maps a message kind to its opcode.
func OpcodeForKind(kind MessageKind) (int, bool) {
	switch kind {
	case KindAction:
		return OpcodeAction, true
	case KindActionResponse:
		return OpcodeActionResponse, true
	case KindEvent:
		return OpcodeEvent, true
	case KindJoin:
		return OpcodeJoin, true
	case KindJoinResponse:
		return OpcodeJoinResponse, true
	case KindError:
		return OpcodeError, true
	}
	return 0, false
}

// Action is a client request addressed to a registered action handler.
// Payload is base64(JSON) on the wire; encoding/json handles that for []byte.
type Action struct {
	RequestID      string `json:"requestID"`
	TypeIdentifier string `json:"typeIdentifier"`
	Payload        []byte `json:"payload,omitempty"`
}

// ActionResponse answers an Action by requestID.
type ActionResponse struct {
	RequestID string          `json:"requestID"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// EventBody is the payload of a client- or server-originated event.
type EventBody struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	RawBody []byte          `json:"rawBody,omitempty"`
}

// Event wraps an EventBody with its direction.
type Event struct {
	FromClient *EventBody `json:"fromClient,omitempty"`
	FromServer *EventBody `json:"fromServer,omitempty"`
}

// Join is the handshake request binding a session to a land. It is always
// JSON-decodable regardless of the negotiated codec.
type Join struct {
	RequestID      string         `json:"requestID"`
	LandType       string         `json:"landType"`
	LandInstanceID string         `json:"landInstanceId,omitempty"`
	PlayerID       string         `json:"playerID,omitempty"`
	DeviceID       string         `json:"deviceID,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SchemaHash     string         `json:"schemaHash,omitempty"`
}

// JoinResponse acknowledges a successful join. Encoding tells the client how
// to parse subsequent frames.
type JoinResponse struct {
	RequestID      string      `json:"requestID"`
	Success        bool        `json:"success"`
	LandType       string      `json:"landType,omitempty"`
	LandInstanceID string      `json:"landInstanceId,omitempty"`
	PlayerSlot     *PlayerSlot `json:"playerSlot,omitempty"`
	Encoding       string      `json:"encoding,omitempty"`
	Reason         string      `json:"reason,omitempty"`
}

// ErrorMessage reports a protocol or business failure to the client.
type ErrorMessage struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Message is the decoded envelope: exactly one payload field is set,
// matching Kind.
type Message struct {
	Kind           MessageKind
	Action         *Action
	ActionResponse *ActionResponse
	Event          *Event
	Join           *Join
	JoinResponse   *JoinResponse
	Error          *ErrorMessage
}
