package types

// ErrorCode is the wire-level error code enumeration.
type ErrorCode string

const (
	ErrCodeJoinSessionNotConnected ErrorCode = "JOIN_SESSION_NOT_CONNECTED"
	ErrCodeJoinAlreadyJoined       ErrorCode = "JOIN_ALREADY_JOINED"
	ErrCodeJoinLandIDMismatch      ErrorCode = "JOIN_LAND_ID_MISMATCH"
	ErrCodeJoinRoomNotFound        ErrorCode = "JOIN_ROOM_NOT_FOUND"
	ErrCodeJoinRoomFull            ErrorCode = "JOIN_ROOM_FULL"
	ErrCodeJoinDenied              ErrorCode = "JOIN_DENIED"
	ErrCodeJoinSchemaHashMismatch  ErrorCode = "JOIN_SCHEMA_HASH_MISMATCH"
	ErrCodeActionNotRegistered     ErrorCode = "ACTION_NOT_REGISTERED"
	ErrCodeActionHandlerError      ErrorCode = "ACTION_HANDLER_ERROR"
	ErrCodeEventHandlerError       ErrorCode = "EVENT_HANDLER_ERROR"
	ErrCodeInvalidJSON             ErrorCode = "INVALID_JSON"
	ErrCodeInvalidMessageFormat    ErrorCode = "INVALID_MESSAGE_FORMAT"
)

// GatewayError is a protocol or business failure that maps onto a wire
// error frame.
type GatewayError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// NewGatewayError builds a GatewayError without details.
func NewGatewayError(code ErrorCode, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// WithDetails attaches structured detail to the error and returns it.
func (e *GatewayError) WithDetails(details map[string]any) *GatewayError {
	e.Details = details
	return e
}

// AsErrorMessage converts the error to its wire form.
func (e *GatewayError) AsErrorMessage() *ErrorMessage {
	return &ErrorMessage{Code: e.Code, Message: e.Message, Details: e.Details}
}
