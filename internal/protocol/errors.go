package protocol

import "fmt"

// classError is a sentinel that also matches its parent class with errors.Is.
type classError struct {
	msg    string
	parent error
}

func (e *classError) Error() string { return e.msg }
func (e *classError) Unwrap() error { return e.parent }

func newError(msg string, parent error) error {
	return &classError{msg: msg, parent: parent}
}

// Error classes. Every error below matches exactly one of ErrPacket or
// ErrProtocol; authentication errors also match ErrAuthentication.
var (
	ErrPacket         = newError("packet error", nil)
	ErrProtocol       = newError("protocol error", nil)
	ErrAuthentication = newError("authentication error", ErrProtocol)
)

// Framing and codec errors.
var (
	ErrNullData         = newError("data is nil", ErrPacket)
	ErrMessageTooLong   = newError("message too long", ErrPacket)
	ErrUnknownMessage   = newError("unknown message", ErrPacket)
	ErrUnknownCommand   = newError("unknown command", ErrPacket)
	ErrUnexpectedLength = newError("unexpected length", ErrPacket)
	ErrEncryptFailed    = newError("failed to encrypt packet", ErrPacket)
	ErrDecryptFailed    = newError("failed to decrypt packet", ErrPacket)
)

// State machine errors.
var (
	ErrUnexpectedMessageType = newError("unexpected message type", ErrProtocol)
	ErrPingAlreadyRequested  = newError("ping already requested", ErrProtocol)
	ErrPingNotRequested      = newError("ping not requested", ErrProtocol)
	ErrMissingHandler        = newError("handler cannot be nil", ErrProtocol)
)

// Authentication errors.
var (
	ErrExpectingAuthentication = newError("expecting authentication", ErrAuthentication)
	ErrAlreadyAuthenticated    = newError("already authenticated", ErrAuthentication)
	ErrBadLogin                = newError("bad login", ErrAuthentication)
)

// UnexpectedMessageError reports a message that is not valid in the current
// authentication state. It matches ErrUnexpectedMessageType.
type UnexpectedMessageError struct {
	Type MessageType
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("unexpected message type: %d", byte(e.Type))
}

func (e *UnexpectedMessageError) Unwrap() error { return ErrUnexpectedMessageType }
