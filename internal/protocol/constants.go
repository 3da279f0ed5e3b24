package protocol

// Frame: [2B payload_length big-endian][payload]
const LengthPrefixSize = 2

// MaxLength is the largest payload a frame may declare.
const MaxLength = 256

// MessageType identifies a message. It is always the first payload byte.
type MessageType byte

const (
	MsgAuthenticationRequest  MessageType = 0
	MsgAuthenticationResponse MessageType = 1
	MsgPing                   MessageType = 2
	MsgCommandRequest         MessageType = 3
	MsgTerminateRequest       MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MsgAuthenticationRequest:
		return "AuthenticationRequest"
	case MsgAuthenticationResponse:
		return "AuthenticationResponse"
	case MsgPing:
		return "Ping"
	case MsgCommandRequest:
		return "CommandRequest"
	case MsgTerminateRequest:
		return "TerminateRequest"
	default:
		return "unknown"
	}
}

// CommandType identifies a command inside a CommandRequest. It occupies the
// byte immediately after the message tag.
type CommandType byte

const (
	CmdMouseMove    CommandType = 0
	CmdMousePress   CommandType = 1
	CmdMouseRelease CommandType = 2
	CmdMouseWheel   CommandType = 3
	CmdKeyPress     CommandType = 4
	CmdKeyRelease   CommandType = 5
	CmdTextInput    CommandType = 6
)

func (t CommandType) String() string {
	switch t {
	case CmdMouseMove:
		return "MouseMove"
	case CmdMousePress:
		return "MousePress"
	case CmdMouseRelease:
		return "MouseRelease"
	case CmdMouseWheel:
		return "MouseWheel"
	case CmdKeyPress:
		return "KeyPress"
	case CmdKeyRelease:
		return "KeyRelease"
	case CmdTextInput:
		return "TextInput"
	default:
		return "unknown"
	}
}

// Session key material carried in the handshake.
const (
	SessionKeySize = 8
	SessionIVSize  = 8
)

// Message sizes including the type byte.
const (
	// AuthenticationRequestMaxSize is bounded by the largest plaintext a
	// 2048-bit RSA PKCS#1 v1.5 block can carry.
	AuthenticationRequestMaxSize = 245
	// tag + key + iv + userLen + passwordLen
	AuthenticationRequestStaticSize = 1 + SessionKeySize + SessionIVSize + 2
	AuthenticationResponseSize      = 1
	PingSize                        = 2
	TerminateRequestSize            = 2
	CommandRequestStaticSize        = 1
)

// Command sizes including the command type byte.
const (
	MouseMoveSize       = 5
	MouseButtonSize     = 5
	MouseWheelSize      = 5
	KeySize             = 5
	TextInputStaticSize = 2
	MaxTextLength       = 0xFF

	// MaxTextChunk is the longest text whose CommandRequest still fits a
	// session-encrypted frame once padded to the cipher block size.
	MaxTextChunk = 252
)

// Mouse button bits for MousePress/MouseRelease.
const (
	ButtonLeft   int32 = 1 << 0
	ButtonMiddle int32 = 1 << 1
	ButtonRight  int32 = 1 << 2
)
