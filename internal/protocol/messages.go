package protocol

import (
	"fmt"
)

// Message is a decoded protocol payload.
type Message interface {
	Type() MessageType
}

// --- Message types ---

// AuthenticationRequest carries the session key material and credentials.
// It is the only message encrypted with the handshake cipher.
type AuthenticationRequest struct {
	Key      [SessionKeySize]byte
	IV       [SessionIVSize]byte
	User     string
	Password string
}

type AuthenticationResponse struct{}

type Ping struct {
	Request bool
}

type CommandRequest struct {
	Command Command
}

type TerminateRequest struct {
	Shutdown bool
}

func (*AuthenticationRequest) Type() MessageType  { return MsgAuthenticationRequest }
func (*AuthenticationResponse) Type() MessageType { return MsgAuthenticationResponse }
func (*Ping) Type() MessageType                   { return MsgPing }
func (*CommandRequest) Type() MessageType         { return MsgCommandRequest }
func (*TerminateRequest) Type() MessageType       { return MsgTerminateRequest }

// --- Encoding ---

// Pack encodes msg into a plaintext Packet.
func Pack(msg Message) (*Packet, error) {
	data, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	return NewPacket(data)
}

// Marshal encodes msg into its payload bytes, type tag first.
func Marshal(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *AuthenticationRequest:
		return marshalAuthenticationRequest(m)

	case *AuthenticationResponse:
		return []byte{byte(MsgAuthenticationResponse)}, nil

	case *Ping:
		return []byte{byte(MsgPing), boolByte(m.Request)}, nil

	case *CommandRequest:
		if m.Command == nil {
			return nil, fmt.Errorf("%w: command request without command", ErrNullData)
		}
		size, err := commandSize(m.Command)
		if err != nil {
			return nil, err
		}
		data := make([]byte, CommandRequestStaticSize+size)
		data[0] = byte(MsgCommandRequest)
		putCommand(data[CommandRequestStaticSize:], m.Command)
		return data, nil

	case *TerminateRequest:
		return []byte{byte(MsgTerminateRequest), boolByte(m.Shutdown)}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrUnknownMessage, msg)
	}
}

func marshalAuthenticationRequest(m *AuthenticationRequest) ([]byte, error) {
	user, password := []byte(m.User), []byte(m.Password)
	if len(user) > 0xFF || len(password) > 0xFF {
		return nil, fmt.Errorf("%w: credential longer than 255 bytes", ErrMessageTooLong)
	}
	size := AuthenticationRequestStaticSize + len(user) + len(password)
	if size > AuthenticationRequestMaxSize {
		return nil, fmt.Errorf("%w: authentication request is %d bytes, max %d",
			ErrMessageTooLong, size, AuthenticationRequestMaxSize)
	}

	data := make([]byte, 0, size)
	data = append(data, byte(MsgAuthenticationRequest))
	data = append(data, m.Key[:]...)
	data = append(data, m.IV[:]...)
	data = append(data, byte(len(user)), byte(len(password)))
	data = append(data, user...)
	data = append(data, password...)
	return data, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// --- Decoding ---

// Unmarshal decodes a plaintext payload by its leading type tag.
func Unmarshal(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnexpectedLength)
	}

	msgType := MessageType(data[0])
	exact := func(size int) error {
		if len(data) != size {
			return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrUnexpectedLength, msgType, size, len(data))
		}
		return nil
	}

	switch msgType {
	case MsgAuthenticationRequest:
		return unmarshalAuthenticationRequest(data)

	case MsgAuthenticationResponse:
		if err := exact(AuthenticationResponseSize); err != nil {
			return nil, err
		}
		return &AuthenticationResponse{}, nil

	case MsgPing:
		if err := exact(PingSize); err != nil {
			return nil, err
		}
		return &Ping{Request: data[1] == 1}, nil

	case MsgCommandRequest:
		if len(data) <= CommandRequestStaticSize {
			return nil, fmt.Errorf("%w: command request without command", ErrUnexpectedLength)
		}
		cmd, err := decodeCommand(data[CommandRequestStaticSize:])
		if err != nil {
			return nil, err
		}
		return &CommandRequest{Command: cmd}, nil

	case MsgTerminateRequest:
		if err := exact(TerminateRequestSize); err != nil {
			return nil, err
		}
		return &TerminateRequest{Shutdown: data[1] == 1}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, byte(msgType))
	}
}

func unmarshalAuthenticationRequest(data []byte) (*AuthenticationRequest, error) {
	if len(data) < AuthenticationRequestStaticSize || len(data) > AuthenticationRequestMaxSize {
		return nil, fmt.Errorf("%w: authentication request is %d bytes", ErrUnexpectedLength, len(data))
	}

	m := &AuthenticationRequest{}
	pos := 1
	pos += copy(m.Key[:], data[pos:])
	pos += copy(m.IV[:], data[pos:])
	userLen := int(data[pos])
	passwordLen := int(data[pos+1])
	pos += 2

	if len(data) != AuthenticationRequestStaticSize+userLen+passwordLen {
		return nil, fmt.Errorf("%w: credentials declare %d bytes, payload has %d",
			ErrUnexpectedLength, userLen+passwordLen, len(data)-AuthenticationRequestStaticSize)
	}
	m.User = string(data[pos : pos+userLen])
	pos += userLen
	m.Password = string(data[pos : pos+passwordLen])
	return m, nil
}
