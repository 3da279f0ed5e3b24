package protocol

import (
	"encoding/binary"
	"fmt"
)

// Command is an input event carried by a CommandRequest.
type Command interface {
	CommandType() CommandType
}

// MouseMove moves the pointer relative to its current position.
type MouseMove struct {
	DX int16
	DY int16
}

// MousePress presses the buttons set in the bitmask.
type MousePress struct {
	Buttons int32
}

// MouseRelease releases the buttons set in the bitmask.
type MouseRelease struct {
	Buttons int32
}

// MouseWheel scrolls by Amount notches; negative is up.
type MouseWheel struct {
	Amount int32
}

type KeyPress struct {
	Keycode int32
}

type KeyRelease struct {
	Keycode int32
}

// TextInput types raw text. Text longer than MaxTextLength is truncated
// when encoded.
type TextInput struct {
	Text []byte
}

func (*MouseMove) CommandType() CommandType    { return CmdMouseMove }
func (*MousePress) CommandType() CommandType   { return CmdMousePress }
func (*MouseRelease) CommandType() CommandType { return CmdMouseRelease }
func (*MouseWheel) CommandType() CommandType   { return CmdMouseWheel }
func (*KeyPress) CommandType() CommandType     { return CmdKeyPress }
func (*KeyRelease) CommandType() CommandType   { return CmdKeyRelease }
func (*TextInput) CommandType() CommandType    { return CmdTextInput }

// commandSize returns the encoded size of cmd including its type byte.
func commandSize(cmd Command) (int, error) {
	switch m := cmd.(type) {
	case *MouseMove:
		return MouseMoveSize, nil
	case *MousePress, *MouseRelease:
		return MouseButtonSize, nil
	case *MouseWheel:
		return MouseWheelSize, nil
	case *KeyPress, *KeyRelease:
		return KeySize, nil
	case *TextInput:
		return TextInputStaticSize + min(len(m.Text), MaxTextLength), nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// putCommand encodes cmd into dst, which must be exactly commandSize(cmd)
// bytes long.
func putCommand(dst []byte, cmd Command) {
	dst[0] = byte(cmd.CommandType())
	switch m := cmd.(type) {
	case *MouseMove:
		binary.BigEndian.PutUint16(dst[1:3], uint16(m.DX))
		binary.BigEndian.PutUint16(dst[3:5], uint16(m.DY))
	case *MousePress:
		binary.BigEndian.PutUint32(dst[1:5], uint32(m.Buttons))
	case *MouseRelease:
		binary.BigEndian.PutUint32(dst[1:5], uint32(m.Buttons))
	case *MouseWheel:
		binary.BigEndian.PutUint32(dst[1:5], uint32(m.Amount))
	case *KeyPress:
		binary.BigEndian.PutUint32(dst[1:5], uint32(m.Keycode))
	case *KeyRelease:
		binary.BigEndian.PutUint32(dst[1:5], uint32(m.Keycode))
	case *TextInput:
		n := min(len(m.Text), MaxTextLength)
		dst[1] = byte(n)
		copy(dst[2:], m.Text[:n])
	}
}

// decodeCommand parses a command from p, which starts at the command type
// byte and must contain nothing after the command.
func decodeCommand(p []byte) (Command, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("%w: empty command", ErrUnexpectedLength)
	}
	cmdType := CommandType(p[0])

	fixed := func(size int) error {
		if len(p) != size {
			return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrUnexpectedLength, cmdType, size, len(p))
		}
		return nil
	}
	i32 := func() int32 { return int32(binary.BigEndian.Uint32(p[1:5])) }

	switch cmdType {
	case CmdMouseMove:
		if err := fixed(MouseMoveSize); err != nil {
			return nil, err
		}
		return &MouseMove{
			DX: int16(binary.BigEndian.Uint16(p[1:3])),
			DY: int16(binary.BigEndian.Uint16(p[3:5])),
		}, nil

	case CmdMousePress:
		if err := fixed(MouseButtonSize); err != nil {
			return nil, err
		}
		return &MousePress{Buttons: i32()}, nil

	case CmdMouseRelease:
		if err := fixed(MouseButtonSize); err != nil {
			return nil, err
		}
		return &MouseRelease{Buttons: i32()}, nil

	case CmdMouseWheel:
		if err := fixed(MouseWheelSize); err != nil {
			return nil, err
		}
		return &MouseWheel{Amount: i32()}, nil

	case CmdKeyPress:
		if err := fixed(KeySize); err != nil {
			return nil, err
		}
		return &KeyPress{Keycode: i32()}, nil

	case CmdKeyRelease:
		if err := fixed(KeySize); err != nil {
			return nil, err
		}
		return &KeyRelease{Keycode: i32()}, nil

	case CmdTextInput:
		if len(p) < TextInputStaticSize {
			return nil, fmt.Errorf("%w: TextInput header truncated", ErrUnexpectedLength)
		}
		if err := fixed(TextInputStaticSize + int(p[1])); err != nil {
			return nil, err
		}
		text := make([]byte, p[1])
		copy(text, p[2:])
		return &TextInput{Text: text}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, byte(cmdType))
	}
}
