package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Encrypter transforms a whole plaintext payload into ciphertext.
type Encrypter interface {
	Encrypt(plaintext []byte) ([]byte, error)
}

// Decrypter reverses an Encrypter.
type Decrypter interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Packet is a length-delimited payload that is either plaintext or
// encrypted. The payload is encrypted or decrypted in place at most once in
// each direction; a Packet is consumed by a single Write or Decode.
type Packet struct {
	data      []byte
	encrypted bool
}

// NewPacket wraps plaintext payload bytes.
func NewPacket(data []byte) (*Packet, error) {
	if data == nil {
		return nil, ErrNullData
	}
	return &Packet{data: data}, nil
}

// NewEncryptedPacket wraps payload bytes that are already encrypted.
func NewEncryptedPacket(data []byte) (*Packet, error) {
	if data == nil {
		return nil, ErrNullData
	}
	return &Packet{data: data, encrypted: true}, nil
}

// ReadPacket parses one framed packet from the front of buf. It returns the
// packet and the number of bytes consumed. If buf does not yet hold the whole
// frame it returns (nil, 0, nil).
func ReadPacket(buf []byte) (*Packet, int, error) {
	if len(buf) < LengthPrefixSize {
		return nil, 0, nil
	}
	length := int(binary.BigEndian.Uint16(buf[:LengthPrefixSize]))
	if length > MaxLength {
		return nil, 0, fmt.Errorf("%w: frame declares %d bytes, max %d", ErrMessageTooLong, length, MaxLength)
	}
	if len(buf)-LengthPrefixSize < length {
		return nil, 0, nil
	}

	data := make([]byte, length)
	copy(data, buf[LengthPrefixSize:])
	return &Packet{data: data, encrypted: true}, LengthPrefixSize + length, nil
}

func (p *Packet) encrypt(enc Encrypter) error {
	if p.encrypted || enc == nil {
		return nil
	}
	data, err := enc.Encrypt(p.data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}
	p.data = data
	p.encrypted = true
	return nil
}

func (p *Packet) decrypt(dec Decrypter) error {
	if !p.encrypted {
		return nil
	}
	if dec != nil {
		data, err := dec.Decrypt(p.data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecryptFailed, err)
		}
		p.data = data
	}
	p.encrypted = false
	return nil
}

// Write encrypts the packet with enc (unless it is already encrypted or enc
// is nil) and writes it to w with its length prefix. The frame is handed to
// w in a single Write call.
func (p *Packet) Write(enc Encrypter, w io.Writer) error {
	if err := p.encrypt(enc); err != nil {
		return err
	}
	if len(p.data) > MaxLength {
		return fmt.Errorf("%w: packet is %d bytes, max %d", ErrMessageTooLong, len(p.data), MaxLength)
	}

	frame := make([]byte, LengthPrefixSize+len(p.data))
	binary.BigEndian.PutUint16(frame[:LengthPrefixSize], uint16(len(p.data)))
	copy(frame[LengthPrefixSize:], p.data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// Decode decrypts the packet with dec if needed and decodes the message.
// A nil dec treats the payload as plaintext.
func (p *Packet) Decode(dec Decrypter) (Message, error) {
	if err := p.decrypt(dec); err != nil {
		return nil, err
	}
	return Unmarshal(p.data)
}

// Data returns the current payload bytes, encrypted or not.
func (p *Packet) Data() []byte { return p.data }

// Len returns the payload length, excluding the length prefix.
func (p *Packet) Len() int { return len(p.data) }

// Encrypted reports whether the payload is currently ciphertext.
func (p *Packet) Encrypted() bool { return p.encrypted }

// String formats the payload as space-separated upper-case hex pairs.
func (p *Packet) String() string {
	var b strings.Builder
	for i := range p.data {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strings.ToUpper(hex.EncodeToString(p.data[i : i+1])))
	}
	return b.String()
}
