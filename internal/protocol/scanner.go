package protocol

import (
	"errors"
	"fmt"
	"io"
)

// BufferSize is the size of the PacketScanner read buffer.
const BufferSize = 1024

// PacketScanner splits a blocking byte stream into Packets.
//
// Bytes are read into a fixed buffer. Consumed packets free the front of the
// buffer; when the free tail becomes smaller than one maximal frame the
// unconsumed bytes are moved back to the start, so the buffer never grows.
// A PacketScanner is not safe for concurrent use.
type PacketScanner struct {
	r   io.Reader
	buf [BufferSize]byte
	end int // write cursor: bytes [0, end) have been filled
	pos int // scan cursor: bytes [pos, end) are not yet consumed
	err error
}

// NewPacketScanner returns a scanner reading from r.
func NewPacketScanner(r io.Reader) (*PacketScanner, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: input stream is nil", ErrNullData)
	}
	return &PacketScanner{r: r}, nil
}

// NextPacket blocks until a complete packet is available and returns it.
// It returns (nil, nil) once the stream has ended and no complete packet
// remains buffered.
func (s *PacketScanner) NextPacket() (*Packet, error) {
	for {
		p, err := s.checkForPacket()
		if err != nil || p != nil {
			return p, err
		}

		if s.err != nil {
			if errors.Is(s.err, io.EOF) {
				return nil, nil
			}
			return nil, s.err
		}

		if s.end == len(s.buf) {
			// Unreachable while frames are bounded by MaxLength.
			return nil, fmt.Errorf("%w: scanner buffer full", ErrMessageTooLong)
		}

		n, err := s.r.Read(s.buf[s.end:])
		s.end += n
		if err != nil {
			s.err = err
		}
	}
}

// checkForPacket consumes one packet from the buffered bytes if a whole
// frame is present.
func (s *PacketScanner) checkForPacket() (*Packet, error) {
	p, n, err := ReadPacket(s.buf[s.pos:s.end])
	if err != nil || p == nil {
		return nil, err
	}

	s.pos += n
	switch {
	case s.pos == s.end:
		s.pos, s.end = 0, 0
	case len(s.buf)-s.end < LengthPrefixSize+MaxLength:
		s.end = copy(s.buf[:], s.buf[s.pos:s.end])
		s.pos = 0
	}
	return p, nil
}

// Buffered returns the number of read but unconsumed bytes.
func (s *PacketScanner) Buffered() int {
	return s.end - s.pos
}
