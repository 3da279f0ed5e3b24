// Package transport carries the remote-input byte stream over QUIC or plain
// TCP. The protocol encrypts its own packets, so a Stream is an ordinary
// reliable byte pipe whichever transport is underneath.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
)

// Mode selects the transport used to dial or listen.
type Mode int

const (
	ModeQUIC Mode = iota
	ModeTCP
	// ModeDual listens on QUIC and TCP with the same port number. It is not
	// valid for dialing.
	ModeDual
)

func (m Mode) String() string {
	switch m {
	case ModeQUIC:
		return "quic"
	case ModeTCP:
		return "tcp"
	case ModeDual:
		return "dual"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name as written in config files.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "quic":
		return ModeQUIC, nil
	case "tcp":
		return ModeTCP, nil
	case "dual", "":
		return ModeDual, nil
	default:
		return 0, fmt.Errorf("unknown transport %q (want quic, tcp or dual)", s)
	}
}

// Stream is one client connection. Both QUIC and TCP implementations
// satisfy this interface.
type Stream interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	Mode() Mode
}

// Listener accepts client streams.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Port() int
	Close() error
}

// ProfileableStream is an optional interface for streams that can
// provide QUIC-level connection statistics (used by --profile).
type ProfileableStream interface {
	ConnectionStats() quic.ConnectionStats
}

// Dial connects to a server with the given mode.
func Dial(ctx context.Context, mode Mode, host string, port int) (Stream, error) {
	switch mode {
	case ModeQUIC:
		s, err := dialQUIC(ctx, host, port)
		if err != nil {
			return nil, err
		}
		return s, nil
	case ModeTCP:
		s, err := dialTCP(ctx, host, port)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("cannot dial with transport %s", mode)
	}
}

// Listen creates a listener on port (0 picks a free port).
func Listen(mode Mode, port int) (Listener, error) {
	switch mode {
	case ModeQUIC:
		ln, err := listenQUIC(port)
		if err != nil {
			return nil, err
		}
		return ln, nil
	case ModeTCP:
		ln, err := listenTCP(port)
		if err != nil {
			return nil, err
		}
		return ln, nil
	case ModeDual:
		return ListenDual(port)
	default:
		return nil, fmt.Errorf("cannot listen with transport %s", mode)
	}
}
