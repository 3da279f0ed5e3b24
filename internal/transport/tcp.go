package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// tcpStream is a plain TCP connection. The protocol encrypts its own
// packets, so no TLS layer is added.
type tcpStream struct {
	net.Conn
}

func (s *tcpStream) Mode() Mode { return ModeTCP }

// dialTCP connects to a server's TCP listener.
func dialTCP(ctx context.Context, host string, port int) (*tcpStream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("TCP dial: %w", err)
	}
	return &tcpStream{Conn: conn}, nil
}

// tcpListener wraps a TCP listener for the server side.
type tcpListener struct {
	ln   net.Listener
	port int
}

// listenTCP creates a TCP listener on the specified port.
func listenTCP(port int) (*tcpListener, error) {
	ln, err := net.Listen("tcp4", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("TCP listen: %w", err)
	}
	return &tcpListener{
		ln:   ln,
		port: ln.Addr().(*net.TCPAddr).Port,
	}, nil
}

// Port returns the TCP port the listener is bound to.
func (l *tcpListener) Port() int {
	return l.port
}

// Accept waits for a new TCP client connection.
func (l *tcpListener) Accept(ctx context.Context) (Stream, error) {
	// Use a channel so we can respect context cancellation
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("accept TCP connection: %w", res.err)
		}
		return &tcpStream{Conn: res.conn}, nil
	case <-ctx.Done():
		// The goroutine stays blocked in Accept until the caller closes the
		// listener. A connection accepted in the meantime is dropped.
		go func() {
			res := <-ch
			if res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close shuts down the TCP listener.
func (l *tcpListener) Close() error {
	return l.ln.Close()
}
