package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ErrNoStream is returned by Accept when a QUIC client connected but did
// not open its stream in time. The listener remains usable.
var ErrNoStream = errors.New("client opened no stream")

// streamAcceptTimeout bounds how long Accept waits for a new connection to
// open its stream. The client opens it with its first write.
const streamAcceptTimeout = 5 * time.Second

// alpnProtocol is negotiated on every QUIC connection.
const alpnProtocol = "goremote-v1"

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		KeepAlivePeriod:   10 * time.Second,
		InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
	}
}

// serverTLSConfig returns a TLS 1.3 config holding a throwaway Ed25519
// certificate, generated once per listener and never written to disk. QUIC
// cannot run without TLS; the server is identified by its handshake key.
func serverTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate certificate key: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: "goremote"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// clientTLSConfig accepts any server certificate. Only a server holding the
// handshake private key can answer the login.
func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

// quicStream is a single bidirectional stream on its own QUIC connection.
type quicStream struct {
	qconn     *quic.Conn
	stream    *quic.Stream
	tr        *quic.Transport // client side only: keeps the UDP socket alive
	closeOnce sync.Once
}

// Read reads from the stream. A peer closing the connection normally reads
// as io.EOF.
func (s *quicStream) Read(p []byte) (int, error) {
	n, err := s.stream.Read(p)
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		err = io.EOF
	}
	return n, err
}

func (s *quicStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// Close closes the stream, the QUIC connection, and on the client side the
// UDP transport.
func (s *quicStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stream.CancelRead(0)
		s.stream.Close()
		s.qconn.CloseWithError(0, "closed")
		if s.tr != nil {
			err = s.tr.Close()
		}
	})
	return err
}

func (s *quicStream) RemoteAddr() net.Addr {
	return s.qconn.RemoteAddr()
}

func (s *quicStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

func (s *quicStream) Mode() Mode { return ModeQUIC }

// ConnectionStats returns QUIC-level connection statistics.
// Satisfies the ProfileableStream optional interface.
func (s *quicStream) ConnectionStats() quic.ConnectionStats {
	return s.qconn.ConnectionStats()
}

// dialQUIC connects to a server's QUIC listener and opens the stream.
func dialQUIC(ctx context.Context, host string, port int) (*quicStream, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%d: %w", host, port, err)
	}

	// Use a fresh UDP socket for the client
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, addr, clientTLSConfig(), quicConfig())
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		tr.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}

	return &quicStream{qconn: qconn, stream: stream, tr: tr}, nil
}

// quicListener wraps a QUIC listener for the server side. Connections are
// accepted in the background and each waits for its stream on its own, so a
// client that never writes does not hold up the others.
type quicListener struct {
	tr   *quic.Transport
	ln   *quic.Listener
	port int

	streamCh chan acceptRes
	// done is closed once the connection loop stops; err says why.
	done chan struct{}
	err  error

	cancel  context.CancelFunc
	pending sync.WaitGroup
}

// listenQUIC creates a QUIC listener with a fresh self-signed certificate.
func listenQUIC(port int) (*quicListener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}

	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(tlsConf, quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		tr:       tr,
		ln:       ln,
		port:     udpConn.LocalAddr().(*net.UDPAddr).Port,
		streamCh: make(chan acceptRes, 4),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	l.pending.Add(1)
	go l.acceptConns(ctx)
	return l, nil
}

// Port returns the UDP port the listener is bound to.
func (l *quicListener) Port() int {
	return l.port
}

func (l *quicListener) acceptConns(ctx context.Context) {
	defer l.pending.Done()
	for {
		qconn, err := l.ln.Accept(ctx)
		if err != nil {
			l.err = fmt.Errorf("accept QUIC connection: %w", err)
			close(l.done)
			return
		}
		l.pending.Add(1)
		go l.awaitStream(ctx, qconn)
	}
}

// awaitStream waits for the client's stream. The client opens it with its
// first write.
func (l *quicListener) awaitStream(ctx context.Context, qconn *quic.Conn) {
	defer l.pending.Done()

	streamCtx, cancel := context.WithTimeout(ctx, streamAcceptTimeout)
	defer cancel()
	stream, err := qconn.AcceptStream(streamCtx)
	res := acceptRes{stream: &quicStream{qconn: qconn, stream: stream}}
	if err != nil {
		qconn.CloseWithError(1, "no stream")
		res = acceptRes{err: fmt.Errorf("%w: %s: %v", ErrNoStream, qconn.RemoteAddr(), err)}
	}

	select {
	case l.streamCh <- res:
	case <-ctx.Done():
		if res.stream != nil {
			res.stream.Close()
		}
	}
}

// Accept returns the next connection that has opened its stream, or
// ErrNoStream for one that gave up waiting.
func (l *quicListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case res := <-l.streamCh:
		return res.stream, res.err
	case <-l.done:
		return nil, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the listener and underlying transport. Streams accepted
// but not yet returned by Accept are closed.
func (l *quicListener) Close() error {
	l.cancel()
	l.ln.Close()
	l.pending.Wait()
	for {
		select {
		case res := <-l.streamCh:
			if res.stream != nil {
				res.stream.Close()
			}
		default:
			return l.tr.Close()
		}
	}
}
