// Package client connects to a goremote server, logs in and sends input
// events, either typed interactively or read from a line-based script.
package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/chronologos/goremote/internal/coalesce"
	"github.com/chronologos/goremote/internal/protocol"
	"github.com/chronologos/goremote/internal/transport"
)

// discardHandler is a no-op slog handler that discards all log records.
// Used when --profile is off to suppress client logging with zero overhead.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

const (
	stdinBufSize      = 4 * 1024
	dialTimeout       = 10 * time.Second
	loginTimeout      = 10 * time.Second
	heartbeatInterval = 5 * time.Second
	// terminateGrace bounds the wait for the server to close the
	// connection after a TerminateRequest.
	terminateGrace = time.Second
)

var (
	// ErrLoginRejected means the server closed the connection before
	// answering the login, which it does for bad credentials.
	ErrLoginRejected = errors.New("login rejected")
	// ErrLoginTimeout means the server did not answer the login in time.
	ErrLoginTimeout = errors.New("login timed out")
	// ErrHeartbeatTimeout means a ping was still unanswered a full
	// heartbeat interval after it was sent.
	ErrHeartbeatTimeout = errors.New("heartbeat timed out")
	// ErrConnectionLost means the server ended the stream mid-session.
	ErrConnectionLost = errors.New("connection lost")
)

// Config holds client configuration.
type Config struct {
	Host      string
	Port      int
	Mode      transport.Mode // ModeQUIC or ModeTCP
	ServerKey *rsa.PublicKey
	User      string
	Password  string
	Script    bool // read script commands from stdin instead of typing
	Profile   bool // emit RTT/traffic stats to stderr

	// HeartbeatInterval defaults to 5s.
	HeartbeatInterval time.Duration
}

// Client is one login session against a server.
type Client struct {
	cfg        Config
	log        *slog.Logger
	escape     *EscapeProcessor
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer // for --profile output (os.Stderr or test buffer)
	stdinFd    int       // for MakeRaw/Restore; -1 if pipe (skip raw mode)
	profileDir string

	pongs chan time.Duration // fed by onPong, drained by the run loops
	stats pingStats
}

// New creates a client with the given config. Uses os.Stdin/os.Stdout
// for terminal I/O. If stdin is not a terminal (pipe, FIFO) or the client
// runs a script, raw mode is skipped.
func New(cfg Config) *Client {
	fd := int(os.Stdin.Fd())
	if cfg.Script || !term.IsTerminal(fd) {
		fd = -1
	}
	var logger *slog.Logger
	if cfg.Profile {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "client")
	} else {
		logger = slog.New(&discardHandler{})
	}
	c := newClient(cfg, logger, os.Stdin, os.Stdout, os.Stderr)
	c.stdinFd = fd
	return c
}

func newClient(cfg Config, log *slog.Logger, stdin io.Reader, stdout, stderr io.Writer) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = heartbeatInterval
	}
	return &Client{
		cfg:        cfg,
		log:        log,
		escape:     NewEscapeProcessor(),
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		stdinFd:    -1,
		profileDir: os.TempDir(),
		pongs:      make(chan time.Duration, 1),
	}
}

// session is the state of one connected, logged-in client.
type session struct {
	stream  transport.Stream
	proto   *protocol.ClientProtocol
	readErr chan error // receives once when the reader stops; nil error is a clean EOF
}

// Run connects, logs in and then sends input until stdin ends, the user
// types ~. (or a script says quit), the connection fails, or ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if c.cfg.ServerKey == nil {
		return errors.New("server public key is required")
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	stream, err := transport.Dial(dialCtx, c.cfg.Mode, c.cfg.Host, c.cfg.Port)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s:%d: %w", c.cfg.Host, c.cfg.Port, err)
	}
	defer stream.Close()
	c.log.Info("connected", "remote", stream.RemoteAddr().String(), "transport", stream.Mode().String())

	proto, err := protocol.NewClientProtocol(c.cfg.ServerKey, stream)
	if err != nil {
		return err
	}
	s := &session{stream: stream, proto: proto, readErr: make(chan error, 1)}

	authed := make(chan struct{})
	go c.readLoop(s, authed)

	if err := c.login(ctx, s, authed); err != nil {
		return err
	}
	c.stats.start = time.Now()
	if c.cfg.Profile {
		defer c.logProfileSummary(stream)
	}

	if c.cfg.Script {
		return c.runScript(ctx, s)
	}
	return c.runInteractive(ctx, s)
}

// readLoop feeds server packets to the protocol until the stream ends.
// authed is closed once the login response has been processed.
func (c *Client) readLoop(s *session, authed chan<- struct{}) {
	scanner, err := protocol.NewPacketScanner(s.stream)
	if err != nil {
		s.readErr <- err
		return
	}
	loggedIn := false
	for {
		p, err := scanner.NextPacket()
		if err != nil || p == nil {
			s.readErr <- err
			return
		}
		if err := s.proto.Process(p); err != nil {
			if !loggedIn {
				s.readErr <- fmt.Errorf("login: %w", err)
				return
			}
			c.log.Warn("bad packet", "err", err)
			continue
		}
		if !loggedIn && s.proto.Authenticated() {
			loggedIn = true
			close(authed)
		}
	}
}

func (c *Client) login(ctx context.Context, s *session, authed <-chan struct{}) error {
	if err := s.proto.Authenticate(c.cfg.User, c.cfg.Password); err != nil {
		return fmt.Errorf("send login: %w", err)
	}

	timer := time.NewTimer(loginTimeout)
	defer timer.Stop()

	select {
	case <-authed:
		c.log.Info("authenticated", "user", c.cfg.User)
		return nil
	case err := <-s.readErr:
		select {
		case <-authed:
			// Logged in, then the stream ended; the run loop reports it.
			s.readErr <- err
			return nil
		default:
		}
		if err == nil {
			return ErrLoginRejected
		}
		if errors.Is(err, protocol.ErrProtocol) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrLoginRejected, err)
	case <-timer.C:
		return ErrLoginTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// heartbeat is called on every heartbeat tick. It fails if the previous
// ping is still unanswered, otherwise sends a new one.
func (c *Client) heartbeat(s *session) error {
	if s.proto.PingOutstanding() {
		c.log.Warn("heartbeat timeout")
		return ErrHeartbeatTimeout
	}
	if err := s.proto.Ping(c.onPong); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if c.cfg.Profile {
		c.logProfile(s.stream)
	}
	return nil
}

// onPong runs on the reader goroutine when a ping response arrives.
func (c *Client) onPong(rtt time.Duration) {
	c.stats.record(rtt)
	// Only the latest RTT matters to a waiting script.
	select {
	case <-c.pongs:
	default:
	}
	c.pongs <- rtt
}

// terminate asks the server to end the session and waits briefly for it
// to close the connection, so the request is not lost to our own close.
func (c *Client) terminate(s *session, shutdown bool) error {
	if err := s.proto.TerminateRequest(shutdown); err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	select {
	case <-s.readErr:
	case <-time.After(terminateGrace):
	}
	return nil
}

// connectionLost converts the reader's exit into a Run error.
func connectionLost(err error) error {
	if err == nil {
		return ErrConnectionLost
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

// runInteractive sends typed bytes as TextInput commands until stdin ends
// or the user types an escape sequence.
func (c *Client) runInteractive(ctx context.Context, s *session) error {
	if c.stdinFd >= 0 {
		oldState, err := term.MakeRaw(c.stdinFd)
		if err != nil {
			return fmt.Errorf("make raw: %w", err)
		}
		defer term.Restore(c.stdinFd, oldState)
	}

	stdinCh := make(chan []byte, 4)
	go c.readStdin(stdinCh)

	coal := coalesce.New(coalesce.Delay, protocol.MaxTextChunk)
	defer coal.Stop()

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	c.escape.Reset()
	escapeBuf := make([]byte, stdinBufSize+2) // extra for held ~

	for {
		select {
		case data, ok := <-stdinCh:
			if !ok {
				if err := c.flushText(coal, s); err != nil {
					return err
				}
				return c.terminate(s, false)
			}
			n, action := c.escape.Process(data, escapeBuf)
			switch action {
			case EscDisconnect:
				return c.terminate(s, false) // intentional disconnect, don't flush
			case EscShutdown:
				return c.terminate(s, true)
			}
			if n > 0 && coal.Add(escapeBuf[:n]) {
				if err := c.flushText(coal, s); err != nil {
					return err
				}
			}

		case <-coal.Timer():
			if err := c.flushText(coal, s); err != nil {
				return err
			}

		case <-c.pongs:

		case <-heartbeat.C:
			if err := c.heartbeat(s); err != nil {
				return err
			}

		case err := <-s.readErr:
			return connectionLost(err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flushText sends buffered keystrokes as one TextInput per chunk.
func (c *Client) flushText(coal *coalesce.Coalescer, s *session) error {
	for _, chunk := range coal.Flush() {
		if err := s.proto.CommandRequest(&protocol.TextInput{Text: chunk}); err != nil {
			return fmt.Errorf("send text: %w", err)
		}
	}
	return nil
}

// readStdin reads from stdin in a loop, sending chunks to ch.
func (c *Client) readStdin(ch chan<- []byte) {
	defer close(ch)
	for {
		buf := make([]byte, stdinBufSize)
		n, err := c.stdin.Read(buf)
		if n > 0 {
			ch <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}

// pingStats accumulates ping round trips for --profile.
type pingStats struct {
	mu     sync.Mutex
	start  time.Time
	count  int
	latest time.Duration
	min    time.Duration
	max    time.Duration
	total  time.Duration
}

func (p *pingStats) record(rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	p.latest = rtt
	p.total += rtt
	if p.min == 0 || rtt < p.min {
		p.min = rtt
	}
	if rtt > p.max {
		p.max = rtt
	}
}

type pingSnapshot struct {
	count                     int
	latest, min, max, average time.Duration
}

func (p *pingStats) snapshot() pingSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := pingSnapshot{count: p.count, latest: p.latest, min: p.min, max: p.max}
	if p.count > 0 {
		s.average = p.total / time.Duration(p.count)
	}
	return s
}
