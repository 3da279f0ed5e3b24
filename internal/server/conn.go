package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chronologos/goremote/internal/inject"
	"github.com/chronologos/goremote/internal/protocol"
	"github.com/chronologos/goremote/internal/transport"
)

// conn is one client connection. It implements protocol.Handler and
// protocol.ConnectionHandler for its ServerProtocol.
type conn struct {
	srv    *Server
	stream transport.Stream
	log    *slog.Logger
	proto  *protocol.ServerProtocol

	mu  sync.Mutex // guards inj
	inj inject.Injector

	authed    chan struct{} // closed by OnAuthenticated
	done      chan struct{} // closed by close
	closeOnce sync.Once
}

func newConn(srv *Server, stream transport.Stream) (*conn, error) {
	c := &conn{
		srv:    srv,
		stream: stream,
		log:    srv.log.With("remote", stream.RemoteAddr().String(), "transport", stream.Mode().String()),
		authed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	proto, err := protocol.NewServerProtocol(c, c, srv.cfg.Key, stream)
	if err != nil {
		return nil, err
	}
	c.proto = proto
	return c, nil
}

// serve reads packets until the stream ends or the connection is closed.
func (c *conn) serve(ctx context.Context) {
	defer c.close()
	c.log.Info("connected")

	go c.watch(ctx)

	scanner, err := protocol.NewPacketScanner(c.stream)
	if err != nil {
		c.log.Error("create scanner", "err", err)
		return
	}
	for {
		p, err := scanner.NextPacket()
		if err != nil {
			if !c.closed() {
				c.log.Warn("read error", "err", err)
			}
			return
		}
		if p == nil {
			c.log.Info("disconnected")
			return
		}

		authenticated := c.proto.Authenticated()
		if err := c.proto.Process(p); err != nil {
			if !authenticated || errors.Is(err, protocol.ErrAuthentication) {
				// Nothing but a valid login is accepted from an
				// unauthenticated peer.
				c.log.Warn("handshake failed", "err", err)
				return
			}
			c.log.Warn("bad packet", "err", err)
		}
		if c.closed() {
			return
		}
	}
}

// watch enforces the authentication deadline, then pings the client every
// PingInterval. A ping still outstanding at the next tick closes the
// connection.
func (c *conn) watch(ctx context.Context) {
	authTimer := time.NewTimer(c.srv.cfg.AuthTimeout)
	defer authTimer.Stop()

	select {
	case <-c.authed:
	case <-authTimer.C:
		c.log.Warn("authentication timed out", "timeout", c.srv.cfg.AuthTimeout)
		c.close()
		return
	case <-c.done:
		return
	case <-ctx.Done():
		c.close()
		return
	}

	heartbeat := time.NewTicker(c.srv.cfg.PingInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-heartbeat.C:
			if c.proto.PingOutstanding() {
				c.log.Warn("ping unanswered, closing")
				c.close()
				return
			}
			if err := c.proto.Ping(c.onPong); err != nil {
				c.log.Warn("ping failed", "err", err)
				c.close()
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			c.close()
			return
		}
	}
}

func (c *conn) onPong(rtt time.Duration) {
	c.log.Debug("pong", "rtt", rtt)
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// close closes the stream and the injector. Safe to call from any
// goroutine, more than once.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.stream.Close()

		c.mu.Lock()
		inj := c.inj
		c.inj = nil
		c.mu.Unlock()
		if inj != nil {
			if err := inj.Close(); err != nil {
				c.log.Warn("close injector", "err", err)
			}
		}
	})
}

// --- protocol.Handler ---

// Authenticate runs with the protocol lock held.
func (c *conn) Authenticate(user, password string) bool {
	ok := c.srv.cfg.Users.Check(user, password)
	if !ok {
		c.log.Warn("bad login", "user", user)
	}
	return ok
}

func (c *conn) Command(cmd protocol.Command) {
	c.mu.Lock()
	inj := c.inj
	c.mu.Unlock()
	if inj == nil {
		return
	}
	if err := inj.Inject(cmd); err != nil {
		c.log.Warn("inject", "command", cmd.CommandType().String(), "err", err)
	}
}

func (c *conn) Terminate(shutdown bool) {
	switch {
	case shutdown && c.srv.cfg.AllowShutdown:
		c.log.Info("client requested shutdown")
		c.srv.requestShutdown()
	case shutdown:
		c.log.Warn("shutdown not allowed, ending session only")
	default:
		c.log.Info("client ended session")
	}
	c.close()
}

// --- protocol.ConnectionHandler ---

func (c *conn) OnAuthenticated() {
	log := c.log.With("user", c.proto.User())
	log.Info("authenticated")

	inj, err := c.srv.cfg.NewInjector(log)
	if err != nil {
		log.Error("create injector", "err", err)
		c.close()
		return
	}

	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		inj.Close()
		return
	}
	c.inj = inj
	c.mu.Unlock()
	close(c.authed)
}
