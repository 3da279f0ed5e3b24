// Package server accepts remote-input clients and feeds their commands to
// an injector.
package server

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chronologos/goremote/internal/auth"
	"github.com/chronologos/goremote/internal/inject"
	"github.com/chronologos/goremote/internal/transport"
)

const (
	defaultPingInterval = 5 * time.Second
	defaultAuthTimeout  = 10 * time.Second
)

// InjectorFactory creates the injector for one authenticated connection.
type InjectorFactory func(log *slog.Logger) (inject.Injector, error)

// Config holds server configuration.
type Config struct {
	Port          int
	Mode          transport.Mode
	Key           *rsa.PrivateKey
	Users         auth.Users
	AllowShutdown bool
	PingInterval  time.Duration
	AuthTimeout   time.Duration
	NewInjector   InjectorFactory
	Logger        *slog.Logger
}

// Server listens for clients and runs one protocol instance per connection.
type Server struct {
	cfg Config
	log *slog.Logger
	ln  transport.Listener

	shutdown     chan struct{}
	shutdownOnce sync.Once
	conns        sync.WaitGroup

	// Ready is closed after the listener is bound, with Port set.
	// Callers (tests, CLI) can wait on this before dialing.
	Ready chan struct{}
	Port  int
}

// New creates a server but does not start it. Call Run() to begin.
func New(cfg Config) (*Server, error) {
	if cfg.Key == nil {
		return nil, errors.New("server: no private key")
	}
	if cfg.NewInjector == nil {
		return nil, errors.New("server: no injector factory")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:      cfg,
		log:      log.With("component", "server"),
		shutdown: make(chan struct{}),
		Ready:    make(chan struct{}),
	}, nil
}

// Run listens and serves clients until the context is cancelled or an
// authenticated client requests shutdown (if allowed). A client-requested
// shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	ln, err := transport.Listen(s.cfg.Mode, s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln

	ctx, cancel := context.WithCancel(ctx)
	// Order matters: stop accepting, then close every connection, then
	// wait for their goroutines.
	defer func() {
		cancel()
		s.ln.Close()
		s.conns.Wait()
	}()

	// Signal readiness: set port and close channel so waiters unblock.
	s.Port = s.ln.Port()
	close(s.Ready)
	s.log.Info("listening", "port", s.Port, "transport", s.cfg.Mode)

	acceptCh := make(chan acceptResult, 1)
	go s.acceptOnce(ctx, acceptCh)

	for {
		select {
		case res := <-acceptCh:
			if res.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !errors.Is(res.err, transport.ErrNoStream) {
					return fmt.Errorf("accept: %w", res.err)
				}
				s.log.Warn("accept error", "err", res.err)
			} else {
				s.startConn(ctx, res.stream)
			}
			// Re-arm accept
			go s.acceptOnce(ctx, acceptCh)

		case <-s.shutdown:
			s.log.Info("shutdown requested by client")
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// acceptResult carries the result of a single Accept call.
type acceptResult struct {
	stream transport.Stream
	err    error
}

// acceptOnce calls Accept once and sends the result. The main loop re-arms
// it after processing the result.
func (s *Server) acceptOnce(ctx context.Context, ch chan<- acceptResult) {
	stream, err := s.ln.Accept(ctx)
	select {
	case ch <- acceptResult{stream: stream, err: err}:
	case <-ctx.Done():
		if stream != nil {
			stream.Close()
		}
	}
}

func (s *Server) startConn(ctx context.Context, stream transport.Stream) {
	c, err := newConn(s, stream)
	if err != nil {
		s.log.Error("create protocol", "remote", stream.RemoteAddr(), "err", err)
		stream.Close()
		return
	}
	s.conns.Add(1)
	go func() {
		defer s.conns.Done()
		c.serve(ctx)
	}()
}

// requestShutdown stops Run. Safe to call more than once.
func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}
