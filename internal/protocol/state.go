package protocol

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// PingCallback receives the round-trip time of an answered ping.
type PingCallback func(rtt time.Duration)

// phase is the cipher material of the current authentication state. The
// session cipher only exists inside sessionPhase, so it cannot be used
// before authentication.
type phase interface {
	isPhase()
}

// handshakePhase is the unauthenticated state. The client holds an
// encrypt-only handshake cipher, the server a decrypt-only one.
type handshakePhase struct {
	enc Encrypter
	dec Decrypter
}

// sessionPhase is the authenticated state.
type sessionPhase struct {
	enc Encrypter
	dec Decrypter
}

func (handshakePhase) isPhase() {}
func (sessionPhase) isPhase()   {}

// handshakeState is the state shared by both sides of the protocol. All
// fields are guarded by mu; exported methods take the lock for their full
// duration, unexported ones expect the caller to hold it.
type handshakeState struct {
	mu    sync.Mutex
	w     io.Writer
	phase phase

	pingRequested bool
	pingStart     time.Time
	pingCallback  PingCallback

	now func() time.Time
}

// init prepares a zero handshakeState to write to w in the handshake phase.
func (s *handshakeState) init(w io.Writer, p handshakePhase) error {
	if w == nil {
		return fmt.Errorf("%w: output stream is nil", ErrNullData)
	}
	s.w = w
	s.phase = p
	s.now = time.Now
	return nil
}

// Authenticated reports whether the handshake has completed.
func (s *handshakeState) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated()
}

func (s *handshakeState) authenticated() bool {
	_, ok := s.phase.(sessionPhase)
	return ok
}

// Ping sends a ping request. cb, which may be nil, is called with the
// round-trip time once the response is processed. Only one ping may be
// outstanding at a time.
func (s *handshakeState) Ping(cb PingCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pingRequested {
		return ErrPingAlreadyRequested
	}
	start := s.now()
	if err := s.deliver(&Ping{Request: true}); err != nil {
		return err
	}
	s.pingRequested = true
	s.pingStart = start
	s.pingCallback = cb
	return nil
}

// PingOutstanding reports whether a ping request is waiting for its response.
func (s *handshakeState) PingOutstanding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingRequested
}

// processPing answers a ping request or completes an outstanding ping. The
// returned func, if any, runs the ping callback and must be called after mu
// is released.
func (s *handshakeState) processPing(ping *Ping) (func(), error) {
	if ping.Request {
		return nil, s.deliver(&Ping{Request: false})
	}
	if !s.pingRequested {
		return nil, ErrPingNotRequested
	}

	rtt := s.now().Sub(s.pingStart)
	cb := s.pingCallback
	s.pingRequested = false
	s.pingCallback = nil
	if cb == nil {
		return nil, nil
	}
	return func() { cb(rtt) }, nil
}

// deliver packs msg and writes it with the session cipher. Nothing is
// written before authentication.
func (s *handshakeState) deliver(msg Message) error {
	sp, ok := s.phase.(sessionPhase)
	if !ok {
		return ErrExpectingAuthentication
	}
	p, err := Pack(msg)
	if err != nil {
		return err
	}
	return p.Write(sp.enc, s.w)
}

// writeSecure writes p with the handshake cipher. It performs no state
// checks; the handshake cipher only exists before authentication.
func (s *handshakeState) writeSecure(p *Packet) error {
	hp, ok := s.phase.(handshakePhase)
	if !ok {
		return ErrAlreadyAuthenticated
	}
	return p.Write(hp.enc, s.w)
}

// decrypter returns the cipher incoming packets are decoded with in the
// current phase.
func (s *handshakeState) decrypter() Decrypter {
	switch p := s.phase.(type) {
	case sessionPhase:
		return p.dec
	case handshakePhase:
		return p.dec
	}
	return nil
}
