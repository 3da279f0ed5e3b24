package protocol

import (
	"crypto/rsa"
	"fmt"
	"io"

	"github.com/chronologos/goremote/internal/auth"
)

// Handler receives the application-level events of a server session.
// Authenticate is called with the protocol lock held and must not call back
// into the protocol. Command and Terminate run after the lock is released.
type Handler interface {
	Authenticate(user, password string) bool
	Command(cmd Command)
	Terminate(shutdown bool)
}

// ConnectionHandler is notified when a connection completes authentication.
type ConnectionHandler interface {
	OnAuthenticated()
}

// ServerProtocol is the server side of the protocol. It verifies the
// authentication request, then dispatches commands and terminate requests
// to its Handler.
type ServerProtocol struct {
	handshakeState
	handler Handler
	conn    ConnectionHandler
	user    string
}

// NewServerProtocol creates a server protocol that decrypts the handshake
// with priv and writes responses to w.
func NewServerProtocol(h Handler, ch ConnectionHandler, priv *rsa.PrivateKey, w io.Writer) (*ServerProtocol, error) {
	if h == nil || ch == nil {
		return nil, ErrMissingHandler
	}
	secure, err := auth.NewHandshakeDecrypter(priv)
	if err != nil {
		return nil, fmt.Errorf("handshake cipher: %w", err)
	}
	s := &ServerProtocol{handler: h, conn: ch}
	if err := s.init(w, handshakePhase{dec: secure}); err != nil {
		return nil, err
	}
	return s, nil
}

// User returns the name the connection authenticated as, or "" before
// authentication.
func (s *ServerProtocol) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Process handles one packet from the client. Before authentication only an
// AuthenticationRequest is accepted; afterwards Ping, CommandRequest and
// TerminateRequest.
func (s *ServerProtocol) Process(p *Packet) error {
	after, err := s.process(p)
	if after != nil {
		after()
	}
	return err
}

func (s *ServerProtocol) process(p *Packet) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := p.Decode(s.decrypter())
	if err != nil {
		return nil, err
	}

	if !s.authenticated() {
		req, ok := msg.(*AuthenticationRequest)
		if !ok {
			return nil, &UnexpectedMessageError{Type: msg.Type()}
		}
		return s.authenticate(req)
	}

	switch m := msg.(type) {
	case *Ping:
		return s.processPing(m)
	case *CommandRequest:
		cmd := m.Command
		return func() { s.handler.Command(cmd) }, nil
	case *TerminateRequest:
		shutdown := m.Shutdown
		return func() { s.handler.Terminate(shutdown) }, nil
	default:
		return nil, &UnexpectedMessageError{Type: msg.Type()}
	}
}

func (s *ServerProtocol) authenticate(req *AuthenticationRequest) (func(), error) {
	if !s.handler.Authenticate(req.User, req.Password) {
		return nil, fmt.Errorf("%w: user %q", ErrBadLogin, req.User)
	}
	session, err := auth.NewSessionCipher(req.Key[:], req.IV[:])
	if err != nil {
		return nil, err
	}
	p, err := Pack(&AuthenticationResponse{})
	if err != nil {
		return nil, err
	}
	// The response goes out under the session cipher; the phase only
	// changes once it has been written.
	if err := p.Write(session, s.w); err != nil {
		return nil, err
	}
	s.phase = sessionPhase{enc: session, dec: session}
	s.user = req.User
	return s.conn.OnAuthenticated, nil
}
