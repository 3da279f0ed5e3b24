package protocol

import (
	"crypto/rsa"
	"fmt"
	"io"

	"github.com/chronologos/goremote/internal/auth"
)

// ClientProtocol is the client side of the protocol. It sends the
// authentication request and input commands, and answers pings.
//
// The client knows the session key from the start, so its session cipher
// exists before authentication and is used to decode the server's
// AuthenticationResponse.
type ClientProtocol struct {
	handshakeState
	key     [SessionKeySize]byte
	iv      [SessionIVSize]byte
	session sessionPhase
}

// NewClientProtocol creates a client protocol with a random session key,
// writing to w and encrypting the handshake with the server's public key.
func NewClientProtocol(pub *rsa.PublicKey, w io.Writer) (*ClientProtocol, error) {
	key, iv, err := auth.GenerateSessionKey()
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return NewClientProtocolWithKey(pub, key, iv, w)
}

// NewClientProtocolWithKey creates a client protocol with a fixed session
// key and IV.
func NewClientProtocolWithKey(pub *rsa.PublicKey, key [SessionKeySize]byte, iv [SessionIVSize]byte, w io.Writer) (*ClientProtocol, error) {
	secure, err := auth.NewHandshakeEncrypter(pub)
	if err != nil {
		return nil, fmt.Errorf("handshake cipher: %w", err)
	}
	session, err := auth.NewSessionCipher(key[:], iv[:])
	if err != nil {
		return nil, fmt.Errorf("session cipher: %w", err)
	}
	c := &ClientProtocol{
		key:     key,
		iv:      iv,
		session: sessionPhase{enc: session, dec: session},
	}
	if err := c.init(w, handshakePhase{enc: secure}); err != nil {
		return nil, err
	}
	return c, nil
}

// Authenticate sends the session key and credentials to the server,
// encrypted with the handshake cipher. The protocol becomes authenticated
// when the server's response is processed.
func (c *ClientProtocol) Authenticate(user, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.authenticated() {
		return ErrAlreadyAuthenticated
	}
	p, err := Pack(&AuthenticationRequest{
		Key:      c.key,
		IV:       c.iv,
		User:     user,
		Password: password,
	})
	if err != nil {
		return err
	}
	return c.writeSecure(p)
}

// CommandRequest sends an input command. Requires authentication.
func (c *ClientProtocol) CommandRequest(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliver(&CommandRequest{Command: cmd})
}

// TerminateRequest asks the server to end the session, and with shutdown
// set, to stop entirely. Requires authentication.
func (c *ClientProtocol) TerminateRequest(shutdown bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliver(&TerminateRequest{Shutdown: shutdown})
}

// Process handles one packet from the server. Before authentication only
// an AuthenticationResponse is accepted; afterwards only Ping.
func (c *ClientProtocol) Process(p *Packet) error {
	after, err := c.process(p)
	if after != nil {
		after()
	}
	return err
}

func (c *ClientProtocol) process(p *Packet) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.authenticated() {
		msg, err := p.Decode(c.session.dec)
		if err != nil {
			return nil, err
		}
		if _, ok := msg.(*AuthenticationResponse); !ok {
			return nil, &UnexpectedMessageError{Type: msg.Type()}
		}
		c.phase = c.session
		return nil, nil
	}

	msg, err := p.Decode(c.decrypter())
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case *Ping:
		return c.processPing(m)
	default:
		return nil, &UnexpectedMessageError{Type: msg.Type()}
	}
}
