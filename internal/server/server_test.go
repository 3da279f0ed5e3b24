package server

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/goremote/internal/auth"
	"github.com/chronologos/goremote/internal/inject"
	"github.com/chronologos/goremote/internal/protocol"
	"github.com/chronologos/goremote/internal/transport"
)

var (
	testKey   = sync.OnceValues(auth.GenerateKey)
	testUsers = sync.OnceValues(func() (auth.Users, error) {
		hash, err := auth.HashPassword("password")
		return auth.Users{"user": hash}, err
	})
)

// recordingInjector collects commands from every connection of a server.
type recordingInjector struct {
	mu       sync.Mutex
	commands []protocol.Command
	closed   int
}

func (r *recordingInjector) Inject(cmd protocol.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	return nil
}

func (r *recordingInjector) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *recordingInjector) snapshot() ([]protocol.Command, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Command(nil), r.commands...), r.closed
}

type testServer struct {
	srv   *Server
	key   *rsa.PrivateKey
	inj   *recordingInjector
	errCh chan error
}

// startTestServer runs a TCP server on a random port. Cleanup cancels it
// and waits for Run to exit.
func startTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	key, err := testKey()
	require.NoError(t, err)
	users, err := testUsers()
	require.NoError(t, err)

	ts := &testServer{key: key, inj: &recordingInjector{}, errCh: make(chan error, 1)}
	cfg := Config{
		Mode:         transport.ModeTCP,
		Key:          key,
		Users:        users,
		PingInterval: time.Hour,
		AuthTimeout:  5 * time.Second,
		NewInjector: func(*slog.Logger) (inject.Injector, error) {
			return ts.inj, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ts.srv, err = New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { ts.errCh <- ts.srv.Run(ctx) }()

	select {
	case <-ts.srv.Ready:
	case err := <-ts.errCh:
		cancel()
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("timeout waiting for server to start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.errCh:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ts
}

// testClient drives a ClientProtocol over a real stream. A reader
// goroutine processes server packets, answering pings when answerPings is
// set, and closes done when the stream ends.
type testClient struct {
	proto  *protocol.ClientProtocol
	stream transport.Stream
	authed chan struct{}
	done   chan struct{}
}

func dialTestClient(t *testing.T, ts *testServer, answerPings bool) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := transport.Dial(ctx, transport.ModeTCP, "127.0.0.1", ts.srv.Port)
	require.NoError(t, err)
	t.Cleanup(func() { stream.Close() })

	proto, err := protocol.NewClientProtocol(&ts.key.PublicKey, stream)
	require.NoError(t, err)

	tc := &testClient{proto: proto, stream: stream, authed: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(tc.done)
		scanner, _ := protocol.NewPacketScanner(stream)
		for {
			p, err := scanner.NextPacket()
			if err != nil || p == nil {
				return
			}
			wasAuthed := proto.Authenticated()
			if !answerPings && wasAuthed {
				continue
			}
			if err := proto.Process(p); err != nil {
				return
			}
			if !wasAuthed && proto.Authenticated() {
				close(tc.authed)
			}
		}
	}()
	return tc
}

func (tc *testClient) login(t *testing.T, password string) {
	t.Helper()
	require.NoError(t, tc.proto.Authenticate("user", password))
	select {
	case <-tc.authed:
	case <-tc.done:
		t.Fatal("connection closed during login")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for authentication")
	}
}

func (tc *testClient) waitClosed(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-tc.done:
	case <-time.After(timeout):
		t.Fatal("server did not close the connection")
	}
}

func TestCommandsReachInjector(t *testing.T) {
	ts := startTestServer(t, nil)
	tc := dialTestClient(t, ts, true)
	tc.login(t, "password")

	sent := []protocol.Command{
		&protocol.MouseMove{DX: 5, DY: -5},
		&protocol.MousePress{Buttons: protocol.ButtonLeft},
		&protocol.TextInput{Text: []byte("hello")},
		&protocol.KeyPress{Keycode: protocol.KeyEnter},
	}
	for _, cmd := range sent {
		require.NoError(t, tc.proto.CommandRequest(cmd))
	}

	require.Eventually(t, func() bool {
		got, _ := ts.inj.snapshot()
		return len(got) == len(sent)
	}, 5*time.Second, 10*time.Millisecond)
	got, _ := ts.inj.snapshot()
	assert.Equal(t, sent, got)
}

func TestBadLoginClosesConnection(t *testing.T) {
	ts := startTestServer(t, nil)
	tc := dialTestClient(t, ts, true)

	require.NoError(t, tc.proto.Authenticate("user", "wrong"))
	tc.waitClosed(t, 5*time.Second)
	assert.False(t, tc.proto.Authenticated())

	got, _ := ts.inj.snapshot()
	assert.Empty(t, got)
}

func TestTerminateEndsSessionOnly(t *testing.T) {
	ts := startTestServer(t, nil)
	tc := dialTestClient(t, ts, true)
	tc.login(t, "password")

	require.NoError(t, tc.proto.TerminateRequest(false))
	tc.waitClosed(t, 5*time.Second)

	require.Eventually(t, func() bool {
		_, closed := ts.inj.snapshot()
		return closed == 1
	}, 5*time.Second, 10*time.Millisecond, "injector closed with the connection")

	// Server keeps accepting.
	again := dialTestClient(t, ts, true)
	again.login(t, "password")
}

func TestShutdownRequest(t *testing.T) {
	ts := startTestServer(t, func(cfg *Config) { cfg.AllowShutdown = true })
	tc := dialTestClient(t, ts, true)
	tc.login(t, "password")

	require.NoError(t, tc.proto.TerminateRequest(true))
	select {
	case err := <-ts.errCh:
		assert.NoError(t, err)
		ts.errCh <- err // let cleanup observe the exit
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestShutdownNotAllowed(t *testing.T) {
	ts := startTestServer(t, nil)
	tc := dialTestClient(t, ts, true)
	tc.login(t, "password")

	require.NoError(t, tc.proto.TerminateRequest(true))
	tc.waitClosed(t, 5*time.Second)

	select {
	case err := <-ts.errCh:
		t.Fatalf("server exited: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAuthenticationTimeout(t *testing.T) {
	ts := startTestServer(t, func(cfg *Config) { cfg.AuthTimeout = 100 * time.Millisecond })
	tc := dialTestClient(t, ts, true)
	tc.waitClosed(t, 5*time.Second)
}

func TestUnansweredPingClosesConnection(t *testing.T) {
	ts := startTestServer(t, func(cfg *Config) { cfg.PingInterval = 50 * time.Millisecond })
	tc := dialTestClient(t, ts, false)
	tc.login(t, "password")
	tc.waitClosed(t, 5*time.Second)
}

func TestAnsweredPingsKeepConnection(t *testing.T) {
	ts := startTestServer(t, func(cfg *Config) { cfg.PingInterval = 20 * time.Millisecond })
	tc := dialTestClient(t, ts, true)
	tc.login(t, "password")

	select {
	case <-tc.done:
		t.Fatal("connection closed despite answered pings")
	case <-time.After(300 * time.Millisecond):
	}
	require.NoError(t, tc.proto.CommandRequest(&protocol.KeyPress{Keycode: 'A'}))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	key, err := testKey()
	require.NoError(t, err)
	_, err = New(Config{Key: key})
	assert.Error(t, err, "injector factory required")
}
