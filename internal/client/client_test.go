package client

import (
	"bytes"
	"context"
	"crypto/rsa"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/goremote/internal/auth"
	"github.com/chronologos/goremote/internal/inject"
	"github.com/chronologos/goremote/internal/protocol"
	"github.com/chronologos/goremote/internal/server"
	"github.com/chronologos/goremote/internal/transport"
)

var (
	testKey   = sync.OnceValues(auth.GenerateKey)
	testUsers = sync.OnceValues(func() (auth.Users, error) {
		hash, err := auth.HashPassword("secret")
		return auth.Users{"alice": hash}, err
	})
)

// sink records what the server injected across all connections.
type sink struct {
	mu       sync.Mutex
	commands []protocol.Command
	closed   int
}

func (s *sink) Inject(cmd protocol.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	return nil
}

func (s *sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *sink) snapshot() ([]protocol.Command, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Command(nil), s.commands...), s.closed
}

// typed concatenates the TextInput payloads in cmds.
func typed(cmds []protocol.Command) string {
	var b strings.Builder
	for _, cmd := range cmds {
		if ti, ok := cmd.(*protocol.TextInput); ok {
			b.Write(ti.Text)
		}
	}
	return b.String()
}

type testServer struct {
	port  int
	key   *rsa.PrivateKey
	sink  *sink
	errCh chan error
}

// startTestServer runs a real server on a random TCP port.
func startTestServer(t *testing.T, allowShutdown bool) *testServer {
	t.Helper()
	key, err := testKey()
	require.NoError(t, err)
	users, err := testUsers()
	require.NoError(t, err)

	ts := &testServer{key: key, sink: &sink{}, errCh: make(chan error, 1)}
	srv, err := server.New(server.Config{
		Mode:          transport.ModeTCP,
		Key:           key,
		Users:         users,
		AllowShutdown: allowShutdown,
		NewInjector: func(*slog.Logger) (inject.Injector, error) {
			return ts.sink, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { ts.errCh <- srv.Run(ctx) }()

	select {
	case <-srv.Ready:
		ts.port = srv.Port
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
		}
	})
	return ts
}

func (ts *testServer) config() Config {
	return Config{
		Host:      "127.0.0.1",
		Port:      ts.port,
		Mode:      transport.ModeTCP,
		ServerKey: &ts.key.PublicKey,
		User:      "alice",
		Password:  "secret",
	}
}

// runClient runs a client with the given stdin and returns its stdout,
// stderr and the Run error channel.
func runClient(t *testing.T, cfg Config, stdin io.Reader) (*Client, *syncBuffer, *syncBuffer, <-chan error) {
	t.Helper()
	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	c := newClient(cfg, slog.New(&discardHandler{}), stdin, stdout, stderr)
	c.profileDir = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	return c, stdout, stderr, errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for client to exit")
		return nil
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClientTypesText(t *testing.T) {
	ts := startTestServer(t, false)

	stdinR, stdinW := io.Pipe()
	_, _, _, errCh := runClient(t, ts.config(), stdinR)

	_, err := stdinW.Write([]byte("echo hi\r"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cmds, _ := ts.sink.snapshot()
		return typed(cmds) == "echo hi\r"
	}, 5*time.Second, 10*time.Millisecond)

	stdinW.Close()
	require.NoError(t, waitRun(t, errCh))

	require.Eventually(t, func() bool {
		_, closed := ts.sink.snapshot()
		return closed == 1
	}, 5*time.Second, 10*time.Millisecond, "server ended the session")
}

func TestClientChunksLongText(t *testing.T) {
	ts := startTestServer(t, false)

	text := strings.Repeat("0123456789", 100)
	_, _, _, errCh := runClient(t, ts.config(), strings.NewReader(text))
	require.NoError(t, waitRun(t, errCh))

	cmds, _ := ts.sink.snapshot()
	assert.Equal(t, text, typed(cmds))
	for _, cmd := range cmds {
		assert.LessOrEqual(t, len(cmd.(*protocol.TextInput).Text), protocol.MaxTextChunk)
	}
}

func TestClientEscapeDisconnect(t *testing.T) {
	ts := startTestServer(t, true)

	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()
	_, _, _, errCh := runClient(t, ts.config(), stdinR)

	// Client starts at line start, so ~. works immediately.
	_, err := stdinW.Write([]byte("~."))
	require.NoError(t, err)
	require.NoError(t, waitRun(t, errCh))

	cmds, _ := ts.sink.snapshot()
	assert.Empty(t, cmds)
	select {
	case err := <-ts.errCh:
		t.Fatalf("server exited on a plain disconnect: %v", err)
	default:
	}
}

func TestClientEscapeShutdown(t *testing.T) {
	ts := startTestServer(t, true)

	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()
	_, _, _, errCh := runClient(t, ts.config(), stdinR)

	_, err := stdinW.Write([]byte("~!"))
	require.NoError(t, err)
	require.NoError(t, waitRun(t, errCh))

	select {
	case err := <-ts.errCh:
		assert.NoError(t, err)
		ts.errCh <- err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestClientBadPassword(t *testing.T) {
	ts := startTestServer(t, false)

	cfg := ts.config()
	cfg.Password = "wrong"
	_, _, _, errCh := runClient(t, cfg, strings.NewReader(""))
	assert.ErrorIs(t, waitRun(t, errCh), ErrLoginRejected)
}

func TestClientMissingKey(t *testing.T) {
	c := newClient(Config{}, slog.New(&discardHandler{}), strings.NewReader(""), io.Discard, io.Discard)
	assert.Error(t, c.Run(context.Background()))
}

func TestClientDialFailure(t *testing.T) {
	key, err := testKey()
	require.NoError(t, err)

	// Grab a free port and close it so the dial is refused.
	ln, err := transport.Listen(transport.ModeTCP, 0)
	require.NoError(t, err)
	port := ln.Port()
	ln.Close()

	cfg := Config{Host: "127.0.0.1", Port: port, Mode: transport.ModeTCP, ServerKey: &key.PublicKey}
	c := newClient(cfg, slog.New(&discardHandler{}), strings.NewReader(""), io.Discard, io.Discard)
	assert.Error(t, c.Run(context.Background()))
}

func TestClientScript(t *testing.T) {
	ts := startTestServer(t, false)

	script := strings.Join([]string{
		"# open a terminal",
		"move 10 -4",
		"click left",
		"wheel -3",
		"key enter",
		`type "ls -l\n"`,
		"ping",
		"sleep 10ms",
		"quit",
		"move 1 1", // not reached
	}, "\n")
	cfg := ts.config()
	cfg.Script = true
	_, stdout, _, errCh := runClient(t, cfg, strings.NewReader(script))
	require.NoError(t, waitRun(t, errCh))

	cmds, _ := ts.sink.snapshot()
	assert.Equal(t, []protocol.Command{
		&protocol.MouseMove{DX: 10, DY: -4},
		&protocol.MousePress{Buttons: protocol.ButtonLeft},
		&protocol.MouseRelease{Buttons: protocol.ButtonLeft},
		&protocol.MouseWheel{Amount: -3},
		&protocol.KeyPress{Keycode: protocol.KeyEnter},
		&protocol.KeyRelease{Keycode: protocol.KeyEnter},
		&protocol.TextInput{Text: []byte("ls -l\n")},
	}, cmds)
	assert.Contains(t, stdout.String(), "pong ")
}

func TestClientScriptSyntaxError(t *testing.T) {
	ts := startTestServer(t, false)

	cfg := ts.config()
	cfg.Script = true
	_, _, _, errCh := runClient(t, cfg, strings.NewReader("move 1 1\nfly away\n"))
	err := waitRun(t, errCh)
	require.ErrorIs(t, err, errScriptSyntax)
	assert.Contains(t, err.Error(), "line 2")
}

func TestClientHeartbeat(t *testing.T) {
	ts := startTestServer(t, false)

	cfg := ts.config()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	stdinR, stdinW := io.Pipe()
	c, _, _, errCh := runClient(t, cfg, stdinR)

	require.Eventually(t, func() bool {
		return c.stats.snapshot().count >= 3
	}, 5*time.Second, 10*time.Millisecond, "pings answered")

	select {
	case err := <-errCh:
		t.Fatalf("client exited during heartbeats: %v", err)
	default:
	}

	stdinW.Close()
	require.NoError(t, waitRun(t, errCh))
}

func TestClientServerGoesAway(t *testing.T) {
	key, err := testKey()
	require.NoError(t, err)

	// A server that accepts and answers the login, then hangs up.
	ln, err := transport.Listen(transport.ModeTCP, 0)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		stream, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		defer stream.Close()
		h := &oneLogin{}
		sp, err := protocol.NewServerProtocol(h, h, key, stream)
		if err != nil {
			return
		}
		scanner, _ := protocol.NewPacketScanner(stream)
		p, err := scanner.NextPacket()
		if err != nil || p == nil {
			return
		}
		sp.Process(p)
	}()

	cfg := Config{
		Host: "127.0.0.1", Port: ln.Port(), Mode: transport.ModeTCP,
		ServerKey: &key.PublicKey, User: "bob", Password: "pw",
	}
	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()
	_, _, _, errCh := runClient(t, cfg, stdinR)
	assert.ErrorIs(t, waitRun(t, errCh), ErrConnectionLost)
}

type oneLogin struct{}

func (oneLogin) Authenticate(user, password string) bool { return true }
func (oneLogin) Command(protocol.Command)                {}
func (oneLogin) Terminate(bool)                          {}
func (oneLogin) OnAuthenticated()                        {}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input uint64
		want  string
	}{
		{0, "0B"},
		{512, "512B"},
		{1024, "1.0KB"},
		{1536, "1.5KB"},
		{1048576, "1.0MB"},
		{1073741824, "1.0GB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.input); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestProfileOutput(t *testing.T) {
	ts := startTestServer(t, false)

	cfg := ts.config()
	cfg.Profile = true
	cfg.HeartbeatInterval = 50 * time.Millisecond
	stdinR, stdinW := io.Pipe()
	c, _, stderr, errCh := runClient(t, cfg, stdinR)

	require.Eventually(t, func() bool {
		return c.stats.snapshot().count >= 2
	}, 5*time.Second, 10*time.Millisecond)
	stdinW.Close()
	require.NoError(t, waitRun(t, errCh))

	out := stderr.String()
	assert.Contains(t, out, "[profile] rtt=")
	assert.Contains(t, out, "=== Connection Profile ===")
	assert.NotContains(t, out, "Traffic:", "TCP streams have no QUIC stats")

	files, err := filepath.Glob(filepath.Join(c.profileDir, "goremote-profile-*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"transport": "tcp"`)
}
