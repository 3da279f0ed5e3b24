package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupStreamPair creates a listener with mode and dials into it with
// dialMode, returning both sides.
func setupStreamPair(t *testing.T, mode, dialMode Mode) (server, client Stream) {
	t.Helper()

	ln, err := Listen(mode, 0)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	accepted := make(chan Stream, 1)
	acceptErr := make(chan error, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- s
	}()

	client, err = Dial(ctx, dialMode, "127.0.0.1", ln.Port())
	require.NoError(t, err, "dial")
	t.Cleanup(func() { client.Close() })

	// QUIC only announces the stream with its first frame.
	_, err = client.Write([]byte{0})
	require.NoError(t, err)

	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("accept: %v", err)
	case <-ctx.Done():
		t.Fatal("timeout waiting for accept")
	}
	t.Cleanup(func() { server.Close() })

	first := make([]byte, 1)
	_, err = io.ReadFull(server, first)
	require.NoError(t, err)
	return server, client
}

func TestBidirectionalExchange(t *testing.T) {
	for _, mode := range []Mode{ModeQUIC, ModeTCP} {
		t.Run(mode.String(), func(t *testing.T) {
			server, client := setupStreamPair(t, mode, mode)
			assert.Equal(t, mode, server.Mode())
			assert.Equal(t, mode, client.Mode())
			assert.NotNil(t, server.RemoteAddr())

			_, err := client.Write([]byte("hello from client"))
			require.NoError(t, err)
			buf := make([]byte, len("hello from client"))
			_, err = io.ReadFull(server, buf)
			require.NoError(t, err)
			assert.Equal(t, "hello from client", string(buf))

			_, err = server.Write([]byte("hello from server"))
			require.NoError(t, err)
			buf = make([]byte, len("hello from server"))
			_, err = io.ReadFull(client, buf)
			require.NoError(t, err)
			assert.Equal(t, "hello from server", string(buf))
		})
	}
}

func TestCloseReadsAsEOF(t *testing.T) {
	for _, mode := range []Mode{ModeQUIC, ModeTCP} {
		t.Run(mode.String(), func(t *testing.T) {
			server, client := setupStreamPair(t, mode, mode)
			require.NoError(t, client.Close())

			require.NoError(t, server.SetReadDeadline(time.Now().Add(5*time.Second)))
			_, err := io.ReadAll(server)
			assert.NoError(t, err, "ReadAll treats io.EOF as success")
		})
	}
}

func TestReadDeadline(t *testing.T) {
	for _, mode := range []Mode{ModeQUIC, ModeTCP} {
		t.Run(mode.String(), func(t *testing.T) {
			server, _ := setupStreamPair(t, mode, mode)
			require.NoError(t, server.SetReadDeadline(time.Now().Add(50*time.Millisecond)))

			start := time.Now()
			_, err := server.Read(make([]byte, 1))
			assert.Error(t, err)
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}
}

func TestQUICStreamIsProfileable(t *testing.T) {
	server, client := setupStreamPair(t, ModeQUIC, ModeQUIC)
	_, ok := client.(ProfileableStream)
	assert.True(t, ok)
	_, ok = server.(ProfileableStream)
	assert.True(t, ok)

	_, client = setupStreamPair(t, ModeTCP, ModeTCP)
	_, ok = client.(ProfileableStream)
	assert.False(t, ok)
}

func TestDialDualRejected(t *testing.T) {
	_, err := Dial(context.Background(), ModeDual, "127.0.0.1", 1)
	assert.Error(t, err)
}

func TestDialRefused(t *testing.T) {
	ln, err := Listen(ModeTCP, 0)
	require.NoError(t, err)
	port := ln.Port()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = Dial(ctx, ModeTCP, "127.0.0.1", port)
	assert.Error(t, err)
}

func TestSilentClientDoesNotDelayOthers(t *testing.T) {
	for _, mode := range []Mode{ModeQUIC, ModeDual} {
		t.Run(mode.String(), func(t *testing.T) {
			ln, err := Listen(mode, 0)
			require.NoError(t, err)
			defer ln.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			// Connects but never writes, so its stream is never announced.
			silent, err := Dial(ctx, ModeQUIC, "127.0.0.1", ln.Port())
			require.NoError(t, err)
			defer silent.Close()

			start := time.Now()
			good, err := Dial(ctx, ModeQUIC, "127.0.0.1", ln.Port())
			require.NoError(t, err)
			defer good.Close()
			_, err = good.Write([]byte{42})
			require.NoError(t, err)

			acceptCtx, acceptCancel := context.WithTimeout(ctx, streamAcceptTimeout/2)
			defer acceptCancel()
			server, err := ln.Accept(acceptCtx)
			require.NoError(t, err)
			defer server.Close()
			assert.Less(t, time.Since(start), streamAcceptTimeout/2)

			got := make([]byte, 1)
			_, err = io.ReadFull(server, got)
			require.NoError(t, err)
			assert.Equal(t, byte(42), got[0])
		})
	}
}

func TestQUICListenerCloseStopsAccept(t *testing.T) {
	ln, err := Listen(ModeQUIC, 0)
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = ln.Accept(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded, "closed listener returns at once")
}

func TestAcceptRespectsContext(t *testing.T) {
	for _, mode := range []Mode{ModeQUIC, ModeTCP, ModeDual} {
		t.Run(mode.String(), func(t *testing.T) {
			ln, err := Listen(mode, 0)
			require.NoError(t, err)
			defer ln.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			_, err = ln.Accept(ctx)
			assert.Error(t, err)
		})
	}
}

func TestParseMode(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Mode
	}{
		{"quic", ModeQUIC},
		{"TCP", ModeTCP},
		{"dual", ModeDual},
		{"", ModeDual},
	} {
		got, err := ParseMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseMode("udp")
	assert.Error(t, err)
}
