package transport

import (
	"context"
	"errors"
	"fmt"
)

// dualListener accepts streams from both QUIC (UDP) and TCP listeners on
// the same port number. Accept() returns whichever stream arrives first.
type dualListener struct {
	quic *quicListener
	tcp  *tcpListener
	port int

	// streamCh receives accepted streams from both accept loops.
	streamCh chan acceptRes
	// cancel stops both accept loops on Close.
	cancel context.CancelFunc
}

type acceptRes struct {
	stream Stream
	err    error
}

// ListenDual creates both a QUIC (UDP) and TCP listener on the same port.
// Bind order: QUIC first (gets random port from OS), then TCP on the same port.
func ListenDual(port int) (Listener, error) {
	ql, err := listenQUIC(port)
	if err != nil {
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	// Bind TCP to the same port number (UDP and TCP don't conflict).
	tl, err := listenTCP(ql.Port())
	if err != nil {
		ql.Close()
		return nil, fmt.Errorf("TCP listen on port %d: %w", ql.Port(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dl := &dualListener{
		quic:     ql,
		tcp:      tl,
		port:     ql.Port(),
		streamCh: make(chan acceptRes, 4),
		cancel:   cancel,
	}

	go dl.acceptLoop(ctx, ql)
	go dl.acceptLoop(ctx, tl)

	return dl, nil
}

// acceptLoop forwards streams from one transport. A failed QUIC stream
// accept (a client that never opened its stream) does not stop the loop;
// a closed listener does.
func (dl *dualListener) acceptLoop(ctx context.Context, ln Listener) {
	for {
		stream, err := ln.Accept(ctx)
		if err != nil && ctx.Err() != nil {
			return
		}
		select {
		case dl.streamCh <- acceptRes{stream: stream, err: err}:
		case <-ctx.Done():
			if stream != nil {
				stream.Close()
			}
			return
		}
		if err != nil && !errors.Is(err, ErrNoStream) {
			return
		}
	}
}

// Accept returns the next stream from either transport.
func (dl *dualListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case res := <-dl.streamCh:
		return res.stream, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Port returns the port number both listeners are bound to.
func (dl *dualListener) Port() int {
	return dl.port
}

// Close shuts down both listeners.
func (dl *dualListener) Close() error {
	dl.cancel()
	tcpErr := dl.tcp.Close()
	quicErr := dl.quic.Close()
	if quicErr != nil {
		return quicErr
	}
	return tcpErr
}
