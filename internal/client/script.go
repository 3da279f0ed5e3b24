package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chronologos/goremote/internal/protocol"
)

// scriptOp is what one script line asks for.
type scriptOp int

const (
	opNone     scriptOp = iota // blank line or comment
	opSend                     // send step.commands
	opPing                     // ping and print the round trip
	opSleep                    // wait step.wait
	opQuit                     // end the session
	opShutdown                 // end the session and ask the server to exit
)

type scriptStep struct {
	op       scriptOp
	commands []protocol.Command
	wait     time.Duration
}

var errScriptSyntax = errors.New("script syntax error")

// parseScriptLine parses one script line:
//
//	move DX DY        relative pointer move
//	press B           press a button (left, middle, right or a bitmask)
//	release B
//	click B           press then release
//	wheel N           scroll N notches, negative is up
//	keydown K         press a key (name, letter, digit or numeric code)
//	keyup K
//	key K             press then release
//	type TEXT         type the rest of the line; a Go-quoted string is unquoted
//	sleep DURATION    pause, e.g. 250ms
//	ping
//	quit
//	shutdown
//
// Blank lines and lines starting with # are ignored.
func parseScriptLine(line string) (scriptStep, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return scriptStep{op: opNone}, nil
	}

	args := strings.Fields(line)
	verb := args[0]
	rest := strings.TrimSpace(line[len(verb):])
	args = args[1:]
	send := func(cmds ...protocol.Command) (scriptStep, error) {
		return scriptStep{op: opSend, commands: cmds}, nil
	}
	bare := func(op scriptOp) (scriptStep, error) {
		if len(args) != 0 {
			return scriptStep{}, fmt.Errorf("%w: %s takes no arguments", errScriptSyntax, verb)
		}
		return scriptStep{op: op}, nil
	}
	want := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%w: %s takes %d argument(s), got %d", errScriptSyntax, verb, n, len(args))
		}
		return nil
	}

	switch strings.ToLower(verb) {
	case "move":
		if err := want(2); err != nil {
			return scriptStep{}, err
		}
		dx, err := strconv.ParseInt(args[0], 10, 16)
		if err != nil {
			return scriptStep{}, fmt.Errorf("%w: move dx: %v", errScriptSyntax, err)
		}
		dy, err := strconv.ParseInt(args[1], 10, 16)
		if err != nil {
			return scriptStep{}, fmt.Errorf("%w: move dy: %v", errScriptSyntax, err)
		}
		return send(&protocol.MouseMove{DX: int16(dx), DY: int16(dy)})

	case "press", "release", "click":
		if err := want(1); err != nil {
			return scriptStep{}, err
		}
		b, err := parseButton(args[0])
		if err != nil {
			return scriptStep{}, err
		}
		switch strings.ToLower(verb) {
		case "press":
			return send(&protocol.MousePress{Buttons: b})
		case "release":
			return send(&protocol.MouseRelease{Buttons: b})
		}
		return send(&protocol.MousePress{Buttons: b}, &protocol.MouseRelease{Buttons: b})

	case "wheel":
		if err := want(1); err != nil {
			return scriptStep{}, err
		}
		n, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return scriptStep{}, fmt.Errorf("%w: wheel: %v", errScriptSyntax, err)
		}
		return send(&protocol.MouseWheel{Amount: int32(n)})

	case "keydown", "keyup", "key":
		if err := want(1); err != nil {
			return scriptStep{}, err
		}
		k, err := parseKey(args[0])
		if err != nil {
			return scriptStep{}, err
		}
		switch strings.ToLower(verb) {
		case "keydown":
			return send(&protocol.KeyPress{Keycode: k})
		case "keyup":
			return send(&protocol.KeyRelease{Keycode: k})
		}
		return send(&protocol.KeyPress{Keycode: k}, &protocol.KeyRelease{Keycode: k})

	case "type":
		text := rest
		if strings.HasPrefix(text, `"`) {
			unq, err := strconv.Unquote(text)
			if err != nil {
				return scriptStep{}, fmt.Errorf("%w: type: bad quoted string", errScriptSyntax)
			}
			text = unq
		}
		if text == "" {
			return scriptStep{}, fmt.Errorf("%w: type needs text", errScriptSyntax)
		}
		return send(textCommands([]byte(text))...)

	case "sleep":
		if err := want(1); err != nil {
			return scriptStep{}, err
		}
		d, err := time.ParseDuration(args[0])
		if err != nil || d < 0 {
			return scriptStep{}, fmt.Errorf("%w: sleep: bad duration %q", errScriptSyntax, args[0])
		}
		return scriptStep{op: opSleep, wait: d}, nil

	case "ping":
		return bare(opPing)
	case "quit":
		return bare(opQuit)
	case "shutdown":
		return bare(opShutdown)
	}
	return scriptStep{}, fmt.Errorf("%w: unknown command %q", errScriptSyntax, verb)
}

func parseButton(s string) (int32, error) {
	if b, ok := protocol.LookupButton(s); ok {
		return b, nil
	}
	n, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown button %q", errScriptSyntax, s)
	}
	return int32(n), nil
}

// parseKey accepts a key name or a numeric code. Single digits are keys,
// so numeric codes need at least two characters (e.g. 0x41).
func parseKey(s string) (int32, error) {
	if k, ok := protocol.LookupKey(s); ok {
		return k, nil
	}
	n, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown key %q", errScriptSyntax, s)
	}
	return int32(n), nil
}

// textCommands splits text into TextInput commands that each fit one
// encrypted packet.
func textCommands(text []byte) []protocol.Command {
	var cmds []protocol.Command
	for len(text) > 0 {
		n := min(len(text), protocol.MaxTextChunk)
		n = runeCut(text, n)
		cmds = append(cmds, &protocol.TextInput{Text: text[:n]})
		text = text[n:]
	}
	return cmds
}

// runeCut moves n back so text[:n] does not end inside a UTF-8 sequence.
func runeCut(text []byte, n int) int {
	if n == len(text) {
		return n
	}
	for i := n; i > 0 && n-i < utf8.UTFMax; i-- {
		if utf8.RuneStart(text[i]) {
			return i
		}
	}
	return n
}

// runScript executes script lines from stdin. It stops at quit, shutdown
// or end of input, which all end the session, or at the first bad line.
func (c *Client) runScript(ctx context.Context, s *session) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	lineNo := 0
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read script: %w", err)
					}
				default:
				}
				return c.terminate(s, false)
			}
			lineNo++
			step, err := parseScriptLine(line)
			if err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
			done, err := c.runStep(ctx, s, step, heartbeat.C)
			if err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
			if done {
				return nil
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

// runStep performs one script step. It reports whether the session ended.
func (c *Client) runStep(ctx context.Context, s *session, step scriptStep, ticks <-chan time.Time) (bool, error) {
	switch step.op {
	case opSend:
		for _, cmd := range step.commands {
			if err := s.proto.CommandRequest(cmd); err != nil {
				return false, fmt.Errorf("send %s: %w", cmd.CommandType(), err)
			}
		}
		c.log.Debug("sent", "commands", len(step.commands))
	case opSleep:
		return false, c.wait(ctx, s, step.wait, ticks)
	case opPing:
		return false, c.scriptPing(ctx, s)
	case opQuit:
		return true, c.terminate(s, false)
	case opShutdown:
		return true, c.terminate(s, true)
	}
	return false, nil
}

// wait sleeps for d while keeping the heartbeat going.
func (c *Client) wait(ctx context.Context, s *session, d time.Duration, ticks <-chan time.Time) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return nil
		case <-c.pongs:
		case <-ticks:
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

// scriptPing sends a ping, or reuses an outstanding heartbeat ping, and
// prints the round trip once the answer arrives.
func (c *Client) scriptPing(ctx context.Context, s *session) error {
	// Drop an answer that arrived before this ping was sent.
	select {
	case <-c.pongs:
	default:
	}
	if err := s.proto.Ping(c.onPong); err != nil && !errors.Is(err, protocol.ErrPingAlreadyRequested) {
		return fmt.Errorf("ping: %w", err)
	}

	timer := time.NewTimer(c.cfg.HeartbeatInterval)
	defer timer.Stop()
	select {
	case rtt := <-c.pongs:
		fmt.Fprintf(c.stdout, "pong %s\n", formatDuration(rtt))
		return nil
	case <-timer.C:
		return ErrHeartbeatTimeout
	case err := <-s.readErr:
		return connectionLost(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}
