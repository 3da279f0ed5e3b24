package inject

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"

	"github.com/chronologos/goremote/internal/protocol"
)

// PTYInjector types commands into a shell running in a PTY. Text and key
// presses become terminal input; mouse commands are counted and dropped.
type PTYInjector struct {
	log  *slog.Logger
	ptmx *os.File
	cmd  *exec.Cmd

	mu    sync.Mutex // serializes PTY writes and modifier state
	shift bool
	ctrl  bool

	ignored   atomic.Int64
	copyDone  chan struct{}
	closeOnce sync.Once
}

// NewPTYInjector starts shell in a new PTY and copies its output to out.
func NewPTYInjector(shell string, out io.Writer, log *slog.Logger) (*PTYInjector, error) {
	ptmx, cmd, err := spawnPTY(shell)
	if err != nil {
		return nil, err
	}
	p := &PTYInjector{
		log:      log,
		ptmx:     ptmx,
		cmd:      cmd,
		copyDone: make(chan struct{}),
	}
	go func() {
		defer close(p.copyDone)
		// Reading the master after the shell exits fails with EIO on Linux.
		io.Copy(out, ptmx)
	}()
	return p, nil
}

// spawnPTY starts shell as a login shell in a new 24x80 PTY.
// Sets GOREMOTE_SESSION so the shell can tell it is driven remotely.
func spawnPTY(shell string) (*os.File, *exec.Cmd, error) {
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell)

	// Login shell: prepend "-" to argv[0] so the shell reads profile files.
	cmd.Args[0] = "-" + filepath.Base(shell)

	var env []string
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "TERM=") {
			env = append(env, e)
		}
	}
	cmd.Env = append(env, "TERM=xterm-256color", "GOREMOTE_SESSION=1")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, nil, fmt.Errorf("start PTY: %w", err)
	}
	return ptmx, cmd, nil
}

func (p *PTYInjector) Inject(cmd protocol.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch c := cmd.(type) {
	case *protocol.TextInput:
		return p.write(c.Text)

	case *protocol.KeyPress:
		switch c.Keycode {
		case protocol.KeyShift:
			p.shift = true
			return nil
		case protocol.KeyControl:
			p.ctrl = true
			return nil
		}
		b := keyBytes(c.Keycode, p.shift, p.ctrl)
		if b == nil {
			p.drop(cmd)
			return nil
		}
		return p.write(b)

	case *protocol.KeyRelease:
		switch c.Keycode {
		case protocol.KeyShift:
			p.shift = false
		case protocol.KeyControl:
			p.ctrl = false
		}
		return nil

	default:
		p.drop(cmd)
		return nil
	}
}

func (p *PTYInjector) write(b []byte) error {
	if _, err := p.ptmx.Write(b); err != nil {
		return fmt.Errorf("write PTY: %w", err)
	}
	return nil
}

func (p *PTYInjector) drop(cmd protocol.Command) {
	p.ignored.Add(1)
	p.log.Debug("command ignored", commandAttrs(cmd)...)
}

// Ignored returns the number of commands that had no terminal equivalent.
func (p *PTYInjector) Ignored() int64 {
	return p.ignored.Load()
}

// Close stops the shell and waits for its output to drain.
func (p *PTYInjector) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		err = p.ptmx.Close()
		waitErr := p.cmd.Wait()
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			err = errors.Join(err, waitErr)
		}
		<-p.copyDone
	})
	return err
}

// keyBytes returns the terminal input for a key press, or nil if the key
// has none.
func keyBytes(code int32, shift, ctrl bool) []byte {
	switch code {
	case protocol.KeyEnter:
		return []byte{'\r'}
	case protocol.KeyTab:
		return []byte{'\t'}
	case protocol.KeyBackspace:
		return []byte{0x7F}
	case protocol.KeyEscape:
		return []byte{0x1B}
	case protocol.KeySpace:
		return []byte{' '}
	case protocol.KeyDelete:
		return []byte("\x1b[3~")
	case protocol.KeyUp:
		return []byte("\x1b[A")
	case protocol.KeyDown:
		return []byte("\x1b[B")
	case protocol.KeyRight:
		return []byte("\x1b[C")
	case protocol.KeyLeft:
		return []byte("\x1b[D")
	case protocol.KeyHome:
		return []byte("\x1b[H")
	case protocol.KeyEnd:
		return []byte("\x1b[F")
	case protocol.KeyPageUp:
		return []byte("\x1b[5~")
	case protocol.KeyPageDown:
		return []byte("\x1b[6~")
	}

	switch {
	case code >= 'A' && code <= 'Z':
		if ctrl {
			return []byte{byte(code - 'A' + 1)}
		}
		if shift {
			return []byte{byte(code)}
		}
		return []byte{byte(code - 'A' + 'a')}
	case code >= '0' && code <= '9':
		return []byte{byte(code)}
	}
	return nil
}
