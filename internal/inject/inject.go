// Package inject delivers received input commands on the server side.
package inject

import (
	"log/slog"
	"sync/atomic"

	"github.com/chronologos/goremote/internal/protocol"
)

// Injector consumes the commands of one authenticated connection.
type Injector interface {
	Inject(cmd protocol.Command) error
	Close() error
}

// LogInjector records every command to a logger and does nothing else.
type LogInjector struct {
	log   *slog.Logger
	count atomic.Int64
}

func NewLogInjector(log *slog.Logger) *LogInjector {
	return &LogInjector{log: log}
}

func (l *LogInjector) Inject(cmd protocol.Command) error {
	l.count.Add(1)
	l.log.Info("command", commandAttrs(cmd)...)
	return nil
}

// Count returns the number of commands injected so far.
func (l *LogInjector) Count() int64 {
	return l.count.Load()
}

func (l *LogInjector) Close() error {
	l.log.Debug("injector closed", "commands", l.count.Load())
	return nil
}

func commandAttrs(cmd protocol.Command) []any {
	attrs := []any{"type", cmd.CommandType().String()}
	switch c := cmd.(type) {
	case *protocol.MouseMove:
		attrs = append(attrs, "dx", c.DX, "dy", c.DY)
	case *protocol.MousePress:
		attrs = append(attrs, "buttons", c.Buttons)
	case *protocol.MouseRelease:
		attrs = append(attrs, "buttons", c.Buttons)
	case *protocol.MouseWheel:
		attrs = append(attrs, "amount", c.Amount)
	case *protocol.KeyPress:
		attrs = append(attrs, "keycode", c.Keycode)
	case *protocol.KeyRelease:
		attrs = append(attrs, "keycode", c.Keycode)
	case *protocol.TextInput:
		attrs = append(attrs, "bytes", len(c.Text))
	}
	return attrs
}
