package client

// EscapeAction is the result of processing input through the escape machine.
type EscapeAction int

const (
	EscSend       EscapeAction = iota // emit output bytes
	EscDisconnect                     // ~. ends the session
	EscShutdown                       // ~! ends the session and asks the server to exit
)

// escapes maps the byte following a line-initial ~ to its action.
var escapes = map[byte]EscapeAction{
	'.': EscDisconnect,
	'!': EscShutdown,
}

type escapeState int

const (
	escMidLine   escapeState = iota
	escLineStart             // after \r or \n, or at connection start
	escTilde                 // saw ~ at line start, held back
)

// EscapeProcessor detects ~. and ~! at the start of a line in typed input.
// A line-initial ~ is held back until the next byte shows whether it starts
// an escape; ~~ sends a single ~.
type EscapeProcessor struct {
	state escapeState
}

// NewEscapeProcessor returns a processor at line start, so an escape works
// as the very first input.
func NewEscapeProcessor() *EscapeProcessor {
	return &EscapeProcessor{state: escLineStart}
}

func isNewline(b byte) bool { return b == '\r' || b == '\n' }

// Process filters input into dst, which must have room for len(input)+1
// bytes. It returns the number of bytes written and the action. On an
// escape action the bytes before the escape are in dst[:n]; the rest of
// input is dropped.
func (e *EscapeProcessor) Process(input, dst []byte) (int, EscapeAction) {
	n := 0
	emit := func(b byte) {
		dst[n] = b
		n++
	}
	for _, b := range input {
		switch e.state {
		case escTilde:
			if action, ok := escapes[b]; ok {
				e.state = escLineStart
				return n, action
			}
			emit('~')
			if b == '~' {
				e.state = escMidLine
				continue
			}
		case escLineStart:
			if b == '~' {
				e.state = escTilde
				continue
			}
		}

		emit(b)
		if isNewline(b) {
			e.state = escLineStart
		} else {
			e.state = escMidLine
		}
	}
	return n, EscSend
}

// Reset returns the processor to line start.
func (e *EscapeProcessor) Reset() {
	e.state = escLineStart
}
