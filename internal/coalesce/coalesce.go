// Package coalesce batches typed bytes into TextInput-sized chunks.
//
// Each stdin read on the client would otherwise become its own
// CommandRequest, each padded and encrypted separately. The Coalescer
// accumulates bytes and flushes when:
//
//   - the deadline expires (measured from the first byte in a batch, not
//     reset by later adds)
//   - the pending bytes reach the chunk limit
//   - the caller flushes explicitly before a key event or shutdown
package coalesce

import (
	"time"
	"unicode/utf8"
)

// Delay is the default coalescing deadline from the first byte in a batch.
const Delay = 2 * time.Millisecond

// Coalescer accumulates bytes and flushes on deadline or limit.
// All methods are used from a single goroutine (the select loop).
type Coalescer struct {
	buf   []byte
	delay time.Duration
	limit int
	timer *time.Timer
	armed bool
}

// New creates a Coalescer whose flushed chunks are at most limit bytes.
// A zero delay uses Delay.
func New(delay time.Duration, limit int) *Coalescer {
	if delay <= 0 {
		delay = Delay
	}
	if limit <= 0 {
		panic("coalesce: limit must be positive")
	}
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &Coalescer{
		buf:   make([]byte, 0, 4*limit),
		delay: delay,
		limit: limit,
		timer: t,
	}
}

// Add appends data to the buffer. It reports whether a full chunk is
// pending and the caller should flush immediately.
func (c *Coalescer) Add(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	if len(c.buf) == 0 && !c.armed {
		c.timer.Reset(c.delay)
		c.armed = true
	}
	c.buf = append(c.buf, data...)
	return len(c.buf) >= c.limit
}

// Flush returns the pending bytes split into chunks of at most the limit
// and resets the buffer. Chunks are cut on UTF-8 boundaries where the input
// allows it. Returns nil if nothing is pending. The chunks are owned by the
// caller.
func (c *Coalescer) Flush() [][]byte {
	if len(c.buf) == 0 {
		return nil
	}
	c.disarm()

	var out [][]byte
	rest := c.buf
	for len(rest) > 0 {
		n := min(len(rest), c.limit)
		n = runeBoundary(rest, n)
		chunk := make([]byte, n)
		copy(chunk, rest[:n])
		out = append(out, chunk)
		rest = rest[n:]
	}
	c.buf = c.buf[:0]
	return out
}

// runeBoundary moves n back to the start of a rune that would be split,
// unless that would leave an empty chunk.
func runeBoundary(b []byte, n int) int {
	if n == len(b) {
		return n
	}
	for i := n; i > 0 && n-i < utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			return i
		}
	}
	return n
}

func (c *Coalescer) disarm() {
	if !c.armed {
		return
	}
	if !c.timer.Stop() {
		// Fired already: drain so a later select does not see it.
		select {
		case <-c.timer.C:
		default:
		}
	}
	c.armed = false
}

// Timer returns the channel that fires when the coalescing deadline expires.
// It is nil when no deadline is active, which disables the select case.
func (c *Coalescer) Timer() <-chan time.Time {
	if !c.armed {
		return nil
	}
	return c.timer.C
}

// Stop releases the timer.
func (c *Coalescer) Stop() {
	c.timer.Stop()
	c.armed = false
}

// Pending returns the number of buffered bytes.
func (c *Coalescer) Pending() int {
	return len(c.buf)
}
