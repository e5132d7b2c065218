package machine

import (
	"fmt"
	"io"

	"pios/pkg/spinlock"
)

// Console is the system console. Output from different CPUs is serialised
// by the console lock so lines never interleave.
type Console struct {
	lock spinlock.Spinlock
	w    io.Writer
}

// NewConsole creates a console writing to w. A nil w discards output.
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = io.Discard
	}
	c := &Console{w: w}
	c.lock.Init("console")
	return c
}

// Printf formats to the console on behalf of cpu.
func (c *Console) Printf(cpu int, format string, args ...any) {
	c.lock.Acquire(cpu)
	defer c.lock.Release(cpu)
	fmt.Fprintf(c.w, format, args...)
}

// Write writes raw bytes to the console on behalf of cpu.
func (c *Console) Write(cpu int, p []byte) {
	c.lock.Acquire(cpu)
	defer c.lock.Release(cpu)
	c.w.Write(p)
}

// Dump runs fn with the console locked, for multi-line output such as a
// trap dump. A lock already held by cpu is reused rather than deadlocking.
func (c *Console) Dump(cpu int, fn func(w io.Writer)) {
	if !c.lock.Holding(cpu) {
		c.lock.Acquire(cpu)
		defer c.lock.Release(cpu)
	}
	fn(c.w)
}
