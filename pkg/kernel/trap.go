package kernel

import (
	"fmt"
	"io"

	"pios/pkg/machine"
	"pios/pkg/trap"
)

// TrapError describes a trap that stopped the kernel.
type TrapError struct {
	CPU   int
	Frame trap.Frame
	Err   error
}

// Error returns the error message.
func (e *TrapError) Error() string {
	return fmt.Sprintf("cpu%d: %v: trap %d (%s) err %#x at eip %#x",
		e.CPU, e.Err, e.Frame.Trapno, e.Frame.Vector(), e.Frame.Err, e.Frame.EIP)
}

// Unwrap returns the underlying error.
func (e *TrapError) Unwrap() error {
	return e.Err
}

// Trap handles the trap that ended a run of c's processor and says what the
// CPU does next.
func (k *Kernel) Trap(c *CPU, ex machine.Exit) Dispatch {
	tf := ex.Frame

	// A trap in kernel mode is only expected while copying user memory.
	if !tf.FromUser() {
		if c.recover != nil {
			return c.recover(c, ex, c.recoverData)
		}
		return c.fatal(tf)
	}

	p := c.proc
	if p == nil {
		panic(fmt.Sprintf("cpu%d: user trap %s with no current process", c.id, tf.Vector()))
	}
	p.Account(ex.Retired, tf.Vector())

	switch tf.Vector() {
	case trap.Syscall:
		return c.syscall(ex)

	case trap.LTimer:
		c.core.LAPIC().EOI()
		return c.yield(tf)

	case trap.Spurious:
		c.core.LAPIC().EOI()
		c.logf("spurious interrupt at eip %#x", tf.EIP)
		return Resume(tf)
	}

	return c.reflect(ex)
}

// reflect stops the current process because of a trap it took in user mode
// and hands the trap to its parent. The saved EIP points at the faulting
// instruction.
func (c *CPU) reflect(ex machine.Exit) Dispatch {
	tf := ex.Frame
	c.logf("%v: reflecting %s (err %#x) at eip %#x", c.proc, tf.Vector(), tf.Err, tf.EIP-ex.InsnLen)
	return c.ret(c.proc, tf, trap.EntryTrap, ex.InsnLen)
}

// fatal dumps an unexpected kernel-mode trap to the console and halts.
func (c *CPU) fatal(tf trap.Frame) Dispatch {
	c.k.console.Dump(c.id, func(w io.Writer) {
		fmt.Fprintf(w, "cpu%d: kernel trap %d (%s)\n", c.id, tf.Trapno, tf.Vector())
		trap.Print(w, &tf)
	})
	return Halt(&TrapError{CPU: c.id, Frame: tf, Err: ErrUnhandledTrap})
}
