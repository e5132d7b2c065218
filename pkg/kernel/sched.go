package kernel

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"pios/pkg/machine"
	"pios/pkg/process"
	"pios/pkg/trap"
)

// DispatchKind says what a CPU does after the kernel handles a trap.
type DispatchKind int

const (
	// DispatchResume returns to user mode with Dispatch.Frame.
	DispatchResume DispatchKind = iota
	// DispatchIdle looks for a ready process to run.
	DispatchIdle
	// DispatchHalt stops the kernel with Dispatch.Err.
	DispatchHalt
)

// String returns the kind name.
func (d DispatchKind) String() string {
	switch d {
	case DispatchResume:
		return "resume"
	case DispatchIdle:
		return "idle"
	case DispatchHalt:
		return "halt"
	}
	return fmt.Sprintf("dispatch(%d)", int(d))
}

// Dispatch is the outcome of handling a trap. Handlers never transfer
// control themselves; they return a Dispatch and the CPU loop acts on it.
type Dispatch struct {
	Kind  DispatchKind
	Frame trap.Frame
	Err   error
}

// Resume returns to user mode with f.
func Resume(f trap.Frame) Dispatch {
	return Dispatch{Kind: DispatchResume, Frame: f}
}

// Idle gives up the CPU.
func Idle() Dispatch {
	return Dispatch{Kind: DispatchIdle}
}

// Halt stops the kernel. A nil err is a clean shutdown.
func Halt(err error) Dispatch {
	return Dispatch{Kind: DispatchHalt, Err: err}
}

// recoverFunc handles a kernel-mode trap taken while copying user memory.
// data is the user frame of the system call in progress.
type recoverFunc func(c *CPU, ex machine.Exit, data *trap.Frame) Dispatch

// CPU is the per-processor kernel context.
type CPU struct {
	id   int
	k    *Kernel
	core *machine.Core
	boot bool
	ctx  context.Context

	// proc is the process running on this CPU, nil when idle.
	proc *process.Process

	// recover, when set, handles kernel-mode traps; recoverData is its
	// argument.
	recover     recoverFunc
	recoverData *trap.Frame
}

func newCPU(k *Kernel, id int, boot bool) *CPU {
	c := &CPU{
		id:   id,
		k:    k,
		core: machine.NewCore(id, k.mem),
		boot: boot,
		ctx:  context.Background(),
	}
	c.core.LAPIC().SetTimer(k.cfg.TimerPeriod)
	return c
}

// ID returns the processor number.
func (c *CPU) ID() int {
	return c.id
}

// SetCurrent records p as the running process. It is called by
// process.Mark.
func (c *CPU) SetCurrent(p *process.Process) {
	c.proc = p
}

// Current returns the running process, nil when idle.
func (c *CPU) Current() *process.Process {
	return c.proc
}

// Core returns the CPU's processor.
func (c *CPU) Core() *machine.Core {
	return c.core
}

// IsBoot reports whether this is the bootstrap CPU.
func (c *CPU) IsBoot() bool {
	return c.boot
}

func (c *CPU) logf(format string, args ...any) {
	c.k.log.Printf("cpu%d: "+format, append([]any{c.id}, args...)...)
}

// init loads the interrupt descriptor table. The bootstrap CPU fills it in;
// the others wait until it has.
func (c *CPU) init() bool {
	if c.boot {
		if c.k.idt.Populate(initIDT) {
			c.logf("interrupt descriptor table ready")
		}
	} else {
		for !c.k.idt.Populated() && c.pause() {
		}
		if !c.k.idt.Populated() {
			return false
		}
	}
	c.core.LoadIDT(&c.k.idt)
	return true
}

// run is the CPU's main loop.
func (c *CPU) run(ctx context.Context) {
	c.ctx = ctx
	if !c.init() {
		return
	}
	c.logf("started")

	d := Idle()
	for {
		if c.k.Halted() {
			return
		}
		if err := ctx.Err(); err != nil {
			c.k.halt(err)
			return
		}

		switch d.Kind {
		case DispatchHalt:
			c.k.halt(d.Err)
			return

		case DispatchIdle:
			c.proc = nil
			p := c.k.ready.PopWait(c.id, c.pause)
			if p == nil {
				return
			}
			d = c.dispatch(p)

		case DispatchResume:
			tf := d.Frame
			tf.EFLAGS |= trap.FlagIF
			d = c.k.Trap(c, c.core.Run(tf))

		default:
			panic(fmt.Sprintf("cpu%d: bad dispatch %v", c.id, d.Kind))
		}
	}
}

// pause waits between ready queue polls. It reports false once the kernel
// is halting.
func (c *CPU) pause() bool {
	if c.k.Halted() {
		return false
	}
	if err := c.ctx.Err(); err != nil {
		c.k.halt(err)
		return false
	}
	if c.k.cfg.IdleSleep > 0 {
		time.Sleep(c.k.cfg.IdleSleep)
	} else {
		runtime.Gosched()
	}
	return true
}

// dispatch marks p running on this CPU and resumes its saved state. p is
// either READY and just popped off the ready queue, or a STOPPED child
// started by its parent.
func (c *CPU) dispatch(p *process.Process) Dispatch {
	process.Mark(p, process.StateRunning, c)
	return Resume(p.Saved())
}

// yield gives the CPU to the next ready process, if there is one. The
// interrupted process goes to the tail of the ready queue.
func (c *CPU) yield(tf trap.Frame) Dispatch {
	next := c.k.ready.Pop(c.id)
	if next == nil {
		return Resume(tf)
	}

	p := c.proc
	p.Lock(c.id)
	process.Save(p, tf, trap.EntrySyscallComplete, 0)
	process.Mark(p, process.StateReady, nil)
	c.k.ready.Enqueue(c.id, p)
	p.Unlock(c.id)

	return c.dispatch(next)
}

// wait blocks p, which is running on this CPU, until child stops. The
// system call that asked is rolled back so it runs again on wakeup. The
// caller holds p's lock, which wait releases.
func (c *CPU) wait(p, child *process.Process, ex machine.Exit) Dispatch {
	if !p.Holding(c.id) {
		panic(fmt.Sprintf("cpu%d: %v waits without holding its lock", c.id, p))
	}
	process.Save(p, ex.Frame, trap.EntrySyscallAbort, ex.InsnLen)
	p.Wait(child)
	p.Unlock(c.id)
	c.logf("%v waits for %v", p, child)
	return Idle()
}

// ret stops p, which is running on this CPU, saving tf with the given entry
// kind, and wakes its parent if the parent waits for p.
//
// p's state changes under its parent's lock, not its own. The parent's lock
// is what a GET holds while it checks the child's state, and only one
// process lock is ever held at a time, so taking p's lock as well is not an
// option.
func (c *CPU) ret(p *process.Process, tf trap.Frame, entry trap.Entry, insnLen uint32) Dispatch {
	parent := p.Parent()
	if parent == nil {
		process.Save(p, tf, entry, insnLen)
		process.Mark(p, process.StateStopped, nil)
		if entry == trap.EntryTrap || tf.Vector() != trap.Syscall {
			return Halt(&TrapError{CPU: c.id, Frame: p.Saved(), Err: ErrRootTrap})
		}
		c.logf("root returned")
		return Halt(nil)
	}

	parent.Lock(c.id)
	process.Save(p, tf, entry, insnLen)
	process.Mark(p, process.StateStopped, nil)
	woke := parent.WaitChild() == p
	if woke {
		parent.Wake()
		c.k.ready.Enqueue(c.id, parent)
	}
	parent.Unlock(c.id)

	// p stops even when nobody waits for it: a parent that starts a child
	// and only later GETs it must find the child stopped, not running on.
	if woke {
		c.logf("%v stopped, woke %v", p, parent)
	} else {
		c.logf("%v stopped", p)
	}
	return Idle()
}
