package process

import (
	"fmt"
	"sync/atomic"

	"pios/pkg/mem"
	"pios/pkg/spinlock"
	"pios/pkg/trap"
)

// State represents the state of a process in the system.
type State int32

const (
	// StateStopped indicates the process is inert and may be (re)started by its parent.
	StateStopped State = iota
	// StateReady indicates the process is on the ready queue.
	StateReady
	// StateRunning indicates the process is executing on a CPU.
	StateRunning
	// StateWaiting indicates the process is blocked until a child stops.
	StateWaiting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handle identifies a process control block; it is the number of the page
// the block was allocated from.
type Handle int

const noCPU = -1

// CPU is the part of a processor the state machine needs.
type CPU interface {
	// ID returns the processor number.
	ID() int
	// SetCurrent publishes p as the process running on the processor.
	SetCurrent(p *Process)
}

// Process is a process control block.
type Process struct {
	// Handle is the control block's stable arena index.
	Handle Handle
	// Page is the physical page backing the control block.
	Page mem.Page
	// Addr is the physical address of the control block.
	Addr uint32
	// Slot is the child slot the process occupies in its parent.
	Slot int

	// lock guards state changes, waitChild and children.
	lock spinlock.Spinlock

	parent    *Process
	children  []*Process
	waitChild *Process

	state  atomic.Int32
	runCPU atomic.Int32

	// saved is valid whenever the process is not running.
	saved trap.Frame

	usage Usage
}

// newProcess initialises a stopped control block with a user-mode frame.
func newProcess(h Handle, pg mem.Page, addr uint32, parent *Process, slot, maxChildren int) *Process {
	p := &Process{
		Handle:   h,
		Page:     pg,
		Addr:     addr,
		Slot:     slot,
		parent:   parent,
		children: make([]*Process, maxChildren),
		saved:    trap.UserFrame(),
	}
	p.lock.Init(fmt.Sprintf("proc%d", h))
	p.state.Store(int32(StateStopped))
	p.runCPU.Store(noCPU)
	return p
}

// Lock acquires the process lock on behalf of cpu.
func (p *Process) Lock(cpu int) {
	p.lock.Acquire(cpu)
}

// Unlock releases the process lock.
func (p *Process) Unlock(cpu int) {
	p.lock.Release(cpu)
}

// Holding reports whether cpu holds the process lock.
func (p *Process) Holding(cpu int) bool {
	return p.lock.Holding(cpu)
}

// State returns the current state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// RunCPU returns the CPU executing the process, if it is running.
func (p *Process) RunCPU() (int, bool) {
	id := int(p.runCPU.Load())
	return id, id != noCPU
}

// Parent returns the parent process, nil for the root.
func (p *Process) Parent() *Process {
	return p.parent
}

// Child returns the child in slot, or nil. The caller holds p's lock or
// knows no other CPU can change p's children.
func (p *Process) Child(slot int) *Process {
	if slot < 0 || slot >= len(p.children) {
		return nil
	}
	return p.children[slot]
}

// MaxChildren returns the number of child slots.
func (p *Process) MaxChildren() int {
	return len(p.children)
}

// WaitChild returns the child p is waiting for. The caller holds p's lock.
func (p *Process) WaitChild() *Process {
	return p.waitChild
}

// Saved returns the saved register state.
func (p *Process) Saved() trap.Frame {
	return p.saved
}

// SetSaved replaces the saved register state of a process that is not running.
func (p *Process) SetSaved(f trap.Frame) {
	if p.IsRunning() {
		panic(fmt.Errorf("process %d: set saved state: %w", p.Handle, ErrAlreadyRunning))
	}
	p.saved = f
}

// Save copies the register state tf of a running process into its control
// block, rolling the instruction pointer back over the trapping instruction
// of insnLen bytes unless entry completes a system call.
func Save(p *Process, tf trap.Frame, entry trap.Entry, insnLen uint32) {
	if !p.IsRunning() {
		panic(fmt.Errorf("process %d: save: %w", p.Handle, ErrNotRunning))
	}
	p.saved = trap.Rollback(tf, entry, insnLen)
}

// Usage returns a snapshot of the process's accounting.
func (p *Process) Usage() UsageSnapshot {
	return p.usage.Snapshot()
}

// Account adds retired instructions and traps to the process's accounting.
func (p *Process) Account(retired int, v trap.Vector) {
	p.usage.add(retired, v)
}

// String returns a short description for logs.
func (p *Process) String() string {
	if p.parent == nil {
		return fmt.Sprintf("proc%d(root)", p.Handle)
	}
	return fmt.Sprintf("proc%d(slot %d of proc%d)", p.Handle, p.Slot, p.parent.Handle)
}
