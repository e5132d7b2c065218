package process

import (
	"errors"
	"fmt"
)

// State transition errors.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyRunning    = errors.New("process already running on a cpu")
	ErrNotRunning        = errors.New("process is not running")
)

// StateTransition represents a valid state transition.
type StateTransition struct {
	From State
	To   State
}

// ValidTransitions defines all valid state transitions.
var ValidTransitions = []StateTransition{
	// Dispatch: Ready -> Running
	{From: StateReady, To: StateRunning},
	// PUT with START runs the child without queueing it: Stopped -> Running
	{From: StateStopped, To: StateRunning},
	// Boot or respawn: Stopped -> Ready
	{From: StateStopped, To: StateReady},
	// Child stopped: Waiting -> Ready
	{From: StateWaiting, To: StateReady},
	// Yield CPU: Running -> Ready
	{From: StateRunning, To: StateReady},
	// Wait for a child: Running -> Waiting
	{From: StateRunning, To: StateWaiting},
	// RET or reflected trap: Running -> Stopped
	{From: StateRunning, To: StateStopped},
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to State) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Mark moves p to state s. It is the only place a process's state and
// running CPU change. Marking a process RUNNING records cpu as its CPU and
// publishes p as the CPU's current process; any other state clears the
// running CPU. An illegal transition is a kernel bug and panics.
func Mark(p *Process, s State, cpu CPU) {
	from := p.State()
	if !IsValidTransition(from, s) {
		panic(fmt.Errorf("process %d: %s -> %s: %w", p.Handle, from, s, ErrInvalidTransition))
	}

	if s == StateRunning {
		if cpu == nil {
			panic(fmt.Errorf("process %d: running without a cpu", p.Handle))
		}
		if !p.runCPU.CompareAndSwap(noCPU, int32(cpu.ID())) {
			panic(fmt.Errorf("process %d on cpu %d: %w", p.Handle, p.runCPU.Load(), ErrAlreadyRunning))
		}
		p.state.Store(int32(s))
		p.usage.dispatched()
		cpu.SetCurrent(p)
		return
	}

	p.runCPU.Store(noCPU)
	p.state.Store(int32(s))
}

// Wait blocks a running process on child. The caller holds p's lock.
func (p *Process) Wait(child *Process) {
	Mark(p, StateWaiting, nil)
	p.waitChild = child
}

// Wake clears the wait and makes p ready. The caller holds p's lock and
// must enqueue p afterwards.
func (p *Process) Wake() {
	p.waitChild = nil
	Mark(p, StateReady, nil)
}

// IsStopped returns true if the process is stopped.
func (p *Process) IsStopped() bool {
	return p.State() == StateStopped
}

// IsRunning returns true if the process is executing on a CPU.
func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}
