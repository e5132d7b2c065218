package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"pios/pkg/machine"
	"pios/pkg/mem"
	"pios/pkg/process"
	"pios/pkg/trap"
)

// Kernel errors.
var (
	ErrBadConfig     = errors.New("invalid kernel configuration")
	ErrUnhandledTrap = errors.New("unhandled trap in kernel mode")
	ErrRootTrap      = errors.New("root process trapped")
	ErrNoRoot        = errors.New("no root process")
	ErrRunning       = errors.New("kernel already running")
)

// Address space layout. User code and data live in [UserLo, UserHi); the
// part of that window beyond the end of RAM is unmapped and faults. Process
// control blocks are carved out of pages starting at KernelBase.
const (
	UserLo     uint32 = 0x00001000
	UserHi     uint32 = 0xf0000000
	KernelBase uint32 = UserHi
)

// Config holds kernel configuration.
type Config struct {
	// CPUs is the number of processors to start.
	CPUs int
	// MemorySize is the size of RAM in bytes.
	MemorySize uint32
	// ProcPages is the number of pages reserved for process control blocks,
	// which bounds the number of processes.
	ProcPages int
	// MaxChildren is the number of child slots per process.
	MaxChildren int
	// TimerPeriod is the number of user instructions between timer
	// interrupts.
	TimerPeriod int
	// IdleSleep is how long an idle CPU pauses between ready queue polls.
	IdleSleep time.Duration
	// Console receives CPUTS output and trap dumps. Nil discards it.
	Console io.Writer
	// Logger receives kernel events. Nil discards them.
	Logger *log.Logger
}

// DefaultConfig returns the default kernel configuration.
func DefaultConfig() Config {
	return Config{
		CPUs:        2,
		MemorySize:  1 << 20,
		ProcPages:   64,
		MaxChildren: 256,
		TimerPeriod: 1000,
		IdleSleep:   50 * time.Microsecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.CPUs < 1:
		return fmt.Errorf("%w: need at least one cpu, have %d", ErrBadConfig, c.CPUs)
	case c.MemorySize <= UserLo || c.MemorySize > UserHi:
		return fmt.Errorf("%w: memory size %#x outside (%#x, %#x]", ErrBadConfig, c.MemorySize, UserLo, UserHi)
	case c.ProcPages < 1:
		return fmt.Errorf("%w: need at least one process page", ErrBadConfig)
	case c.MaxChildren < 1:
		return fmt.Errorf("%w: need at least one child slot", ErrBadConfig)
	case c.TimerPeriod < 1:
		return fmt.Errorf("%w: timer period %d", ErrBadConfig, c.TimerPeriod)
	case c.IdleSleep < 0:
		return fmt.Errorf("%w: negative idle sleep", ErrBadConfig)
	}
	return nil
}

// Kernel owns the machine and every piece of kernel state: the process
// table, the ready queue and the per-CPU contexts.
type Kernel struct {
	cfg     Config
	log     *log.Logger
	mem     *machine.Memory
	pages   *mem.Allocator
	procs   *process.Table
	ready   *process.ReadyQueue
	idt     machine.IDT
	console *machine.Console
	cpus    []*CPU

	running  atomic.Bool
	halted   atomic.Bool
	haltOnce sync.Once
	haltErr  error
}

// New creates a kernel from cfg.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	pages := mem.NewAllocator(KernelBase, cfg.ProcPages)
	procs := process.NewTable(pages, cfg.MaxChildren)

	k := &Kernel{
		cfg:     cfg,
		log:     logger,
		mem:     machine.NewMemory(cfg.MemorySize),
		pages:   pages,
		procs:   procs,
		ready:   process.NewReadyQueue(procs.Capacity()),
		console: machine.NewConsole(cfg.Console),
	}

	for id := 0; id < cfg.CPUs; id++ {
		k.cpus = append(k.cpus, newCPU(k, id, id == 0))
	}
	return k, nil
}

// Config returns the configuration the kernel was built with.
func (k *Kernel) Config() Config {
	return k.cfg
}

// Memory returns the machine's RAM.
func (k *Kernel) Memory() *machine.Memory {
	return k.mem
}

// Processes returns the process table.
func (k *Kernel) Processes() *process.Table {
	return k.procs
}

// ReadyQueue returns the ready queue.
func (k *Kernel) ReadyQueue() *process.ReadyQueue {
	return k.ready
}

// IDT returns the interrupt descriptor table shared by every CPU.
func (k *Kernel) IDT() *machine.IDT {
	return &k.idt
}

// CPU returns processor id.
func (k *Kernel) CPU(id int) *CPU {
	return k.cpus[id]
}

// NumCPU returns the number of processors.
func (k *Kernel) NumCPU() int {
	return len(k.cpus)
}

// Root returns the root process, or nil before Boot.
func (k *Kernel) Root() *process.Process {
	return k.procs.Root()
}

// Load copies a program image into user memory at addr.
func (k *Kernel) Load(addr uint32, image []byte) error {
	if addr < UserLo {
		return fmt.Errorf("load %#x: below user space: %w", addr, machine.ErrOutOfRange)
	}
	if err := k.mem.Write(addr, image); err != nil {
		return fmt.Errorf("load %#x: %w", addr, err)
	}
	return nil
}

// Boot creates the root process with its instruction and stack pointers set
// and makes it ready to run.
func (k *Kernel) Boot(entry, stack uint32) (*process.Process, error) {
	root, err := k.procs.Alloc(nil, 0)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}

	f := root.Saved()
	f.EIP = entry
	f.ESP = stack
	root.SetSaved(f)

	process.Mark(root, process.StateReady, nil)
	k.ready.Enqueue(0, root)
	k.log.Printf("boot: root %v entry %#x stack %#x", root, entry, stack)
	return root, nil
}

// Run starts every CPU and blocks until the kernel halts. It returns nil
// when the root process returns, ctx's error if ctx ends first, and a
// *TrapError for a fatal trap.
func (k *Kernel) Run(ctx context.Context) error {
	if k.procs.Root() == nil {
		return ErrNoRoot
	}
	if !k.running.CompareAndSwap(false, true) {
		return ErrRunning
	}

	var wg sync.WaitGroup
	for _, c := range k.cpus {
		wg.Add(1)
		go func(c *CPU) {
			defer wg.Done()
			c.run(ctx)
		}(c)
	}
	wg.Wait()

	k.log.Printf("halted: %v", k.haltErr)
	return k.haltErr
}

// Halted reports whether the kernel has stopped.
func (k *Kernel) Halted() bool {
	return k.halted.Load()
}

// halt stops every CPU. The first error recorded wins.
func (k *Kernel) halt(err error) {
	k.haltOnce.Do(func() {
		k.haltErr = err
		k.halted.Store(true)
	})
}

// initIDT installs the trap gates. Breakpoint and overflow, along with the
// system call, timer and spurious vectors, may be raised from user mode.
func initIDT(t *machine.IDT) {
	for v := trap.Divide; v <= trap.SIMD; v++ {
		switch v {
		case trap.Vector(9), trap.Vector(15):
			continue // reserved
		case trap.Brkpt, trap.Oflow:
			t.SetGate(v, 3)
		default:
			t.SetGate(v, 0)
		}
	}
	t.SetGate(trap.Secev, 0)
	t.SetGate(trap.Syscall, 3)
	t.SetGate(trap.LTimer, 3)
	t.SetGate(trap.Spurious, 3)
}
