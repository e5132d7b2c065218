/*
Package process implements process control blocks, their state machine and
the ready queue.

A process is always in exactly one state:

  - Stopped: inert; its parent may set its registers and start it
  - Ready: on the ready queue waiting for a CPU
  - Running: executing on exactly one CPU
  - Waiting: blocked until the child it waits for stops

Mark is the only function that changes a process's state. It panics on a
transition the kernel never makes, so a bookkeeping bug stops the machine
at the point it happens rather than later.

Save stores the register state of a trapped process. For a trap or an
aborted system call the instruction pointer is rolled back over the
trapping instruction so it re-executes when the process resumes; a
completed system call resumes after it.

# Locking

Each process has a spinlock guarding its state and the child it waits for.
A child that stops takes its parent's lock to test whether the parent is
waiting for it, and a parent decides to wait under the same lock, so the
wakeup cannot be lost. The ready queue lock may be taken while a process
lock is held, never the other way round.

# Usage

	pages := mem.NewAllocator(0x100000, 64)
	table := process.NewTable(pages, 256)
	queue := process.NewReadyQueue(table.Capacity())

	root, _ := table.Alloc(nil, 0)
	process.Mark(root, process.StateReady, nil)
	queue.Enqueue(cpu.ID(), root)
*/
package process
