package process

import (
	"errors"
	"fmt"
	"sync/atomic"

	"pios/pkg/spinlock"
)

// Ready queue errors.
var (
	ErrNotReady      = errors.New("process is not ready")
	ErrAlreadyQueued = errors.New("process already on the ready queue")
	ErrBadHandle     = errors.New("handle outside the process arena")
)

// ReadyQueue is the FIFO of processes waiting for a CPU. Links are arena
// indices: a process's handle names its node and index len(procs) is the
// sentinel, so an empty queue is the sentinel linked to itself.
type ReadyQueue struct {
	lock  spinlock.Spinlock
	next  []int
	prev  []int
	procs []*Process
	n     atomic.Int32
}

// NewReadyQueue creates an empty queue for handles in [0, capacity).
func NewReadyQueue(capacity int) *ReadyQueue {
	q := &ReadyQueue{
		next:  make([]int, capacity+1),
		prev:  make([]int, capacity+1),
		procs: make([]*Process, capacity),
	}
	q.lock.Init("readyq")
	s := q.sentinel()
	q.next[s] = s
	q.prev[s] = s
	return q
}

func (q *ReadyQueue) sentinel() int {
	return len(q.procs)
}

// Enqueue appends a READY process to the tail. Enqueueing a process that is
// not READY or already queued is a kernel bug and panics.
func (q *ReadyQueue) Enqueue(cpu int, p *Process) {
	h := int(p.Handle)
	if h < 0 || h >= len(q.procs) {
		panic(fmt.Errorf("enqueue %v: %w", p, ErrBadHandle))
	}
	if st := p.State(); st != StateReady {
		panic(fmt.Errorf("enqueue %v in state %s: %w", p, st, ErrNotReady))
	}

	q.lock.Acquire(cpu)
	defer q.lock.Release(cpu)

	if q.procs[h] != nil {
		panic(fmt.Errorf("enqueue %v: %w", p, ErrAlreadyQueued))
	}
	s := q.sentinel()
	tail := q.prev[s]
	q.next[tail] = h
	q.prev[h] = tail
	q.next[h] = s
	q.prev[s] = h
	q.procs[h] = p
	q.n.Add(1)
}

// Pop removes and returns the head of the queue, or nil if it is empty.
func (q *ReadyQueue) Pop(cpu int) *Process {
	q.lock.Acquire(cpu)
	defer q.lock.Release(cpu)
	return q.unlinkHead()
}

// PopWait pops the head, calling pause between attempts while the queue is
// empty. It returns nil once pause reports false.
func (q *ReadyQueue) PopWait(cpu int, pause func() bool) *Process {
	for {
		if p := q.Pop(cpu); p != nil {
			return p
		}
		if !pause() {
			return nil
		}
	}
}

// Len returns the number of queued processes.
func (q *ReadyQueue) Len() int {
	return int(q.n.Load())
}

// contains reports whether p is queued.
func (q *ReadyQueue) contains(cpu int, p *Process) bool {
	h := int(p.Handle)
	if h < 0 || h >= len(q.procs) {
		return false
	}
	q.lock.Acquire(cpu)
	defer q.lock.Release(cpu)
	return q.procs[h] == p
}

// unlinkHead is called with the queue lock held.
func (q *ReadyQueue) unlinkHead() *Process {
	s := q.sentinel()
	h := q.next[s]
	if h == s {
		return nil
	}
	q.next[s] = q.next[h]
	q.prev[q.next[h]] = s
	q.next[h] = h
	q.prev[h] = h
	p := q.procs[h]
	q.procs[h] = nil
	q.n.Add(-1)
	return p
}
