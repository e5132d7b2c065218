// Package spinlock provides the busy-waiting mutual exclusion lock used for
// process control blocks, the ready queue and the console.
//
// Unlike sync.Mutex a Spinlock records which CPU holds it, so the kernel can
// assert lock ownership and release a lock it knows it holds when it is about
// to give up the CPU for good.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// NoHolder is the holder value of an unlocked Spinlock.
const NoHolder = -1

// Spinlock is a test-and-set lock. The zero value is unlocked.
type Spinlock struct {
	locked atomic.Uint32
	// holder is the ID of the CPU holding the lock, plus one.
	holder atomic.Int32
	name   string
}

// Init resets the lock to the unlocked state.
func (l *Spinlock) Init(name string) {
	l.name = name
	l.holder.Store(0)
	l.locked.Store(0)
}

// Name returns the debugging name.
func (l *Spinlock) Name() string {
	return l.name
}

// Acquire spins until the lock is taken on behalf of cpu.
// Acquiring a lock already held by the same CPU panics.
func (l *Spinlock) Acquire(cpu int) {
	if l.Holding(cpu) {
		panic("spinlock: recursive acquire of " + l.name)
	}
	for !l.locked.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
	l.holder.Store(int32(cpu) + 1)
}

// TryAcquire takes the lock if it is free.
func (l *Spinlock) TryAcquire(cpu int) bool {
	if !l.locked.CompareAndSwap(0, 1) {
		return false
	}
	l.holder.Store(int32(cpu) + 1)
	return true
}

// Release releases a lock held by cpu.
func (l *Spinlock) Release(cpu int) {
	if !l.Holding(cpu) {
		panic("spinlock: release of " + l.name + " not held")
	}
	l.holder.Store(0)
	l.locked.Store(0)
}

// Holding reports whether cpu holds the lock.
func (l *Spinlock) Holding(cpu int) bool {
	return l.locked.Load() == 1 && int(l.holder.Load())-1 == cpu
}

// Holder returns the ID of the holding CPU, or NoHolder.
func (l *Spinlock) Holder() int {
	if l.locked.Load() == 0 {
		return NoHolder
	}
	return int(l.holder.Load()) - 1
}
