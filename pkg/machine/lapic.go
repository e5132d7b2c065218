package machine

import (
	"math/bits"
	"sync/atomic"

	"pios/pkg/trap"
)

// LAPIC is a CPU's local interrupt controller. It owns the periodic timer
// and the pending/in-service state of the interrupt vectors IRQ0..IRQ0+63.
// Only one interrupt is in service at a time; the kernel must acknowledge
// it with EOI before another is delivered.
type LAPIC struct {
	period  int
	count   int
	pending atomic.Uint64
	service atomic.Uint64
	eois    atomic.Uint64
	ticks   atomic.Uint64
}

// SetTimer programs the timer to fire every period retired instructions.
// A period of zero stops the timer.
func (l *LAPIC) SetTimer(period int) {
	l.period = period
	l.count = 0
}

// tick advances the timer by one retired instruction.
func (l *LAPIC) tick() {
	if l.period <= 0 {
		return
	}
	l.count++
	if l.count >= l.period {
		l.count = 0
		l.ticks.Add(1)
		l.Raise(trap.LTimer)
	}
}

// Raise marks vector v pending. It may be called from any goroutine.
func (l *LAPIC) Raise(v trap.Vector) {
	if v < trap.IRQ0 || v >= trap.IRQ0+64 {
		return
	}
	bit := uint64(1) << (v - trap.IRQ0)
	for {
		old := l.pending.Load()
		if l.pending.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// next takes the highest pending vector and puts it in service.
func (l *LAPIC) next() (trap.Vector, bool) {
	if l.service.Load() != 0 {
		return 0, false
	}
	for {
		p := l.pending.Load()
		if p == 0 {
			return 0, false
		}
		hi := 63 - bits.LeadingZeros64(p)
		bit := uint64(1) << hi
		if l.pending.CompareAndSwap(p, p&^bit) {
			l.service.Store(bit)
			return trap.IRQ0 + trap.Vector(hi), true
		}
	}
}

// EOI acknowledges the interrupt in service.
func (l *LAPIC) EOI() {
	l.service.Store(0)
	l.eois.Add(1)
}

// InService reports whether an interrupt awaits EOI.
func (l *LAPIC) InService() bool {
	return l.service.Load() != 0
}

// EOIs returns the number of acknowledged interrupts.
func (l *LAPIC) EOIs() uint64 {
	return l.eois.Load()
}

// Ticks returns the number of timer expirations.
func (l *LAPIC) Ticks() uint64 {
	return l.ticks.Load()
}
