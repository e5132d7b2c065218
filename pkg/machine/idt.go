package machine

import (
	"sync"
	"sync/atomic"

	"pios/pkg/trap"
)

// Gate is one interrupt descriptor table entry.
type Gate struct {
	Present bool
	// DPL is the lowest privilege allowed to raise the vector with INT.
	DPL int
}

// IDT is the interrupt descriptor table. One table is populated once and
// then loaded by every CPU.
type IDT struct {
	once      sync.Once
	populated atomic.Bool
	gates     [trap.NumTraps]Gate
}

// SetGate installs vector v at privilege level dpl.
func (t *IDT) SetGate(v trap.Vector, dpl int) {
	t.gates[v] = Gate{Present: true, DPL: dpl}
}

// Gate returns the entry for v.
func (t *IDT) Gate(v trap.Vector) Gate {
	if v >= trap.NumTraps {
		return Gate{}
	}
	return t.gates[v]
}

// Populate runs setup the first time it is called and reports whether this
// call was the one that ran it.
func (t *IDT) Populate(setup func(t *IDT)) bool {
	ran := false
	t.once.Do(func() {
		setup(t)
		t.populated.Store(true)
		ran = true
	})
	return ran
}

// Populated reports whether the table has been filled in.
func (t *IDT) Populated() bool {
	return t.populated.Load()
}
