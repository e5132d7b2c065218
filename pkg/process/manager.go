package process

import (
	"errors"
	"fmt"
	"sync"

	"pios/pkg/mem"
)

// Process table errors.
var (
	ErrSlotRange  = errors.New("child slot out of range")
	ErrSlotInUse  = errors.New("child slot already in use")
	ErrRootExists = errors.New("root process already allocated")
)

// Table owns every process control block. Blocks are carved out of
// physical pages and live until the machine stops, so a handle stays valid
// once issued.
type Table struct {
	mu          sync.Mutex
	pages       *mem.Allocator
	maxChildren int
	procs       []*Process
	root        *Process
	count       int
}

// NewTable creates a table allocating control blocks from pages. Each
// process gets maxChildren child slots.
func NewTable(pages *mem.Allocator, maxChildren int) *Table {
	return &Table{
		pages:       pages,
		maxChildren: maxChildren,
		procs:       make([]*Process, pages.Pages()),
	}
}

// Capacity returns the largest number of processes the table can hold; it
// bounds every handle.
func (t *Table) Capacity() int {
	return len(t.procs)
}

// MaxChildren returns the number of child slots per process.
func (t *Table) MaxChildren() int {
	return t.maxChildren
}

// Alloc creates a stopped process in parent's slot. A nil parent allocates
// the root. Only parent's own CPU changes its children, so the slot is
// installed without taking parent's lock.
func (t *Table) Alloc(parent *Process, slot int) (*Process, error) {
	if parent != nil {
		if slot < 0 || slot >= parent.MaxChildren() {
			return nil, fmt.Errorf("alloc slot %d of %v: %w", slot, parent, ErrSlotRange)
		}
		if parent.children[slot] != nil {
			return nil, fmt.Errorf("alloc slot %d of %v: %w", slot, parent, ErrSlotInUse)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if parent == nil && t.root != nil {
		return nil, ErrRootExists
	}

	pg, err := t.pages.Alloc()
	if err != nil {
		return nil, fmt.Errorf("alloc process: %w", err)
	}
	t.pages.Incref(pg)
	addr, err := t.pages.Addr(pg)
	if err != nil {
		t.pages.Decref(pg)
		return nil, fmt.Errorf("alloc process: %w", err)
	}

	p := newProcess(Handle(pg), pg, addr, parent, slot, t.maxChildren)
	t.procs[pg] = p
	t.count++

	if parent == nil {
		t.root = p
	} else {
		parent.children[slot] = p
	}
	return p, nil
}

// Root returns the root process, or nil before it is allocated.
func (t *Table) Root() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Count returns the number of allocated processes.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Processes returns all allocated processes in handle order.
func (t *Table) Processes() []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Process, 0, t.count)
	for _, p := range t.procs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
