// Package mem implements the physical page allocator the process table draws
// control blocks from.
//
// Pages are reference counted. A freshly allocated page has a count of zero
// and stays allocated until its owner takes a reference with Incref and later
// drops it again with Decref.
package mem

import (
	"errors"
	"fmt"
	"sync"
)

// PageSize is the size of one physical page in bytes.
const PageSize = 4096

// Allocation errors.
var (
	ErrNoMemory    = errors.New("out of physical pages")
	ErrInvalidPage = errors.New("invalid page")
)

// Page identifies one physical page frame.
type Page int

// Allocator hands out page frames from a fixed pool.
type Allocator struct {
	mu       sync.Mutex
	base     uint32
	refs     []int32
	used     []bool
	freelist []Page
}

// NewAllocator creates an allocator over npages frames starting at the
// physical address base.
func NewAllocator(base uint32, npages int) *Allocator {
	a := &Allocator{
		base:     base,
		refs:     make([]int32, npages),
		used:     make([]bool, npages),
		freelist: make([]Page, 0, npages),
	}
	// Push in reverse so frames come out in ascending order.
	for i := npages - 1; i >= 0; i-- {
		a.freelist = append(a.freelist, Page(i))
	}
	return a
}

// Alloc takes a free page off the free list.
func (a *Allocator) Alloc() (Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.freelist)
	if n == 0 {
		return 0, ErrNoMemory
	}
	pg := a.freelist[n-1]
	a.freelist = a.freelist[:n-1]
	a.used[pg] = true
	a.refs[pg] = 0
	return pg, nil
}

// Incref adds a reference to an allocated page.
func (a *Allocator) Incref(pg Page) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.check(pg)
	a.refs[pg]++
}

// Decref drops a reference and returns the page to the free list when the
// last reference goes away.
func (a *Allocator) Decref(pg Page) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.check(pg)
	if a.refs[pg] <= 0 {
		panic(fmt.Sprintf("mem: decref of page %d with no references", pg))
	}
	a.refs[pg]--
	if a.refs[pg] == 0 {
		a.used[pg] = false
		a.freelist = append(a.freelist, pg)
	}
}

// Refs returns the reference count of a page.
func (a *Allocator) Refs(pg Page) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.refs[pg])
}

// Addr translates a page to its physical address.
func (a *Allocator) Addr(pg Page) (uint32, error) {
	if int(pg) < 0 || int(pg) >= len(a.refs) {
		return 0, fmt.Errorf("page %d: %w", pg, ErrInvalidPage)
	}
	return a.base + uint32(pg)*PageSize, nil
}

// Pages returns the total number of frames.
func (a *Allocator) Pages() int {
	return len(a.refs)
}

// Free returns the number of frames on the free list.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.freelist)
}

func (a *Allocator) check(pg Page) {
	if int(pg) < 0 || int(pg) >= len(a.used) || !a.used[pg] {
		panic(fmt.Sprintf("mem: page %d not allocated", pg))
	}
}
