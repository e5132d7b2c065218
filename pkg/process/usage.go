package process

import (
	"sync"

	"pios/pkg/trap"
)

// Usage tracks what a process has consumed.
type Usage struct {
	mu         sync.Mutex
	dispatches int
	retired    int
	traps      [trap.NumTraps]int
}

// UsageSnapshot is a copy of a process's accounting.
type UsageSnapshot struct {
	// Dispatches is the number of times the process was marked running.
	Dispatches int
	// Retired is the number of user instructions executed.
	Retired int
	// Traps counts kernel entries by vector.
	Traps map[trap.Vector]int
}

func (u *Usage) dispatched() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dispatches++
}

func (u *Usage) add(retired int, v trap.Vector) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.retired += retired
	if v < trap.NumTraps {
		u.traps[v]++
	}
}

// Snapshot returns a copy of the counters.
func (u *Usage) Snapshot() UsageSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	s := UsageSnapshot{
		Dispatches: u.dispatches,
		Retired:    u.retired,
		Traps:      make(map[trap.Vector]int),
	}
	for v, n := range u.traps {
		if n > 0 {
			s.Traps[trap.Vector(v)] = n
		}
	}
	return s
}

// TrapCount returns how often vector v entered the kernel.
func (s UsageSnapshot) TrapCount(v trap.Vector) int {
	return s.Traps[v]
}
