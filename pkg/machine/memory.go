package machine

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Memory access errors.
var (
	ErrOutOfRange = errors.New("address out of range")
	ErrMisaligned = errors.New("misaligned word access")
)

// Memory is the RAM shared by every CPU. It is stored as 32-bit words and
// every access is atomic at word granularity, so concurrent CPUs never tear
// a word and XCHG is a real atomic exchange.
type Memory struct {
	words []uint32
	size  uint32
}

// NewMemory allocates size bytes of RAM, rounded up to a whole word.
func NewMemory(size uint32) *Memory {
	n := (uint64(size) + 3) / 4
	return &Memory{
		words: make([]uint32, n),
		size:  uint32(n * 4),
	}
}

// Size returns the RAM size in bytes.
func (m *Memory) Size() uint32 {
	return m.size
}

// Check verifies that [addr, addr+n) lies inside RAM.
func (m *Memory) Check(addr, n uint32) error {
	if uint64(addr)+uint64(n) > uint64(m.size) {
		return fmt.Errorf("%#x+%d: %w", addr, n, ErrOutOfRange)
	}
	return nil
}

func (m *Memory) word(addr uint32) (*uint32, error) {
	if err := m.Check(addr, 4); err != nil {
		return nil, err
	}
	if addr&3 != 0 {
		return nil, fmt.Errorf("%#x: %w", addr, ErrMisaligned)
	}
	return &m.words[addr/4], nil
}

// Load32 reads an aligned word.
func (m *Memory) Load32(addr uint32) (uint32, error) {
	w, err := m.word(addr)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(w), nil
}

// Store32 writes an aligned word.
func (m *Memory) Store32(addr, v uint32) error {
	w, err := m.word(addr)
	if err != nil {
		return err
	}
	atomic.StoreUint32(w, v)
	return nil
}

// Swap32 atomically exchanges an aligned word and returns the old value.
func (m *Memory) Swap32(addr, v uint32) (uint32, error) {
	w, err := m.word(addr)
	if err != nil {
		return 0, err
	}
	return atomic.SwapUint32(w, v), nil
}

// Load8 reads one byte.
func (m *Memory) Load8(addr uint32) (byte, error) {
	if err := m.Check(addr, 1); err != nil {
		return 0, err
	}
	w := atomic.LoadUint32(&m.words[addr/4])
	return byte(w >> (8 * (addr & 3))), nil
}

// Store8 writes one byte without disturbing its neighbours.
func (m *Memory) Store8(addr uint32, b byte) error {
	if err := m.Check(addr, 1); err != nil {
		return err
	}
	p := &m.words[addr/4]
	shift := 8 * (addr & 3)
	for {
		old := atomic.LoadUint32(p)
		nw := old&^(0xff<<shift) | uint32(b)<<shift
		if atomic.CompareAndSwapUint32(p, old, nw) {
			return nil
		}
	}
}

// Read copies len(buf) bytes starting at addr into buf.
func (m *Memory) Read(addr uint32, buf []byte) error {
	if err := m.Check(addr, uint32(len(buf))); err != nil {
		return err
	}
	for i := range buf {
		buf[i], _ = m.Load8(addr + uint32(i))
	}
	return nil
}

// Write copies data into RAM starting at addr.
func (m *Memory) Write(addr uint32, data []byte) error {
	if err := m.Check(addr, uint32(len(data))); err != nil {
		return err
	}
	for i, b := range data {
		_ = m.Store8(addr+uint32(i), b)
	}
	return nil
}
