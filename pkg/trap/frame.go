package trap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameSize is the size of the encoded trapframe in bytes.
const FrameSize = 68

// Segment selectors.
const (
	SegKernelCode uint16 = 0x08
	SegKernelData uint16 = 0x10
	SegUserCode   uint16 = 0x18
	SegUserData   uint16 = 0x20
)

// EFLAGS bits.
const (
	FlagCF uint32 = 0x0001 // carry
	FlagPF uint32 = 0x0004 // parity
	FlagAF uint32 = 0x0010 // auxiliary carry
	FlagZF uint32 = 0x0040 // zero
	FlagSF uint32 = 0x0080 // sign
	FlagTF uint32 = 0x0100 // trap
	FlagIF uint32 = 0x0200 // interrupt enable
	FlagDF uint32 = 0x0400 // direction
	FlagOF uint32 = 0x0800 // overflow

	// FlagsUser are the EFLAGS bits user code may set.
	FlagsUser = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagDF | FlagOF
)

// Register numbers as encoded in instructions.
const (
	EAX = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
	NumRegs
)

var regNames = [NumRegs]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}

// RegName returns the name of register r.
func RegName(r int) string {
	if r < 0 || r >= NumRegs {
		return fmt.Sprintf("r%d", r)
	}
	return regNames[r]
}

// ErrShortFrame is returned when decoding fewer than FrameSize bytes.
var ErrShortFrame = errors.New("short trapframe")

// PushRegs holds the general registers in the order the trap entry pushes them.
type PushRegs struct {
	EDI  uint32
	ESI  uint32
	EBP  uint32
	OESP uint32 // unused slot left by the push-all instruction
	EBX  uint32
	EDX  uint32
	ECX  uint32
	EAX  uint32
}

// Frame is the saved processor state captured when a CPU leaves user mode.
type Frame struct {
	Regs   PushRegs
	ES     uint16
	DS     uint16
	Trapno uint32
	Err    uint32
	EIP    uint32
	CS     uint16
	EFLAGS uint32
	ESP    uint32
	SS     uint16
}

// UserFrame returns a zeroed frame with user segment selectors loaded.
func UserFrame() Frame {
	return Frame{
		DS: SegUserData | 3,
		ES: SegUserData | 3,
		CS: SegUserCode | 3,
		SS: SegUserData | 3,
	}
}

// CPL returns the privilege level the frame was captured at.
func (f Frame) CPL() int {
	return int(f.CS & 3)
}

// FromUser reports whether the trap was taken from user mode.
func (f Frame) FromUser() bool {
	return f.CPL() == 3
}

// Vector returns the trap number as a Vector.
func (f Frame) Vector() Vector {
	return Vector(f.Trapno)
}

// Reg returns general register r.
func (f Frame) Reg(r int) uint32 {
	switch r {
	case EAX:
		return f.Regs.EAX
	case ECX:
		return f.Regs.ECX
	case EDX:
		return f.Regs.EDX
	case EBX:
		return f.Regs.EBX
	case ESP:
		return f.ESP
	case EBP:
		return f.Regs.EBP
	case ESI:
		return f.Regs.ESI
	case EDI:
		return f.Regs.EDI
	}
	panic(fmt.Sprintf("trap: bad register %d", r))
}

// SetReg sets general register r.
func (f *Frame) SetReg(r int, v uint32) {
	switch r {
	case EAX:
		f.Regs.EAX = v
	case ECX:
		f.Regs.ECX = v
	case EDX:
		f.Regs.EDX = v
	case EBX:
		f.Regs.EBX = v
	case ESP:
		f.ESP = v
	case EBP:
		f.Regs.EBP = v
	case ESI:
		f.Regs.ESI = v
	case EDI:
		f.Regs.EDI = v
	default:
		panic(fmt.Sprintf("trap: bad register %d", r))
	}
}

// MarshalBinary encodes the frame in its little-endian memory layout.
func (f *Frame) MarshalBinary() ([]byte, error) {
	buf := make([]byte, FrameSize)
	f.Put(buf)
	return buf, nil
}

// Put encodes the frame into buf, which must hold FrameSize bytes.
func (f *Frame) Put(buf []byte) {
	_ = buf[FrameSize-1]
	le := binary.LittleEndian
	words := []uint32{
		f.Regs.EDI, f.Regs.ESI, f.Regs.EBP, f.Regs.OESP,
		f.Regs.EBX, f.Regs.EDX, f.Regs.ECX, f.Regs.EAX,
		uint32(f.ES), uint32(f.DS),
		f.Trapno, f.Err, f.EIP, uint32(f.CS),
		f.EFLAGS, f.ESP, uint32(f.SS),
	}
	for i, w := range words {
		le.PutUint32(buf[i*4:], w)
	}
}

// UnmarshalBinary decodes a frame from its memory layout.
func (f *Frame) UnmarshalBinary(buf []byte) error {
	if len(buf) < FrameSize {
		return fmt.Errorf("%w: %d bytes", ErrShortFrame, len(buf))
	}
	le := binary.LittleEndian
	w := func(i int) uint32 { return le.Uint32(buf[i*4:]) }

	f.Regs = PushRegs{
		EDI: w(0), ESI: w(1), EBP: w(2), OESP: w(3),
		EBX: w(4), EDX: w(5), ECX: w(6), EAX: w(7),
	}
	f.ES = uint16(w(8))
	f.DS = uint16(w(9))
	f.Trapno = w(10)
	f.Err = w(11)
	f.EIP = w(12)
	f.CS = uint16(w(13))
	f.EFLAGS = w(14)
	f.ESP = w(15)
	f.SS = uint16(w(16))
	return nil
}
