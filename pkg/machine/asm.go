package machine

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Assembler errors.
var (
	ErrUnresolvedLabel = errors.New("unresolved label")
	ErrDuplicateLabel  = errors.New("duplicate label")
	ErrBadRegister     = errors.New("bad register")
)

type fixupKind int

const (
	fixAbs32 fixupKind = iota // absolute address of the label
	fixRel32                  // label minus the end of the instruction
)

type fixup struct {
	at    int
	end   uint32
	label string
	kind  fixupKind
}

// Assembler builds a program image for the machine. Forward references to
// labels are resolved by Assemble. The first error sticks and is reported
// by Assemble.
type Assembler struct {
	org    uint32
	buf    []byte
	labels map[string]uint32
	fixups []fixup
	err    error
}

// NewAssembler starts a program that will be loaded at org.
func NewAssembler(org uint32) *Assembler {
	return &Assembler{
		org:    org,
		labels: make(map[string]uint32),
	}
}

// PC returns the address of the next emitted byte.
func (a *Assembler) PC() uint32 {
	return a.org + uint32(len(a.buf))
}

// Org returns the load address.
func (a *Assembler) Org() uint32 {
	return a.org
}

func (a *Assembler) setErr(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *Assembler) emit(b ...byte) *Assembler {
	a.buf = append(a.buf, b...)
	return a
}

func (a *Assembler) emit32(v uint32) *Assembler {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
	return a
}

func (a *Assembler) reg(r int) byte {
	if r < 0 || r >= 8 {
		a.setErr(fmt.Errorf("%w: %d", ErrBadRegister, r))
		return 0
	}
	return byte(r)
}

func (a *Assembler) modrm(d, s int) byte {
	return a.reg(d)<<4 | a.reg(s)
}

// Label defines name at the current address.
func (a *Assembler) Label(name string) *Assembler {
	if _, ok := a.labels[name]; ok {
		a.setErr(fmt.Errorf("%w: %s", ErrDuplicateLabel, name))
	}
	a.labels[name] = a.PC()
	return a
}

// Addr returns the address of a defined label.
func (a *Assembler) Addr(name string) (uint32, error) {
	addr, ok := a.labels[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnresolvedLabel, name)
	}
	return addr, nil
}

// Nop emits NOP.
func (a *Assembler) Nop() *Assembler { return a.emit(OpNOP) }

// Pause emits the spin-wait hint.
func (a *Assembler) Pause() *Assembler { return a.emit(OpREP, OpNOP) }

// Hlt emits HLT.
func (a *Assembler) Hlt() *Assembler { return a.emit(OpHLT) }

// Ud2 emits the guaranteed-undefined instruction.
func (a *Assembler) Ud2() *Assembler { return a.emit(OpTwo, Op2UD2) }

// Int emits INT n.
func (a *Assembler) Int(n byte) *Assembler { return a.emit(OpINT, n) }

// Int3 emits the one-byte breakpoint.
func (a *Assembler) Int3() *Assembler { return a.emit(OpINT3) }

// Into emits INTO.
func (a *Assembler) Into() *Assembler { return a.emit(OpINTO) }

// MovI loads an immediate into r.
func (a *Assembler) MovI(r int, imm uint32) *Assembler {
	return a.emit(OpMOVI + a.reg(r)).emit32(imm)
}

// MovL loads the address of label into r.
func (a *Assembler) MovL(r int, label string) *Assembler {
	a.emit(OpMOVI + a.reg(r))
	a.fixups = append(a.fixups, fixup{at: len(a.buf), label: label, kind: fixAbs32})
	return a.emit32(0)
}

// Mov copies s into d.
func (a *Assembler) Mov(d, s int) *Assembler { return a.emit(OpMOV, a.modrm(d, s)) }

// Add adds s to d.
func (a *Assembler) Add(d, s int) *Assembler { return a.emit(OpADD, a.modrm(d, s)) }

// Sub subtracts s from d.
func (a *Assembler) Sub(d, s int) *Assembler { return a.emit(OpSUB, a.modrm(d, s)) }

// Cmp sets flags from d-s.
func (a *Assembler) Cmp(d, s int) *Assembler { return a.emit(OpCMP, a.modrm(d, s)) }

// Div divides d by s.
func (a *Assembler) Div(d, s int) *Assembler { return a.emit(OpDIV, a.modrm(d, s)) }

// AddI adds a signed 8-bit immediate to d.
func (a *Assembler) AddI(d int, imm int8) *Assembler {
	return a.emit(OpADDI, a.modrm(d, 0), byte(imm))
}

// Load reads the word at [s] into d.
func (a *Assembler) Load(d, s int) *Assembler { return a.emit(OpLOAD, a.modrm(d, s)) }

// Store writes s to the word at [d].
func (a *Assembler) Store(d, s int) *Assembler { return a.emit(OpSTORE, a.modrm(d, s)) }

// Xchg atomically swaps d with the word at [s].
func (a *Assembler) Xchg(d, s int) *Assembler { return a.emit(OpXCHG, a.modrm(d, s)) }

// Push pushes r.
func (a *Assembler) Push(r int) *Assembler { return a.emit(OpPUSH + a.reg(r)) }

// Pop pops into r.
func (a *Assembler) Pop(r int) *Assembler { return a.emit(OpPOP + a.reg(r)) }

func (a *Assembler) branch(label string, op ...byte) *Assembler {
	a.emit(op...)
	at := len(a.buf)
	a.emit32(0)
	a.fixups = append(a.fixups, fixup{at: at, end: a.PC(), label: label, kind: fixRel32})
	return a
}

// Jmp jumps to label.
func (a *Assembler) Jmp(label string) *Assembler { return a.branch(label, OpJMP) }

// Je jumps to label if the zero flag is set.
func (a *Assembler) Je(label string) *Assembler { return a.branch(label, OpTwo, Op2JE) }

// Jne jumps to label if the zero flag is clear.
func (a *Assembler) Jne(label string) *Assembler { return a.branch(label, OpTwo, Op2JNE) }

// Word emits a data word.
func (a *Assembler) Word(v uint32) *Assembler { return a.emit32(v) }

// Bytes emits raw data.
func (a *Assembler) Bytes(b []byte) *Assembler { return a.emit(b...) }

// Space emits n zero bytes.
func (a *Assembler) Space(n int) *Assembler { return a.emit(make([]byte, n)...) }

// String emits s followed by a NUL byte.
func (a *Assembler) String(s string) *Assembler {
	a.emit([]byte(s)...)
	return a.emit(0)
}

// Align pads with zero bytes up to a multiple of n.
func (a *Assembler) Align(n uint32) *Assembler {
	for a.PC()%n != 0 {
		a.emit(0)
	}
	return a
}

// Assemble resolves label references and returns the image.
func (a *Assembler) Assemble() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	for _, fx := range a.fixups {
		target, ok := a.labels[fx.label]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnresolvedLabel, fx.label)
		}
		v := target
		if fx.kind == fixRel32 {
			v = target - fx.end
		}
		binary.LittleEndian.PutUint32(a.buf[fx.at:], v)
	}
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out, nil
}

// Build assembles a program whose data refers to its own labels, such as a
// trapframe holding an entry point. gen runs twice: first with addr
// returning zero to lay the program out, then with the label addresses the
// first pass found. gen must emit the same amount of code both times.
func Build(org uint32, gen func(a *Assembler, addr func(label string) uint32)) (*Assembler, []byte, error) {
	first := NewAssembler(org)
	gen(first, func(string) uint32 { return 0 })
	if first.err != nil {
		return nil, nil, first.err
	}

	a := NewAssembler(org)
	var missing error
	gen(a, func(label string) uint32 {
		addr, err := first.Addr(label)
		if err != nil && missing == nil {
			missing = err
		}
		return addr
	})
	if missing != nil {
		return nil, nil, missing
	}
	code, err := a.Assemble()
	if err != nil {
		return nil, nil, err
	}
	if len(code) != len(first.buf) {
		return nil, nil, fmt.Errorf("program layout changed between passes: %d != %d bytes", len(code), len(first.buf))
	}
	return a, code, nil
}
