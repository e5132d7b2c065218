package machine

import (
	"errors"

	"pios/pkg/trap"
)

// Core is one simulated processor. It executes user code out of the shared
// Memory until something traps, then hands the trapframe back to the kernel.
type Core struct {
	id    int
	mem   *Memory
	idt   *IDT
	lapic LAPIC
}

// Exit describes why Run stopped.
type Exit struct {
	// Frame is the processor state at the trap. EIP points past the
	// trapping instruction, or at it if the instruction could not be fetched.
	Frame trap.Frame
	// InsnLen is the encoded length of the trapping instruction, zero for
	// interrupts and fetch faults.
	InsnLen uint32
	// CR2 is the faulting address of a page fault.
	CR2 uint32
	// Retired counts the instructions completed during this run.
	Retired int
}

// fault is an exception raised while executing one instruction.
type fault struct {
	vec  trap.Vector
	err  uint32
	len  uint32
	cr2  uint32
	soft bool // raised by an INT instruction, checked against the gate DPL
}

// NewCore creates processor id attached to mem.
func NewCore(id int, mem *Memory) *Core {
	return &Core{id: id, mem: mem}
}

// ID returns the processor number.
func (c *Core) ID() int {
	return c.id
}

// LoadIDT points the processor at an interrupt descriptor table.
func (c *Core) LoadIDT(t *IDT) {
	c.idt = t
}

// IDT returns the loaded descriptor table.
func (c *Core) IDT() *IDT {
	return c.idt
}

// LAPIC returns the processor's local interrupt controller.
func (c *Core) LAPIC() *LAPIC {
	return &c.lapic
}

// Run resumes execution from f and returns at the next trap.
func (c *Core) Run(f trap.Frame) Exit {
	if c.idt == nil {
		panic("machine: core run without an IDT")
	}

	retired := 0
	for {
		if f.EFLAGS&trap.FlagIF != 0 {
			if v, ok := c.lapic.next(); ok {
				e := c.deliver(f, &fault{vec: v})
				e.Retired = retired
				return e
			}
		}

		if flt := c.exec(&f); flt != nil {
			e := c.deliver(f, flt)
			e.Retired = retired
			return e
		}
		retired++
		c.lapic.tick()
	}
}

// deliver vectors a fault through the IDT.
func (c *Core) deliver(f trap.Frame, flt *fault) Exit {
	vec, errcode := flt.vec, flt.err
	g := c.idt.Gate(vec)
	if !g.Present || (flt.soft && g.DPL < f.CPL()) {
		errcode = uint32(vec)<<3 | 2
		vec = trap.Gpflt
	}
	f.Trapno = uint32(vec)
	f.Err = errcode
	return Exit{Frame: f, InsnLen: flt.len, CR2: flt.cr2}
}

func (c *Core) fetch8(addr uint32) (byte, *fault) {
	b, err := c.mem.Load8(addr)
	if err != nil {
		return 0, &fault{vec: trap.Pgflt, err: 4, cr2: addr}
	}
	return b, nil
}

func (c *Core) fetch32(addr uint32) (uint32, *fault) {
	var v uint32
	for i := uint32(0); i < 4; i++ {
		b, flt := c.fetch8(addr + i)
		if flt != nil {
			return 0, flt
		}
		v |= uint32(b) << (8 * i)
	}
	return v, nil
}

// memFault converts a data access error into a fault for an instruction of
// length n.
func memFault(err error, addr uint32, n uint32, write bool) *fault {
	if errors.Is(err, ErrMisaligned) {
		return &fault{vec: trap.Align, len: n}
	}
	code := uint32(4)
	if write {
		code |= 2
	}
	return &fault{vec: trap.Pgflt, err: code, len: n, cr2: addr}
}

// exec executes the instruction at f.EIP. On success f is updated and EIP
// advanced; on a fault registers are left untouched except that EIP moves
// past the instruction when it was fetched completely.
func (c *Core) exec(f *trap.Frame) *fault {
	pc := f.EIP
	op, flt := c.fetch8(pc)
	if flt != nil {
		return flt
	}

	// fail moves EIP past a fully fetched instruction and returns the fault.
	fail := func(flt *fault) *fault {
		f.EIP = pc + flt.len
		return flt
	}

	switch {
	case op == OpNOP:
		f.EIP = pc + 1

	case op == OpHLT:
		return fail(&fault{vec: trap.Gpflt, len: 1})

	case op == OpINT3:
		return fail(&fault{vec: trap.Brkpt, len: LenINT3, soft: true})

	case op == OpINTO:
		if f.EFLAGS&trap.FlagOF != 0 {
			return fail(&fault{vec: trap.Oflow, len: 1, soft: true})
		}
		f.EIP = pc + 1

	case op == OpINT:
		n, flt := c.fetch8(pc + 1)
		if flt != nil {
			return flt
		}
		return fail(&fault{vec: trap.Vector(n), len: LenINT, soft: true})

	case op >= OpPUSH && op < OpPUSH+8:
		sp := f.ESP - 4
		if err := c.mem.Store32(sp, f.Reg(int(op-OpPUSH))); err != nil {
			return fail(memFault(err, sp, 1, true))
		}
		f.ESP = sp
		f.EIP = pc + 1

	case op >= OpPOP && op < OpPOP+8:
		v, err := c.mem.Load32(f.ESP)
		if err != nil {
			return fail(memFault(err, f.ESP, 1, false))
		}
		f.ESP += 4
		f.SetReg(int(op-OpPOP), v)
		f.EIP = pc + 1

	case op >= OpMOVI && op < OpMOVI+8:
		imm, flt := c.fetch32(pc + 1)
		if flt != nil {
			return flt
		}
		f.SetReg(int(op-OpMOVI), imm)
		f.EIP = pc + 5

	case op == OpJMP:
		rel, flt := c.fetch32(pc + 1)
		if flt != nil {
			return flt
		}
		f.EIP = pc + 5 + rel

	case op == OpTwo:
		return c.execTwo(f, pc, fail)

	case op == OpREP:
		op2, flt := c.fetch8(pc + 1)
		if flt != nil {
			return flt
		}
		if op2 != OpNOP {
			return fail(&fault{vec: trap.Illop, len: 2})
		}
		f.EIP = pc + 2

	case op == OpADD, op == OpSUB, op == OpCMP, op == OpMOV, op == OpDIV,
		op == OpLOAD, op == OpSTORE, op == OpXCHG, op == OpADDI:
		return c.execRR(f, pc, op, fail)

	default:
		return fail(&fault{vec: trap.Illop, len: 1})
	}
	return nil
}

// execTwo executes the two-byte opcodes.
func (c *Core) execTwo(f *trap.Frame, pc uint32, fail func(*fault) *fault) *fault {
	op2, flt := c.fetch8(pc + 1)
	if flt != nil {
		return flt
	}
	switch op2 {
	case Op2UD2:
		return fail(&fault{vec: trap.Illop, len: 2})
	case Op2JE, Op2JNE:
		rel, flt := c.fetch32(pc + 2)
		if flt != nil {
			return flt
		}
		zf := f.EFLAGS&trap.FlagZF != 0
		if zf == (op2 == Op2JE) {
			f.EIP = pc + 6 + rel
		} else {
			f.EIP = pc + 6
		}
		return nil
	}
	return fail(&fault{vec: trap.Illop, len: 2})
}

// execRR executes the instructions taking a ModRM register pair.
func (c *Core) execRR(f *trap.Frame, pc uint32, op byte, fail func(*fault) *fault) *fault {
	modrm, flt := c.fetch8(pc + 1)
	if flt != nil {
		return flt
	}
	d, s := int(modrm>>4), int(modrm&0x0f)
	if d >= trap.NumRegs || s >= trap.NumRegs {
		return fail(&fault{vec: trap.Illop, len: 2})
	}

	n := uint32(2)
	switch op {
	case OpADD:
		f.SetReg(d, arith(f, f.Reg(d), f.Reg(s), false))
	case OpSUB:
		f.SetReg(d, arith(f, f.Reg(d), f.Reg(s), true))
	case OpCMP:
		arith(f, f.Reg(d), f.Reg(s), true)
	case OpMOV:
		f.SetReg(d, f.Reg(s))
	case OpDIV:
		if f.Reg(s) == 0 {
			return fail(&fault{vec: trap.Divide, len: n})
		}
		f.SetReg(d, f.Reg(d)/f.Reg(s))
	case OpADDI:
		imm, flt := c.fetch8(pc + 2)
		if flt != nil {
			return flt
		}
		n = 3
		f.SetReg(d, arith(f, f.Reg(d), uint32(int32(int8(imm))), false))
	case OpLOAD:
		v, err := c.mem.Load32(f.Reg(s))
		if err != nil {
			return fail(memFault(err, f.Reg(s), n, false))
		}
		f.SetReg(d, v)
	case OpSTORE:
		if err := c.mem.Store32(f.Reg(d), f.Reg(s)); err != nil {
			return fail(memFault(err, f.Reg(d), n, true))
		}
	case OpXCHG:
		old, err := c.mem.Swap32(f.Reg(s), f.Reg(d))
		if err != nil {
			return fail(memFault(err, f.Reg(s), n, true))
		}
		f.SetReg(d, old)
	}
	f.EIP = pc + n
	return nil
}

// arith computes a+b or a-b and sets the arithmetic flags.
func arith(f *trap.Frame, a, b uint32, sub bool) uint32 {
	var r uint32
	var cf, of bool
	if sub {
		r = a - b
		cf = a < b
		of = ((a^b)&(a^r))>>31 == 1
	} else {
		r = a + b
		cf = r < a
		of = (^(a^b)&(a^r))>>31 == 1
	}

	fl := f.EFLAGS &^ (trap.FlagCF | trap.FlagZF | trap.FlagSF | trap.FlagOF)
	if cf {
		fl |= trap.FlagCF
	}
	if r == 0 {
		fl |= trap.FlagZF
	}
	if r&0x80000000 != 0 {
		fl |= trap.FlagSF
	}
	if of {
		fl |= trap.FlagOF
	}
	f.EFLAGS = fl
	return r
}
