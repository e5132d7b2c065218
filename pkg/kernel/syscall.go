package kernel

import (
	"bytes"
	"errors"

	"pios/pkg/machine"
	"pios/pkg/process"
	"pios/pkg/trap"
)

// syscall runs the system call encoded in the trapped registers.
func (c *CPU) syscall(ex machine.Exit) Dispatch {
	switch ex.Frame.Regs.EAX & SysTypeMask {
	case SysCputs:
		return c.sysCputs(ex)
	case SysPut:
		return c.sysPut(ex)
	case SysGet:
		return c.sysGet(ex)
	case SysRet:
		return c.sysRet(ex)
	}
	// Unknown calls are ordinary traps.
	return c.reflect(ex)
}

// sysCputs prints the user string at EBX. At most CputsMax-1 bytes are
// printed. A string that ends close to the end of RAM is fine as long as its
// terminator is in RAM.
func (c *CPU) sysCputs(ex machine.Exit) Dispatch {
	uva := ex.Frame.Regs.EBX
	size := uint32(CputsMax)
	if end := c.k.mem.Size(); uva >= UserLo && uva < end && end-uva < size {
		size = end - uva
	}

	buf := make([]byte, size)
	if d, ok := c.usercopy(ex, false, buf, uva); !ok {
		return d
	}
	switch i := bytes.IndexByte(buf, 0); {
	case i >= 0:
		buf = buf[:i]
	case size < CputsMax:
		// No terminator before the end of RAM: fault on the first byte
		// past it.
		d, _ := c.usercopy(ex, false, make([]byte, CputsMax), uva)
		return d
	default:
		buf = buf[:CputsMax-1]
	}
	c.k.console.Write(c.id, buf)
	return Resume(ex.Frame)
}

// sysPut sets up the child in slot EDX: it creates the child if needed,
// loads registers from the frame at EBX if SysRegs is set and starts the
// child if SysStart is set.
func (c *CPU) sysPut(ex machine.Exit) Dispatch {
	tf := ex.Frame
	p := c.proc
	cmd, slot := tf.Regs.EAX, tf.Regs.EDX

	var regs trap.Frame
	if cmd&SysRegs != 0 {
		buf := make([]byte, trap.FrameSize)
		if d, ok := c.usercopy(ex, false, buf, tf.Regs.EBX); !ok {
			return d
		}
		if err := regs.UnmarshalBinary(buf); err != nil {
			panic(err)
		}
	}

	if slot >= uint32(p.MaxChildren()) {
		c.logf("%v: put slot %d out of range", p, slot)
		return Resume(tf)
	}
	child := p.Child(int(slot))
	if child == nil {
		var err error
		child, err = c.k.procs.Alloc(p, int(slot))
		if err != nil {
			// The caller sees an unchanged, empty slot.
			c.logf("%v: put slot %d: %v", p, slot, err)
			return Resume(tf)
		}
		c.logf("%v: created %v", p, child)
	}

	p.Lock(c.id)
	if !child.IsStopped() {
		return c.wait(p, child, ex)
	}
	p.Unlock(c.id)

	if cmd&SysRegs != 0 {
		f := child.Saved()
		f.Regs = regs.Regs
		f.EIP = regs.EIP
		f.ESP = regs.ESP
		f.EFLAGS = f.EFLAGS&^trap.FlagsUser | regs.EFLAGS&trap.FlagsUser
		child.SetSaved(f)
	}

	if cmd&SysStart == 0 {
		return Resume(tf)
	}

	p.Lock(c.id)
	process.Save(p, tf, trap.EntrySyscallComplete, ex.InsnLen)
	process.Mark(p, process.StateReady, nil)
	c.k.ready.Enqueue(c.id, p)
	p.Unlock(c.id)

	c.logf("%v: start %v at eip %#x", p, child, child.Saved().EIP)
	return c.dispatch(child)
}

// sysGet waits for the child in slot EDX to stop and, if SysRegs is set,
// copies its saved frame to EBX. An empty slot returns at once.
func (c *CPU) sysGet(ex machine.Exit) Dispatch {
	tf := ex.Frame
	p := c.proc
	cmd, slot := tf.Regs.EAX, tf.Regs.EDX

	child := p.Child(int(min(slot, uint32(p.MaxChildren()))))
	if child == nil {
		return Resume(tf)
	}

	p.Lock(c.id)
	if !child.IsStopped() {
		return c.wait(p, child, ex)
	}
	p.Unlock(c.id)

	if cmd&SysRegs != 0 {
		saved := child.Saved()
		buf, err := saved.MarshalBinary()
		if err != nil {
			panic(err)
		}
		if d, ok := c.usercopy(ex, true, buf, tf.Regs.EBX); !ok {
			return d
		}
	}
	return Resume(tf)
}

// sysRet stops the calling process and returns control to its parent.
func (c *CPU) sysRet(ex machine.Exit) Dispatch {
	return c.ret(c.proc, ex.Frame, trap.EntrySyscallComplete, ex.InsnLen)
}

// systrap aborts the system call in utf as if the system call instruction
// had raised trap vec, and reflects it to the parent.
func (c *CPU) systrap(utf trap.Frame, insnLen uint32, vec trap.Vector, errcode uint32) Dispatch {
	utf.Trapno = uint32(vec)
	utf.Err = errcode
	c.logf("%v: system call fault %s (err %#x) at eip %#x", c.proc, vec, errcode, utf.EIP-insnLen)
	return c.ret(c.proc, utf, trap.EntrySyscallAbort, insnLen)
}

// sysrecover is the recovery handler for user copies. It blames the kernel
// trap on the user process.
func sysrecover(c *CPU, ex machine.Exit, utf *trap.Frame) Dispatch {
	c.recover, c.recoverData = nil, nil
	return c.systrap(*utf, syscallInsnLen, ex.Frame.Vector(), ex.Frame.Err)
}

// syscallInsnLen is the length of INT 0x30.
const syscallInsnLen = machine.LenINT

// checkva reports whether [uva, uva+size) lies in user space.
func checkva(uva, size uint32) bool {
	end := uint64(uva) + uint64(size)
	return uva >= UserLo && end <= uint64(UserHi)
}

// usercopy copies between kbuf and user memory at uva for the system call
// that trapped with ex. A bad address aborts the system call and reflects a
// fault to the parent; usercopy then returns the resulting Dispatch and
// false.
func (c *CPU) usercopy(ex machine.Exit, copyout bool, kbuf []byte, uva uint32) (Dispatch, bool) {
	utf := ex.Frame
	size := uint32(len(kbuf))
	if !checkva(uva, size) {
		return c.systrap(utf, ex.InsnLen, trap.Gpflt, 0), false
	}

	c.recover, c.recoverData = sysrecover, &utf
	defer func() { c.recover, c.recoverData = nil, nil }()

	var err error
	if copyout {
		err = c.k.mem.Write(uva, kbuf)
	} else {
		err = c.k.mem.Read(uva, kbuf)
	}
	if err == nil {
		return Dispatch{}, true
	}
	if !errors.Is(err, machine.ErrOutOfRange) {
		panic(err)
	}

	// The copy ran off the end of RAM: take the page fault in kernel mode.
	cr2 := uva
	if cr2 < c.k.mem.Size() {
		cr2 = c.k.mem.Size()
	}
	code := uint32(0)
	if copyout {
		code |= 2
	}
	kf := trap.Frame{
		DS:     trap.SegKernelData,
		ES:     trap.SegKernelData,
		CS:     trap.SegKernelCode,
		SS:     trap.SegKernelData,
		Trapno: uint32(trap.Pgflt),
		Err:    code,
		EIP:    utf.EIP,
		ESP:    utf.ESP,
	}
	return c.k.Trap(c, machine.Exit{Frame: kf, CR2: cr2}), false
}
