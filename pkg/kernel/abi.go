package kernel

import (
	"pios/pkg/machine"
	"pios/pkg/trap"
)

// System call command word. The low bits select the call, the rest are
// flags. The command goes in EAX, the child slot in EDX and a user pointer
// in EBX.
const (
	SysTypeMask = 0x3

	SysCputs = 0x0 // print a NUL-terminated string
	SysPut   = 0x1 // push state into a child and optionally start it
	SysGet   = 0x2 // wait for a child and optionally read its state
	SysRet   = 0x3 // stop and return control to the parent

	SysStart = 0x10   // PUT: start the child
	SysRegs  = 0x1000 // PUT/GET: transfer a trap.Frame at EBX
)

// CputsMax is the longest string CPUTS prints, terminator included.
const CputsMax = 256

// SyscallInsn is the system call instruction's vector.
const SyscallInsn = byte(trap.Syscall)

// SysPutCode emits a PUT of the frame at label regs into slot with flags.
// An empty label passes a null pointer.
func SysPutCode(a *machine.Assembler, flags uint32, slot uint32, regs string) *machine.Assembler {
	return syscallCode(a, SysPut|flags, slot, regs)
}

// SysGetCode emits a GET from slot, storing the frame at label regs when
// flags include SysRegs.
func SysGetCode(a *machine.Assembler, flags uint32, slot uint32, regs string) *machine.Assembler {
	return syscallCode(a, SysGet|flags, slot, regs)
}

// SysRetCode emits a RET.
func SysRetCode(a *machine.Assembler) *machine.Assembler {
	return a.MovI(trap.EAX, SysRet).Int(SyscallInsn)
}

// SysCputsCode emits a CPUTS of the string at label.
func SysCputsCode(a *machine.Assembler, label string) *machine.Assembler {
	return a.MovI(trap.EAX, SysCputs).MovL(trap.EBX, label).Int(SyscallInsn)
}

func syscallCode(a *machine.Assembler, cmd, slot uint32, ptr string) *machine.Assembler {
	a.MovI(trap.EAX, cmd).MovI(trap.EDX, slot)
	if ptr == "" {
		a.MovI(trap.EBX, 0)
	} else {
		a.MovL(trap.EBX, ptr)
	}
	return a.Int(SyscallInsn)
}

// SysFrame emits a frame for PUT with SysRegs that starts a child at eip
// with stack esp.
func SysFrame(a *machine.Assembler, eip, esp uint32) *machine.Assembler {
	f := trap.UserFrame()
	f.EIP = eip
	f.ESP = esp
	b, err := f.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return a.Bytes(b)
}
