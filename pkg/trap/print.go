package trap

import (
	"fmt"
	"io"
)

// PrintRegs writes the general registers to w.
func PrintRegs(w io.Writer, r *PushRegs) {
	fmt.Fprintf(w, "  edi  0x%08x\n", r.EDI)
	fmt.Fprintf(w, "  esi  0x%08x\n", r.ESI)
	fmt.Fprintf(w, "  ebp  0x%08x\n", r.EBP)
	fmt.Fprintf(w, "  ebx  0x%08x\n", r.EBX)
	fmt.Fprintf(w, "  edx  0x%08x\n", r.EDX)
	fmt.Fprintf(w, "  ecx  0x%08x\n", r.ECX)
	fmt.Fprintf(w, "  eax  0x%08x\n", r.EAX)
}

// Print writes a full register and trap dump of f to w.
func Print(w io.Writer, f *Frame) {
	fmt.Fprintf(w, "TRAP frame\n")
	PrintRegs(w, &f.Regs)
	fmt.Fprintf(w, "  es   0x----%04x\n", f.ES)
	fmt.Fprintf(w, "  ds   0x----%04x\n", f.DS)
	fmt.Fprintf(w, "  trap 0x%08x %s\n", f.Trapno, f.Vector())
	fmt.Fprintf(w, "  err  0x%08x\n", f.Err)
	fmt.Fprintf(w, "  eip  0x%08x\n", f.EIP)
	fmt.Fprintf(w, "  cs   0x----%04x\n", f.CS)
	fmt.Fprintf(w, "  flag 0x%08x\n", f.EFLAGS)
	fmt.Fprintf(w, "  esp  0x%08x\n", f.ESP)
	fmt.Fprintf(w, "  ss   0x----%04x\n", f.SS)
}
