/*
Package trap defines the saved processor state shared by the machine, the
process control blocks and the system call ABI.

A Frame is the register snapshot captured when a CPU enters the kernel. Its
memory layout is fixed: 17 little-endian 32-bit words, FrameSize bytes in all,

	edi esi ebp oesp ebx edx ecx eax   general registers
	es ds                              data segments (low 16 bits)
	trapno err                         vector and error code
	eip cs eflags esp ss               interrupted context

and is the same layout user programs read and write through the PUT and GET
system calls.

# Rollback

When a trap is taken the instruction pointer already points past the trapping
instruction. Rollback moves it back for traps that must be retried or
reported at the faulting instruction:

	saved := trap.Rollback(tf, trap.EntryTrap, insnLen)

System calls that complete are saved with EntrySyscallComplete and keep the
instruction pointer as is.
*/
package trap
