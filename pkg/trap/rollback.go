package trap

// Entry says how a frame being saved entered the kernel.
type Entry int

const (
	// EntryTrap is a trap taken before the faulting instruction completed.
	EntryTrap Entry = iota - 1
	// EntrySyscallAbort is a system call that must look like it never ran.
	EntrySyscallAbort
	// EntrySyscallComplete is a system call whose effects are kept.
	EntrySyscallComplete
)

// String returns the name of the entry kind.
func (e Entry) String() string {
	switch e {
	case EntryTrap:
		return "trap"
	case EntrySyscallAbort:
		return "syscall-abort"
	case EntrySyscallComplete:
		return "syscall-complete"
	}
	return "unknown"
}

// Rollback returns f with its instruction pointer moved back over the
// trapping instruction unless the entry completes a system call. insnLen is
// the encoded length of the trapping instruction.
func Rollback(f Frame, entry Entry, insnLen uint32) Frame {
	if entry != EntrySyscallComplete {
		f.EIP -= insnLen
	}
	return f
}
