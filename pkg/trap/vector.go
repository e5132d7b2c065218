package trap

// Vector is a trap vector number.
type Vector uint32

// Processor-defined exception vectors.
const (
	Divide   Vector = 0  // divide error
	Debug    Vector = 1  // debug exception
	NMI      Vector = 2  // non-maskable interrupt
	Brkpt    Vector = 3  // breakpoint
	Oflow    Vector = 4  // overflow
	Bound    Vector = 5  // bounds check
	Illop    Vector = 6  // illegal opcode
	Device   Vector = 7  // device not available
	Dblflt   Vector = 8  // double fault
	TSS      Vector = 10 // invalid task switch segment
	Segnp    Vector = 11 // segment not present
	Stack    Vector = 12 // stack exception
	Gpflt    Vector = 13 // general protection fault
	Pgflt    Vector = 14 // page fault
	Fperr    Vector = 16 // floating point error
	Align    Vector = 17 // alignment check
	Mchk     Vector = 18 // machine check
	SIMD     Vector = 19 // SIMD floating point error
	Secev    Vector = 30 // security-sensitive event
	NumExcep Vector = 32
)

// Interrupt and software vectors.
const (
	IRQ0     Vector = 32 // first external interrupt vector
	Syscall  Vector = 48 // system call
	LTimer   Vector = 49 // local APIC timer
	LError   Vector = 50 // local APIC error
	NumTraps Vector = 256
)

// IRQSpurious is the spurious interrupt line; it arrives at IRQ0+IRQSpurious.
const IRQSpurious = 31

// Spurious is the spurious-interrupt vector.
const Spurious = IRQ0 + IRQSpurious

var excnames = [...]string{
	"Divide error",
	"Debug",
	"Non-Maskable Interrupt",
	"Breakpoint",
	"Overflow",
	"BOUND Range Exceeded",
	"Invalid Opcode",
	"Device Not Available",
	"Double Fault",
	"Coprocessor Segment Overrun",
	"Invalid TSS",
	"Segment Not Present",
	"Stack Fault",
	"General Protection",
	"Page Fault",
	"(unknown trap)",
	"x87 FPU Floating-Point Error",
	"Alignment Check",
	"Machine-Check",
	"SIMD Floating-Point Exception",
}

// String returns the name of the vector.
func (v Vector) String() string {
	switch {
	case int(v) < len(excnames):
		return excnames[v]
	case v == Secev:
		return "Security Exception"
	case v == Syscall:
		return "System call"
	case v == LTimer:
		return "Local APIC timer"
	case v == LError:
		return "Local APIC error"
	case v == Spurious:
		return "Spurious interrupt"
	case v >= IRQ0 && v < IRQ0+16:
		return "Hardware Interrupt"
	}
	return "(unknown trap)"
}

// IsException reports whether v is a processor-defined exception.
func (v Vector) IsException() bool {
	return v < NumExcep
}
