package machine

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"pios/pkg/trap"
)

const (
	testOrg   = 0x1000
	testStack = 0x8000
)

// newTestCore returns a core with the usual gates installed.
func newTestCore(t *testing.T) (*Core, *Memory) {
	t.Helper()
	mem := NewMemory(0x10000)
	idt := &IDT{}
	idt.Populate(func(t *IDT) {
		for v := trap.Divide; v <= trap.Secev; v++ {
			t.SetGate(v, 0)
		}
		t.SetGate(trap.Brkpt, 3)
		t.SetGate(trap.Oflow, 3)
		t.SetGate(trap.Syscall, 3)
		t.SetGate(trap.LTimer, 3)
		t.SetGate(trap.Spurious, 3)
	})
	c := NewCore(0, mem)
	c.LoadIDT(idt)
	return c, mem
}

// runProgram assembles a program, loads it and runs it to the first trap.
func runProgram(t *testing.T, build func(a *Assembler)) (Exit, *Memory) {
	t.Helper()
	c, mem := newTestCore(t)
	a := NewAssembler(testOrg)
	build(a)
	code, err := a.Assemble()
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if err := mem.Write(testOrg, code); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	f := trap.UserFrame()
	f.EIP = testOrg
	f.ESP = testStack
	f.EFLAGS = trap.FlagIF
	return c.Run(f), mem
}

// TestCoreArithmetic tests register arithmetic up to a system call.
func TestCoreArithmetic(t *testing.T) {
	exit, _ := runProgram(t, func(a *Assembler) {
		a.MovI(trap.EAX, 40).
			MovI(trap.ECX, 2).
			Add(trap.EAX, trap.ECX).
			MovI(trap.EBX, 84).
			Div(trap.EBX, trap.ECX).
			AddI(trap.EBX, -2).
			Mov(trap.EDX, trap.EBX).
			Int(byte(trap.Syscall))
	})

	f := exit.Frame
	if f.Vector() != trap.Syscall {
		t.Fatalf("Trapno = %v, want %v", f.Vector(), trap.Syscall)
	}
	if f.Regs.EAX != 42 {
		t.Errorf("eax = %d, want 42", f.Regs.EAX)
	}
	if f.Regs.EDX != 40 {
		t.Errorf("edx = %d, want 40", f.Regs.EDX)
	}
	if exit.InsnLen != LenINT {
		t.Errorf("InsnLen = %d, want %d", exit.InsnLen, LenINT)
	}
	if exit.Retired != 7 {
		t.Errorf("Retired = %d, want 7", exit.Retired)
	}
}

// TestCoreFaults tests that each fault raises the expected vector with EIP past the instruction.
func TestCoreFaults(t *testing.T) {
	tests := []struct {
		name    string
		build   func(a *Assembler)
		want    trap.Vector
		insnLen uint32
	}{
		{"divide by zero", func(a *Assembler) { a.MovI(trap.ECX, 0).Div(trap.EAX, trap.ECX) }, trap.Divide, 2},
		{"ud2", func(a *Assembler) { a.Ud2() }, trap.Illop, 2},
		{"unknown opcode", func(a *Assembler) { a.Word(0x000000ff) }, trap.Illop, 1},
		{"breakpoint", func(a *Assembler) { a.Int3() }, trap.Brkpt, 1},
		{"hlt from user", func(a *Assembler) { a.Hlt() }, trap.Gpflt, 1},
		{"int through kernel gate", func(a *Assembler) { a.Int(byte(trap.Pgflt)) }, trap.Gpflt, 2},
		{"int through empty gate", func(a *Assembler) { a.Int(0x80) }, trap.Gpflt, 2},
		{"load out of range", func(a *Assembler) { a.MovI(trap.ESI, 0xfffffff0).Load(trap.EAX, trap.ESI) }, trap.Pgflt, 2},
		{"misaligned load", func(a *Assembler) { a.MovI(trap.ESI, 0x2001).Load(trap.EAX, trap.ESI) }, trap.Align, 2},
		{"overflow", func(a *Assembler) {
			a.MovI(trap.EAX, 0x70000000).Add(trap.EAX, trap.EAX).Into()
		}, trap.Oflow, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exit, _ := runProgram(t, tt.build)
			if exit.Frame.Vector() != tt.want {
				t.Fatalf("Trapno = %v, want %v", exit.Frame.Vector(), tt.want)
			}
			if exit.InsnLen != tt.insnLen {
				t.Errorf("InsnLen = %d, want %d", exit.InsnLen, tt.insnLen)
			}
			if start := trap.Rollback(exit.Frame, trap.EntryTrap, exit.InsnLen).EIP; start < testOrg {
				t.Errorf("rolled back EIP = %#x, below program start", start)
			}
		})
	}
}

// TestCoreGPErrorCode tests the error code of a DPL violation.
func TestCoreGPErrorCode(t *testing.T) {
	exit, _ := runProgram(t, func(a *Assembler) { a.Int(byte(trap.Pgflt)) })
	want := uint32(trap.Pgflt)<<3 | 2
	if exit.Frame.Err != want {
		t.Errorf("Err = %#x, want %#x", exit.Frame.Err, want)
	}
}

// TestCorePageFaultAddress tests that CR2 reports the faulting address.
func TestCorePageFaultAddress(t *testing.T) {
	exit, _ := runProgram(t, func(a *Assembler) {
		a.MovI(trap.EDI, 0x20000).MovI(trap.EAX, 1).Store(trap.EDI, trap.EAX)
	})
	if exit.Frame.Vector() != trap.Pgflt {
		t.Fatalf("Trapno = %v, want %v", exit.Frame.Vector(), trap.Pgflt)
	}
	if exit.CR2 != 0x20000 {
		t.Errorf("CR2 = %#x, want 0x20000", exit.CR2)
	}
	if exit.Frame.Err&2 == 0 {
		t.Errorf("Err = %#x, want write bit", exit.Frame.Err)
	}
}

// TestCoreStackAndBranches tests push/pop and a counted loop.
func TestCoreStackAndBranches(t *testing.T) {
	exit, mem := runProgram(t, func(a *Assembler) {
		a.MovI(trap.ECX, 5).
			MovI(trap.EAX, 0).
			MovI(trap.EBX, 0).
			Label("loop").
			AddI(trap.EAX, 3).
			AddI(trap.ECX, -1).
			Cmp(trap.ECX, trap.EBX).
			Jne("loop").
			Push(trap.EAX).
			Pop(trap.EDX).
			MovL(trap.EDI, "out").
			Store(trap.EDI, trap.EDX).
			Jmp("done").
			Ud2().
			Label("done").
			Int(byte(trap.Syscall)).
			Align(4).
			Label("out").
			Word(0)
	})

	if exit.Frame.Vector() != trap.Syscall {
		t.Fatalf("Trapno = %v, want %v", exit.Frame.Vector(), trap.Syscall)
	}
	if exit.Frame.Regs.EDX != 15 {
		t.Errorf("edx = %d, want 15", exit.Frame.Regs.EDX)
	}
	if exit.Frame.ESP != testStack {
		t.Errorf("esp = %#x, want %#x", exit.Frame.ESP, testStack)
	}
	out, _ := mem.Load32(exit.Frame.Regs.EDI)
	if out != 15 {
		t.Errorf("[out] = %d, want 15", out)
	}
}

// TestCoreTimer tests that the timer interrupts a spinning program.
func TestCoreTimer(t *testing.T) {
	c, mem := newTestCore(t)
	a := NewAssembler(testOrg)
	a.Label("spin").Pause().Jmp("spin")
	code, err := a.Assemble()
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	mem.Write(testOrg, code)

	c.LAPIC().SetTimer(10)
	f := trap.UserFrame()
	f.EIP = testOrg
	f.EFLAGS = trap.FlagIF

	exit := c.Run(f)
	if exit.Frame.Vector() != trap.LTimer {
		t.Fatalf("Trapno = %v, want %v", exit.Frame.Vector(), trap.LTimer)
	}
	if exit.Retired != 10 {
		t.Errorf("Retired = %d, want 10", exit.Retired)
	}
	if exit.InsnLen != 0 {
		t.Errorf("InsnLen = %d, want 0", exit.InsnLen)
	}
	if !c.LAPIC().InService() {
		t.Error("InService() = false after delivery")
	}

	// Nothing else is delivered until the timer is acknowledged.
	c.LAPIC().EOI()
	c.LAPIC().Raise(trap.Spurious)
	exit = c.Run(exit.Frame)
	if exit.Frame.Vector() != trap.Spurious {
		t.Errorf("Trapno = %v, want %v", exit.Frame.Vector(), trap.Spurious)
	}
	if c.LAPIC().EOIs() != 1 {
		t.Errorf("EOIs() = %d, want 1", c.LAPIC().EOIs())
	}
}

// TestMemoryBytes tests byte access on word-backed memory.
func TestMemoryBytes(t *testing.T) {
	mem := NewMemory(16)
	if err := mem.Write(1, []byte("hey")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	w, _ := mem.Load32(0)
	if w != 0x79656800 {
		t.Errorf("Load32(0) = %#x, want 0x79656800", w)
	}

	buf := make([]byte, 3)
	if err := mem.Read(1, buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(buf, []byte("hey")) {
		t.Errorf("Read() = %q, want %q", buf, "hey")
	}

	if err := mem.Write(14, []byte("abc")); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Write() past end error = %v, want %v", err, ErrOutOfRange)
	}
	if _, err := mem.Load32(2); !errors.Is(err, ErrMisaligned) {
		t.Errorf("Load32(2) error = %v, want %v", err, ErrMisaligned)
	}
	if err := mem.Check(0xfffffffc, 8); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Check() wraparound error = %v, want %v", err, ErrOutOfRange)
	}
}

// TestMemorySwap tests that concurrent exchanges never lose a token.
func TestMemorySwap(t *testing.T) {
	mem := NewMemory(16)
	mem.Store32(0, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	held := 0
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if v, _ := mem.Swap32(0, 0); v == 1 {
					mu.Lock()
					held++
					mu.Unlock()
					mem.Swap32(0, 1)
				}
			}
		}()
	}
	wg.Wait()

	if v, _ := mem.Load32(0); v != 1 {
		t.Errorf("token = %d, want 1", v)
	}
	if held == 0 {
		t.Error("no goroutine ever took the token")
	}
}

// TestIDTPopulateOnce tests that only the first caller populates the table.
func TestIDTPopulateOnce(t *testing.T) {
	idt := &IDT{}
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for cpu := 0; cpu < 8; cpu++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if idt.Populate(func(t *IDT) { t.SetGate(trap.Syscall, 3) }) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("populated %d times, want 1", winners)
	}
	if !idt.Populated() {
		t.Error("Populated() = false")
	}
	if g := idt.Gate(trap.Syscall); !g.Present || g.DPL != 3 {
		t.Errorf("Gate(Syscall) = %+v, want present DPL 3", g)
	}
}

// TestAssemblerErrors tests label and register errors.
func TestAssemblerErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(a *Assembler)
		want  error
	}{
		{"unresolved", func(a *Assembler) { a.Jmp("nowhere") }, ErrUnresolvedLabel},
		{"duplicate", func(a *Assembler) { a.Label("x").Label("x") }, ErrDuplicateLabel},
		{"bad register", func(a *Assembler) { a.MovI(9, 0) }, ErrBadRegister},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssembler(0)
			tt.build(a)
			if _, err := a.Assemble(); !errors.Is(err, tt.want) {
				t.Errorf("Assemble() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestBuild tests that data can refer to labels defined after it.
func TestBuild(t *testing.T) {
	a, code, err := Build(0x2000, func(a *Assembler, addr func(string) uint32) {
		a.Word(addr("end")).Bytes([]byte{1, 2, 3}).Label("end").Nop()
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	end, _ := a.Addr("end")
	if end != 0x2007 {
		t.Errorf("Addr(end) = %#x, want 0x2007", end)
	}
	want := []byte{0x07, 0x20, 0, 0, 1, 2, 3, OpNOP}
	if !bytes.Equal(code, want) {
		t.Errorf("Build() code = % x, want % x", code, want)
	}

	_, _, err = Build(0, func(a *Assembler, addr func(string) uint32) {
		a.Word(addr("nowhere"))
	})
	if !errors.Is(err, ErrUnresolvedLabel) {
		t.Errorf("Build() error = %v, want %v", err, ErrUnresolvedLabel)
	}
}

// TestConsole tests serialised console output.
func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	c.Printf(0, "cpu%d: %s\n", 0, "hello")
	c.Write(1, []byte("raw\n"))
	c.Dump(2, func(w io.Writer) { io.WriteString(w, "dump\n") })

	if got := buf.String(); got != "cpu0: hello\nraw\ndump\n" {
		t.Errorf("console = %q", got)
	}
}
