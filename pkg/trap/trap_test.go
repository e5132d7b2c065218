package trap

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// TestRollback tests instruction pointer rollback for each entry kind.
func TestRollback(t *testing.T) {
	tests := []struct {
		name    string
		entry   Entry
		insnLen uint32
		wantEIP uint32
	}{
		{"syscall complete keeps eip", EntrySyscallComplete, 2, 0x1002},
		{"syscall abort rewinds int", EntrySyscallAbort, 2, 0x1000},
		{"trap rewinds faulting insn", EntryTrap, 2, 0x1000},
		{"trap rewinds one byte insn", EntryTrap, 1, 0x1001},
		{"interrupt has no insn", EntryTrap, 0, 0x1002},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := UserFrame()
			f.EIP = 0x1002
			f.ESP = 0x8000

			got := Rollback(f, tt.entry, tt.insnLen)
			if got.EIP != tt.wantEIP {
				t.Errorf("Rollback().EIP = %#x, want %#x", got.EIP, tt.wantEIP)
			}
			if got.ESP != f.ESP {
				t.Errorf("Rollback().ESP = %#x, want %#x", got.ESP, f.ESP)
			}
			if f.EIP != 0x1002 {
				t.Error("Rollback() modified its argument")
			}
		})
	}
}

// TestFrameLayout tests that the encoded frame matches the trapframe layout.
func TestFrameLayout(t *testing.T) {
	f := UserFrame()
	f.Regs.EAX = 0x11111111
	f.Regs.EDI = 0x22222222
	f.Trapno = uint32(Illop)
	f.EIP = 0xdeadbeef
	f.ESP = 0x0badf00d

	buf, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	if len(buf) != FrameSize {
		t.Fatalf("len = %d, want %d", len(buf), FrameSize)
	}

	offsets := []struct {
		name string
		off  int
		want []byte
	}{
		{"edi", 0, []byte{0x22, 0x22, 0x22, 0x22}},
		{"eax", 28, []byte{0x11, 0x11, 0x11, 0x11}},
		{"trapno", 40, []byte{6, 0, 0, 0}},
		{"eip", 48, []byte{0xef, 0xbe, 0xad, 0xde}},
		{"cs", 52, []byte{0x1b, 0, 0, 0}},
		{"esp", 60, []byte{0x0d, 0xf0, 0xad, 0x0b}},
	}
	for _, o := range offsets {
		if got := buf[o.off : o.off+4]; !bytes.Equal(got, o.want) {
			t.Errorf("%s at %d = % x, want % x", o.name, o.off, got, o.want)
		}
	}

	var back Frame
	if err := back.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if back != f {
		t.Errorf("UnmarshalBinary() = %+v, want %+v", back, f)
	}

	if err := back.UnmarshalBinary(buf[:10]); !errors.Is(err, ErrShortFrame) {
		t.Errorf("UnmarshalBinary(short) error = %v, want %v", err, ErrShortFrame)
	}
}

// TestFrameRegisters tests register access by instruction encoding number.
func TestFrameRegisters(t *testing.T) {
	var f Frame
	for r := 0; r < NumRegs; r++ {
		f.SetReg(r, uint32(0x100+r))
	}
	for r := 0; r < NumRegs; r++ {
		if got := f.Reg(r); got != uint32(0x100+r) {
			t.Errorf("Reg(%s) = %#x, want %#x", RegName(r), got, 0x100+r)
		}
	}
	if f.ESP != 0x100+ESP {
		t.Errorf("ESP = %#x, want %#x", f.ESP, 0x100+ESP)
	}
	if f.FromUser() {
		t.Error("FromUser() = true for a kernel frame")
	}
	if !UserFrame().FromUser() {
		t.Error("FromUser() = false for a user frame")
	}
	if got := UserFrame().CPL(); got != 3 {
		t.Errorf("CPL() = %d, want 3", got)
	}
}

// TestVectorNames tests trap names.
func TestVectorNames(t *testing.T) {
	tests := []struct {
		v    Vector
		want string
	}{
		{Divide, "Divide error"},
		{Illop, "Invalid Opcode"},
		{Gpflt, "General Protection"},
		{Pgflt, "Page Fault"},
		{Syscall, "System call"},
		{LTimer, "Local APIC timer"},
		{Spurious, "Spurious interrupt"},
		{IRQ0 + 1, "Hardware Interrupt"},
		{200, "(unknown trap)"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("Vector(%d).String() = %q, want %q", tt.v, got, tt.want)
		}
	}
}

// TestPrint tests the diagnostic dump.
func TestPrint(t *testing.T) {
	f := UserFrame()
	f.Trapno = uint32(Pgflt)
	f.EIP = 0x1234

	var buf bytes.Buffer
	Print(&buf, &f)

	out := buf.String()
	for _, want := range []string{"TRAP frame", "trap 0x0000000e Page Fault", "eip  0x00001234", "eax  0x00000000"} {
		if !strings.Contains(out, want) {
			t.Errorf("Print() output missing %q:\n%s", want, out)
		}
	}
}
