/*
Package machine simulates the hardware the kernel runs on.

It provides the pieces a real multiprocessor would: shared RAM, an interrupt
descriptor table, a local interrupt controller per CPU with a periodic timer,
a console, and Core, a processor that executes user programs and stops at
every trap.

# Instruction Set

Programs are byte code with x86-flavoured encodings. Two-operand
instructions take a ModRM byte with the destination register in the high
nibble and the source in the low nibble:

	B8+r imm32    MOV r,imm32
	89 ds         MOV d,s
	01 ds         ADD d,s
	29 ds         SUB d,s
	39 ds         CMP d,s
	F7 ds         DIV d,s       divide error if s == 0
	83 d0 ib      ADDI d,imm8
	8B ds         LOAD d,[s]
	88 ds         STORE [d],s
	87 ds         XCHG d,[s]    atomic
	50+r / 58+r   PUSH r / POP r
	E9 rel32      JMP
	0F 84 rel32   JE
	0F 85 rel32   JNE
	CD ib         INT n
	CC            INT3
	CE            INTO
	0F 0B         UD2
	F3 90         PAUSE
	F4            HLT           privileged
	90            NOP

Word accesses must be aligned. An access outside RAM raises a page fault,
an unaligned one an alignment check, and an INT through a gate whose
privilege level is below the caller's raises a general protection fault.

# Usage

	a := machine.NewAssembler(0x1000)
	a.MovI(trap.EAX, 7).Int(0x30)
	code, err := a.Assemble()

Programs that refer to labels placed later in the image, such as a data
block holding its own address, use Build, which runs the generator twice:

	_, code, err := machine.Build(0x1000, func(a *machine.Assembler, addr func(string) uint32) {
		a.MovI(trap.EBX, addr("msg")).Int(0x30)
		a.Label("msg").Bytes([]byte("hi\x00"))
	})

	mem := machine.NewMemory(1 << 20)
	mem.Write(0x1000, code)

	core := machine.NewCore(0, mem)
	core.LoadIDT(idt)
	exit := core.Run(frame)
*/
package machine
