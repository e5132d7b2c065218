package machine

// Opcodes of the machine's instruction set. Two-operand instructions carry
// a ModRM byte holding the destination register in the high nibble and the
// source register in the low nibble.
const (
	OpADD   = 0x01 // ADD d,s        d += s
	OpTwo   = 0x0F // two-byte opcode escape
	OpSUB   = 0x29 // SUB d,s        d -= s
	OpCMP   = 0x39 // CMP d,s        flags of d-s
	OpPUSH  = 0x50 // PUSH r         0x50+r
	OpPOP   = 0x58 // POP r          0x58+r
	OpADDI  = 0x83 // ADDI d,imm8    d += sext(imm8)
	OpXCHG  = 0x87 // XCHG d,[s]     atomic exchange
	OpSTORE = 0x88 // STORE [d],s
	OpMOV   = 0x89 // MOV d,s
	OpLOAD  = 0x8B // LOAD d,[s]
	OpNOP   = 0x90 // NOP
	OpMOVI  = 0xB8 // MOV r,imm32    0xB8+r
	OpINT3  = 0xCC // INT3
	OpINT   = 0xCD // INT imm8
	OpINTO  = 0xCE // INTO
	OpJMP   = 0xE9 // JMP rel32
	OpREP   = 0xF3 // prefix; F3 90 is PAUSE
	OpHLT   = 0xF4 // HLT, privileged
	OpDIV   = 0xF7 // DIV d,s        d /= s, unsigned

	// Second bytes after OpTwo.
	Op2UD2 = 0x0B // UD2
	Op2JE  = 0x84 // JE rel32
	Op2JNE = 0x85 // JNE rel32
)

// Instruction lengths the kernel relies on.
const (
	LenINT  = 2
	LenINT3 = 1
)
