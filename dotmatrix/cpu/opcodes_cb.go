package cpu

import "github.com/pgrandi/go-dotmatrix/dotmatrix/bit"

// The CB-prefixed page is fully regular: bits 2-0 select the operand
// register ((HL) at index 6), bits 7-3 select the operation. Rotates and
// shifts occupy 0x00-0x3F, BIT/RES/SET split the rest in 0x40 blocks with
// the bit number in bits 5-3.
func execCB(cpu *CPU, opcode uint8) int {
	reg := opcode & 0x07
	cycles := 8
	if reg == 6 {
		// (HL) operand: extra memory read, and a write for mutating ops
		cycles = 16
	}

	switch {
	case opcode < 0x40:
		value := cpu.getReg8(reg)
		switch opcode >> 3 {
		case 0: // RLC
			cpu.rlc(&value, true)
		case 1: // RRC
			cpu.rrc(&value, true)
		case 2: // RL
			cpu.rl(&value, true)
		case 3: // RR
			cpu.rr(&value, true)
		case 4: // SLA
			cpu.sla(&value)
		case 5: // SRA
			cpu.sra(&value)
		case 6: // SWAP
			cpu.swap(&value)
		case 7: // SRL
			cpu.srl(&value)
		}
		cpu.setReg8(reg, value)
	case opcode < 0x80: // BIT b, r
		index := (opcode >> 3) & 0x07
		cpu.bitTest(index, cpu.getReg8(reg))
		if reg == 6 {
			// BIT only reads (HL); no write-back cycle
			cycles = 12
		}
	case opcode < 0xC0: // RES b, r
		index := (opcode >> 3) & 0x07
		cpu.setReg8(reg, bit.Reset(index, cpu.getReg8(reg)))
	default: // SET b, r
		index := (opcode >> 3) & 0x07
		cpu.setReg8(reg, bit.Set(index, cpu.getReg8(reg)))
	}

	return cycles
}
