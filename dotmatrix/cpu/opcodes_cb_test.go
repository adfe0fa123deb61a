package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCB_registerDecode(t *testing.T) {
	cpu, _ := newTestCPU(t)

	// SWAP B is CB 0x30: operation in bits 7-3, register in bits 2-0
	cpu.b = 0xAB
	cycles := execCB(cpu, 0x30)
	assert.Equal(t, 8, cycles)
	assert.Equal(t, uint8(0xBA), cpu.b)

	// SRL A is CB 0x3F
	cpu.a = 0x03
	execCB(cpu, 0x3F)
	assert.Equal(t, uint8(0x01), cpu.a)
	assert.True(t, cpu.isSetFlag(carryFlag))
}

func TestCB_bitResSet(t *testing.T) {
	cpu, _ := newTestCPU(t)

	// BIT 7,H is CB 0x7C
	cpu.h = 0x80
	execCB(cpu, 0x7C)
	assert.False(t, cpu.isSetFlag(zeroFlag))
	assert.True(t, cpu.isSetFlag(halfCarryFlag))

	cpu.h = 0x00
	execCB(cpu, 0x7C)
	assert.True(t, cpu.isSetFlag(zeroFlag))

	// BIT leaves carry untouched
	cpu.setFlag(carryFlag)
	execCB(cpu, 0x7C)
	assert.True(t, cpu.isSetFlag(carryFlag))

	// RES 0,A is CB 0x87; SET 3,A is CB 0xDF
	cpu.a = 0xFF
	execCB(cpu, 0x87)
	assert.Equal(t, uint8(0xFE), cpu.a)
	cpu.a = 0x00
	execCB(cpu, 0xDF)
	assert.Equal(t, uint8(0x08), cpu.a)
}

func TestCB_hlOperandCycles(t *testing.T) {
	cpu, mmu := newTestCPU(t)
	cpu.setHL(0xC100)
	mmu.Write(0xC100, 0x80)

	// RLC (HL) reads and writes back
	cycles := execCB(cpu, 0x06)
	assert.Equal(t, 16, cycles)
	assert.Equal(t, uint8(0x01), mmu.Read(0xC100))

	// BIT 0,(HL) only reads
	cycles = execCB(cpu, 0x46)
	assert.Equal(t, 12, cycles)
}

func TestCB_throughOpcodeFetch(t *testing.T) {
	cpu, mmu := newTestCPU(t)

	// CB 37 = SWAP A
	loadProgram(t, mmu, cpu, []byte{0xCB, 0x37})
	cpu.a = 0x12
	cycles := cpu.Tick()
	assert.Equal(t, 8, cycles)
	assert.Equal(t, uint8(0x21), cpu.a)
	assert.Equal(t, uint16(0xC002), cpu.pc)
}

func TestDecode_allPrimaryOpcodesMapped(t *testing.T) {
	for op := 0; op <= 0xFF; op++ {
		assert.NotNil(t, opcodeMap[uint8(op)], "opcode 0x%02X has no handler", op)
	}
}
