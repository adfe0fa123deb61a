package cpu

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgrandi/go-dotmatrix/dotmatrix/addr"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/memory"
)

// loadProgram writes a program into WRAM and points PC at it; with no
// cartridge inserted WRAM is the only convenient writable code region.
func loadProgram(t *testing.T, mmu *memory.MMU, cpu *CPU, program []byte) {
	t.Helper()
	base := uint16(0xC000)
	for i, b := range program {
		mmu.Write(base+uint16(i), b)
	}
	cpu.pc = base
}

func newTestCPU(t *testing.T) (*CPU, *memory.MMU) {
	t.Helper()
	mmu := memory.New()
	return New(mmu), mmu
}

func TestCPU_programExecution(t *testing.T) {
	cpu, mmu := newTestCPU(t)

	// LD A,0x42; LD B,0x13; ADD A,B; NOP
	loadProgram(t, mmu, cpu, []byte{0x3E, 0x42, 0x06, 0x13, 0x80, 0x00})
	cpu.a, cpu.b, cpu.f = 0, 0, 0

	for i := 0; i < 4; i++ {
		cpu.Tick()
	}

	assert.Equal(t, uint8(0x55), cpu.a)
	assert.Equal(t, uint8(0x13), cpu.b)
	assert.Equal(t, uint8(0x00), cpu.f)
	assert.Equal(t, uint16(0xC006), cpu.pc)
}

func TestCPU_daaAfterAdd(t *testing.T) {
	cpu, mmu := newTestCPU(t)

	// ADD A,0x27; DAA
	loadProgram(t, mmu, cpu, []byte{0xC6, 0x27, 0x27})
	cpu.a = 0x15
	cpu.f = 0

	cpu.Tick()
	cpu.Tick()

	assert.Equal(t, uint8(0x42), cpu.a)
	assert.False(t, cpu.isSetFlag(zeroFlag))
	assert.False(t, cpu.isSetFlag(subFlag))
	assert.False(t, cpu.isSetFlag(halfCarryFlag))
	assert.False(t, cpu.isSetFlag(carryFlag))
}

func TestCPU_haltBug(t *testing.T) {
	cpu, mmu := newTestCPU(t)

	// HALT; INC A; NOP with IME off and an interrupt already pending:
	// PC must not advance past the HALT fetch, so INC A runs twice.
	loadProgram(t, mmu, cpu, []byte{0x76, 0x3C, 0x00})
	cpu.a = 0
	cpu.ime = IMEDisabled
	mmu.Write(addr.IE, 0x01)
	mmu.Write(addr.IF, 0x01)

	cpu.Tick() // HALT triggers the bug
	assert.Equal(t, uint16(0xC001), cpu.pc)
	assert.Equal(t, Running, cpu.state)

	cpu.Tick() // INC A, fetched without advancing PC
	assert.Equal(t, uint8(1), cpu.a)
	assert.Equal(t, uint16(0xC001), cpu.pc)

	cpu.Tick() // INC A again, this time PC moves on
	assert.Equal(t, uint8(2), cpu.a)
	assert.Equal(t, uint16(0xC002), cpu.pc)
}

func TestCPU_haltWakesOnInterrupt(t *testing.T) {
	cpu, mmu := newTestCPU(t)

	loadProgram(t, mmu, cpu, []byte{0x76, 0x00})
	cpu.ime = IMEDisabled

	cpu.Tick()
	assert.Equal(t, Halted, cpu.state)

	// stays halted without pending interrupts
	cpu.Tick()
	assert.Equal(t, Halted, cpu.state)

	// a pending interrupt wakes it even with IME off, without servicing
	mmu.Write(addr.IE, 0x04)
	mmu.Write(addr.IF, 0x04)
	cpu.Tick()
	assert.Equal(t, Running, cpu.state)
	assert.Equal(t, uint16(0xC002), cpu.pc)
}

func TestCPU_interruptService(t *testing.T) {
	cpu, mmu := newTestCPU(t)

	loadProgram(t, mmu, cpu, []byte{0x00, 0x00})
	cpu.ime = IMEEnabled
	cpu.sp = 0xDFFF
	mmu.Write(addr.IE, 0x04) // timer
	mmu.Write(addr.IF, 0x04)

	cycles := cpu.Tick()

	assert.Equal(t, 20, cycles)
	assert.Equal(t, uint16(0x0050), cpu.pc)
	assert.Equal(t, IMEDisabled, cpu.ime)
	// IF bit cleared
	assert.Equal(t, uint8(0xE0), mmu.Read(addr.IF))
	// return address on the stack
	assert.Equal(t, uint16(0xC000), cpu.popStack())
}

func TestCPU_interruptPriority(t *testing.T) {
	cpu, mmu := newTestCPU(t)

	loadProgram(t, mmu, cpu, []byte{0x00})
	cpu.ime = IMEEnabled
	cpu.sp = 0xDFFF
	// VBlank and Timer both pending: the lower bit wins
	mmu.Write(addr.IE, 0x05)
	mmu.Write(addr.IF, 0x05)

	cpu.Tick()

	assert.Equal(t, uint16(0x0040), cpu.pc)
	// timer is still pending
	assert.Equal(t, uint8(0xE4), mmu.Read(addr.IF))
}

func TestCPU_eiDelay(t *testing.T) {
	cpu, mmu := newTestCPU(t)

	// EI; NOP; NOP with an interrupt already pending: service happens
	// only after the instruction following EI.
	loadProgram(t, mmu, cpu, []byte{0xFB, 0x00, 0x00})
	cpu.ime = IMEDisabled
	cpu.sp = 0xDFFF
	mmu.Write(addr.IE, 0x01)
	mmu.Write(addr.IF, 0x01)

	cpu.Tick() // EI
	assert.NotEqual(t, uint16(0x0040), cpu.pc)

	cpu.Tick() // NOP still runs
	assert.Equal(t, uint16(0xC002), cpu.pc)

	cpu.Tick() // now the interrupt is serviced
	assert.Equal(t, uint16(0x0040), cpu.pc)
}

func TestCPU_diIsImmediate(t *testing.T) {
	cpu, mmu := newTestCPU(t)

	loadProgram(t, mmu, cpu, []byte{0xF3, 0x00})
	cpu.ime = IMEEnabled
	mmu.Write(addr.IE, 0x01)

	cpu.Tick() // DI
	// an interrupt raised right after DI must not be serviced
	mmu.Write(addr.IF, 0x01)
	cpu.Tick() // NOP, no service
	assert.Equal(t, uint16(0xC002), cpu.pc)
	assert.Equal(t, IMEDisabled, cpu.ime)
}

func TestCPU_conditionalJumpCycles(t *testing.T) {
	cpu, mmu := newTestCPU(t)

	// JR NZ,+2 with Z set: not taken, 8 cycles
	loadProgram(t, mmu, cpu, []byte{0x20, 0x02, 0x00})
	cpu.setFlag(zeroFlag)
	cycles := cpu.Tick()
	assert.Equal(t, 8, cycles)
	assert.Equal(t, uint16(0xC002), cpu.pc)

	// taken: 12 cycles
	loadProgram(t, mmu, cpu, []byte{0x20, 0x02, 0x00})
	cpu.resetFlag(zeroFlag)
	cycles = cpu.Tick()
	assert.Equal(t, 12, cycles)
	assert.Equal(t, uint16(0xC004), cpu.pc)
}

func TestCPU_ldRRBlock(t *testing.T) {
	cpu, mmu := newTestCPU(t)

	// LD D,B
	loadProgram(t, mmu, cpu, []byte{0x50})
	cpu.b = 0x99
	cycles := cpu.Tick()
	assert.Equal(t, 4, cycles)
	assert.Equal(t, uint8(0x99), cpu.d)

	// LD (HL),A and LD A,(HL) cost an extra M-cycle
	loadProgram(t, mmu, cpu, []byte{0x77, 0x7E})
	cpu.a = 0x5A
	cpu.setHL(0xC800)
	cycles = cpu.Tick()
	assert.Equal(t, 8, cycles)
	assert.Equal(t, uint8(0x5A), mmu.Read(0xC800))

	cpu.a = 0
	cycles = cpu.Tick()
	assert.Equal(t, 8, cycles)
	assert.Equal(t, uint8(0x5A), cpu.a)
}

func TestCPU_pushPopRoundTrip(t *testing.T) {
	cpu, mmu := newTestCPU(t)

	// PUSH BC; POP DE
	loadProgram(t, mmu, cpu, []byte{0xC5, 0xD1})
	cpu.sp = 0xDFFF
	cpu.setBC(0xBEEF)

	cpu.Tick()
	cpu.Tick()

	assert.Equal(t, uint16(0xBEEF), cpu.getDE())
	assert.Equal(t, uint16(0xDFFF), cpu.sp)
}

func TestCPU_serializeRoundTrip(t *testing.T) {
	cpu, _ := newTestCPU(t)
	cpu.a, cpu.f = 0x12, 0x30
	cpu.setBC(0x1234)
	cpu.setDE(0x5678)
	cpu.setHL(0x9ABC)
	cpu.sp, cpu.pc = 0xD000, 0x4321
	cpu.ime = IMEEnabling
	cpu.state = Halted

	var buf bytes.Buffer
	require.NoError(t, cpu.Serialize(&buf))

	other, _ := newTestCPU(t)
	require.NoError(t, other.Deserialize(&buf))

	assert.Equal(t, cpu.getAF(), other.getAF())
	assert.Equal(t, cpu.getBC(), other.getBC())
	assert.Equal(t, cpu.getDE(), other.getDE())
	assert.Equal(t, cpu.getHL(), other.getHL())
	assert.Equal(t, cpu.sp, other.sp)
	assert.Equal(t, cpu.pc, other.pc)
	assert.Equal(t, cpu.ime, other.ime)
	assert.Equal(t, cpu.state, other.state)
}
