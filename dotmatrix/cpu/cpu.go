package cpu

import (
	"io"

	"github.com/pgrandi/go-dotmatrix/dotmatrix/addr"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/bit"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/memory"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/stream"
)

// Flag is one of the 4 possible flags used in the flag register (high part of AF)
type Flag uint8

const (
	zeroFlag      Flag = 0x80
	subFlag       Flag = 0x40
	halfCarryFlag Flag = 0x20
	carryFlag     Flag = 0x10
)

// IMEState models the master-enable pipeline: EI only takes effect after
// the instruction that follows it has completed.
type IMEState uint8

const (
	IMEDisabled IMEState = iota
	IMERequestEnable
	IMEEnabling
	IMEEnabled
)

// RunState is the CPU execution state.
type RunState uint8

const (
	Running RunState = iota
	Halted
	Stopped
	// Locked is the dead state a hardware SM83 enters on an illegal opcode.
	Locked
)

// interrupt vectors, by IF/IE bit index
var interruptVectors = [5]uint16{0x40, 0x48, 0x50, 0x58, 0x60}

// CPU is the SM83 core: the 8 main registers, SP/PC, and the interrupt
// and run-state machinery.
type CPU struct {
	memory *memory.MMU

	a, f uint8
	b, c uint8
	d, e uint8
	h, l uint8
	sp   uint16
	pc   uint16

	ime   IMEState
	state RunState

	// haltBug is set when HALT is executed with IME off and an interrupt
	// already pending: the next opcode byte is fetched without advancing PC.
	haltBug bool

	currentOpcode uint16
}

// New returns a CPU wired to the given memory unit, in the post-boot
// register state (no boot ROM execution).
func New(mem *memory.MMU) *CPU {
	c := &CPU{memory: mem}
	c.Reset()
	return c
}

// Reset restores the post-boot register state. The A register
// distinguishes DMG (0x01) from CGB (0x11); games check it.
func (c *CPU) Reset() {
	c.a, c.f = 0x01, 0xB0
	if c.memory.IsCGB() {
		c.a = 0x11
	}
	c.b, c.c = 0x00, 0x13
	c.d, c.e = 0x00, 0xD8
	c.h, c.l = 0x01, 0x4D
	c.sp = 0xFFFE
	c.pc = 0x0100
	if c.memory.BootROMEnabled() {
		c.pc = 0x0000
	}
	c.ime = IMEDisabled
	c.state = Running
	c.haltBug = false
}

// Tick executes one instruction (or services one interrupt) and returns the
// number of T-cycles consumed.
func (c *CPU) Tick() int {
	cycles := c.step()

	// EI takes effect only after the instruction following it completes.
	switch c.ime {
	case IMERequestEnable:
		c.ime = IMEEnabling
	case IMEEnabling:
		c.ime = IMEEnabled
	}

	return cycles
}

func (c *CPU) step() int {
	pending := c.pendingInterrupts()

	if c.state == Locked {
		return 4
	}

	if c.state == Stopped {
		// STOP ends on a joypad line transition
		if pending&uint8(addr.JoypadInterrupt) != 0 {
			c.state = Running
		} else {
			return 4
		}
	}

	if c.state == Halted {
		if pending == 0 {
			return 4
		}
		c.state = Running
	}

	if c.ime == IMEEnabled && pending != 0 {
		return c.serviceInterrupt(pending)
	}

	opcode := c.fetchOpcode()
	c.currentOpcode = uint16(opcode)
	return opcodeMap[opcode](c)
}

// fetchOpcode reads the next opcode byte. Under the halt bug the byte is
// read without advancing PC, so it will be fetched again.
func (c *CPU) fetchOpcode() uint8 {
	opcode := c.memory.Read(c.pc)
	if c.haltBug {
		c.haltBug = false
	} else {
		c.pc++
	}
	return opcode
}

// pendingInterrupts returns the set of requested-and-enabled interrupt bits.
func (c *CPU) pendingInterrupts() uint8 {
	return c.memory.Read(addr.IF) & c.memory.Read(addr.IE) & 0x1F
}

// serviceInterrupt dispatches the highest-priority pending interrupt:
// 5 M-cycles to push PC and jump to the fixed vector.
func (c *CPU) serviceInterrupt(pending uint8) int {
	var index uint8
	for index = 0; index < 5; index++ {
		if pending&(1<<index) != 0 {
			break
		}
	}

	flags := c.memory.Read(addr.IF)
	c.memory.Write(addr.IF, bit.Reset(index, flags))
	c.ime = IMEDisabled
	c.pushStack(c.pc)
	c.pc = interruptVectors[index]

	return 20
}

// halt implements the HALT instruction, including the halt bug.
func (c *CPU) halt() {
	if c.ime != IMEEnabled && c.pendingInterrupts() != 0 {
		c.haltBug = true
		return
	}
	c.state = Halted
}

// stop implements STOP: on CGB with a speed switch armed it toggles the
// clock instead of entering low power.
func (c *CPU) stop() {
	// STOP is encoded as 0x10 0x00; consume the padding byte
	c.pc++
	if c.memory.PerformSpeedSwitch() {
		return
	}
	c.state = Stopped
}

// IsStopped reports whether the CPU sits in the STOP low-power state.
func (c *CPU) IsStopped() bool { return c.state == Stopped }

// IsLocked reports whether an illegal opcode has wedged the core.
func (c *CPU) IsLocked() bool { return c.state == Locked }

// GetPC returns the current program counter.
func (c *CPU) GetPC() uint16 { return c.pc }

// SetPC places the program counter, for tests and tooling.
func (c *CPU) SetPC(pc uint16) { c.pc = pc }

// flag plumbing

func (c *CPU) setFlag(flag Flag) {
	c.f |= uint8(flag)
}

func (c *CPU) resetFlag(flag Flag) {
	c.f &= ^uint8(flag)
}

func (c *CPU) isSetFlag(flag Flag) bool {
	return c.f&uint8(flag) != 0
}

func (c *CPU) setFlagToCondition(flag Flag, condition bool) {
	if condition {
		c.setFlag(flag)
	} else {
		c.resetFlag(flag)
	}
}

func (c *CPU) flagToBit(flag Flag) uint8 {
	if c.isSetFlag(flag) {
		return 1
	}
	return 0
}

// 16-bit register pair views

func (c *CPU) getAF() uint16 { return bit.Combine(c.a, c.f&0xF0) }
func (c *CPU) getBC() uint16 { return bit.Combine(c.b, c.c) }
func (c *CPU) getDE() uint16 { return bit.Combine(c.d, c.e) }
func (c *CPU) getHL() uint16 { return bit.Combine(c.h, c.l) }

func (c *CPU) setAF(value uint16) {
	c.a = bit.High(value)
	// the low nibble of F is hardwired to zero
	c.f = bit.Low(value) & 0xF0
}

func (c *CPU) setBC(value uint16) {
	c.b = bit.High(value)
	c.c = bit.Low(value)
}

func (c *CPU) setDE(value uint16) {
	c.d = bit.High(value)
	c.e = bit.Low(value)
}

func (c *CPU) setHL(value uint16) {
	c.h = bit.High(value)
	c.l = bit.Low(value)
}

// getReg8 reads an 8-bit register by its opcode index (B,C,D,E,H,L,(HL),A).
func (c *CPU) getReg8(index uint8) uint8 {
	switch index & 0x07 {
	case 0:
		return c.b
	case 1:
		return c.c
	case 2:
		return c.d
	case 3:
		return c.e
	case 4:
		return c.h
	case 5:
		return c.l
	case 6:
		return c.memory.Read(c.getHL())
	default:
		return c.a
	}
}

// setReg8 writes an 8-bit register by its opcode index.
func (c *CPU) setReg8(index uint8, value uint8) {
	switch index & 0x07 {
	case 0:
		c.b = value
	case 1:
		c.c = value
	case 2:
		c.d = value
	case 3:
		c.e = value
	case 4:
		c.h = value
	case 5:
		c.l = value
	case 6:
		c.memory.Write(c.getHL(), value)
	default:
		c.a = value
	}
}

// Serialize writes the CPU block of a save state.
func (c *CPU) Serialize(w io.Writer) error {
	for _, v := range []uint8{
		c.a, c.f, c.b, c.c, c.d, c.e, c.h, c.l,
		uint8(c.ime), uint8(c.state), boolByte(c.haltBug),
	} {
		if err := stream.WriteU8(w, v); err != nil {
			return err
		}
	}
	if err := stream.WriteU16(w, c.sp); err != nil {
		return err
	}
	return stream.WriteU16(w, c.pc)
}

// Deserialize restores the CPU block of a save state.
func (c *CPU) Deserialize(r io.Reader) error {
	vals := make([]uint8, 11)
	for i := range vals {
		v, err := stream.ReadU8(r)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	c.a, c.f, c.b, c.c, c.d, c.e, c.h, c.l = vals[0], vals[1]&0xF0, vals[2], vals[3], vals[4], vals[5], vals[6], vals[7]
	c.ime, c.state, c.haltBug = IMEState(vals[8]), RunState(vals[9]), vals[10] != 0
	sp, err := stream.ReadU16(r)
	if err != nil {
		return err
	}
	pc, err := stream.ReadU16(r)
	if err != nil {
		return err
	}
	c.sp, c.pc = sp, pc
	return nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
