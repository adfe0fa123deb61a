package cpu

import "github.com/pgrandi/go-dotmatrix/dotmatrix/bit"

// readImmediate fetches the byte at PC and advances it.
func (c *CPU) readImmediate() uint8 {
	value := c.memory.Read(c.pc)
	c.pc++
	return value
}

// readImmediateWord fetches a little-endian word at PC and advances it.
func (c *CPU) readImmediateWord() uint16 {
	low := c.readImmediate()
	high := c.readImmediate()
	return bit.Combine(high, low)
}

// readImmediateSigned fetches a signed displacement byte.
func (c *CPU) readImmediateSigned() int8 {
	return int8(c.readImmediate())
}

func (c *CPU) pushStack(value uint16) {
	c.sp--
	c.memory.Write(c.sp, bit.High(value))
	c.sp--
	c.memory.Write(c.sp, bit.Low(value))
}

func (c *CPU) popStack() uint16 {
	low := c.memory.Read(c.sp)
	c.sp++
	high := c.memory.Read(c.sp)
	c.sp++
	return bit.Combine(high, low)
}

func (c *CPU) inc(r *uint8) {
	*r++
	value := *r

	c.setFlagToCondition(zeroFlag, value == 0)
	c.setFlagToCondition(halfCarryFlag, (value&0xF) == 0)
	c.resetFlag(subFlag)
}

func (c *CPU) dec(r *uint8) {
	*r--
	value := *r

	c.setFlagToCondition(zeroFlag, value == 0)
	c.setFlagToCondition(halfCarryFlag, (value&0xF) == 0xF)
	c.setFlag(subFlag)
}

// addToA sets the result of adding a value to A, while setting all relevant flags.
func (c *CPU) addToA(value uint8) {
	a := c.a
	result := a + value

	c.setFlagToCondition(zeroFlag, result == 0)
	c.resetFlag(subFlag)
	c.setFlagToCondition(halfCarryFlag, (a&0xF)+(value&0xF) > 0xF)
	c.setFlagToCondition(carryFlag, uint16(a)+uint16(value) > 0xFF)

	c.a = result
}

// adc adds value plus the carry flag to A.
func (c *CPU) adc(value uint8) {
	a := c.a
	carry := c.flagToBit(carryFlag)
	result := a + value + carry

	c.setFlagToCondition(zeroFlag, result == 0)
	c.resetFlag(subFlag)
	c.setFlagToCondition(halfCarryFlag, (a&0xF)+(value&0xF)+carry > 0xF)
	c.setFlagToCondition(carryFlag, uint16(a)+uint16(value)+uint16(carry) > 0xFF)

	c.a = result
}

// sub subtracts the value from A and sets all relevant flags.
func (c *CPU) sub(value uint8) {
	a := c.a
	c.a = a - value

	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.setFlag(subFlag)
	c.setFlagToCondition(halfCarryFlag, (a&0xF) < (value&0xF))
	c.setFlagToCondition(carryFlag, a < value)
}

// sbc subtracts the value and the carry flag from A.
func (c *CPU) sbc(value uint8) {
	a := c.a
	carry := c.flagToBit(carryFlag)
	result := int(a) - int(value) - int(carry)
	c.a = uint8(result)

	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.setFlag(subFlag)
	c.setFlagToCondition(halfCarryFlag, (a&0xF) < (value&0xF)+carry)
	c.setFlagToCondition(carryFlag, result < 0)
}

// cp compares the value against A without storing the result.
func (c *CPU) cp(value uint8) {
	a := c.a

	c.setFlagToCondition(zeroFlag, a == value)
	c.setFlag(subFlag)
	c.setFlagToCondition(halfCarryFlag, (a&0xF) < (value&0xF))
	c.setFlagToCondition(carryFlag, a < value)
}

func (c *CPU) and(value uint8) {
	c.a &= value
	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.setFlag(halfCarryFlag)
	c.resetFlag(carryFlag)
}

func (c *CPU) or(value uint8) {
	c.a |= value
	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
	c.resetFlag(carryFlag)
}

func (c *CPU) xor(value uint8) {
	c.a ^= value
	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
	c.resetFlag(carryFlag)
}

// addToHL sets the result of adding a 16 bit register to HL. Z is untouched,
// H/C come from bits 11 and 15.
func (c *CPU) addToHL(value uint16) {
	hl := c.getHL()
	result := hl + value

	c.resetFlag(subFlag)
	c.setFlagToCondition(halfCarryFlag, (hl&0xFFF)+(value&0xFFF) > 0xFFF)
	c.setFlagToCondition(carryFlag, uint32(hl)+uint32(value) > 0xFFFF)

	c.setHL(result)
}

// addSignedToSP computes SP + signed displacement. H and C come from the
// low byte's bit 3/7 carries, never the 16-bit result; Z and N clear.
func (c *CPU) addSignedToSP(displacement int8) uint16 {
	sp := c.sp
	d := uint16(int16(displacement))

	c.resetFlag(zeroFlag)
	c.resetFlag(subFlag)
	c.setFlagToCondition(halfCarryFlag, (sp&0x0F)+(d&0x0F) > 0x0F)
	c.setFlagToCondition(carryFlag, (sp&0xFF)+(d&0xFF) > 0xFF)

	return sp + d
}

// daa adjusts A to binary-coded decimal after an add or subtract.
func (c *CPU) daa() {
	a := c.a
	carry := c.isSetFlag(carryFlag)

	if !c.isSetFlag(subFlag) {
		if carry || a > 0x99 {
			a += 0x60
			carry = true
		}
		if c.isSetFlag(halfCarryFlag) || (a&0x0F) > 0x09 {
			a += 0x06
		}
	} else {
		if carry {
			a -= 0x60
		}
		if c.isSetFlag(halfCarryFlag) {
			a -= 0x06
		}
	}

	c.a = a
	c.setFlagToCondition(zeroFlag, a == 0)
	c.resetFlag(halfCarryFlag)
	c.setFlagToCondition(carryFlag, carry)
}

// rotate helpers. The A-register forms (RLCA etc.) always clear Z; the CB
// forms compute it from the result.

func (c *CPU) rlc(r *uint8, updateZero bool) {
	value := *r
	carryOut := value >> 7

	value = (value << 1) | carryOut
	*r = value

	c.setFlagToCondition(carryFlag, carryOut == 1)
	c.setFlagToCondition(zeroFlag, updateZero && value == 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
}

func (c *CPU) rl(r *uint8, updateZero bool) {
	value := *r
	carryOut := value >> 7
	carryIn := c.flagToBit(carryFlag)

	value = (value << 1) | carryIn
	*r = value

	c.setFlagToCondition(carryFlag, carryOut == 1)
	c.setFlagToCondition(zeroFlag, updateZero && value == 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
}

func (c *CPU) rrc(r *uint8, updateZero bool) {
	value := *r
	carryOut := value & 1

	value = (value >> 1) | (carryOut << 7)
	*r = value

	c.setFlagToCondition(carryFlag, carryOut == 1)
	c.setFlagToCondition(zeroFlag, updateZero && value == 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
}

func (c *CPU) rr(r *uint8, updateZero bool) {
	value := *r
	carryOut := value & 1
	carryIn := c.flagToBit(carryFlag) << 7

	value = (value >> 1) | carryIn
	*r = value

	c.setFlagToCondition(carryFlag, carryOut == 1)
	c.setFlagToCondition(zeroFlag, updateZero && value == 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
}

func (c *CPU) sla(r *uint8) {
	value := *r
	carryOut := value >> 7

	value <<= 1
	*r = value

	c.setFlagToCondition(carryFlag, carryOut == 1)
	c.setFlagToCondition(zeroFlag, value == 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
}

func (c *CPU) sra(r *uint8) {
	value := *r
	carryOut := value & 1

	value = (value >> 1) | (value & 0x80)
	*r = value

	c.setFlagToCondition(carryFlag, carryOut == 1)
	c.setFlagToCondition(zeroFlag, value == 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
}

func (c *CPU) srl(r *uint8) {
	value := *r
	carryOut := value & 1

	value >>= 1
	*r = value

	c.setFlagToCondition(carryFlag, carryOut == 1)
	c.setFlagToCondition(zeroFlag, value == 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
}

func (c *CPU) swap(r *uint8) {
	value := *r
	value = (value << 4) | (value >> 4)
	*r = value

	c.setFlagToCondition(zeroFlag, value == 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
	c.resetFlag(carryFlag)
}

// bitTest sets Z from the complement of the tested bit; C is untouched.
func (c *CPU) bitTest(index uint8, value uint8) {
	c.setFlagToCondition(zeroFlag, !bit.IsSet(index, value))
	c.resetFlag(subFlag)
	c.setFlag(halfCarryFlag)
}

// jumps

// jr performs a relative jump using the immediate signed byte.
func (c *CPU) jr() {
	displacement := c.readImmediateSigned()
	c.pc = uint16(int32(c.pc) + int32(displacement))
}

// jrIf conditionally jumps; returns the cycle count (taken vs not).
func (c *CPU) jrIf(condition bool) int {
	if condition {
		c.jr()
		return 12
	}
	c.pc++
	return 8
}

// jp jumps to the immediate 16-bit address.
func (c *CPU) jp() {
	c.pc = c.readImmediateWord()
}

func (c *CPU) jpIf(condition bool) int {
	if condition {
		c.jp()
		return 16
	}
	c.pc += 2
	return 12
}

// call pushes the return address and jumps to the immediate address.
func (c *CPU) call() {
	target := c.readImmediateWord()
	c.pushStack(c.pc)
	c.pc = target
}

func (c *CPU) callIf(condition bool) int {
	if condition {
		c.call()
		return 24
	}
	c.pc += 2
	return 12
}

func (c *CPU) ret() {
	c.pc = c.popStack()
}

func (c *CPU) retIf(condition bool) int {
	if condition {
		c.ret()
		return 20
	}
	return 8
}

// rst pushes PC and jumps to one of the fixed reset vectors.
func (c *CPU) rst(vector uint16) {
	c.pushStack(c.pc)
	c.pc = vector
}
