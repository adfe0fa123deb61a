package memory

import (
	"io"

	"github.com/pgrandi/go-dotmatrix/dotmatrix/stream"
)

// MBC represents a Memory Bank Controller. ROM-space writes are control
// signals; reads of disabled or absent RAM return 0xFF, per hardware.
type MBC interface {
	// Read reads a byte from cartridge space (0x0000-0x7FFF, 0xA000-0xBFFF).
	Read(addr uint16) uint8
	// Write handles MBC control writes and external RAM writes.
	Write(addr uint16, value uint8)
	// HasBattery reports whether the cartridge RAM is battery backed.
	HasBattery() bool
	// SaveBattery/LoadBattery persist battery-backed RAM (and RTC for MBC3).
	SaveBattery(w io.Writer) error
	LoadBattery(r io.Reader) error
	// Serialize/Deserialize round-trip the full banking state for save states.
	Serialize(w io.Writer) error
	Deserialize(r io.Reader) error
}

// NewMBC builds the controller matching the cartridge header. The clock is
// only used by MBC3 carts with an RTC; pass nil for wall-clock time.
func NewMBC(cart *Cartridge, clock Clock) MBC {
	switch cart.mbcType {
	case NoMBCType:
		return NewNoMBC(cart.data, cart.hasBattery, cart.ramBankCount)
	case MBC1Type:
		return NewMBC1(cart.data, cart.hasBattery, cart.ramBankCount)
	case MBC2Type:
		return NewMBC2(cart.data, cart.hasBattery)
	case MBC3Type:
		return NewMBC3(cart.data, cart.hasBattery, cart.hasRTC, cart.ramBankCount, clock)
	case MBC5Type:
		return NewMBC5(cart.data, cart.hasBattery, cart.ramBankCount)
	default:
		return nil
	}
}

// bankedRAM is the external RAM shared by the MBC variants.
type bankedRAM struct {
	data  []uint8
	banks int
}

func newBankedRAM(banks int) bankedRAM {
	return bankedRAM{data: make([]uint8, banks*ramBankSize), banks: banks}
}

func (r *bankedRAM) read(bank int, addr uint16) uint8 {
	if r.banks == 0 {
		return 0xFF
	}
	bank &= r.banks - 1
	return r.data[bank*ramBankSize+int(addr-0xA000)]
}

func (r *bankedRAM) write(bank int, addr uint16, value uint8) {
	if r.banks == 0 {
		return
	}
	bank &= r.banks - 1
	r.data[bank*ramBankSize+int(addr-0xA000)] = value
}

func (r *bankedRAM) saveTo(w io.Writer) error  { return stream.WriteBytes(w, r.data) }
func (r *bankedRAM) loadFrom(rd io.Reader) error {
	if len(r.data) == 0 {
		return nil
	}
	return stream.ReadBytes(rd, r.data)
}

// romBankMask returns the mask applied to ROM bank indices: banks are a
// power of two, so out-of-range selections wrap rather than clamp.
func romBankMask(rom []uint8) int {
	banks := len(rom) / romBankSize
	if banks == 0 {
		return 0
	}
	return banks - 1
}

// NoMBC represents cartridges with no banking capabilities: 32 KiB of ROM
// directly mapped, plus an optional single external RAM bank.
type NoMBC struct {
	rom     []uint8
	ram     bankedRAM
	battery bool
}

func NewNoMBC(romData []uint8, hasBattery bool, ramBanks int) *NoMBC {
	return &NoMBC{rom: romData, ram: newBankedRAM(ramBanks), battery: hasBattery}
}

func (m *NoMBC) Read(addr uint16) uint8 {
	switch {
	case addr <= 0x7FFF:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		return m.ram.read(0, addr)
	default:
		return 0xFF
	}
}

func (m *NoMBC) Write(addr uint16, value uint8) {
	if addr >= 0xA000 && addr <= 0xBFFF {
		m.ram.write(0, addr, value)
	}
}

func (m *NoMBC) HasBattery() bool { return m.battery }

func (m *NoMBC) SaveBattery(w io.Writer) error   { return m.ram.saveTo(w) }
func (m *NoMBC) LoadBattery(r io.Reader) error   { return m.ram.loadFrom(r) }
func (m *NoMBC) Serialize(w io.Writer) error     { return m.ram.saveTo(w) }
func (m *NoMBC) Deserialize(r io.Reader) error   { return m.ram.loadFrom(r) }

// MBC1 is the first and most common MBC chip:
//   - up to 2 MiB ROM in 16 KiB banks, up to 32 KiB RAM in 8 KiB banks
//   - 5-bit low ROM bank register, bank 0 remapped to 1 in the switchable half
//   - 2-bit register that extends the ROM bank (mode 0) or selects the RAM
//     bank (mode 1); in mode 1 it also rebanks the 0x0000-0x3FFF region on
//     >=1 MiB carts
type MBC1 struct {
	rom     []uint8
	ram     bankedRAM
	battery bool

	romBankLow5 uint8
	bankHigh2   uint8
	bankingMode uint8
	ramEnabled  bool
}

func NewMBC1(romData []uint8, hasBattery bool, ramBanks int) *MBC1 {
	return &MBC1{
		rom:         romData,
		ram:         newBankedRAM(ramBanks),
		battery:     hasBattery,
		romBankLow5: 1,
	}
}

// lowBank is the bank mapped at 0x0000-0x3FFF; highBank at 0x4000-0x7FFF.
func (m *MBC1) lowBank() int {
	if m.bankingMode == 0 {
		return 0
	}
	return (int(m.bankHigh2) << 5) & romBankMask(m.rom)
}

func (m *MBC1) highBank() int {
	bank := int(m.romBankLow5) | int(m.bankHigh2)<<5
	return bank & romBankMask(m.rom)
}

func (m *MBC1) ramBank() int {
	if m.bankingMode == 0 {
		return 0
	}
	return int(m.bankHigh2)
}

func (m *MBC1) Read(addr uint16) uint8 {
	switch {
	case addr <= 0x3FFF:
		return m.rom[m.lowBank()*romBankSize+int(addr)]
	case addr <= 0x7FFF:
		return m.rom[m.highBank()*romBankSize+int(addr-0x4000)]
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		return m.ram.read(m.ramBank(), addr)
	default:
		return 0xFF
	}
}

func (m *MBC1) Write(addr uint16, value uint8) {
	switch {
	case addr <= 0x1FFF:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr <= 0x3FFF:
		bank := value & 0x1F
		if bank == 0 {
			// bank 0 (and thus 0x20/0x40/0x60 in large-ROM mode) is never
			// addressable through the switchable half
			bank = 1
		}
		m.romBankLow5 = bank
	case addr <= 0x5FFF:
		m.bankHigh2 = value & 0x03
	case addr <= 0x7FFF:
		m.bankingMode = value & 0x01
	case addr >= 0xA000 && addr <= 0xBFFF:
		if m.ramEnabled {
			m.ram.write(m.ramBank(), addr, value)
		}
	}
}

func (m *MBC1) HasBattery() bool { return m.battery }

func (m *MBC1) SaveBattery(w io.Writer) error { return m.ram.saveTo(w) }
func (m *MBC1) LoadBattery(r io.Reader) error { return m.ram.loadFrom(r) }

func (m *MBC1) Serialize(w io.Writer) error {
	for _, v := range []uint8{m.romBankLow5, m.bankHigh2, m.bankingMode, boolByte(m.ramEnabled)} {
		if err := stream.WriteU8(w, v); err != nil {
			return err
		}
	}
	return m.ram.saveTo(w)
}

func (m *MBC1) Deserialize(r io.Reader) error {
	vals := make([]uint8, 4)
	for i := range vals {
		v, err := stream.ReadU8(r)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	m.romBankLow5, m.bankHigh2, m.bankingMode, m.ramEnabled = vals[0], vals[1], vals[2], vals[3] != 0
	return m.ram.loadFrom(r)
}

// MBC2 has a 4-bit ROM bank register and 512x4 bits of built-in RAM. Bit 8
// of the write address selects between the RAM-enable and ROM-bank
// registers; only the low nibble of each RAM cell is wired.
type MBC2 struct {
	rom     []uint8
	ram     [512]uint8
	battery bool

	romBank    uint8
	ramEnabled bool
}

func NewMBC2(romData []uint8, hasBattery bool) *MBC2 {
	return &MBC2{rom: romData, battery: hasBattery, romBank: 1}
}

func (m *MBC2) Read(addr uint16) uint8 {
	switch {
	case addr <= 0x3FFF:
		return m.rom[addr]
	case addr <= 0x7FFF:
		bank := int(m.romBank) & romBankMask(m.rom)
		return m.rom[bank*romBankSize+int(addr-0x4000)]
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		// 512 half-bytes, echoed across the whole window; upper nibble floats high
		return 0xF0 | (m.ram[addr&0x01FF] & 0x0F)
	default:
		return 0xFF
	}
}

func (m *MBC2) Write(addr uint16, value uint8) {
	switch {
	case addr <= 0x3FFF:
		if addr&0x0100 == 0 {
			m.ramEnabled = (value & 0x0F) == 0x0A
		} else {
			bank := value & 0x0F
			if bank == 0 {
				bank = 1
			}
			m.romBank = bank
		}
	case addr >= 0xA000 && addr <= 0xBFFF:
		if m.ramEnabled {
			m.ram[addr&0x01FF] = value & 0x0F
		}
	}
}

func (m *MBC2) HasBattery() bool { return m.battery }

func (m *MBC2) SaveBattery(w io.Writer) error { return stream.WriteBytes(w, m.ram[:]) }
func (m *MBC2) LoadBattery(r io.Reader) error { return stream.ReadBytes(r, m.ram[:]) }

func (m *MBC2) Serialize(w io.Writer) error {
	if err := stream.WriteU8(w, m.romBank); err != nil {
		return err
	}
	if err := stream.WriteU8(w, boolByte(m.ramEnabled)); err != nil {
		return err
	}
	return stream.WriteBytes(w, m.ram[:])
}

func (m *MBC2) Deserialize(r io.Reader) error {
	bank, err := stream.ReadU8(r)
	if err != nil {
		return err
	}
	enabled, err := stream.ReadU8(r)
	if err != nil {
		return err
	}
	m.romBank, m.ramEnabled = bank, enabled != 0
	return stream.ReadBytes(r, m.ram[:])
}

// MBC3 adds the real-time clock. Values 0x08-0x0C written to the 0x4000
// region map the RTC registers into the external RAM window instead of a
// RAM bank.
type MBC3 struct {
	rom     []uint8
	ram     bankedRAM
	rtc     *RTC
	battery bool
	hasRTC  bool

	romBank    uint8
	ramSelect  uint8 // 0x00-0x03 RAM bank, 0x08-0x0C RTC register
	ramEnabled bool
}

func NewMBC3(romData []uint8, hasBattery, hasRTC bool, ramBanks int, clock Clock) *MBC3 {
	m := &MBC3{
		rom:     romData,
		ram:     newBankedRAM(ramBanks),
		battery: hasBattery,
		hasRTC:  hasRTC,
		romBank: 1,
	}
	if hasRTC {
		m.rtc = NewRTC(clock)
	}
	return m
}

func (m *MBC3) Read(addr uint16) uint8 {
	switch {
	case addr <= 0x3FFF:
		return m.rom[addr]
	case addr <= 0x7FFF:
		bank := int(m.romBank) & romBankMask(m.rom)
		return m.rom[bank*romBankSize+int(addr-0x4000)]
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		if m.ramSelect >= 0x08 {
			if m.rtc == nil {
				return 0xFF
			}
			return m.rtc.ReadRegister(m.ramSelect)
		}
		return m.ram.read(int(m.ramSelect), addr)
	default:
		return 0xFF
	}
}

func (m *MBC3) Write(addr uint16, value uint8) {
	switch {
	case addr <= 0x1FFF:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr <= 0x3FFF:
		bank := value & 0x7F
		if bank == 0 {
			bank = 1
		}
		m.romBank = bank
	case addr <= 0x5FFF:
		if value <= 0x03 || (value >= 0x08 && value <= 0x0C) {
			m.ramSelect = value
		}
	case addr <= 0x7FFF:
		if m.rtc != nil {
			m.rtc.WriteLatch(value)
		}
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		if m.ramSelect >= 0x08 {
			if m.rtc != nil {
				m.rtc.WriteRegister(m.ramSelect, value)
			}
			return
		}
		m.ram.write(int(m.ramSelect), addr, value)
	}
}

func (m *MBC3) HasBattery() bool { return m.battery }

func (m *MBC3) SaveBattery(w io.Writer) error {
	if err := m.ram.saveTo(w); err != nil {
		return err
	}
	if m.rtc != nil {
		return m.rtc.SaveBattery(w)
	}
	return nil
}

func (m *MBC3) LoadBattery(r io.Reader) error {
	if err := m.ram.loadFrom(r); err != nil {
		return err
	}
	if m.rtc != nil {
		return m.rtc.LoadBattery(r)
	}
	return nil
}

func (m *MBC3) Serialize(w io.Writer) error {
	for _, v := range []uint8{m.romBank, m.ramSelect, boolByte(m.ramEnabled)} {
		if err := stream.WriteU8(w, v); err != nil {
			return err
		}
	}
	if err := m.ram.saveTo(w); err != nil {
		return err
	}
	if m.rtc != nil {
		return m.rtc.Serialize(w)
	}
	return nil
}

func (m *MBC3) Deserialize(r io.Reader) error {
	vals := make([]uint8, 3)
	for i := range vals {
		v, err := stream.ReadU8(r)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	m.romBank, m.ramSelect, m.ramEnabled = vals[0], vals[1], vals[2] != 0
	if err := m.ram.loadFrom(r); err != nil {
		return err
	}
	if m.rtc != nil {
		return m.rtc.Deserialize(r)
	}
	return nil
}

// MBC5 has a 9-bit ROM bank register (bank 0 is selectable, unlike MBC1)
// and a 4-bit RAM bank register.
type MBC5 struct {
	rom     []uint8
	ram     bankedRAM
	battery bool
	rumble  bool

	romBank    uint16
	ramBank    uint8
	ramEnabled bool
}

func NewMBC5(romData []uint8, hasBattery bool, ramBanks int) *MBC5 {
	return &MBC5{rom: romData, ram: newBankedRAM(ramBanks), battery: hasBattery, romBank: 1}
}

func (m *MBC5) Read(addr uint16) uint8 {
	switch {
	case addr <= 0x3FFF:
		return m.rom[addr]
	case addr <= 0x7FFF:
		bank := int(m.romBank) & romBankMask(m.rom)
		return m.rom[bank*romBankSize+int(addr-0x4000)]
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		return m.ram.read(int(m.ramBank), addr)
	default:
		return 0xFF
	}
}

func (m *MBC5) Write(addr uint16, value uint8) {
	switch {
	case addr <= 0x1FFF:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr <= 0x2FFF:
		m.romBank = (m.romBank & 0x100) | uint16(value)
	case addr <= 0x3FFF:
		m.romBank = (m.romBank & 0x0FF) | (uint16(value&0x01) << 8)
	case addr <= 0x5FFF:
		m.ramBank = value & 0x0F
	case addr >= 0xA000 && addr <= 0xBFFF:
		if m.ramEnabled {
			m.ram.write(int(m.ramBank), addr, value)
		}
	}
}

func (m *MBC5) HasBattery() bool { return m.battery }

func (m *MBC5) SaveBattery(w io.Writer) error { return m.ram.saveTo(w) }
func (m *MBC5) LoadBattery(r io.Reader) error { return m.ram.loadFrom(r) }

func (m *MBC5) Serialize(w io.Writer) error {
	if err := stream.WriteU16(w, m.romBank); err != nil {
		return err
	}
	if err := stream.WriteU8(w, m.ramBank); err != nil {
		return err
	}
	if err := stream.WriteU8(w, boolByte(m.ramEnabled)); err != nil {
		return err
	}
	return m.ram.saveTo(w)
}

func (m *MBC5) Deserialize(r io.Reader) error {
	bank, err := stream.ReadU16(r)
	if err != nil {
		return err
	}
	ramBank, err := stream.ReadU8(r)
	if err != nil {
		return err
	}
	enabled, err := stream.ReadU8(r)
	if err != nil {
		return err
	}
	m.romBank, m.ramBank, m.ramEnabled = bank, ramBank, enabled != 0
	return m.ram.loadFrom(r)
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
