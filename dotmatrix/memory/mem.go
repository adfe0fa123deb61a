package memory

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/pgrandi/go-dotmatrix/dotmatrix/addr"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/audio"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/bit"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/stream"
)

type memRegion uint8

const (
	regionROM memRegion = iota
	regionVRAM
	regionExtRAM
	regionWRAM
	regionEcho
	regionOAM
	regionIO
)

// JoypadKey represents a key on the Gameboy joypad
type JoypadKey uint8

const (
	JoypadRight JoypadKey = iota
	JoypadLeft
	JoypadUp
	JoypadDown
	JoypadA
	JoypadB
	JoypadSelect
	JoypadStart
)

// JoypadSource is polled for the live button matrix. Low-level edge
// detection and the joypad interrupt stay inside the MMU.
type JoypadSource interface {
	IsPressed(key JoypadKey) bool
}

// SerialPort is the minimal interface for a serial device connected to SB/SC.
// Implementations MUST only accept reads/writes to addr.SB and addr.SC.
type SerialPort interface {
	Write(address uint16, value byte)
	Read(address uint16) byte
	Tick(cycles int)
	Reset()
}

// MMU maps the 16-bit address space onto cartridge, VRAM, WRAM, OAM, the
// I/O register file, HRAM and IE, and owns the units that live on the bus:
// timer, joypad matrix, serial port and the DMA engines.
type MMU struct {
	cart      *Cartridge
	mbc       MBC
	memory    []byte // OAM, I/O registers, HRAM, IE; other regions are banked below
	regionMap [256]memRegion

	vram     [2][0x2000]byte
	vramBank uint8
	wram     [8][0x1000]byte
	wramBank uint8

	cgb              bool
	doubleSpeed      bool
	speedSwitchArmed bool

	bgPaletteRAM  [64]byte
	objPaletteRAM [64]byte
	bcps, ocps    byte

	APU *audio.APU

	joypadButtons uint8 // A/B/Select/Start, low = pressed
	joypadDpad    uint8 // Right/Left/Up/Down, low = pressed
	joypadSource  JoypadSource

	serial SerialPort
	timer  Timer

	dma         oamDMA
	dmaCycleAcc int
	hdma        vramDMA

	bootROM     []byte
	bootEnabled bool

	prevPPUMode byte // for the HDMA HBlank edge
}

// New creates a memory unit with no cartridge loaded, equivalent to turning
// on the console with an empty slot.
func New() *MMU {
	mmu := &MMU{
		memory:        make([]byte, 0x10000),
		cart:          NewCartridge(),
		APU:           audio.New(),
		joypadButtons: 0x0F,
		joypadDpad:    0x0F,
		wramBank:      1,
	}
	mmu.timer.TimerInterruptHandler = func() { mmu.RequestInterrupt(addr.TimerInterrupt) }
	initRegionMap(mmu)
	mmu.initIORegisters()
	return mmu
}

// initIORegisters seeds the register file with the values the boot ROM
// leaves behind, so cartridges run without one.
func (m *MMU) initIORegisters() {
	m.memory[addr.LCDC] = 0x91
	m.memory[addr.STAT] = 0x85
	m.memory[addr.LY] = 0x00
	m.memory[addr.BGP] = 0xFC
	m.memory[addr.OBP0] = 0xFF
	m.memory[addr.OBP1] = 0xFF
	m.memory[addr.IF] = 0xE1
	m.writeJoypad(0x00)

	m.APU.WriteRegister(addr.NR52, 0x80)
	m.APU.WriteRegister(addr.NR10, 0x80)
	m.APU.WriteRegister(addr.NR11, 0xBF)
	m.APU.WriteRegister(addr.NR12, 0xF3)
	m.APU.WriteRegister(addr.NR50, 0x77)
	m.APU.WriteRegister(addr.NR51, 0xF3)
}

// NewWithCartridge creates a memory unit with the provided cartridge
// inserted. The clock feeds the MBC3 RTC when present.
func NewWithCartridge(cart *Cartridge, clock Clock) *MMU {
	mmu := New()
	mmu.cart = cart
	mmu.cgb = cart.IsCGB()
	mmu.mbc = NewMBC(cart, clock)
	if mmu.mbc == nil {
		panic(fmt.Sprintf("unsupported MBC type: %d", cart.mbcType))
	}
	return mmu
}

func initRegionMap(m *MMU) {
	for i := 0x00; i <= 0x7F; i++ {
		m.regionMap[i] = regionROM
	}
	for i := 0x80; i <= 0x9F; i++ {
		m.regionMap[i] = regionVRAM
	}
	for i := 0xA0; i <= 0xBF; i++ {
		m.regionMap[i] = regionExtRAM
	}
	for i := 0xC0; i <= 0xDF; i++ {
		m.regionMap[i] = regionWRAM
	}
	for i := 0xE0; i <= 0xFD; i++ {
		m.regionMap[i] = regionEcho
	}
	m.regionMap[0xFE] = regionOAM
	m.regionMap[0xFF] = regionIO
}

// Cart returns the loaded cartridge.
func (m *MMU) Cart() *Cartridge { return m.cart }

// MBC returns the active bank controller (nil with no cartridge).
func (m *MMU) MBC() MBC { return m.mbc }

// IsCGB reports whether the machine runs in CGB mode.
func (m *MMU) IsCGB() bool { return m.cgb }

// DoubleSpeed reports whether the CGB CPU clock is switched to double speed.
func (m *MMU) DoubleSpeed() bool { return m.doubleSpeed }

// SetSerialPort wires the serial device; nil disconnects the link.
func (m *MMU) SetSerialPort(port SerialPort) { m.serial = port }

// SetJoypadSource wires the host button source used by PollInput.
func (m *MMU) SetJoypadSource(source JoypadSource) { m.joypadSource = source }

// SetBootROM maps a boot ROM over 0x0000-0x00FF until a write to 0xFF50.
func (m *MMU) SetBootROM(data []byte) {
	if len(data) < 0x100 {
		return
	}
	m.bootROM = data
	m.bootEnabled = true
}

// BootROMEnabled reports whether the overlay is still mapped.
func (m *MMU) BootROMEnabled() bool { return m.bootEnabled }

// SetTimerSeed initializes the internal timer divider seed.
func (m *MMU) SetTimerSeed(seed uint16) { m.timer.SetSeed(seed) }

// Timer exposes the timer unit (tests).
func (m *MMU) Timer() *Timer { return &m.timer }

// Tick advances the bus-resident units: timer, serial, the OAM DMA engine
// and the HDMA HBlank detector. Cycles are T-cycles.
func (m *MMU) Tick(cycles int) {
	m.timer.Tick(cycles)
	if m.serial != nil {
		m.serial.Tick(cycles)
	}
	m.tickOAMDMA(cycles)
	m.tickHDMA()
}

// tickOAMDMA copies one byte per M-cycle while the transfer runs.
func (m *MMU) tickOAMDMA(cycles int) {
	if !m.dma.active {
		return
	}
	m.dmaCycleAcc += cycles
	for m.dmaCycleAcc >= 4 && m.dma.active {
		m.dmaCycleAcc -= 4
		value := m.readForDMA(m.dma.source + uint16(m.dma.index))
		m.memory[0xFE00+m.dma.index] = value
		m.dma.index++
		if m.dma.index >= 0xA0 {
			m.dma.active = false
			m.dmaCycleAcc = 0
		}
	}
}

// readForDMA bypasses the CPU-side access blocking: the DMA unit owns the
// bus while it runs.
func (m *MMU) readForDMA(address uint16) byte {
	switch m.regionMap[address>>8] {
	case regionROM, regionExtRAM:
		if m.mbc == nil {
			return 0xFF
		}
		return m.mbc.Read(address)
	case regionVRAM:
		return m.vram[m.vramBank][address-0x8000]
	case regionWRAM:
		return m.readWRAM(address)
	case regionEcho:
		return m.readWRAM(address - 0x2000)
	default:
		return 0xFF
	}
}

// tickHDMA copies one 16-byte block each time the PPU enters HBlank.
func (m *MMU) tickHDMA() {
	mode := m.memory[addr.STAT] & 0x03
	entered := mode == 0 && m.prevPPUMode != 0
	m.prevPPUMode = mode

	if entered && m.hdma.active && m.hdma.hblank {
		m.copyVRAMBlock(16)
	}
}

func (m *MMU) copyVRAMBlock(count int) {
	for i := 0; i < count && m.hdma.length > 0; i++ {
		value := m.readForDMA(m.hdma.source)
		m.vram[m.vramBank][m.hdma.dest&0x1FFF] = value
		m.hdma.source++
		m.hdma.dest++
		m.hdma.length--
	}
	if m.hdma.length <= 0 {
		m.hdma.active = false
	}
}

// RequestInterrupt sets the interrupt flag (IF register) of the chosen interrupt to 1.
func (m *MMU) RequestInterrupt(interrupt addr.Interrupt) {
	var bitPos uint8
	switch interrupt {
	case addr.VBlankInterrupt:
		bitPos = 0
	case addr.LCDSTATInterrupt:
		bitPos = 1
	case addr.TimerInterrupt:
		bitPos = 2
	case addr.SerialInterrupt:
		bitPos = 3
	case addr.JoypadInterrupt:
		bitPos = 4
	default:
		panic(fmt.Sprintf("Unknown interrupt: 0x%02X", uint8(interrupt)))
	}
	m.memory[addr.IF] = bit.Set(bitPos, m.memory[addr.IF]) | 0xE0
}

func (m *MMU) ReadBit(index uint8, address uint16) bool {
	return bit.IsSet(index, m.Read(address))
}

// ppuMode returns STAT bits 1-0; access blocking only applies with the LCD on.
func (m *MMU) ppuMode() byte {
	if !bit.IsSet(7, m.memory[addr.LCDC]) {
		return 0
	}
	return m.memory[addr.STAT] & 0x03
}

func (m *MMU) readWRAM(address uint16) byte {
	if address < 0xD000 {
		return m.wram[0][address-0xC000]
	}
	return m.wram[m.wramBank][address-0xD000]
}

func (m *MMU) writeWRAM(address uint16, value byte) {
	if address < 0xD000 {
		m.wram[0][address-0xC000] = value
	} else {
		m.wram[m.wramBank][address-0xD000] = value
	}
}

func (m *MMU) Read(address uint16) byte {
	switch m.regionMap[address>>8] {
	case regionROM:
		if m.bootEnabled && address < 0x0100 {
			return m.bootROM[address]
		}
		if m.mbc == nil {
			return 0xFF
		}
		return m.mbc.Read(address)
	case regionExtRAM:
		if m.mbc == nil {
			return 0xFF
		}
		return m.mbc.Read(address)
	case regionVRAM:
		if m.ppuMode() == 3 {
			// the PPU owns VRAM during pixel transfer
			return 0xFF
		}
		return m.vram[m.vramBank][address-0x8000]
	case regionWRAM:
		return m.readWRAM(address)
	case regionEcho:
		return m.readWRAM(address - 0x2000)
	case regionOAM:
		if address > addr.OAMEnd {
			// unusable region 0xFEA0-0xFEFF
			return 0xFF
		}
		if m.dma.active || m.ppuMode() >= 2 {
			return 0xFF
		}
		return m.memory[address]
	case regionIO:
		return m.readIO(address)
	default:
		panic(fmt.Sprintf("Attempted read at unmapped address: 0x%X", address))
	}
}

func (m *MMU) readIO(address uint16) byte {
	switch {
	case address == addr.P1:
		return m.memory[address]
	case address == addr.SB || address == addr.SC:
		if m.serial == nil {
			return 0xFF
		}
		return m.serial.Read(address)
	case address >= addr.DIV && address <= addr.TAC:
		return m.timer.Read(address)
	case address >= addr.AudioStart && address <= addr.AudioEnd:
		return m.APU.ReadRegister(address)
	case address == addr.IF:
		// upper 3 bits are unwired and always read 1
		return m.memory[address] | 0xE0
	case address == addr.STAT:
		return m.memory[address] | 0x80
	case address == addr.KEY1:
		if !m.cgb {
			return 0xFF
		}
		value := byte(0x7E)
		if m.doubleSpeed {
			value |= 0x80
		}
		if m.speedSwitchArmed {
			value |= 0x01
		}
		return value
	case address == addr.VBK:
		if !m.cgb {
			return 0xFF
		}
		return 0xFE | m.vramBank
	case address == addr.SVBK:
		if !m.cgb {
			return 0xFF
		}
		return 0xF8 | m.wramBank
	case address == addr.HDMA5:
		if !m.cgb {
			return 0xFF
		}
		return m.hdma.readStatus()
	case address == addr.BCPS:
		return m.bcps
	case address == addr.BCPD:
		return m.bgPaletteRAM[m.bcps&0x3F]
	case address == addr.OCPS:
		return m.ocps
	case address == addr.OCPD:
		return m.objPaletteRAM[m.ocps&0x3F]
	default:
		return m.memory[address]
	}
}

func (m *MMU) Write(address uint16, value byte) {
	switch m.regionMap[address>>8] {
	case regionROM:
		if m.mbc == nil {
			slog.Warn("Writing to ROM with no cartridge", "addr", fmt.Sprintf("0x%04X", address))
			return
		}
		m.mbc.Write(address, value)
	case regionExtRAM:
		if m.mbc == nil {
			return
		}
		m.mbc.Write(address, value)
	case regionVRAM:
		if m.ppuMode() == 3 {
			return
		}
		m.vram[m.vramBank][address-0x8000] = value
	case regionWRAM:
		m.writeWRAM(address, value)
	case regionEcho:
		m.writeWRAM(address-0x2000, value)
	case regionOAM:
		if address > addr.OAMEnd {
			return
		}
		if m.dma.active || m.ppuMode() >= 2 {
			return
		}
		m.memory[address] = value
	case regionIO:
		m.writeIO(address, value)
	default:
		panic(fmt.Sprintf("Attempted write at unmapped address: 0x%X", address))
	}
}

func (m *MMU) writeIO(address uint16, value byte) {
	switch {
	case address == addr.P1:
		m.writeJoypad(value)
	case address == addr.SB || address == addr.SC:
		if m.serial != nil {
			m.serial.Write(address, value)
		}
	case address >= addr.DIV && address <= addr.TAC:
		m.timer.Write(address, value)
	case address >= addr.AudioStart && address <= addr.AudioEnd:
		m.APU.WriteRegister(address, value)
	case address == addr.IF:
		m.memory[address] = value | 0xE0
	case address == addr.STAT:
		// bits 0-2 are read-only status bits
		m.memory[address] = (value & 0x78) | (m.memory[address] & 0x07)
	case address == addr.LY:
		// read-only; the PPU owns the line counter
	case address == addr.DMA:
		m.memory[address] = value
		m.dma.start(value)
		m.dmaCycleAcc = 0
	case address == addr.BOOT:
		// one-way latch: once the boot ROM is unmapped it stays unmapped
		if value != 0 && m.bootEnabled {
			m.bootEnabled = false
		}
	case address == addr.KEY1:
		if m.cgb {
			m.speedSwitchArmed = value&0x01 != 0
		}
	case address == addr.VBK:
		if m.cgb {
			m.vramBank = value & 0x01
		}
	case address == addr.SVBK:
		if m.cgb {
			m.wramBank = value & 0x07
			if m.wramBank == 0 {
				m.wramBank = 1
			}
		}
	case address >= addr.HDMA1 && address <= addr.HDMA4:
		if m.cgb {
			m.hdma.writeRegister(address, value)
		}
	case address == addr.HDMA5:
		if m.cgb {
			m.writeHDMA5(value)
		}
	case address == addr.BCPS:
		m.bcps = value & 0xBF
	case address == addr.BCPD:
		m.bgPaletteRAM[m.bcps&0x3F] = value
		if bit.IsSet(7, m.bcps) {
			m.bcps = (m.bcps & 0x80) | ((m.bcps + 1) & 0x3F)
		}
	case address == addr.OCPS:
		m.ocps = value & 0xBF
	case address == addr.OCPD:
		m.objPaletteRAM[m.ocps&0x3F] = value
		if bit.IsSet(7, m.ocps) {
			m.ocps = (m.ocps & 0x80) | ((m.ocps + 1) & 0x3F)
		}
	default:
		m.memory[address] = value
	}
}

func (m *MMU) writeHDMA5(value byte) {
	if m.hdma.active && value&0x80 == 0 {
		// writing with bit 7 clear cancels an in-flight HBlank transfer
		m.hdma.active = false
		return
	}
	m.hdma.length = (int(value&0x7F) + 1) * 16
	m.hdma.hblank = value&0x80 != 0
	m.hdma.active = true
	if !m.hdma.hblank {
		// general-purpose DMA copies everything immediately
		m.copyVRAMBlock(m.hdma.length)
	}
}

// PerformSpeedSwitch completes a STOP-triggered speed switch when KEY1 bit 0
// is armed. Returns true if the switch happened.
func (m *MMU) PerformSpeedSwitch() bool {
	if !m.cgb || !m.speedSwitchArmed {
		return false
	}
	m.doubleSpeed = !m.doubleSpeed
	m.speedSwitchArmed = false
	return true
}

// --- PPU-facing accessors. The PPU owns VRAM/OAM during its modes, so its
// accesses bypass the CPU-side blocking above.

// ReadVRAM reads from a specific VRAM bank regardless of the selected bank.
func (m *MMU) ReadVRAM(bank int, address uint16) byte {
	return m.vram[bank&1][address-0x8000]
}

// ReadOAM reads a raw OAM byte.
func (m *MMU) ReadOAM(offset uint16) byte {
	return m.memory[addr.OAMStart+offset]
}

// ReadIO reads a raw I/O register byte without CPU-side masking.
func (m *MMU) ReadIO(address uint16) byte { return m.memory[address] }

// WriteIO writes a raw I/O register byte without CPU-side masking.
// Used by the PPU for LY and the STAT mode bits.
func (m *MMU) WriteIO(address uint16, value byte) { m.memory[address] = value }

// BGPaletteRAM returns the CGB background palette RAM.
func (m *MMU) BGPaletteRAM() *[64]byte { return &m.bgPaletteRAM }

// OBJPaletteRAM returns the CGB object palette RAM.
func (m *MMU) OBJPaletteRAM() *[64]byte { return &m.objPaletteRAM }

// --- Joypad

// updateJoypadRegister recomputes P1 from the selection bits and the
// tracked button state. Select bits are active-low, as are the buttons.
func (m *MMU) updateJoypadRegister() {
	p1 := m.memory[addr.P1]
	result := uint8(0b1100_0000)
	result |= p1 & 0b0011_0000

	selectDpad := !bit.IsSet(4, p1)
	selectButtons := !bit.IsSet(5, p1)

	switch {
	case selectButtons && !selectDpad:
		result |= m.joypadButtons & 0x0F
	case selectDpad && !selectButtons:
		result |= m.joypadDpad & 0x0F
	case selectButtons && selectDpad:
		result |= m.joypadButtons & m.joypadDpad & 0x0F
	default:
		result |= 0x0F
	}

	m.memory[addr.P1] = result
}

func (m *MMU) writeJoypad(value uint8) {
	// Only bits 4-5 are writable (selection bits)
	m.memory[addr.P1] = value & 0b0011_0000
	m.updateJoypadRegister()
}

// PollInput refreshes the button matrix from the joypad source, raising the
// joypad interrupt on any release-to-press transition.
func (m *MMU) PollInput() {
	if m.joypadSource == nil {
		return
	}
	for key := JoypadRight; key <= JoypadStart; key++ {
		if m.joypadSource.IsPressed(key) {
			m.HandleKeyPress(key)
		} else {
			m.HandleKeyRelease(key)
		}
	}
}

func (m *MMU) HandleKeyPress(key JoypadKey) {
	oldButtons := m.joypadButtons
	oldDpad := m.joypadDpad

	switch key {
	case JoypadRight:
		m.joypadDpad = bit.Reset(0, m.joypadDpad)
	case JoypadLeft:
		m.joypadDpad = bit.Reset(1, m.joypadDpad)
	case JoypadUp:
		m.joypadDpad = bit.Reset(2, m.joypadDpad)
	case JoypadDown:
		m.joypadDpad = bit.Reset(3, m.joypadDpad)
	case JoypadA:
		m.joypadButtons = bit.Reset(0, m.joypadButtons)
	case JoypadB:
		m.joypadButtons = bit.Reset(1, m.joypadButtons)
	case JoypadSelect:
		m.joypadButtons = bit.Reset(2, m.joypadButtons)
	case JoypadStart:
		m.joypadButtons = bit.Reset(3, m.joypadButtons)
	}

	buttonTransitions := oldButtons & ^m.joypadButtons
	dpadTransitions := oldDpad & ^m.joypadDpad
	if buttonTransitions|dpadTransitions != 0 {
		m.RequestInterrupt(addr.JoypadInterrupt)
	}

	m.updateJoypadRegister()
}

func (m *MMU) HandleKeyRelease(key JoypadKey) {
	switch key {
	case JoypadRight:
		m.joypadDpad = bit.Set(0, m.joypadDpad)
	case JoypadLeft:
		m.joypadDpad = bit.Set(1, m.joypadDpad)
	case JoypadUp:
		m.joypadDpad = bit.Set(2, m.joypadDpad)
	case JoypadDown:
		m.joypadDpad = bit.Set(3, m.joypadDpad)
	case JoypadA:
		m.joypadButtons = bit.Set(0, m.joypadButtons)
	case JoypadB:
		m.joypadButtons = bit.Set(1, m.joypadButtons)
	case JoypadSelect:
		m.joypadButtons = bit.Set(2, m.joypadButtons)
	case JoypadStart:
		m.joypadButtons = bit.Set(3, m.joypadButtons)
	}

	m.updateJoypadRegister()
}

// --- Serialization

// Serialize writes the MMU block: banked memories, the flat register file,
// banking state, palettes, timer, and the DMA engines.
func (m *MMU) Serialize(w io.Writer) error {
	for i := range m.vram {
		if err := stream.WriteBytes(w, m.vram[i][:]); err != nil {
			return err
		}
	}
	for i := range m.wram {
		if err := stream.WriteBytes(w, m.wram[i][:]); err != nil {
			return err
		}
	}
	// OAM + unusable + IO + HRAM + IE in one block
	if err := stream.WriteBytes(w, m.memory[0xFE00:0x10000]); err != nil {
		return err
	}
	for _, v := range []byte{
		m.vramBank, m.wramBank,
		boolByte(m.cgb), boolByte(m.doubleSpeed), boolByte(m.speedSwitchArmed),
		m.bcps, m.ocps, boolByte(m.bootEnabled), m.prevPPUMode,
	} {
		if err := stream.WriteU8(w, v); err != nil {
			return err
		}
	}
	if err := stream.WriteBytes(w, m.bgPaletteRAM[:]); err != nil {
		return err
	}
	if err := stream.WriteBytes(w, m.objPaletteRAM[:]); err != nil {
		return err
	}
	if err := m.timer.Serialize(w); err != nil {
		return err
	}
	if err := m.dma.serialize(w); err != nil {
		return err
	}
	if err := m.hdma.serialize(w); err != nil {
		return err
	}
	if m.mbc == nil {
		return stream.WriteU8(w, 0xFF)
	}
	if err := stream.WriteU8(w, byte(m.cart.mbcType)); err != nil {
		return err
	}
	return m.mbc.Serialize(w)
}

// Deserialize restores state written by Serialize. The cartridge itself is
// not part of the stream; the same ROM must already be loaded.
func (m *MMU) Deserialize(r io.Reader) error {
	for i := range m.vram {
		if err := stream.ReadBytes(r, m.vram[i][:]); err != nil {
			return err
		}
	}
	for i := range m.wram {
		if err := stream.ReadBytes(r, m.wram[i][:]); err != nil {
			return err
		}
	}
	if err := stream.ReadBytes(r, m.memory[0xFE00:0x10000]); err != nil {
		return err
	}
	vals := make([]byte, 9)
	for i := range vals {
		v, err := stream.ReadU8(r)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	m.vramBank, m.wramBank = vals[0], vals[1]
	m.cgb, m.doubleSpeed, m.speedSwitchArmed = vals[2] != 0, vals[3] != 0, vals[4] != 0
	m.bcps, m.ocps, m.bootEnabled, m.prevPPUMode = vals[5], vals[6], vals[7] != 0, vals[8]
	if err := stream.ReadBytes(r, m.bgPaletteRAM[:]); err != nil {
		return err
	}
	if err := stream.ReadBytes(r, m.objPaletteRAM[:]); err != nil {
		return err
	}
	if err := m.timer.Deserialize(r); err != nil {
		return err
	}
	if err := m.dma.deserialize(r); err != nil {
		return err
	}
	if err := m.hdma.deserialize(r); err != nil {
		return err
	}
	tag, err := stream.ReadU8(r)
	if err != nil {
		return err
	}
	if m.mbc == nil {
		if tag != 0xFF {
			return fmt.Errorf("state carries MBC data but no cartridge is loaded")
		}
		return nil
	}
	if tag != byte(m.cart.mbcType) {
		return fmt.Errorf("state MBC type %d does not match loaded cartridge type %d", tag, m.cart.mbcType)
	}
	return m.mbc.Deserialize(r)
}
