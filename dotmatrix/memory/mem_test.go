package memory

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgrandi/go-dotmatrix/dotmatrix/addr"
)

func TestMMU_echoRAM(t *testing.T) {
	mmu := New()

	mmu.Write(0xC123, 0x42)
	assert.Equal(t, uint8(0x42), mmu.Read(0xE123))

	mmu.Write(0xE234, 0x55)
	assert.Equal(t, uint8(0x55), mmu.Read(0xC234))
}

func TestMMU_unusableRegion(t *testing.T) {
	mmu := New()

	mmu.Write(0xFEA0, 0x12)
	assert.Equal(t, uint8(0xFF), mmu.Read(0xFEA0))
	assert.Equal(t, uint8(0xFF), mmu.Read(0xFEFF))
}

func TestMMU_interruptFlagUpperBits(t *testing.T) {
	mmu := New()

	mmu.Write(addr.IF, 0x00)
	assert.Equal(t, uint8(0xE0), mmu.Read(addr.IF))

	mmu.RequestInterrupt(addr.TimerInterrupt)
	assert.Equal(t, uint8(0xE4), mmu.Read(addr.IF))
}

func TestMMU_statWriteMask(t *testing.T) {
	mmu := New()

	// mode/coincidence bits are read-only; bit 7 reads 1
	mmu.WriteIO(addr.STAT, 0x02)
	mmu.Write(addr.STAT, 0xFF)
	got := mmu.Read(addr.STAT)
	assert.Equal(t, uint8(0x02), got&0x07)
	assert.Equal(t, uint8(0x80), got&0x80)
}

func TestMMU_lyIsReadOnly(t *testing.T) {
	mmu := New()

	mmu.WriteIO(addr.LY, 77)
	mmu.Write(addr.LY, 0)
	assert.Equal(t, uint8(77), mmu.Read(addr.LY))
}

func TestMMU_oamBlockedDuringModes2And3(t *testing.T) {
	mmu := New()
	mmu.WriteIO(addr.LCDC, 0x80) // LCD on

	mmu.WriteIO(addr.STAT, 0x00)
	mmu.Write(0xFE00, 0x42)
	assert.Equal(t, uint8(0x42), mmu.Read(0xFE00))

	mmu.WriteIO(addr.STAT, 0x02)
	assert.Equal(t, uint8(0xFF), mmu.Read(0xFE00))
	mmu.Write(0xFE00, 0x99)

	mmu.WriteIO(addr.STAT, 0x00)
	assert.Equal(t, uint8(0x42), mmu.Read(0xFE00), "write during mode 2 must drop")
}

func TestMMU_vramBlockedDuringMode3(t *testing.T) {
	mmu := New()
	mmu.WriteIO(addr.LCDC, 0x80)

	mmu.WriteIO(addr.STAT, 0x00)
	mmu.Write(0x8000, 0x42)

	mmu.WriteIO(addr.STAT, 0x03)
	assert.Equal(t, uint8(0xFF), mmu.Read(0x8000))
	mmu.Write(0x8000, 0x13)

	mmu.WriteIO(addr.STAT, 0x00)
	assert.Equal(t, uint8(0x42), mmu.Read(0x8000))
}

func TestMMU_accessNotBlockedWithLCDOff(t *testing.T) {
	mmu := New()
	mmu.WriteIO(addr.LCDC, 0x00)
	mmu.WriteIO(addr.STAT, 0x03)

	mmu.Write(0x8000, 0x42)
	assert.Equal(t, uint8(0x42), mmu.Read(0x8000))
}

func TestMMU_joypadMatrix(t *testing.T) {
	mmu := New()

	// select the d-pad row (bit 4 low)
	mmu.Write(addr.P1, 0x20)
	assert.Equal(t, uint8(0x0F), mmu.Read(addr.P1)&0x0F, "nothing pressed reads high")

	mmu.HandleKeyPress(JoypadRight)
	assert.Equal(t, uint8(0x0E), mmu.Read(addr.P1)&0x0F)

	// select the buttons row (bit 5 low); Right does not show there
	mmu.Write(addr.P1, 0x10)
	assert.Equal(t, uint8(0x0F), mmu.Read(addr.P1)&0x0F)

	mmu.HandleKeyPress(JoypadA)
	assert.Equal(t, uint8(0x0E), mmu.Read(addr.P1)&0x0F)

	mmu.HandleKeyRelease(JoypadA)
	mmu.HandleKeyRelease(JoypadRight)
	assert.Equal(t, uint8(0x0F), mmu.Read(addr.P1)&0x0F)
}

func TestMMU_joypadInterruptOnPress(t *testing.T) {
	mmu := New()
	mmu.Write(addr.P1, 0x20)

	mmu.Write(addr.IF, 0x00)
	mmu.HandleKeyPress(JoypadDown)
	assert.Equal(t, uint8(0x10), mmu.Read(addr.IF)&0x1F)

	// holding does not retrigger
	mmu.Write(addr.IF, 0x00)
	mmu.HandleKeyPress(JoypadDown)
	assert.Equal(t, uint8(0x00), mmu.Read(addr.IF)&0x1F)
}

type stubJoypad struct{ pressed map[JoypadKey]bool }

func (s *stubJoypad) IsPressed(key JoypadKey) bool { return s.pressed[key] }

func TestMMU_pollInputFromSource(t *testing.T) {
	mmu := New()
	source := &stubJoypad{pressed: map[JoypadKey]bool{JoypadStart: true}}
	mmu.SetJoypadSource(source)

	mmu.Write(addr.P1, 0x10) // buttons row
	mmu.PollInput()
	assert.Equal(t, uint8(0x07), mmu.Read(addr.P1)&0x0F)

	source.pressed[JoypadStart] = false
	mmu.PollInput()
	assert.Equal(t, uint8(0x0F), mmu.Read(addr.P1)&0x0F)
}

func TestMMU_bootROMLatch(t *testing.T) {
	mmu := New()
	boot := make([]byte, 0x100)
	boot[0] = 0xAA
	mmu.SetBootROM(boot)

	assert.True(t, mmu.BootROMEnabled())
	assert.Equal(t, uint8(0xAA), mmu.Read(0x0000))

	mmu.Write(addr.BOOT, 0x01)
	assert.False(t, mmu.BootROMEnabled())

	// the latch is one-way
	mmu.Write(addr.BOOT, 0x00)
	assert.False(t, mmu.BootROMEnabled())
}

func TestMMU_oamDMATransfer(t *testing.T) {
	mmu := New()

	for i := uint16(0); i < 0xA0; i++ {
		mmu.Write(0xC000+i, uint8(i))
	}
	mmu.Write(addr.DMA, 0xC0)

	// during the transfer OAM reads are blocked
	assert.Equal(t, uint8(0xFF), mmu.Read(0xFE00))

	// 160 M-cycles = 640 T-cycles complete the copy
	mmu.Tick(640)
	for i := uint16(0); i < 0xA0; i++ {
		assert.Equal(t, uint8(i), mmu.Read(0xFE00+i))
	}
}

func TestMMU_oamDMAPacing(t *testing.T) {
	mmu := New()
	mmu.Write(0xC000, 0x42)
	mmu.Write(addr.DMA, 0xC0)

	// one byte per M-cycle: after 4 T-cycles only the first byte moved
	mmu.Tick(4)
	assert.Equal(t, uint8(0x42), mmu.ReadOAM(0))
	assert.Equal(t, uint8(0x00), mmu.ReadOAM(1))
}

func TestMMU_serializeRoundTrip(t *testing.T) {
	cart, status := NewCartridgeWithData(buildROM(0x03, 0x01, 0x02))
	require.Equal(t, Loaded, status)
	mmu := NewWithCartridge(cart, nil)

	mmu.Write(0xC000, 0x11)
	mmu.Write(0x8000, 0x22)
	mmu.Write(0xFF80, 0x33)
	mmu.Write(0x0000, 0x0A) // enable cart RAM
	mmu.Write(0xA000, 0x44)
	mmu.Timer().Write(addr.TAC, 0x05)

	var buf bytes.Buffer
	require.NoError(t, mmu.Serialize(&buf))

	cart2, _ := NewCartridgeWithData(buildROM(0x03, 0x01, 0x02))
	other := NewWithCartridge(cart2, nil)
	require.NoError(t, other.Deserialize(&buf))

	assert.Equal(t, uint8(0x11), other.Read(0xC000))
	assert.Equal(t, uint8(0x22), other.Read(0x8000))
	assert.Equal(t, uint8(0x33), other.Read(0xFF80))
	assert.Equal(t, uint8(0x44), other.Read(0xA000))
	assert.Equal(t, byte(0xFD), other.Timer().Read(addr.TAC))
}

func newCGBMMU(t *testing.T) *MMU {
	t.Helper()
	rom := buildROM(0x19, 0x01, 0x00)
	rom[cgbFlagAddress] = 0x80
	cart, status := NewCartridgeWithData(rom)
	require.Equal(t, Loaded, status)
	mmu := NewWithCartridge(cart, nil)
	require.True(t, mmu.IsCGB())
	return mmu
}

func TestMMU_gdmaCopiesImmediately(t *testing.T) {
	mmu := newCGBMMU(t)

	for i := uint16(0); i < 32; i++ {
		mmu.Write(0xC000+i, uint8(i+1))
	}
	mmu.Write(addr.HDMA1, 0xC0)
	mmu.Write(addr.HDMA2, 0x00)
	mmu.Write(addr.HDMA3, 0x00)
	mmu.Write(addr.HDMA4, 0x00)
	mmu.Write(addr.HDMA5, 0x01) // 2 blocks, general purpose

	for i := uint16(0); i < 32; i++ {
		assert.Equal(t, uint8(i+1), mmu.ReadVRAM(0, 0x8000+i))
	}
	assert.Equal(t, uint8(0xFF), mmu.Read(addr.HDMA5), "transfer reports complete")
}

func TestMMU_hdmaCopiesPerHBlank(t *testing.T) {
	mmu := newCGBMMU(t)

	for i := uint16(0); i < 32; i++ {
		mmu.Write(0xC000+i, uint8(0x80+i))
	}
	mmu.Write(addr.HDMA1, 0xC0)
	mmu.Write(addr.HDMA2, 0x00)
	mmu.Write(addr.HDMA3, 0x00)
	mmu.Write(addr.HDMA4, 0x00)
	mmu.Write(addr.HDMA5, 0x81) // 2 blocks, one per HBlank

	// no copy until the PPU enters mode 0
	mmu.WriteIO(addr.STAT, 0x02)
	mmu.Tick(4)
	assert.Equal(t, uint8(0x00), mmu.ReadVRAM(0, 0x8000))

	mmu.WriteIO(addr.STAT, 0x00)
	mmu.Tick(4)
	assert.Equal(t, uint8(0x80), mmu.ReadVRAM(0, 0x8000))
	assert.Equal(t, uint8(0x00), mmu.ReadVRAM(0, 0x8010), "second block waits for the next HBlank")

	mmu.WriteIO(addr.STAT, 0x02)
	mmu.Tick(4)
	mmu.WriteIO(addr.STAT, 0x00)
	mmu.Tick(4)
	assert.Equal(t, uint8(0x90), mmu.ReadVRAM(0, 0x8010))
	assert.Equal(t, uint8(0xFF), mmu.Read(addr.HDMA5))
}

func TestMMU_hdmaCancel(t *testing.T) {
	mmu := newCGBMMU(t)

	mmu.Write(addr.HDMA1, 0xC0)
	mmu.Write(addr.HDMA2, 0x00)
	mmu.Write(addr.HDMA3, 0x00)
	mmu.Write(addr.HDMA4, 0x00)
	mmu.Write(addr.HDMA5, 0x87)

	mmu.Write(addr.HDMA5, 0x00) // bit 7 clear cancels
	assert.Equal(t, uint8(0xFF), mmu.Read(addr.HDMA5))
}

func TestMMU_vramBanking(t *testing.T) {
	mmu := newCGBMMU(t)
	mmu.WriteIO(addr.STAT, 0x00)

	mmu.Write(addr.VBK, 0x00)
	mmu.Write(0x8000, 0x11)
	mmu.Write(addr.VBK, 0x01)
	mmu.Write(0x8000, 0x22)

	assert.Equal(t, uint8(0x22), mmu.Read(0x8000))
	mmu.Write(addr.VBK, 0x00)
	assert.Equal(t, uint8(0x11), mmu.Read(0x8000))

	assert.Equal(t, uint8(0x11), mmu.ReadVRAM(0, 0x8000))
	assert.Equal(t, uint8(0x22), mmu.ReadVRAM(1, 0x8000))
}

func TestMMU_wramBanking(t *testing.T) {
	mmu := newCGBMMU(t)

	mmu.Write(addr.SVBK, 0x01)
	mmu.Write(0xD000, 0x11)
	mmu.Write(addr.SVBK, 0x07)
	mmu.Write(0xD000, 0x77)

	assert.Equal(t, uint8(0x77), mmu.Read(0xD000))
	mmu.Write(addr.SVBK, 0x01)
	assert.Equal(t, uint8(0x11), mmu.Read(0xD000))

	// bank 0 selects bank 1
	mmu.Write(addr.SVBK, 0x00)
	assert.Equal(t, uint8(0x11), mmu.Read(0xD000))
}

func TestMMU_speedSwitch(t *testing.T) {
	mmu := newCGBMMU(t)

	assert.False(t, mmu.PerformSpeedSwitch(), "switch requires KEY1 bit 0")

	mmu.Write(addr.KEY1, 0x01)
	assert.Equal(t, uint8(0x7F), mmu.Read(addr.KEY1))

	assert.True(t, mmu.PerformSpeedSwitch())
	assert.True(t, mmu.DoubleSpeed())
	assert.Equal(t, uint8(0xFE), mmu.Read(addr.KEY1))
}

func TestMMU_cgbPaletteRAM(t *testing.T) {
	mmu := newCGBMMU(t)

	// auto-increment writes
	mmu.Write(addr.BCPS, 0x80)
	mmu.Write(addr.BCPD, 0x12)
	mmu.Write(addr.BCPD, 0x34)

	mmu.Write(addr.BCPS, 0x00)
	assert.Equal(t, uint8(0x12), mmu.Read(addr.BCPD))
	mmu.Write(addr.BCPS, 0x01)
	assert.Equal(t, uint8(0x34), mmu.Read(addr.BCPD))

	assert.Equal(t, uint8(0x12), mmu.BGPaletteRAM()[0])
	assert.Equal(t, uint8(0x34), mmu.BGPaletteRAM()[1])
}
