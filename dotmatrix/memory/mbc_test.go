package memory

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bankedROM fills each 16 KiB bank with its own bank number.
func bankedROM(banks int) []uint8 {
	rom := make([]uint8, banks*romBankSize)
	for i := range rom {
		rom[i] = uint8(i / romBankSize)
	}
	return rom
}

func TestMBC1(t *testing.T) {
	t.Run("bank 0 is fixed", func(t *testing.T) {
		mbc := NewMBC1(bankedROM(4), false, 0)
		assert.Equal(t, uint8(0), mbc.Read(0x0000))
		assert.Equal(t, uint8(0), mbc.Read(0x3FFF))
	})

	t.Run("switchable bank", func(t *testing.T) {
		mbc := NewMBC1(bankedROM(4), false, 0)
		assert.Equal(t, uint8(1), mbc.Read(0x4000), "default bank is 1")

		mbc.Write(0x2000, 2)
		assert.Equal(t, uint8(2), mbc.Read(0x4000))

		mbc.Write(0x2000, 3)
		assert.Equal(t, uint8(3), mbc.Read(0x7FFF))
	})

	t.Run("bank 0 select maps to 1", func(t *testing.T) {
		mbc := NewMBC1(bankedROM(4), false, 0)
		mbc.Write(0x2000, 0)
		assert.Equal(t, uint8(1), mbc.Read(0x4000))
	})

	t.Run("bank index wraps to available banks", func(t *testing.T) {
		mbc := NewMBC1(bankedROM(4), false, 0)
		mbc.Write(0x2000, 0x1E) // bank 30 on a 4-bank cart -> 30 & 3 = 2
		assert.Equal(t, uint8(2), mbc.Read(0x4000))
	})

	t.Run("high bits extend the ROM bank in mode 0", func(t *testing.T) {
		mbc := NewMBC1(bankedROM(128), false, 0)
		mbc.Write(0x2000, 0x01)
		mbc.Write(0x4000, 0x01) // high bits = 01 -> bank 0x21
		assert.Equal(t, uint8(0x21), mbc.Read(0x4000))
		// mode 0 keeps the low region at bank 0
		assert.Equal(t, uint8(0), mbc.Read(0x0000))
	})

	t.Run("mode 1 rebanks the low region on large carts", func(t *testing.T) {
		mbc := NewMBC1(bankedROM(128), false, 0)
		mbc.Write(0x4000, 0x01)
		mbc.Write(0x6000, 0x01)
		assert.Equal(t, uint8(0x20), mbc.Read(0x0000))
	})

	t.Run("RAM requires enable", func(t *testing.T) {
		mbc := NewMBC1(bankedROM(4), true, 1)
		mbc.Write(0xA000, 0x42)
		assert.Equal(t, uint8(0xFF), mbc.Read(0xA000), "disabled RAM reads 0xFF")

		mbc.Write(0x0000, 0x0A)
		mbc.Write(0xA000, 0x42)
		assert.Equal(t, uint8(0x42), mbc.Read(0xA000))

		mbc.Write(0x0000, 0x00)
		assert.Equal(t, uint8(0xFF), mbc.Read(0xA000))
	})

	t.Run("RAM banking in mode 1", func(t *testing.T) {
		mbc := NewMBC1(bankedROM(4), true, 4)
		mbc.Write(0x0000, 0x0A)
		mbc.Write(0x6000, 0x01)

		mbc.Write(0x4000, 0x00)
		mbc.Write(0xA000, 0x11)
		mbc.Write(0x4000, 0x02)
		mbc.Write(0xA000, 0x22)

		mbc.Write(0x4000, 0x00)
		assert.Equal(t, uint8(0x11), mbc.Read(0xA000))
		mbc.Write(0x4000, 0x02)
		assert.Equal(t, uint8(0x22), mbc.Read(0xA000))
	})
}

func TestMBC2(t *testing.T) {
	t.Run("address bit 8 selects the register", func(t *testing.T) {
		mbc := NewMBC2(bankedROM(16), false)

		// bit 8 clear: RAM enable
		mbc.Write(0x0000, 0x0A)
		mbc.Write(0xA000, 0x0F)
		assert.Equal(t, uint8(0xFF), mbc.Read(0xA000), "low nibble set reads with high nibble floating")

		// bit 8 set: ROM bank
		mbc.Write(0x0100, 0x03)
		assert.Equal(t, uint8(3), mbc.Read(0x4000))
	})

	t.Run("RAM is 512 half bytes, echoed", func(t *testing.T) {
		mbc := NewMBC2(bankedROM(4), false)
		mbc.Write(0x0000, 0x0A)

		mbc.Write(0xA000, 0xFF)
		assert.Equal(t, uint8(0xFF), mbc.Read(0xA000))
		assert.Equal(t, uint8(0xF0)|0x0F, mbc.Read(0xA200), "window echoes every 512 bytes")

		mbc.Write(0xA001, 0x05)
		assert.Equal(t, uint8(0xF5), mbc.Read(0xA201))
	})

	t.Run("bank 0 select maps to 1", func(t *testing.T) {
		mbc := NewMBC2(bankedROM(4), false)
		mbc.Write(0x0100, 0x00)
		assert.Equal(t, uint8(1), mbc.Read(0x4000))
	})
}

// mockClock drives the RTC deterministically in tests.
type mockClock struct {
	now int64
}

func (c *mockClock) Now() int64 { return c.now }

func TestMBC3_rtc(t *testing.T) {
	clock := &mockClock{now: 1000}
	mbc := NewMBC3(bankedROM(8), true, true, 4, clock)
	mbc.Write(0x0000, 0x0A)

	// map the seconds register and latch
	mbc.Write(0x4000, 0x08)
	mbc.Write(0x6000, 0x00)
	mbc.Write(0x6000, 0x01)
	assert.Equal(t, uint8(0), mbc.Read(0xA000))

	// advance 90 seconds and latch again
	clock.now += 90
	mbc.Write(0x6000, 0x00)
	mbc.Write(0x6000, 0x01)
	assert.Equal(t, uint8(30), mbc.Read(0xA000))

	mbc.Write(0x4000, 0x09)
	assert.Equal(t, uint8(1), mbc.Read(0xA000), "minutes advanced")

	// without a new latch edge the shadow stays frozen
	clock.now += 3600
	assert.Equal(t, uint8(1), mbc.Read(0xA000))
}

func TestMBC3_rtcHalt(t *testing.T) {
	clock := &mockClock{now: 0}
	mbc := NewMBC3(bankedROM(8), true, true, 4, clock)
	mbc.Write(0x0000, 0x0A)

	// set the halt bit (DH bit 6)
	mbc.Write(0x4000, 0x0C)
	mbc.Write(0xA000, 0x40)

	clock.now += 500
	mbc.Write(0x4000, 0x08)
	mbc.Write(0x6000, 0x00)
	mbc.Write(0x6000, 0x01)
	assert.Equal(t, uint8(0), mbc.Read(0xA000), "halted clock does not advance")
}

func TestMBC3_ramBanking(t *testing.T) {
	mbc := NewMBC3(bankedROM(8), true, false, 4, nil)
	mbc.Write(0x0000, 0x0A)

	mbc.Write(0x4000, 0x00)
	mbc.Write(0xA000, 0xAA)
	mbc.Write(0x4000, 0x03)
	mbc.Write(0xA000, 0xBB)

	mbc.Write(0x4000, 0x00)
	assert.Equal(t, uint8(0xAA), mbc.Read(0xA000))
	mbc.Write(0x4000, 0x03)
	assert.Equal(t, uint8(0xBB), mbc.Read(0xA000))
}

func TestMBC5(t *testing.T) {
	t.Run("nine bit ROM bank", func(t *testing.T) {
		mbc := NewMBC5(bankedROM(512), false, 0)
		mbc.Write(0x2000, 0x34)
		mbc.Write(0x3000, 0x01)
		// bank 0x134 = 308
		assert.Equal(t, uint8(0x34), mbc.Read(0x4000))
	})

	t.Run("bank 0 is selectable", func(t *testing.T) {
		mbc := NewMBC5(bankedROM(4), false, 0)
		mbc.Write(0x2000, 0x00)
		assert.Equal(t, uint8(0), mbc.Read(0x4000), "MBC5 has no bank-0 remap")
	})

	t.Run("RAM banking", func(t *testing.T) {
		mbc := NewMBC5(bankedROM(4), true, 16)
		mbc.Write(0x0000, 0x0A)
		mbc.Write(0x4000, 0x0F)
		mbc.Write(0xA000, 0x99)
		mbc.Write(0x4000, 0x00)
		assert.NotEqual(t, uint8(0x99), mbc.Read(0xA000))
		mbc.Write(0x4000, 0x0F)
		assert.Equal(t, uint8(0x99), mbc.Read(0xA000))
	})
}

func TestMBC_batteryRoundTrip(t *testing.T) {
	mbc := NewMBC1(bankedROM(4), true, 1)
	mbc.Write(0x0000, 0x0A)
	for i := uint16(0); i < 16; i++ {
		mbc.Write(0xA000+i, uint8(i)*3)
	}

	var buf bytes.Buffer
	require.NoError(t, mbc.SaveBattery(&buf))

	other := NewMBC1(bankedROM(4), true, 1)
	require.NoError(t, other.LoadBattery(&buf))
	other.Write(0x0000, 0x0A)
	for i := uint16(0); i < 16; i++ {
		assert.Equal(t, uint8(i)*3, other.Read(0xA000+i))
	}
}

func TestMBC3_batteryIncludesRTCTrailer(t *testing.T) {
	clock := &mockClock{now: 12345}
	mbc := NewMBC3(bankedROM(8), true, true, 4, clock)

	var buf bytes.Buffer
	require.NoError(t, mbc.SaveBattery(&buf))
	// 4 banks of RAM + 48-byte RTC trailer
	assert.Equal(t, 4*ramBankSize+48, buf.Len())

	// reloading re-applies the elapsed wall time
	later := &mockClock{now: 12345 + 75}
	other := NewMBC3(bankedROM(8), true, true, 4, later)
	require.NoError(t, other.LoadBattery(&buf))

	other.Write(0x0000, 0x0A)
	other.Write(0x4000, 0x08)
	other.Write(0x6000, 0x00)
	other.Write(0x6000, 0x01)
	assert.Equal(t, uint8(15), other.Read(0xA000), "75 elapsed seconds -> 15s on the clock")
}

func TestMBC_serializeRoundTrip(t *testing.T) {
	mbc := NewMBC5(bankedROM(8), true, 4)
	mbc.Write(0x0000, 0x0A)
	mbc.Write(0x2000, 0x05)
	mbc.Write(0x4000, 0x02)
	mbc.Write(0xA000, 0x77)

	var buf bytes.Buffer
	require.NoError(t, mbc.Serialize(&buf))

	other := NewMBC5(bankedROM(8), true, 4)
	require.NoError(t, other.Deserialize(&buf))
	assert.Equal(t, uint8(5), other.Read(0x4000))
	assert.Equal(t, uint8(0x77), other.Read(0xA000))
}
