package dotmatrix

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgrandi/go-dotmatrix/dotmatrix/memory"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/timing"
)

// buildROM assembles a runnable ROM image: an infinite JR loop at the
// entry point. The logo is left zeroed; loading only warns about it.
func buildROM(cartType, romSizeCode, ramSizeCode byte) []byte {
	rom := make([]byte, (32*1024)<<romSizeCode)
	copy(rom[0x134:], "EMUTEST")
	rom[0x147] = cartType
	rom[0x148] = romSizeCode
	rom[0x149] = ramSizeCode
	// 0x0100: JR -2 (spin forever)
	rom[0x100] = 0x18
	rom[0x101] = 0xFE
	return rom
}

func newTestEmulator(t *testing.T, rom []byte) *Emulator {
	t.Helper()
	emu := New()
	require.Equal(t, memory.Loaded, emu.LoadCartridge(rom))
	return emu
}

func TestEmulator_loadCartridgeStatus(t *testing.T) {
	emu := New()

	assert.Equal(t, memory.ROMParseError, emu.LoadCartridge(make([]byte, 64)))
	assert.Equal(t, memory.Loaded, emu.LoadCartridge(buildROM(0x00, 0x00, 0x00)))
}

func TestEmulator_tick(t *testing.T) {
	emu := newTestEmulator(t, buildROM(0x00, 0x00, 0x00))

	pc := emu.GetCPU().GetPC()
	assert.Equal(t, uint16(0x0100), pc)

	// three M-cycles pay for the JR and it loops in place
	for i := 0; i < 3; i++ {
		assert.True(t, emu.Tick())
	}
	assert.Equal(t, uint16(0x0100), emu.GetCPU().GetPC())
}

func TestEmulator_tickReturnsFalseWhenLocked(t *testing.T) {
	rom := buildROM(0x00, 0x00, 0x00)
	rom[0x100] = 0xD3 // illegal opcode wedges the core
	rom[0x101] = 0x00
	emu := newTestEmulator(t, rom)

	assert.True(t, emu.Tick())
	// once the illegal opcode retires the core reports itself dead
	for i := 0; i < 4; i++ {
		emu.Tick()
	}
	assert.False(t, emu.Tick())
}

func TestEmulator_runUntilFrame(t *testing.T) {
	emu := newTestEmulator(t, buildROM(0x00, 0x00, 0x00))

	emu.RunUntilFrame()
	assert.Equal(t, uint64(1), emu.GetFrameCount())

	emu.RunUntilFrame()
	assert.Equal(t, uint64(2), emu.GetFrameCount())
}

func TestEmulator_reset(t *testing.T) {
	emu := newTestEmulator(t, buildROM(0x00, 0x00, 0x00))

	emu.RunUntilFrame()
	emu.Reset()
	assert.Equal(t, uint16(0x0100), emu.GetCPU().GetPC())
	assert.Equal(t, uint64(0), emu.GetFrameCount())
}

func TestEmulator_snapshotRestoreRoundTrip(t *testing.T) {
	rom := buildROM(0x00, 0x00, 0x00)
	emu := newTestEmulator(t, rom)

	// get into a non-trivial state
	for i := 0; i < 50_000; i++ {
		emu.Tick()
	}

	var state bytes.Buffer
	require.NoError(t, emu.Snapshot(&state))

	restored := newTestEmulator(t, rom)
	require.NoError(t, restored.Restore(bytes.NewReader(state.Bytes())))

	// both machines must now evolve identically
	for i := 0; i < timing.CyclesPerFrame / 4; i++ {
		emu.Tick()
		restored.Tick()
	}

	var a, b bytes.Buffer
	require.NoError(t, emu.GetCPU().Serialize(&a))
	require.NoError(t, restored.GetCPU().Serialize(&b))
	assert.Equal(t, a.Bytes(), b.Bytes(), "CPU state diverged after restore")

	var ma, mb bytes.Buffer
	require.NoError(t, emu.GetMMU().Serialize(&ma))
	require.NoError(t, restored.GetMMU().Serialize(&mb))
	assert.Equal(t, ma.Bytes(), mb.Bytes(), "memory state diverged after restore")

	assert.Equal(t, emu.GetCurrentFrame().ToSlice(), restored.GetCurrentFrame().ToSlice())
}

func TestEmulator_restoreFailureLeavesStateUntouched(t *testing.T) {
	emu := newTestEmulator(t, buildROM(0x00, 0x00, 0x00))
	for i := 0; i < 1000; i++ {
		emu.Tick()
	}

	var before bytes.Buffer
	require.NoError(t, emu.GetCPU().Serialize(&before))

	err := emu.Restore(bytes.NewReader([]byte("XXXX")))
	var restoreErr *RestoreError
	require.ErrorAs(t, err, &restoreErr)

	var after bytes.Buffer
	require.NoError(t, emu.GetCPU().Serialize(&after))
	assert.Equal(t, before.Bytes(), after.Bytes())
}

func TestEmulator_restoreRejectsBadVersion(t *testing.T) {
	emu := newTestEmulator(t, buildROM(0x00, 0x00, 0x00))

	var state bytes.Buffer
	require.NoError(t, emu.Snapshot(&state))
	data := state.Bytes()
	data[4] = 0xFF // corrupt the version field

	err := emu.Restore(bytes.NewReader(data))
	var restoreErr *RestoreError
	require.ErrorAs(t, err, &restoreErr)
	assert.Contains(t, restoreErr.Reason, "version")
}

func TestEmulator_batteryRoundTrip(t *testing.T) {
	rom := buildROM(0x03, 0x00, 0x02) // MBC1+RAM+BATTERY, one RAM bank
	emu := newTestEmulator(t, rom)

	mmu := emu.GetMMU()
	mmu.Write(0x0000, 0x0A) // enable cart RAM
	for i := uint16(0); i < 64; i++ {
		mmu.Write(0xA000+i, uint8(i)^0x5A)
	}

	var sav bytes.Buffer
	require.NoError(t, emu.SaveBattery(&sav))

	other := newTestEmulator(t, rom)
	require.NoError(t, other.LoadBattery(bytes.NewReader(sav.Bytes())))

	otherMMU := other.GetMMU()
	otherMMU.Write(0x0000, 0x0A)
	for i := uint16(0); i < 64; i++ {
		assert.Equal(t, uint8(i)^0x5A, otherMMU.Read(0xA000+i))
	}
}

func TestEmulator_batteryRequiresBatteryCart(t *testing.T) {
	emu := newTestEmulator(t, buildROM(0x00, 0x00, 0x00))

	var sav bytes.Buffer
	assert.ErrorIs(t, emu.SaveBattery(&sav), ErrNoBattery)
	assert.ErrorIs(t, emu.LoadBattery(&sav), ErrNoBattery)
}

type countingSink struct{ presents int }

func (c *countingSink) DrawScanline(y int, pixels *[160]byte) {}
func (c *countingSink) Present()                              { c.presents++ }

func TestEmulator_displaySinkSurvivesReset(t *testing.T) {
	emu := newTestEmulator(t, buildROM(0x00, 0x00, 0x00))
	sink := &countingSink{}
	emu.SetDisplaySink(sink)

	emu.RunUntilFrame()
	emu.Reset()
	emu.RunUntilFrame()

	assert.GreaterOrEqual(t, sink.presents, 2)
}
