// Package dotmatrix is a cycle-stepped emulator core for the original
// 8-bit handheld (DMG) and its color successor (CGB). The Emulator owns
// every subsystem and advances them in lockstep from one master clock;
// hosts plug in display, audio, joypad and serial endpoints.
package dotmatrix

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pgrandi/go-dotmatrix/dotmatrix/addr"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/audio"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/cpu"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/memory"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/serial"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/timing"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/video"
)

// timerSeed is the divider counter value at the end of the boot ROM.
const timerSeed = 0xABCC

// Emulator is the root struct and entry point for running the emulation.
// One call to Tick advances the master clock by one machine cycle (4 dots):
// within it the bus units (timer, serial, DMA) step first, then the PPU and
// APU, then the CPU consumes the cycle toward its current instruction. The
// ordering is fixed and also used by RunUntilFrame.
type Emulator struct {
	cpu *cpu.CPU
	gpu *video.GPU
	mem *memory.MMU

	cart  *memory.Cartridge
	rom   []byte
	clock memory.Clock

	display video.DisplaySink
	audio   audio.SampleSink
	joypad  memory.JoypadSource
	serial  memory.SerialPort

	limiter timing.Limiter

	// instructionDebt is how many T-cycles of the current instruction have
	// not yet been paid for by Tick calls.
	instructionDebt int
	frameCycles     int
	frameCount      uint64
}

// New creates an emulator with no cartridge inserted.
func New() *Emulator {
	e := &Emulator{limiter: timing.NewNoOpLimiter()}
	e.init(memory.New())
	return e
}

// NewWithFile creates an emulator and loads the ROM file into it.
func NewWithFile(path string) (*Emulator, error) {
	e := New()
	if status := e.LoadCartridgeFile(path); status != memory.Loaded {
		return nil, fmt.Errorf("loading %s: %s", path, status)
	}
	return e, nil
}

func (e *Emulator) init(mem *memory.MMU) {
	e.mem = mem
	e.cpu = cpu.New(mem)
	e.gpu = video.NewGpu(mem)
	e.mem.SetTimerSeed(timerSeed)
	e.instructionDebt = 0
	e.frameCycles = 0

	// keep host wiring across cartridge swaps and resets
	e.gpu.SetDisplaySink(e.display)
	e.mem.APU.SetSampleSink(e.audio)
	e.mem.SetJoypadSource(e.joypad)
	if e.serial == nil {
		e.serial = serial.NewLogSink(func() { e.mem.RequestInterrupt(addr.SerialInterrupt) })
	}
	e.mem.SetSerialPort(e.serial)
}

// LoadCartridge parses and inserts a ROM image. Any status other than
// memory.Loaded leaves the emulator unchanged.
func (e *Emulator) LoadCartridge(data []byte) memory.CartridgeStatus {
	cart, status := memory.NewCartridgeWithData(data)
	if status != memory.Loaded {
		return status
	}
	e.cart = cart
	e.rom = data
	e.init(memory.NewWithCartridge(cart, e.clock))
	slog.Debug("Cartridge loaded", "title", cart.Title(), "cgb", cart.IsCGB())
	return memory.Loaded
}

// LoadCartridgeFile reads a ROM from disk and inserts it.
func (e *Emulator) LoadCartridgeFile(path string) memory.CartridgeStatus {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("Could not read ROM file", "path", path, "error", err)
		return memory.ROMFileNotReadable
	}
	return e.LoadCartridge(data)
}

// SetClock injects the time source used by the MBC3 RTC. Must be called
// before LoadCartridge to take effect.
func (e *Emulator) SetClock(clock memory.Clock) { e.clock = clock }

// Reset restores the power-on state, keeping the loaded cartridge and the
// host wiring.
func (e *Emulator) Reset() {
	if e.cart != nil {
		e.init(memory.NewWithCartridge(e.cart, e.clock))
	} else {
		e.init(memory.New())
	}
	e.frameCount = 0
}

// Host wiring. Setters may be called at any point between ticks.

func (e *Emulator) SetDisplaySink(sink video.DisplaySink) {
	e.display = sink
	e.gpu.SetDisplaySink(sink)
}

func (e *Emulator) SetAudioSink(sink audio.SampleSink) {
	e.audio = sink
	e.mem.APU.SetSampleSink(sink)
}

func (e *Emulator) SetJoypadSource(source memory.JoypadSource) {
	e.joypad = source
	e.mem.SetJoypadSource(source)
}

func (e *Emulator) SetSerialPort(port memory.SerialPort) {
	e.serial = port
	e.mem.SetSerialPort(port)
}

// SetFrameLimiter controls pacing in RunUntilFrame.
func (e *Emulator) SetFrameLimiter(limiter timing.Limiter) {
	if limiter == nil {
		limiter = timing.NewNoOpLimiter()
	}
	e.limiter = limiter
}

// Tick advances the master clock by one machine cycle. It returns false
// once the core is fatally wedged (an illegal opcode locked the CPU).
func (e *Emulator) Tick() bool {
	if e.cpu.IsLocked() {
		return false
	}

	// bus housekeeping runs at CPU speed; the PPU and APU run at the dot
	// clock, which is half the CPU clock in CGB double speed
	e.mem.Tick(4)
	dots := 4
	if e.mem.DoubleSpeed() {
		dots = 2
	}
	e.gpu.Tick(dots)
	e.mem.APU.Tick(dots)
	e.frameCycles += dots

	e.instructionDebt -= 4
	if e.instructionDebt <= 0 {
		e.instructionDebt += e.cpu.Tick()
	}

	return true
}

// RunUntilFrame advances the emulation by one full video frame (70224
// dots), polling input once and pacing through the frame limiter.
func (e *Emulator) RunUntilFrame() {
	e.mem.PollInput()
	for e.frameCycles < timing.CyclesPerFrame {
		if !e.Tick() {
			break
		}
	}
	e.frameCycles -= timing.CyclesPerFrame
	if e.frameCycles < 0 {
		e.frameCycles = 0
	}
	e.frameCount++
	e.limiter.WaitForNextFrame()
}

// GetCurrentFrame returns the rendered framebuffer.
func (e *Emulator) GetCurrentFrame() *video.FrameBuffer {
	return e.gpu.GetFrameBuffer()
}

// GetFrameCount returns the number of completed frames.
func (e *Emulator) GetFrameCount() uint64 { return e.frameCount }

// GetCPU exposes the CPU (tests and tooling).
func (e *Emulator) GetCPU() *cpu.CPU { return e.cpu }

// GetMMU exposes the memory unit (tests and tooling).
func (e *Emulator) GetMMU() *memory.MMU { return e.mem }

// HandleKeyPress forwards a host key press to the joypad matrix.
func (e *Emulator) HandleKeyPress(key memory.JoypadKey) { e.mem.HandleKeyPress(key) }

// HandleKeyRelease forwards a host key release to the joypad matrix.
func (e *Emulator) HandleKeyRelease(key memory.JoypadKey) { e.mem.HandleKeyRelease(key) }
